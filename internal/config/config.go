// Package config loads the application settings
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "nightscout-chart"

// Glucose status names shared by the tray and notifications
const (
	StatusUrgentLow  = "urgent_low"
	StatusLow        = "low"
	StatusNormal     = "normal"
	StatusHigh       = "high"
	StatusUrgentHigh = "urgent_high"
)

// NightscoutSettings is the upstream connection
type NightscoutSettings struct {
	URL       string `yaml:"url"`
	APISecret string `yaml:"apiSecret"` // plain secret, hashed before sending
	Token     string `yaml:"token"`     // preferred over the secret when set

	ConnectTimeoutSeconds float64 `yaml:"connectTimeoutSeconds"`
	ReadTimeoutSeconds    float64 `yaml:"readTimeoutSeconds"`
	Retries               int     `yaml:"retries"`
	RetryBackoffSeconds   float64 `yaml:"retryBackoffSeconds"`
	VerifySSL             bool    `yaml:"verifySSL"`
	RequestsPerSecond     float64 `yaml:"requestsPerSecond"`
}

// DexcomSettings is the direct vendor feed login
type DexcomSettings struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Region   string `yaml:"region"` // US, OUS or JP; empty tries OUS then US
}

// DisplaySettings controls the chart window and axis
type DisplaySettings struct {
	RefreshInterval  int      `yaml:"refreshInterval"` // seconds
	WindowMinutes    int      `yaml:"windowMinutes"`
	DashboardMinutes int      `yaml:"dashboardMinutes"`
	YMin             *float64 `yaml:"yMin,omitempty"`
	YMax             *float64 `yaml:"yMax,omitempty"`
	Width            int      `yaml:"width"`
	Height           int      `yaml:"height"`
}

// TimeSettings is the timestamp normalization policy
type TimeSettings struct {
	AssumeNaiveUTC bool   `yaml:"assumeNaiveUTC"`
	OffsetMinutes  int    `yaml:"offsetMinutes"`
	NaiveLocal     bool   `yaml:"naiveLocal"`
	Timezone       string `yaml:"timezone"` // IANA name, empty for the system zone
}

// DebugSettings toggles verbose traces
type DebugSettings struct {
	Time bool `yaml:"time"`
	Age  bool `yaml:"age"`
}

// AlertSettings holds thresholds (mmol/L) and notification switches
type AlertSettings struct {
	TargetLow  float64 `yaml:"targetLow"`
	TargetHigh float64 `yaml:"targetHigh"`
	UrgentLow  float64 `yaml:"urgentLow"`
	UrgentHigh float64 `yaml:"urgentHigh"`

	EnableHigh         bool `yaml:"enableHigh"`
	EnableLow          bool `yaml:"enableLow"`
	EnableUrgentHigh   bool `yaml:"enableUrgentHigh"`
	EnableUrgentLow    bool `yaml:"enableUrgentLow"`
	EnableSound        bool `yaml:"enableSound"`
	EnableFetchFailure bool `yaml:"enableFetchFailure"`
	RepeatMinutes      int  `yaml:"repeatMinutes"` // 0 = no repeat
}

// InsulinSettings are the decay model constants
type InsulinSettings struct {
	Curve                 string  `yaml:"curve"` // "exponential" or "bilinear"
	DIAMinutes            int     `yaml:"diaMinutes"`
	HalfLifeMinutes       int     `yaml:"halfLifeMinutes"`
	CarbAbsorptionMinutes int     `yaml:"carbAbsorptionMinutes"`
	COBStaleMinutes       int     `yaml:"cobStaleMinutes"`
	IOBTolerance          float64 `yaml:"iobTolerance"`
}

// ChartSettings are the rendering colors
type ChartSettings struct {
	ColorInRange string `yaml:"colorInRange"`
	ColorHigh    string `yaml:"colorHigh"`
	ColorLow     string `yaml:"colorLow"`
	ColorUrgent  string `yaml:"colorUrgent"`
	ShowTarget   bool   `yaml:"showTarget"`
	ShowNow      bool   `yaml:"showNow"`
}

// Settings contains all application settings
type Settings struct {
	mu sync.RWMutex `yaml:"-"`

	Nightscout NightscoutSettings `yaml:"nightscout"`
	Display    DisplaySettings    `yaml:"display"`
	Time       TimeSettings       `yaml:"time"`
	Debug      DebugSettings      `yaml:"debug"`
	Alerts     AlertSettings      `yaml:"alerts"`
	Insulin    InsulinSettings    `yaml:"insulin"`
	Chart      ChartSettings      `yaml:"chart"`
	Dexcom     DexcomSettings     `yaml:"dexcom"`

	UseDexcom   bool   `yaml:"useDexcom"`
	MetricsAddr string `yaml:"metricsAddr"`
	AutoStart   bool   `yaml:"autoStart"`
}

// DefaultSettings returns settings with default values
func DefaultSettings() *Settings {
	return &Settings{
		Nightscout: NightscoutSettings{
			ConnectTimeoutSeconds: 5,
			ReadTimeoutSeconds:    30,
			Retries:               3,
			RetryBackoffSeconds:   0.5,
			RequestsPerSecond:     5,
		},
		Display: DisplaySettings{
			RefreshInterval:  60,
			WindowMinutes:    60,
			DashboardMinutes: 360,
			Width:            900,
			Height:           420,
		},
		Alerts: AlertSettings{
			TargetLow:          3.9,
			TargetHigh:         10.0,
			UrgentLow:          3.0,
			UrgentHigh:         13.9,
			EnableHigh:         true,
			EnableLow:          true,
			EnableUrgentHigh:   true,
			EnableUrgentLow:    true,
			EnableSound:        true,
			EnableFetchFailure: true,
			RepeatMinutes:      15,
		},
		Insulin: InsulinSettings{
			Curve:                 "exponential",
			DIAMinutes:            300,
			HalfLifeMinutes:       60,
			CarbAbsorptionMinutes: 180,
			COBStaleMinutes:       45,
			IOBTolerance:          0.05,
		},
		Chart: ChartSettings{
			ColorInRange: "#4ade80", // Green
			ColorHigh:    "#facc15", // Yellow
			ColorLow:     "#f97316", // Orange
			ColorUrgent:  "#ef4444", // Red
			ShowTarget:   true,
			ShowNow:      true,
		},
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, appName), nil
}

// GetConfigPath returns the config file path, honoring NSCHART_CONFIG
func GetConfigPath() (string, error) {
	if p := os.Getenv("NSCHART_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads defaults, then the YAML file at path if it exists, then the
// environment, and validates the result.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the user's own config location
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the settings as YAML, creating the directory if needed
func (s *Settings) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides settings from environment variables. Unparseable values
// are reported together.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = parseBool(v)
		}
	}
	integer := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, key string) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	optional := func(dst **float64, key string) {
		var f float64
		if v, ok := lookup(key); ok && v != "" {
			before := len(errs)
			float(&f, key)
			if len(errs) == before {
				*dst = &f
			}
		}
	}

	str(&s.Nightscout.URL, "NIGHTSCOUT_URL")
	str(&s.Nightscout.Token, "NS_TOKEN")
	str(&s.Nightscout.APISecret, "NS_API_SECRET", "NIGHTSCOUT_API_SECRET")
	float(&s.Nightscout.ConnectTimeoutSeconds, "NS_TIMEOUT_CONNECT_SECONDS")
	float(&s.Nightscout.ReadTimeoutSeconds, "NS_TIMEOUT_READ_SECONDS")
	integer(&s.Nightscout.Retries, "NS_RETRIES")
	float(&s.Nightscout.RetryBackoffSeconds, "NS_RETRY_BACKOFF_SECONDS")
	boolean(&s.Nightscout.VerifySSL, "NS_VERIFY_SSL")

	integer(&s.Display.WindowMinutes, "WIDGET_WINDOW_MIN")
	optional(&s.Display.YMin, "BG_YMIN")
	optional(&s.Display.YMax, "BG_YMAX")

	boolean(&s.Time.AssumeNaiveUTC, "FORCE_TZ_ASSUME_UTC")
	integer(&s.Time.OffsetMinutes, "FORCE_TZ_OFFSET_MINUTES")
	boolean(&s.Time.NaiveLocal, "FORCE_NAIVE_LOCAL")
	str(&s.Time.Timezone, "NSCHART_TZ")

	boolean(&s.Debug.Time, "DEBUG_TIME")
	boolean(&s.Debug.Age, "DEBUG_AGE")
	boolean(&s.UseDexcom, "USE_DEXCOM")
	str(&s.Dexcom.Username, "DEXCOM_USERNAME")
	str(&s.Dexcom.Password, "DEXCOM_PASSWORD")
	str(&s.Dexcom.Region, "DEXCOM_REGION")
	str(&s.MetricsAddr, "NSCHART_METRICS_ADDR")

	return errors.Join(errs...)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the settings for values the pipeline cannot work with
func (s *Settings) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error
	if s.Nightscout.URL != "" {
		u, err := url.Parse(s.Nightscout.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("nightscout url %q is not an absolute URL", s.Nightscout.URL))
		}
	}
	if s.Nightscout.Retries < 0 {
		errs = append(errs, errors.New("retries cannot be negative"))
	}
	if s.Nightscout.ConnectTimeoutSeconds <= 0 || s.Nightscout.ReadTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if s.Display.RefreshInterval < 30 || s.Display.RefreshInterval > 600 {
		errs = append(errs, fmt.Errorf("refresh interval %ds must be between 30 and 600", s.Display.RefreshInterval))
	}
	if s.Display.WindowMinutes <= 0 || s.Display.DashboardMinutes <= 0 {
		errs = append(errs, errors.New("window sizes must be positive"))
	}
	if s.Display.YMin != nil && s.Display.YMax != nil && *s.Display.YMin >= *s.Display.YMax {
		errs = append(errs, fmt.Errorf("y axis min %.1f must be below max %.1f", *s.Display.YMin, *s.Display.YMax))
	}
	if s.Time.Timezone != "" {
		if _, err := time.LoadLocation(s.Time.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	a := s.Alerts
	if !(a.UrgentLow < a.TargetLow && a.TargetLow < a.TargetHigh && a.TargetHigh < a.UrgentHigh) {
		errs = append(errs, errors.New("thresholds must satisfy urgentLow < targetLow < targetHigh < urgentHigh"))
	}
	if s.UseDexcom && (s.Dexcom.Username == "" || s.Dexcom.Password == "") {
		errs = append(errs, errors.New("dexcom mode needs DEXCOM_USERNAME and DEXCOM_PASSWORD"))
	}
	switch strings.ToUpper(s.Dexcom.Region) {
	case "", "US", "OUS", "JP":
	default:
		errs = append(errs, fmt.Errorf("dexcom region %q must be US, OUS or JP", s.Dexcom.Region))
	}
	if s.Insulin.Curve != "exponential" && s.Insulin.Curve != "bilinear" {
		errs = append(errs, fmt.Errorf("unknown insulin curve %q", s.Insulin.Curve))
	}
	if s.Insulin.DIAMinutes <= 0 || s.Insulin.HalfLifeMinutes <= 0 || s.Insulin.CarbAbsorptionMinutes <= 0 {
		errs = append(errs, errors.New("insulin and carb durations must be positive"))
	}
	return errors.Join(errs...)
}

// Clone creates a copy of the settings
func (s *Settings) Clone() *Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Settings{}
	clone.copySettingsFields(s)
	return clone
}

// Update updates settings from another Settings object
func (s *Settings) Update(other *Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	s.copySettingsFields(other)
}

// copySettingsFields copies all fields from other to s, excluding the mutex.
// The caller must hold the necessary locks.
func (s *Settings) copySettingsFields(other *Settings) {
	s.Nightscout = other.Nightscout
	s.Display = other.Display
	s.Display.YMin = copyFloat(other.Display.YMin)
	s.Display.YMax = copyFloat(other.Display.YMax)
	s.Time = other.Time
	s.Debug = other.Debug
	s.Alerts = other.Alerts
	s.Insulin = other.Insulin
	s.Chart = other.Chart
	s.Dexcom = other.Dexcom
	s.UseDexcom = other.UseDexcom
	s.MetricsAddr = other.MetricsAddr
	s.AutoStart = other.AutoStart
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// IsConfigured returns true if minimum required settings are set
func (s *Settings) IsConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.Nightscout.URL != "" || s.UseDexcom
}

// GetGlucoseStatus returns the status string for a glucose value in mmol/L
func (s *Settings) GetGlucoseStatus(mmol float64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case mmol <= s.Alerts.UrgentLow:
		return StatusUrgentLow
	case mmol <= s.Alerts.TargetLow:
		return StatusLow
	case mmol >= s.Alerts.UrgentHigh:
		return StatusUrgentHigh
	case mmol >= s.Alerts.TargetHigh:
		return StatusHigh
	default:
		return StatusNormal
	}
}

// Window returns the display window for the widget or the dashboard
func (s *Settings) Window(dashboard bool) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dashboard {
		return time.Duration(s.Display.DashboardMinutes) * time.Minute
	}
	return time.Duration(s.Display.WindowMinutes) * time.Minute
}

// RefreshEvery returns the refresh interval
func (s *Settings) RefreshEvery() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return time.Duration(s.Display.RefreshInterval) * time.Second
}

// Location resolves the configured timezone, falling back to the system zone
func (s *Settings) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Time.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Time.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
