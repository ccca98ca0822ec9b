// Package dexcom reads glucose values straight from the Dexcom Share service
package dexcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/reading"
)

const (
	pathAuthenticate = "/ShareWebServices/Services/General/AuthenticatePublisherAccount"
	pathLogin        = "/ShareWebServices/Services/General/LoginPublisherAccountById"
	pathReadings     = "/ShareWebServices/Services/Publisher/ReadPublisherLatestGlucoseValues"

	appIDDefault = "d89443d2-327c-4a6f-89e5-496bbb0317db"
	appIDJapan   = "d8665ade-9673-4e27-9ff6-92db4ce13d13"

	lookbackMinutes = 60
	maxSamples      = 12
)

// Region base URLs
var regionHosts = map[string]string{
	"US":  "https://share2.dexcom.com",
	"OUS": "https://shareous1.dexcom.com",
	"JP":  "https://share.dexcom.jp",
}

var (
	errSessionExpired = errors.New("dexcom session expired")
	dateMillis        = regexp.MustCompile(`Date\((\d+)`)
)

// Client is a Dexcom Share session. It logs in lazily and again when the
// server drops the session.
type Client struct {
	username   string
	password   string
	regions    []string
	httpClient *http.Client
	log        zerolog.Logger
	hosts      map[string]string

	mu      sync.Mutex
	base    string
	session uuid.UUID
}

// NewClient creates a Share client. An empty region tries OUS, then US.
func NewClient(s config.DexcomSettings, log zerolog.Logger) *Client {
	regions := []string{"OUS", "US"}
	if r := strings.ToUpper(strings.TrimSpace(s.Region)); r != "" {
		regions = []string{r}
	}
	return &Client{
		username:   s.Username,
		password:   s.Password,
		regions:    regions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		hosts:      regionHosts,
	}
}

// Samples returns the recent glucose values, newest last
func (c *Client) Samples(ctx context.Context) ([]reading.VendorSample, error) {
	samples, err := c.read(ctx)
	if errors.Is(err, errSessionExpired) {
		c.mu.Lock()
		c.session = uuid.Nil
		c.mu.Unlock()
		samples, err = c.read(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dexcom: %w", models.ErrFetchFailure, err)
	}
	return samples, nil
}

func (c *Client) read(ctx context.Context) ([]reading.VendorSample, error) {
	session, base, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("sessionId", session.String())
	q.Set("minutes", strconv.Itoa(lookbackMinutes))
	q.Set("maxCount", strconv.Itoa(maxSamples))

	var raw []struct {
		WT    string          `json:"WT"`
		Value float64         `json:"Value"`
		Trend json.RawMessage `json:"Trend"`
	}
	if err := c.post(ctx, base+pathReadings+"?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}

	out := make([]reading.VendorSample, 0, len(raw))
	for _, r := range raw {
		t, err := parseShareDate(r.WT)
		if err != nil {
			c.log.Warn().Err(err).Str("wt", r.WT).Msg("skipping dexcom value")
			continue
		}
		out = append(out, reading.VendorSample{
			Time:  t,
			Value: models.ToMmol(r.Value),
			Trend: parseTrend(r.Trend),
		})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ensureSession logs in when there is no live session and returns it along
// with the host it belongs to.
func (c *Client) ensureSession(ctx context.Context) (uuid.UUID, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != uuid.Nil {
		return c.session, c.base, nil
	}

	var lastErr error
	for _, region := range c.regions {
		base, ok := c.hosts[region]
		if !ok {
			lastErr = fmt.Errorf("unknown region %q", region)
			continue
		}
		appID := appIDDefault
		if region == "JP" {
			appID = appIDJapan
		}
		session, err := c.login(ctx, base, appID)
		if err != nil {
			c.log.Debug().Str("region", region).Err(err).Msg("dexcom login failed")
			lastErr = err
			continue
		}
		c.session, c.base = session, base
		c.log.Info().Str("region", region).Msg("dexcom session established")
		return session, base, nil
	}
	return uuid.Nil, "", fmt.Errorf("login failed: %w", lastErr)
}

func (c *Client) login(ctx context.Context, base, appID string) (uuid.UUID, error) {
	var accountID string
	err := c.post(ctx, base+pathAuthenticate, map[string]string{
		"accountName":   c.username,
		"password":      c.password,
		"applicationId": appID,
	}, &accountID)
	if err != nil {
		return uuid.Nil, err
	}
	account, err := parseID(accountID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("account id: %w", err)
	}

	var sessionID string
	err = c.post(ctx, base+pathLogin, map[string]string{
		"accountId":     account.String(),
		"password":      c.password,
		"applicationId": appID,
	}, &sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	return parseID(sessionID)
}

// parseID rejects the all-zero id Share returns for bad credentials
func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("invalid credentials")
	}
	return id, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if bytes.Contains(data, []byte("SessionIdNotFound")) || bytes.Contains(data, []byte("SessionNotValid")) {
			return errSessionExpired
		}
		return fmt.Errorf("share error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

// parseShareDate reads the "Date(1691455258000)" wire format
func parseShareDate(s string) (time.Time, error) {
	m := dateMillis.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q: %w", s, models.ErrMalformedRecord)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseTrend accepts both the named and the numeric trend encodings
func parseTrend(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		if d, ok := models.TrendFromCode(code); ok {
			return d.String()
		}
	}
	return ""
}
