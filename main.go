// Package main is the entry point for the Nightscout Chart application
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mrcode/nightscout-chart/internal/app"
	"github.com/mrcode/nightscout-chart/internal/config"
	"github.com/mrcode/nightscout-chart/internal/desktop"
	"github.com/mrcode/nightscout-chart/internal/metrics"
	"github.com/mrcode/nightscout-chart/internal/models"
	"github.com/mrcode/nightscout-chart/internal/pipeline"
	"github.com/mrcode/nightscout-chart/internal/render"
)

var (
	configPath  string
	metricsAddr string
	verbose     bool

	snapshotDashboard bool
	snapshotOutput    string
	snapshotAt        string
	snapshotTimeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "nightscout-chart",
	Short: "Nightscout glucose chart with treatments, basal and context",
	Long: `Nightscout Chart fetches glucose entries, treatments, device status and the
basal profile from a Nightscout server (or the Dexcom Share feed), derives
IOB, COB, sensor age and temp basal, and draws them on one chart.

Without a subcommand it starts the tray application.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE:              runTray,
}

var trayCmd = &cobra.Command{
	Use:   "tray",
	Short: "Run the tray icon with the chart window",
	RunE:  runTray,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Refresh once and write the chart as PNG",
	Long: `Refresh once and write the chart as PNG.

Example usage:
  nightscout-chart snapshot -o chart.png
  nightscout-chart snapshot --dashboard -o day.png
  nightscout-chart snapshot --at 2024-03-01T11:30:00Z   # with hover cursor`,
	RunE: runSnapshot,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Refresh once and print the latest reading and derived context as JSON",
	RunE:  runContext,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $NSCHART_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	snapshotCmd.Flags().BoolVar(&snapshotDashboard, "dashboard", false, "use the dashboard window instead of the widget window")
	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "chart.png", "output file, - for stdout")
	snapshotCmd.Flags().StringVar(&snapshotAt, "at", "", "draw the hover cursor at this chart time (RFC 3339 or epoch ms)")
	snapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", time.Minute, "refresh timeout")
	contextCmd.Flags().DurationVar(&snapshotTimeout, "timeout", time.Minute, "refresh timeout")

	rootCmd.AddCommand(trayCmd, snapshotCmd, contextCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(*cobra.Command, []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if configPath == "" {
		p, err := config.GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
		configPath = p
	}
	return nil
}

// loadSettings reads the config and turns on debug logging when a trace
// toggle needs it
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if settings.Debug.Time || settings.Debug.Age {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if metricsAddr == "" {
		metricsAddr = settings.MetricsAddr
	}
	log.Debug().Str("config", configPath).Bool("dexcom", settings.UseDexcom).Msg("Settings loaded")
	return settings, nil
}

// serveMetrics exposes the registry until ctx is done
func serveMetrics(ctx context.Context, m *metrics.Registry) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func runTray(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(log.Logger)
	serveMetrics(ctx, m)

	svc, err := app.NewService(settings, configPath, m, log.Logger)
	if err != nil {
		return err
	}
	if !settings.IsConfigured() {
		log.Warn().Str("config", configPath).Msg("No Nightscout URL or Dexcom login configured")
	}
	return desktop.Run(svc, log.Logger)
}

// refreshOnce builds a backend and runs a single refresh
func refreshOnce(cmd *cobra.Command, settings *config.Settings, dashboard bool) (*pipeline.Snapshot, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), snapshotTimeout)
	defer cancel()

	backend, err := app.NewBackend(settings, dashboard, metrics.New(log.Logger), log.Logger)
	if err != nil {
		return nil, err
	}
	snap := backend.Refresher.Refresh(ctx)
	if err := snap.Err(); err != nil {
		log.Warn().Err(err).Msg("Some sources failed")
	}
	if !snap.HasLatest {
		return snap, fmt.Errorf("no glucose reading: %w", errors.Join(models.ErrDataUnavailable, snap.Err()))
	}
	return snap, nil
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	renderer, err := render.New(render.OptionsFromSettings(settings))
	if err != nil {
		return err
	}
	snap, err := refreshOnce(cmd, settings, snapshotDashboard)
	if err != nil {
		return err
	}

	var cursor *time.Time
	if snapshotAt != "" {
		t, err := app.ParseCursor(snapshotAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		cursor = &t
	}

	out := os.Stdout
	if snapshotOutput != "-" {
		f, err := os.Create(snapshotOutput)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := renderer.WritePNG(out, snap, cursor); err != nil {
		return err
	}
	log.Info().Str("output", snapshotOutput).Str("outcome", snap.Outcome()).
		Int("readings", len(snap.Readings)).Msg("Chart written")
	return nil
}

// contextReport is what the context command prints
type contextReport struct {
	Latest  models.Reading          `json:"latest"`
	Stale   bool                    `json:"stale"`
	Context models.DerivedContext   `json:"context"`
	Lines   []string                `json:"lines"`
	Sources []pipeline.SourceStatus `json:"sources"`
}

func runContext(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	snap, err := refreshOnce(cmd, settings, false)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(contextReport{
		Latest:  snap.Latest,
		Stale:   snap.Stale(),
		Context: snap.Context,
		Lines:   app.ContextLines(snap.Context),
		Sources: snap.Sources,
	})
}
