package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/groundwork/pkg/telemetry"
)

var (
	// Global flags
	configPath    string
	logLevel      string
	logFormat     string
	jsonOutput    bool
	metricsAddr   string
	traceExporter string
	traceEndpoint string

	// tel is set up before every command runs.
	tel *telemetry.Telemetry
)

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if serr := shutdownTelemetry(); serr != nil {
		log.Warn().Err(serr).Msg("failed to shut down telemetry")
	}
	return err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groundwork",
		Short: "groundwork - lift configuration phases onto machines",
		Long: `groundwork runs phases, written as Starlark functions, on groups of
machines reached over SSH.

A phase runs concurrently on every target. Expected failures (a command
exiting non-zero, an explicit fail()) stop that target; unexpected ones
(lost connections, runtime errors) abort the run once every target of the
phase has finished.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupTelemetry(version)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "groundwork.cue", "run configuration file (.cue, .yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newLiftCommand())
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func setupTelemetry(version string) error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	if traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}

	t, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tel = t
	log.Logger = tel.Logger.Zerolog()

	if cfg.Metrics.Enabled {
		if err := tel.StartMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func shutdownTelemetry() error {
	if tel == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tel.Shutdown(ctx)
}

// applyConfigLogging applies the run configuration's logging settings
// unless they were set on the command line.
func applyConfigLogging(cmd *cobra.Command, level, format string) {
	changed := false
	if level != "" && !cmd.Flags().Changed("log-level") {
		logLevel, changed = level, true
	}
	if format != "" && !cmd.Flags().Changed("log-format") {
		logFormat, changed = format, true
	}
	if !changed || tel == nil {
		return
	}

	cfg := tel.Config.Logging
	cfg.Level = logLevel
	cfg.Format = logFormat
	tel.Logger = telemetry.NewLoggerWithWriter(cfg, os.Stderr)
	log.Logger = tel.Logger.Zerolog()
}
