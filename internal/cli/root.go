// Package cli implements the reportd command surface: analyze (one-shot or
// daemon), stats, and report.
package cli

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quantfold/reportd/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// RootOptions holds configuration shared by all commands, resolved once in
// the root's PersistentPreRunE.
type RootOptions struct {
	Config config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the reportd root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           "reportd",
		Short:         "Trade reporting and aggregation service",
		Long:          "reportd incrementally aggregates trading-journal records into time-series metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is a dev convenience; production won't have one.
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return WrapExitError(ExitConfigError, "load config", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			opts.Config = cfg

			level := slog.LevelInfo
			switch cfg.LogLevel {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(opts.Logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error); overrides REPORTING_LOG_LEVEL")

	cmd.AddCommand(NewAnalyzeCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}
