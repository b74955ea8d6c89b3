package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/reportd/internal/aggregate"
	"github.com/quantfold/reportd/internal/daemon"
	"github.com/quantfold/reportd/internal/journal"
	"github.com/quantfold/reportd/internal/sink"
	"github.com/quantfold/reportd/internal/telemetry"
	"github.com/quantfold/reportd/migrations"
)

// AnalyzeOptions holds flags for the analyze command.
type AnalyzeOptions struct {
	*RootOptions
	Daemon   bool
	Interval int // seconds; 0 means use config
	Job      string
	Limit    int // max records per cycle; 0 means use config
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnalyzeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Aggregate new journal records into metrics",
		Long: `Analyze reads journal records past each job's watermark, folds them into
metric rows, and commits the rows together with the advanced watermark.

Without --daemon it runs exactly one cycle per job and exits. With --daemon
it runs continuously, waking every interval (or immediately while a backlog
remains) until SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Daemon, "daemon", "d", false, "run continuously")
	cmd.Flags().IntVar(&opts.Interval, "interval", 0, "seconds between cycles in daemon mode (default: from config)")
	cmd.Flags().StringVar(&opts.Job, "job", "", "run a single job by name (default: all jobs)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum records per cycle (default: from config)")

	return cmd
}

func runAnalyze(ctx context.Context, opts *AnalyzeOptions) error {
	cfg := opts.Config
	logger := opts.Logger

	if opts.Interval > 0 {
		cfg.DaemonInterval = time.Duration(opts.Interval) * time.Second
	}
	if opts.Limit > 0 {
		cfg.MaxBatchSize = opts.Limit
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return WrapExitError(ExitFailure, "telemetry", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := sink.New(ctx, cfg.Timescale.DSN(), logger)
	if err != nil {
		return WrapExitError(ExitStoreError, "aggregate store", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.FS); err != nil {
		return WrapExitError(ExitStoreError, "migrations", err)
	}

	reader, err := journal.New(ctx, cfg.Journal.DSN(), cfg.FlushMargin, logger)
	if err != nil {
		return WrapExitError(ExitStoreError, "journal store", err)
	}
	defer reader.Close()

	loops, err := buildLoops(opts, reader, store)
	if err != nil {
		return err
	}

	if opts.Daemon {
		return runDaemon(ctx, opts, loops)
	}
	return runOneShot(ctx, opts, loops)
}

// buildLoops creates one Loop per configured job, optionally filtered by --job.
func buildLoops(opts *AnalyzeOptions, reader *journal.Reader, store *sink.Store) ([]*daemon.Loop, error) {
	cfg := opts.Config
	jobs := aggregate.DefaultJobs()

	if opts.Job != "" {
		catalog, ok := jobs[opts.Job]
		if !ok {
			return nil, WrapExitError(ExitConfigError, fmt.Sprintf("unknown job %q", opts.Job), nil)
		}
		jobs = map[string]aggregate.Catalog{opts.Job: catalog}
	}

	loopOpts := daemon.Options{
		Interval:     cfg.DaemonInterval,
		MaxBatchSize: cfg.MaxBatchSize,
		StoreTimeout: cfg.StoreTimeout,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
	}

	loops := make([]*daemon.Loop, 0, len(jobs))
	for name, catalog := range jobs {
		agg, err := aggregate.New(name, catalog, cfg.Strict)
		if err != nil {
			return nil, WrapExitError(ExitConfigError, "build aggregator", err)
		}
		loops = append(loops, daemon.New(name, reader, store, agg, opts.Logger, loopOpts))
	}
	return loops, nil
}

// runDaemon runs every loop until shutdown. Loops are independent: an
// invariant violation halts its own job and brings the process down with it,
// since continuing to report exit 0 would mask the halt.
func runDaemon(ctx context.Context, opts *AnalyzeOptions, loops []*daemon.Loop) error {
	opts.Logger.Info("reportd daemon starting",
		"version", version,
		"jobs", len(loops),
		"interval", opts.Config.DaemonInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error { return loop.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitInvariantError, "daemon", err)
	}
	opts.Logger.Info("reportd daemon stopped")
	return nil
}

// runOneShot executes exactly one cycle per job and reports what it did.
func runOneShot(ctx context.Context, opts *AnalyzeOptions, loops []*daemon.Loop) error {
	total := 0
	for _, loop := range loops {
		res, err := loop.RunOnce(ctx)
		if err != nil {
			if sink.IsInvariantViolation(err) {
				return WrapExitError(ExitInvariantError, "analyze", err)
			}
			return WrapExitError(ExitStoreError, "analyze", err)
		}
		total += res.Processed
	}
	fmt.Printf("Processed %d records\n", total)
	return nil
}
