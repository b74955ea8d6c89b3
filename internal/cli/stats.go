package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantfold/reportd/internal/sink"
)

// NewStatsCommand creates the stats command: a one-shot, read-only snapshot
// of watermarks and aggregate state.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregation statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), rootOpts)
		},
	}
}

func runStats(ctx context.Context, opts *RootOptions) error {
	store, err := sink.New(ctx, opts.Config.Timescale.DSN(), opts.Logger)
	if err != nil {
		return WrapExitError(ExitStoreError, "aggregate store", err)
	}
	defer store.Close()

	summary, err := store.Summarize(ctx)
	if err != nil {
		return WrapExitError(ExitStoreError, "summarize", err)
	}

	fmt.Println("\n=== Aggregation Statistics ===")

	fmt.Println("\nWatermarks:")
	if len(summary.Watermarks) == 0 {
		fmt.Println("  (no jobs have committed yet)")
	}
	for _, w := range summary.Watermarks {
		fmt.Printf("  %-20s position %-12d updated %s\n",
			w.JobName, w.Position, w.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
	}

	fmt.Println("\nMetrics:")
	for _, m := range summary.Metrics {
		fmt.Printf("  %-20s %-30s %5d buckets, latest %s = %.4f\n",
			m.JobName, m.MetricKey, m.Buckets,
			m.LatestBucket.UTC().Format("2006-01-02 15:04"), m.LatestValue)
	}
	fmt.Println()

	return nil
}
