package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/reportd/internal/sink"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Output string
}

// NewReportCommand creates the report command, which writes the aggregate
// summary to a JSON file for downstream tooling.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write an aggregate summary report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (default: <output dir>/report_<timestamp>.json)")

	return cmd
}

func runReport(ctx context.Context, opts *ReportOptions) error {
	store, err := sink.New(ctx, opts.Config.Timescale.DSN(), opts.Logger)
	if err != nil {
		return WrapExitError(ExitStoreError, "aggregate store", err)
	}
	defer store.Close()

	summary, err := store.Summarize(ctx)
	if err != nil {
		return WrapExitError(ExitStoreError, "summarize", err)
	}

	path := opts.Output
	if path == "" {
		dir := opts.Config.ReportOutputDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WrapExitError(ExitFailure, "create output dir", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("report_%s.json", time.Now().UTC().Format("20060102_150405")))
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "encode report", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return WrapExitError(ExitFailure, "write report", err)
	}

	fmt.Printf("Report saved to: %s\n", path)
	return nil
}
