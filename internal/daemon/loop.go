// Package daemon runs the incremental aggregation loop: read journal records
// past the watermark, fold them into metric rows, and commit rows plus the
// advanced watermark atomically. One Loop per job; loops share nothing but
// store connections.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantfold/reportd/internal/aggregate"
	"github.com/quantfold/reportd/internal/model"
	"github.com/quantfold/reportd/internal/sink"
	"github.com/quantfold/reportd/internal/telemetry"
)

// State is the loop's position in its cycle state machine.
type State string

const (
	StateIdle        State = "idle"
	StateReading     State = "reading"
	StateAggregating State = "aggregating"
	StateCommitting  State = "committing"
	StateBackoff     State = "backoff"
	// StateHalted is terminal: an invariant violation stopped the job.
	// Silent continuation under a broken invariant corrupts aggregates.
	StateHalted State = "halted"
)

// Reader pulls ordered journal records after a watermark.
type Reader interface {
	ReadAfter(ctx context.Context, after *int64, maxBatch int) (model.AggregationBatch, error)
}

// Committer is the checkpointed sink: watermark lookup plus the atomic
// rows-and-watermark commit.
type Committer interface {
	GetWatermark(ctx context.Context, jobName string) (int64, bool, error)
	Commit(ctx context.Context, jobName string, prev *int64, newWatermark int64, rows []model.MetricRow) error
}

// Options bound a Loop's timing behavior.
type Options struct {
	Interval     time.Duration // wait between cycles once the backlog is drained
	MaxBatchSize int
	StoreTimeout time.Duration // deadline for each store call
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Loop drives one job's read → aggregate → commit cycle.
type Loop struct {
	jobName    string
	reader     Reader
	sink       Committer
	aggregator *aggregate.Aggregator
	logger     *slog.Logger
	opts       Options

	mu    sync.Mutex
	state State

	tracer  trace.Tracer
	metrics loopMetrics
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Processed int   // records folded this cycle
	Skipped   int   // records dropped under the skip policy
	Watermark int64 // watermark after the cycle (0 when nothing was read)
	HasMore   bool  // backlog remains; next cycle should start immediately
}

// New creates a Loop for one job.
func New(jobName string, reader Reader, committer Committer, aggregator *aggregate.Aggregator, logger *slog.Logger, opts Options) *Loop {
	return &Loop{
		jobName:    jobName,
		reader:     reader,
		sink:       committer,
		aggregator: aggregator,
		logger:     logger.With("job", jobName),
		opts:       opts,
		state:      StateIdle,
		tracer:     telemetry.Tracer("reportd/daemon"),
	}
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run executes cycles until ctx is cancelled. Transient failures back off
// exponentially with jitter and never advance the watermark; invariant
// violations halt the job and are returned. A clean shutdown returns nil.
// An in-flight commit is never interrupted: the commit runs on a context
// detached from ctx with its own deadline.
func (l *Loop) Run(ctx context.Context) error {
	l.registerMetrics()

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	backoff := l.opts.BackoffBase

	for {
		res, err := l.RunOnce(ctx)
		switch {
		case err != nil && sink.IsInvariantViolation(err):
			l.setState(StateHalted)
			l.logger.Error("invariant violation, halting job", "error", err)
			return fmt.Errorf("daemon: job %s halted: %w", l.jobName, err)

		case err != nil:
			if ctx.Err() != nil {
				return nil // shutdown raced the cycle; not a failure
			}
			l.setState(StateBackoff)
			l.metrics.failures.add(ctx, 1)
			jitter := time.Duration(rand.Int64N(int64(backoff))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			l.logger.Warn("cycle failed, backing off",
				"error", err,
				"delay", backoff+jitter,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff + jitter):
			}
			backoff = min(backoff*2, l.opts.BackoffCap)
			continue

		default:
			backoff = l.opts.BackoffBase
			if res.HasMore {
				// Drain the backlog without waiting for the timer.
				continue
			}
		}

		l.setState(StateIdle)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes exactly one cycle: one bounded read, one aggregation, and
// at most one commit. Used by Run and by the one-shot analyze command.
func (l *Loop) RunOnce(ctx context.Context) (CycleResult, error) {
	ctx, span := l.tracer.Start(ctx, "daemon.cycle",
		trace.WithAttributes(attribute.String("job", l.jobName)))
	defer span.End()

	l.setState(StateReading)
	l.metrics.cycles.add(ctx, 1)

	readCtx, cancelRead := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancelRead()

	prev, ok, err := l.sink.GetWatermark(readCtx, l.jobName)
	if err != nil {
		return CycleResult{}, spanFail(span, fmt.Errorf("daemon: get watermark: %w", err))
	}
	var prevPtr *int64
	if ok {
		prevPtr = &prev
	}

	batch, err := l.reader.ReadAfter(readCtx, prevPtr, l.opts.MaxBatchSize)
	if err != nil {
		return CycleResult{}, spanFail(span, fmt.Errorf("daemon: read batch: %w", err))
	}
	if len(batch.Records) == 0 {
		l.logger.Debug("no new records")
		return CycleResult{Watermark: prev}, nil
	}

	l.setState(StateAggregating)
	result, err := l.aggregator.Aggregate(batch)
	if err != nil {
		return CycleResult{}, spanFail(span, fmt.Errorf("daemon: aggregate: %w", err))
	}

	l.setState(StateCommitting)
	// Detach from ctx so a shutdown signal cannot abort a commit mid-flight;
	// the store deadline still bounds it.
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), l.opts.StoreTimeout)
	defer cancelCommit()

	if err := l.sink.Commit(commitCtx, l.jobName, prevPtr, result.Watermark, result.Rows); err != nil {
		return CycleResult{}, spanFail(span, fmt.Errorf("daemon: commit: %w", err))
	}

	l.metrics.rowsCommitted.add(ctx, int64(len(result.Rows)))
	l.metrics.recordsSkipped.add(ctx, int64(result.Skipped))
	l.metrics.setWatermark(result.Watermark)

	l.logger.Info("cycle committed",
		"records", len(batch.Records),
		"rows", len(result.Rows),
		"skipped", result.Skipped,
		"watermark", result.Watermark,
		"has_more", batch.HasMore,
	)

	return CycleResult{
		Processed: len(batch.Records),
		Skipped:   result.Skipped,
		Watermark: result.Watermark,
		HasMore:   batch.HasMore,
	}, nil
}

func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
