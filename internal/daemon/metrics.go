package daemon

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfold/reportd/internal/telemetry"
)

// counter wraps an OTEL counter that may be unregistered (one-shot runs never
// call registerMetrics); adds are no-ops until registration.
type counter struct {
	c     metric.Int64Counter
	attrs []attribute.KeyValue
}

func (c *counter) add(ctx context.Context, n int64) {
	if c.c != nil && n > 0 {
		c.c.Add(ctx, n, metric.WithAttributes(c.attrs...))
	}
}

type loopMetrics struct {
	cycles         counter
	failures       counter
	rowsCommitted  counter
	recordsSkipped counter

	watermark atomic.Int64
}

func (m *loopMetrics) setWatermark(position int64) {
	m.watermark.Store(position)
}

// registerMetrics registers per-job OTEL instruments. Called from Run after
// the global meter provider has been initialized.
func (l *Loop) registerMetrics() {
	meter := telemetry.Meter("reportd/daemon")
	attrs := []attribute.KeyValue{attribute.String("job", l.jobName)}

	cycles, _ := meter.Int64Counter("reportd.daemon.cycles",
		metric.WithDescription("Aggregation cycles started"))
	failures, _ := meter.Int64Counter("reportd.daemon.cycle_failures",
		metric.WithDescription("Cycles that failed and entered backoff"))
	rows, _ := meter.Int64Counter("reportd.daemon.rows_committed",
		metric.WithDescription("Metric rows committed to the aggregate store"))
	skipped, _ := meter.Int64Counter("reportd.daemon.records_skipped",
		metric.WithDescription("Journal records skipped due to malformed payloads"))

	l.metrics.cycles = counter{c: cycles, attrs: attrs}
	l.metrics.failures = counter{c: failures, attrs: attrs}
	l.metrics.rowsCommitted = counter{c: rows, attrs: attrs}
	l.metrics.recordsSkipped = counter{c: skipped, attrs: attrs}

	_, _ = meter.Int64ObservableGauge("reportd.daemon.watermark",
		metric.WithDescription("Highest journal position reflected in the aggregate store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(l.metrics.watermark.Load(), metric.WithAttributes(attrs...))
			return nil
		}),
	)
}
