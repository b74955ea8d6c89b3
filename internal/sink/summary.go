package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/reportd/internal/model"
)

// MetricSummary is one metric family's aggregate state, as reported by the
// stats command.
type MetricSummary struct {
	JobName      string    `json:"job_name"`
	MetricKey    string    `json:"metric_key"`
	Buckets      int       `json:"buckets"`
	LatestBucket time.Time `json:"latest_bucket"`
	LatestValue  float64   `json:"latest_value"`
}

// Summary is a point-in-time snapshot of the aggregate store.
type Summary struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Watermarks  []model.Watermark `json:"watermarks"`
	Metrics     []MetricSummary   `json:"metrics"`
}

// Summarize reads a live snapshot of watermarks and per-metric aggregate
// state. Read-only; used by the stats and report commands.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	marks, err := s.ListWatermarks(ctx)
	if err != nil {
		return Summary{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_name, metric_key, COUNT(*) AS buckets,
		       MAX(bucket_time) AS latest_bucket,
		       (ARRAY_AGG(value ORDER BY bucket_time DESC))[1] AS latest_value
		FROM metric_rows
		GROUP BY job_name, metric_key
		ORDER BY job_name, metric_key`)
	if err != nil {
		return Summary{}, fmt.Errorf("sink: summarize metrics: %w", err)
	}
	defer rows.Close()

	var metrics []MetricSummary
	for rows.Next() {
		var m MetricSummary
		if err := rows.Scan(&m.JobName, &m.MetricKey, &m.Buckets, &m.LatestBucket, &m.LatestValue); err != nil {
			return Summary{}, fmt.Errorf("sink: scan metric summary: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("sink: summarize metrics: %w", err)
	}

	return Summary{
		GeneratedAt: time.Now().UTC(),
		Watermarks:  marks,
		Metrics:     metrics,
	}, nil
}
