package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantfold/reportd/internal/model"
)

// mergeClause returns the ON CONFLICT update expression for a combine op.
// Each op is a single SQL merge so that re-applying a batch that partially
// overlaps an earlier commit accumulates instead of overwriting: sums add the
// delta, min/max fold, and last-writer is guarded by journal position.
func mergeClause(op model.CombineOp) (string, error) {
	switch op {
	case model.OpSum, model.OpCount:
		return `value = metric_rows.value + EXCLUDED.value`, nil
	case model.OpMin:
		return `value = LEAST(metric_rows.value, EXCLUDED.value)`, nil
	case model.OpMax:
		return `value = GREATEST(metric_rows.value, EXCLUDED.value)`, nil
	case model.OpLast:
		return `value = CASE WHEN EXCLUDED.last_position > metric_rows.last_position
		                     THEN EXCLUDED.value ELSE metric_rows.value END`, nil
	default:
		return "", fmt.Errorf("sink: unknown combine op %q", op)
	}
}

// upsertMetricRow merges one metric row into the store inside tx. An upsert
// always affects exactly one row; anything else is a partial-write invariant
// violation surfaced as ErrPartialWrite after rollback.
func upsertMetricRow(ctx context.Context, tx pgx.Tx, row model.MetricRow) error {
	clause, err := mergeClause(row.Op)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO metric_rows (job_name, metric_key, bucket_time, value, combine_op, last_position, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (job_name, metric_key, bucket_time) DO UPDATE SET `+clause+`,
		   last_position = GREATEST(metric_rows.last_position, EXCLUDED.last_position),
		   updated_at = now()`,
		row.JobName, row.MetricKey, row.BucketTime, row.Value, string(row.Op), row.LastPosition,
	)
	if err != nil {
		return fmt.Errorf("sink: upsert metric %s/%s: %w", row.JobName, row.MetricKey, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("sink: upsert metric %s/%s affected %d rows: %w",
			row.JobName, row.MetricKey, tag.RowsAffected(), ErrPartialWrite)
	}
	return nil
}

// GetMetricRow reads a single metric row, mainly for verification and tests.
func (s *Store) GetMetricRow(ctx context.Context, jobName, metricKey string, bucketTime time.Time) (model.MetricRow, error) {
	var row model.MetricRow
	var op string
	err := s.pool.QueryRow(ctx,
		`SELECT job_name, metric_key, bucket_time, value, combine_op, last_position
		 FROM metric_rows
		 WHERE job_name = $1 AND metric_key = $2 AND bucket_time = $3`,
		jobName, metricKey, bucketTime,
	).Scan(&row.JobName, &row.MetricKey, &row.BucketTime, &row.Value, &op, &row.LastPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MetricRow{}, ErrNotFound
	}
	if err != nil {
		return model.MetricRow{}, fmt.Errorf("sink: get metric %s/%s: %w", jobName, metricKey, err)
	}
	row.Op = model.CombineOp(op)
	return row, nil
}
