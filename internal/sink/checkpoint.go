package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quantfold/reportd/internal/model"
)

// GetWatermark returns the last committed watermark position for a job.
// The second return value is false when the job has never committed.
func (s *Store) GetWatermark(ctx context.Context, jobName string) (int64, bool, error) {
	var position int64
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM watermarks WHERE job_name = $1`, jobName,
	).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sink: get watermark %s: %w", jobName, err)
	}
	return position, true, nil
}

// ListWatermarks returns all job watermarks ordered by job name.
func (s *Store) ListWatermarks(ctx context.Context) ([]model.Watermark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_name, position, updated_at FROM watermarks ORDER BY job_name`)
	if err != nil {
		return nil, fmt.Errorf("sink: list watermarks: %w", err)
	}
	defer rows.Close()

	var marks []model.Watermark
	for rows.Next() {
		var w model.Watermark
		if err := rows.Scan(&w.JobName, &w.Position, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sink: scan watermark: %w", err)
		}
		marks = append(marks, w)
	}
	return marks, rows.Err()
}

// Commit durably applies a batch's metric rows and advances the job's
// watermark as one transaction. prev is the watermark the batch was read
// from (nil for a first commit); the advance is conditioned on it, so two
// instances racing from the same watermark cannot both win: the loser gets
// ErrWatermarkConflict and retries from the advanced position.
//
// Either every row is upserted and the watermark advances, or the
// transaction rolls back and neither happens.
func (s *Store) Commit(ctx context.Context, jobName string, prev *int64, newWatermark int64, rows []model.MetricRow) error {
	if prev != nil && newWatermark <= *prev {
		return fmt.Errorf("sink: commit %s: %d after %d: %w", jobName, newWatermark, *prev, ErrWatermarkRegression)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sink: begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.advanceWatermark(ctx, tx, jobName, prev, newWatermark); err != nil {
		return err
	}

	for _, row := range rows {
		if err := upsertMetricRow(ctx, tx, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sink: commit %s: %w", jobName, err)
	}

	s.logger.Debug("sink: batch committed",
		"job", jobName,
		"watermark", newWatermark,
		"rows", len(rows),
	)
	return nil
}

// advanceWatermark performs the optimistic watermark move inside tx. The
// conflict check is on the prior value, never a blind overwrite.
func (s *Store) advanceWatermark(ctx context.Context, tx pgx.Tx, jobName string, prev *int64, newWatermark int64) error {
	if prev == nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO watermarks (job_name, position, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (job_name) DO NOTHING`,
			jobName, newWatermark,
		)
		if err != nil {
			return fmt.Errorf("sink: insert watermark %s: %w", jobName, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("sink: insert watermark %s: %w", jobName, ErrWatermarkConflict)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE watermarks
		 SET position = $2, updated_at = now()
		 WHERE job_name = $1 AND position = $3`,
		jobName, newWatermark, *prev,
	)
	if err != nil {
		return fmt.Errorf("sink: advance watermark %s: %w", jobName, err)
	}
	if tag.RowsAffected() == 0 {
		// Another instance advanced the watermark past prev. That is the
		// normal optimistic-concurrency loss, not a regression: the cycle
		// retries from the stored position.
		return fmt.Errorf("sink: advance watermark %s: %w", jobName, ErrWatermarkConflict)
	}
	return nil
}
