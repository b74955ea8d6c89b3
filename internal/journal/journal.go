// Package journal reads ordered batches of records from the trading-journal
// database. Reads are strictly read-only; the journal is owned by an external
// writer and this service never locks or mutates it.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/reportd/internal/model"
)

// Reader pulls journal records after a given watermark position.
type Reader struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// flushMargin floors every read to records committed at least this long
	// ago. Positions are assigned at write time, so a transaction can commit
	// a smaller position after a larger one became visible; reading only past
	// the margin keeps a late-committing record from landing behind an
	// already-advanced watermark and being skipped forever.
	flushMargin time.Duration
}

// New connects a Reader to the journal database.
func New(ctx context.Context, dsn string, flushMargin time.Duration, logger *slog.Logger) (*Reader, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	return &Reader{pool: pool, logger: logger, flushMargin: flushMargin}, nil
}

// Ping checks connectivity to the journal database.
func (r *Reader) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (r *Reader) Close() {
	r.pool.Close()
}

// ReadAfter returns up to maxBatch records with position greater than after,
// ordered by (position, id) ascending so re-reads from the same watermark are
// deterministic even when the journal assigns equal positions. A nil after
// reads from the beginning. HasMore on the returned batch reports whether
// records beyond the batch remain.
func (r *Reader) ReadAfter(ctx context.Context, after *int64, maxBatch int) (model.AggregationBatch, error) {
	if maxBatch <= 0 {
		return model.AggregationBatch{}, fmt.Errorf("journal: max batch size must be positive, got %d", maxBatch)
	}

	floor := int64(0)
	if after != nil {
		floor = *after
	}

	// One extra row distinguishes "batch is exactly full" from "more remain".
	rows, err := r.pool.Query(ctx,
		`SELECT id, position, entity_id, kind, occurred_at, payload, created_at
		 FROM journal_records
		 WHERE position > $1
		   AND created_at <= now() - ($2 * interval '1 microsecond')
		 ORDER BY position ASC, id ASC
		 LIMIT $3`,
		floor, r.flushMargin.Microseconds(), maxBatch+1,
	)
	if err != nil {
		return model.AggregationBatch{}, fmt.Errorf("journal: read after %d: %w", floor, err)
	}
	defer rows.Close()

	var records []model.JournalRecord
	for rows.Next() {
		var rec model.JournalRecord
		if err := rows.Scan(
			&rec.ID, &rec.Position, &rec.EntityID, &rec.Kind,
			&rec.OccurredAt, &rec.Payload, &rec.CreatedAt,
		); err != nil {
			return model.AggregationBatch{}, fmt.Errorf("journal: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return model.AggregationBatch{}, fmt.Errorf("journal: read after %d: %w", floor, err)
	}

	batch := model.AggregationBatch{Records: records}
	if len(records) > maxBatch {
		batch.Records = records[:maxBatch]
		batch.HasMore = true
	}

	r.logger.Debug("journal: batch read",
		"after", floor,
		"count", len(batch.Records),
		"has_more", batch.HasMore,
	)
	return batch, nil
}
