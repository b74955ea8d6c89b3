package sink

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("sink: not found")

	// ErrWatermarkConflict is returned when the commit's optimistic check on
	// the prior watermark fails: another instance advanced it first. The
	// caller retries the cycle from the now-advanced watermark.
	ErrWatermarkConflict = errors.New("sink: watermark advanced by another instance")

	// ErrWatermarkRegression is returned when a commit would move a watermark
	// backward. Watermarks are monotonic per job; a regression means state is
	// corrupt and the job must halt rather than keep writing.
	ErrWatermarkRegression = errors.New("sink: watermark would move backward")

	// ErrPartialWrite is returned when a metric upsert inside the commit
	// transaction reports an unexpected row count. The transaction is rolled
	// back, so no partial state is visible; the error is an invariant
	// violation to alert on, not to retry.
	ErrPartialWrite = errors.New("sink: metric upsert affected unexpected row count")
)

// IsInvariantViolation reports whether err indicates broken aggregate state
// that must halt the job instead of being retried.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrWatermarkRegression) || errors.Is(err, ErrPartialWrite)
}

// IsTransient reports whether err is worth retrying on a later cycle:
// optimistic-concurrency conflicts, serialization failures, deadlocks,
// timeouts, and connectivity loss.
func IsTransient(err error) bool {
	if errors.Is(err, ErrWatermarkConflict) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		}
		// Class 08: connection exceptions.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	return false
}
