package model

import "time"

// CombineOp is the merge strategy applied when a metric row is upserted into
// a bucket that already holds a value. The set is closed so that every op can
// be expressed as a single SQL merge expression and (except OpLast, which is
// ordered by journal position) is associative and commutative, so two partial
// batches landing in the same bucket accumulate correctly in either order.
type CombineOp string

const (
	OpSum   CombineOp = "sum"
	OpCount CombineOp = "count"
	OpMin   CombineOp = "min"
	OpMax   CombineOp = "max"
	// OpLast keeps the value carried by the highest journal position seen so
	// far. Position-guarded on write, so replayed or out-of-order batches
	// cannot regress the stored value.
	OpLast CombineOp = "last"
)

// Valid reports whether op is one of the known combine operations.
func (op CombineOp) Valid() bool {
	switch op {
	case OpSum, OpCount, OpMin, OpMax, OpLast:
		return true
	}
	return false
}

// MetricRow is a derived datum keyed by (job_name, metric_key, bucket_time).
// Value is the contribution of one batch, not the stored total: the sink
// merges it into the existing row with the row's combine op.
type MetricRow struct {
	JobName    string    `json:"job_name"`
	MetricKey  string    `json:"metric_key"`
	BucketTime time.Time `json:"bucket_time"`
	Value      float64   `json:"value"`
	Op         CombineOp `json:"op"`
	// LastPosition is the highest journal position contributing to this row.
	// Used as the write guard for OpLast.
	LastPosition int64 `json:"last_position"`
}

// Watermark is the highest journal position fully reflected in the aggregate
// store for one job. Mutated only inside the sink's commit transaction.
type Watermark struct {
	JobName   string    `json:"job_name"`
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}
