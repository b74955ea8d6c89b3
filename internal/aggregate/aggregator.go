// Package aggregate folds journal records into metric rows. Aggregation is a
// pure function of the batch and the catalog: the same batch always produces
// the same rows, which is what makes a replay after a failed commit safe.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/quantfold/reportd/internal/model"
)

// RecordError marks a record whose payload could not be aggregated under a
// configured rule. Under the default skip policy the record is dropped and
// counted; under strict policy it fails the whole batch.
type RecordError struct {
	Position int64
	Kind     model.RecordKind
	Rule     string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("aggregate: record at position %d (%s/%s): %v", e.Position, e.Kind, e.Rule, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Result is the output of one aggregation pass.
type Result struct {
	Rows []model.MetricRow
	// Watermark is the highest position in the batch; committing the rows
	// advances the job's watermark to it.
	Watermark int64
	// Skipped counts records dropped under the skip policy.
	Skipped int
}

// Aggregator folds batches for one job using a fixed catalog.
type Aggregator struct {
	jobName string
	catalog Catalog
	strict  bool
}

// New creates an Aggregator. The catalog must validate.
func New(jobName string, catalog Catalog, strict bool) (*Aggregator, error) {
	if jobName == "" {
		return nil, fmt.Errorf("aggregate: job name is required")
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{jobName: jobName, catalog: catalog, strict: strict}, nil
}

type rowKey struct {
	metric string
	bucket time.Time
}

type rowState struct {
	op           model.CombineOp
	value        float64
	lastPosition int64
	initialized  bool
}

func (s *rowState) fold(op model.CombineOp, v float64, position int64) {
	if !s.initialized {
		s.op = op
		s.value = v
		s.lastPosition = position
		s.initialized = true
		return
	}
	switch op {
	case model.OpSum, model.OpCount:
		s.value += v
	case model.OpMin:
		if v < s.value {
			s.value = v
		}
	case model.OpMax:
		if v > s.value {
			s.value = v
		}
	case model.OpLast:
		if position > s.lastPosition {
			s.value = v
		}
	}
	if position > s.lastPosition {
		s.lastPosition = position
	}
}

// Aggregate folds a batch into metric rows and the watermark they carry.
// Rows come back sorted by (metric_key, bucket_time) so output is
// deterministic for a given batch. The batch must be non-empty.
func (a *Aggregator) Aggregate(batch model.AggregationBatch) (Result, error) {
	if len(batch.Records) == 0 {
		return Result{}, fmt.Errorf("aggregate: empty batch")
	}

	states := make(map[rowKey]*rowState)
	skippedPositions := make(map[int64]bool)

	for _, rec := range batch.Records {
		rules, ok := a.catalog[rec.Kind]
		if !ok {
			continue // unconfigured kind, not an error
		}
		for _, rule := range rules {
			base, err := rule.Key(rec)
			if err == nil {
				var v float64
				if v, err = rule.Value(rec); err == nil {
					key := rowKey{
						metric: base + "." + rule.Name,
						bucket: rec.OccurredAt.UTC().Truncate(rule.Bucket),
					}
					st, found := states[key]
					if !found {
						st = &rowState{}
						states[key] = st
					}
					st.fold(rule.Op, v, rec.Position)
					continue
				}
			}
			recErr := &RecordError{Position: rec.Position, Kind: rec.Kind, Rule: rule.Name, Err: err}
			if a.strict {
				return Result{}, recErr
			}
			skippedPositions[rec.Position] = true
		}
	}

	rows := make([]model.MetricRow, 0, len(states))
	for key, st := range states {
		rows = append(rows, model.MetricRow{
			JobName:      a.jobName,
			MetricKey:    key.metric,
			BucketTime:   key.bucket,
			Value:        st.value,
			Op:           st.op,
			LastPosition: st.lastPosition,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].MetricKey != rows[j].MetricKey {
			return rows[i].MetricKey < rows[j].MetricKey
		}
		return rows[i].BucketTime.Before(rows[j].BucketTime)
	})

	// Records are position-ordered, so the last one carries the watermark.
	// A skipped record still advances it: the skip policy exists precisely so
	// one malformed payload cannot wedge the whole job.
	return Result{
		Rows:      rows,
		Watermark: batch.Records[len(batch.Records)-1].Position,
		Skipped:   len(skippedPositions),
	}, nil
}
