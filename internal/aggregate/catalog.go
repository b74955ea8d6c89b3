package aggregate

import (
	"fmt"
	"time"

	"github.com/quantfold/reportd/internal/model"
)

// KeyFunc derives the metric key for a record, typically from its entity or
// payload. The rule's name is appended to the returned key.
type KeyFunc func(rec model.JournalRecord) (string, error)

// ValueFunc extracts the numeric contribution of a record.
type ValueFunc func(rec model.JournalRecord) (float64, error)

// Rule declares one metric derived from a record kind: how to key it, how to
// bucket it in time, how to combine contributions, and what value each record
// contributes. Ops other than OpLast must be associative and commutative so
// partial batches merge correctly; OpLast is ordered by journal position on
// write instead.
type Rule struct {
	Name   string
	Key    KeyFunc
	Bucket time.Duration
	Op     model.CombineOp
	Value  ValueFunc
}

// Catalog maps record kinds to the rules that derive metrics from them.
// Kinds absent from the catalog are ignored.
type Catalog map[model.RecordKind][]Rule

// Validate checks every rule for a usable name, bucket, op, and extractors.
func (c Catalog) Validate() error {
	for kind, rules := range c {
		for _, r := range rules {
			if r.Name == "" {
				return fmt.Errorf("aggregate: %s: rule with empty name", kind)
			}
			if r.Bucket <= 0 {
				return fmt.Errorf("aggregate: %s/%s: bucket must be positive", kind, r.Name)
			}
			if !r.Op.Valid() {
				return fmt.Errorf("aggregate: %s/%s: unknown combine op %q", kind, r.Name, r.Op)
			}
			if r.Key == nil || r.Value == nil {
				return fmt.Errorf("aggregate: %s/%s: key and value funcs are required", kind, r.Name)
			}
		}
	}
	return nil
}

// symbolKey keys a metric by the payload's symbol, falling back to the
// record's entity id when the payload lacks one.
func symbolKey(rec model.JournalRecord) (string, error) {
	if s, ok := rec.Payload["symbol"].(string); ok && s != "" {
		return s, nil
	}
	if rec.EntityID == "" {
		return "", fmt.Errorf("record has neither symbol nor entity_id")
	}
	return rec.EntityID, nil
}

// payloadFloat reads a numeric payload field. JSONB numbers decode as float64.
func payloadFloat(field string) ValueFunc {
	return func(rec model.JournalRecord) (float64, error) {
		v, ok := rec.Payload[field]
		if !ok {
			return 0, fmt.Errorf("missing payload field %q", field)
		}
		f, ok := v.(float64)
		if !ok {
			return 0, fmt.Errorf("payload field %q is %T, want number", field, v)
		}
		return f, nil
	}
}

// one contributes a constant 1, used by count metrics.
func one(model.JournalRecord) (float64, error) { return 1, nil }

// winIndicator contributes 1 for a profitable close and 0 otherwise.
func winIndicator(rec model.JournalRecord) (float64, error) {
	pl, err := payloadFloat("realized_pl")(rec)
	if err != nil {
		return 0, err
	}
	if pl > 0 {
		return 1, nil
	}
	return 0, nil
}

// DefaultJobs returns the standard metric families, each run as an
// independent aggregation job with its own watermark:
//
//   - position_outcomes: daily P/L, win tallies, and signal-quality extremes
//     per symbol, from position closes and signal evaluations.
//   - trade_flow: hourly trade counts and fee totals per symbol, from fills.
func DefaultJobs() map[string]Catalog {
	day := 24 * time.Hour
	return map[string]Catalog{
		"position_outcomes": {
			model.KindPositionClosed: {
				{Name: "realized_pl", Key: symbolKey, Bucket: day, Op: model.OpSum, Value: payloadFloat("realized_pl")},
				{Name: "positions_closed", Key: symbolKey, Bucket: day, Op: model.OpCount, Value: one},
				{Name: "wins", Key: symbolKey, Bucket: day, Op: model.OpSum, Value: winIndicator},
				{Name: "largest_gain", Key: symbolKey, Bucket: day, Op: model.OpMax, Value: payloadFloat("realized_pl")},
				{Name: "largest_loss", Key: symbolKey, Bucket: day, Op: model.OpMin, Value: payloadFloat("realized_pl")},
			},
			model.KindSignalEvaluated: {
				{Name: "compliance_min", Key: symbolKey, Bucket: day, Op: model.OpMin, Value: payloadFloat("compliance_score")},
				{Name: "compliance_max", Key: symbolKey, Bucket: day, Op: model.OpMax, Value: payloadFloat("compliance_score")},
				{Name: "last_confidence", Key: symbolKey, Bucket: day, Op: model.OpLast, Value: payloadFloat("confidence")},
			},
		},
		"trade_flow": {
			model.KindTradeExecuted: {
				{Name: "trades", Key: symbolKey, Bucket: time.Hour, Op: model.OpCount, Value: one},
				{Name: "fees", Key: symbolKey, Bucket: time.Hour, Op: model.OpSum, Value: payloadFloat("fees")},
			},
		},
	}
}
