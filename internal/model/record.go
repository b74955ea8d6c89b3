package model

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind categorizes a journal record. The aggregation catalog maps each
// kind to the metrics derived from it; kinds without a catalog entry are
// ignored by the aggregator.
type RecordKind string

const (
	// KindPositionClosed is written when a position is fully exited.
	KindPositionClosed RecordKind = "PositionClosed"
	// KindTradeExecuted is written for every fill, entry or exit.
	KindTradeExecuted RecordKind = "TradeExecuted"
	// KindSignalEvaluated is written when the decision engine scores a signal.
	KindSignalEvaluated RecordKind = "SignalEvaluated"
)

// JournalRecord is an immutable fact from the trading journal.
// Position is assigned by the journal store at write time and is strictly
// monotonic; records are read-only to this service.
type JournalRecord struct {
	ID         uuid.UUID      `json:"id"`
	Position   int64          `json:"position"`
	EntityID   string         `json:"entity_id"`
	Kind       RecordKind     `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AggregationBatch groups the records read in one daemon cycle. It is never
// persisted; on commit failure the batch is discarded and re-read from the
// unchanged watermark.
type AggregationBatch struct {
	Records []JournalRecord
	// HasMore reports that the journal holds records beyond this batch,
	// so the next cycle should start without waiting for the timer.
	HasMore bool
}

// PositionClosedPayload is the payload for PositionClosed records.
type PositionClosedPayload struct {
	Symbol        string  `json:"symbol"`
	RealizedPL    float64 `json:"realized_pl"`
	RealizedPLPct float64 `json:"realized_pl_pct"`
	HoldingDays   int     `json:"holding_days"`
	ExitType      string  `json:"exit_type,omitempty"`
}

// TradeExecutedPayload is the payload for TradeExecuted records.
type TradeExecutedPayload struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Fees     float64 `json:"fees,omitempty"`
}

// SignalEvaluatedPayload is the payload for SignalEvaluated records.
type SignalEvaluatedPayload struct {
	Symbol          string  `json:"symbol"`
	SignalType      string  `json:"signal_type"`
	Confidence      float64 `json:"confidence"`
	ComplianceScore float64 `json:"compliance_score"`
}
