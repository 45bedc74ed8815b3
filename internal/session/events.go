package session

import (
	"time"

	"github.com/google/uuid"

	"marketflow/internal/aggregation"
	"marketflow/internal/book"
	"marketflow/internal/budget"
)

// EventType tags the domain events delivered to subscribers.
type EventType uint8

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventBookUpdated
	EventTradesIngested
	EventCandleClosed
	EventSequenceGap
	EventBackfillCompleted
	EventBackfillFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventBookUpdated:
		return "book_updated"
	case EventTradesIngested:
		return "trades_ingested"
	case EventCandleClosed:
		return "candle_closed"
	case EventSequenceGap:
		return "sequence_gap"
	case EventBackfillCompleted:
		return "backfill_completed"
	case EventBackfillFailed:
		return "backfill_failed"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is a value copy; nothing in it aliases session state. Which fields
// are set depends on Type.
type Event struct {
	Type   EventType `json:"type"`
	Stream StreamKey `json:"stream"`
	At     time.Time `json:"at"`

	// Err is the reason for Disconnected, SequenceGap and BackfillFailed.
	Err error `json:"-"`

	// Book is set on BookUpdated.
	Book *book.View `json:"book,omitempty"`

	// Keys lists buckets touched by TradesIngested, CandleClosed and
	// BackfillCompleted.
	Keys   []aggregation.IntervalKey `json:"keys,omitempty"`
	Trades int                       `json:"trades,omitempty"`
	Batch  string                    `json:"batch,omitempty"`

	// Buckets holds copies of the buckets in Keys on TradesIngested, taken
	// right after the batch was applied.
	Buckets []aggregation.BucketView `json:"buckets,omitempty"`

	// Bucket is the closed bucket on CandleClosed.
	Bucket *aggregation.BucketView `json:"bucket,omitempty"`

	// Request and Kind identify the backfill on BackfillCompleted and
	// BackfillFailed.
	Request uuid.UUID   `json:"request,omitempty"`
	Kind    budget.Kind `json:"kind,omitempty"`
}

// Reason renders Err for logs and JSON consumers.
func (e Event) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
