package models

import (
	"errors"
	"fmt"
	"math"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// SIDES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side is the aggressor side of a trade.
type Side uint8

const (
	SideUnknown Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// EVENTS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// EventKind tags canonical events produced by provider decoders.
type EventKind uint8

const (
	KindTrade EventKind = iota + 1
	KindDepth
	KindCandle
	KindHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindDepth:
		return "depth"
	case KindCandle:
		return "candle"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is a canonical provider event.
type Event interface {
	Kind() EventKind
}

var ErrInvalidRecord = errors.New("invalid record")

// Trade is a single executed trade print. Timestamp is in milliseconds.
type Trade struct {
	Price     Price   `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp uint64  `json:"timestamp"`
	Side      Side    `json:"side"`
}

func (Trade) Kind() EventKind { return KindTrade }

// Validate applies structural sanity checks only.
func (t Trade) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("%w: trade price %s", ErrInvalidRecord, t.Price)
	}
	if !ValidQuantity(t.Quantity) {
		return fmt.Errorf("%w: trade quantity %v", ErrInvalidRecord, t.Quantity)
	}
	if t.Side != Buy && t.Side != Sell {
		return fmt.Errorf("%w: trade side %d", ErrInvalidRecord, t.Side)
	}
	return nil
}

// DepthKind separates full snapshots from incremental diffs.
type DepthKind uint8

const (
	DepthSnapshot DepthKind = iota + 1
	DepthDiff
)

func (k DepthKind) String() string {
	if k == DepthSnapshot {
		return "snapshot"
	}
	return "diff"
}

// DepthLevel is one price level. Quantity zero removes the level.
type DepthLevel struct {
	Price    Price   `json:"price"`
	Quantity float64 `json:"quantity"`
}

func (l DepthLevel) Valid() bool {
	return l.Price > 0 && ValidQuantity(l.Quantity)
}

// DepthUpdate carries a snapshot or a diff. For a snapshot only LastSequence
// is meaningful. Decoders normalize provider sequencing so that consecutive
// diffs satisfy FirstSequence == previous LastSequence + 1.
type DepthUpdate struct {
	Type          DepthKind    `json:"type"`
	FirstSequence uint64       `json:"first_sequence"`
	LastSequence  uint64       `json:"last_sequence"`
	EventTime     uint64       `json:"event_time"`
	Bids          []DepthLevel `json:"bids"`
	Asks          []DepthLevel `json:"asks"`
}

func (DepthUpdate) Kind() EventKind { return KindDepth }

func NewSnapshot(seq uint64, bids, asks []DepthLevel) DepthUpdate {
	return DepthUpdate{Type: DepthSnapshot, FirstSequence: seq, LastSequence: seq, Bids: bids, Asks: asks}
}

func NewDiff(first, last uint64, bids, asks []DepthLevel) DepthUpdate {
	return DepthUpdate{Type: DepthDiff, FirstSequence: first, LastSequence: last, Bids: bids, Asks: asks}
}

// CandleTick is a provider kline update. OpenTime is in milliseconds.
type CandleTick struct {
	OpenTime uint64  `json:"open_time"`
	Open     Price   `json:"open"`
	High     Price   `json:"high"`
	Low      Price   `json:"low"`
	Close    Price   `json:"close"`
	Volume   float64 `json:"volume"`
	Closed   bool    `json:"closed"`
}

func (CandleTick) Kind() EventKind { return KindCandle }

func (c CandleTick) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("%w: candle prices", ErrInvalidRecord)
	}
	if c.Low > c.High {
		return fmt.Errorf("%w: candle low %s above high %s", ErrInvalidRecord, c.Low, c.High)
	}
	if math.IsNaN(c.Volume) || math.IsInf(c.Volume, 0) || c.Volume < 0 {
		return fmt.Errorf("%w: candle volume %v", ErrInvalidRecord, c.Volume)
	}
	return nil
}

// Heartbeat is a keepalive frame. A non-empty Reply is written back as is.
type Heartbeat struct {
	Reply []byte
}

func (Heartbeat) Kind() EventKind { return KindHeartbeat }
