package processor

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"marketflow/logger"
	"marketflow/models"
)

// TradeBatch is a group of trades flushed together.
type TradeBatch struct {
	ID     string
	Trades []models.Trade
	Opened time.Time
	Closed time.Time
}

// TradeBuffer collects validated trades until the batch is full or the flush
// interval has passed since the first buffered trade. It is owned by a single
// goroutine and is not safe for concurrent use.
type TradeBuffer struct {
	queue    deque.Deque[models.Trade]
	maxBatch int
	interval time.Duration
	opened   time.Time
	rejected uint64
	log      *logger.Entry
}

func NewTradeBuffer(maxBatch int, interval time.Duration, log *logger.Entry) *TradeBuffer {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if log == nil {
		log = logger.GetLogger().WithComponent("trade_buffer")
	}
	return &TradeBuffer{maxBatch: maxBatch, interval: interval, log: log}
}

// Add buffers t. Structurally invalid trades are dropped and counted.
func (b *TradeBuffer) Add(t models.Trade, now time.Time) bool {
	if err := t.Validate(); err != nil {
		b.rejected++
		b.log.WithError(err).Debug("dropping invalid trade")
		return false
	}
	if b.queue.Len() == 0 {
		b.opened = now
	}
	b.queue.PushBack(t)
	return true
}

func (b *TradeBuffer) Len() int {
	return b.queue.Len()
}

func (b *TradeBuffer) Rejected() uint64 {
	return b.rejected
}

// Due reports whether the buffer should be drained.
func (b *TradeBuffer) Due(now time.Time) bool {
	n := b.queue.Len()
	if n == 0 {
		return false
	}
	return n >= b.maxBatch || now.Sub(b.opened) >= b.interval
}

// Drain empties the buffer. ok is false when there was nothing to flush.
func (b *TradeBuffer) Drain(now time.Time) (TradeBatch, bool) {
	n := b.queue.Len()
	if n == 0 {
		return TradeBatch{}, false
	}
	batch := TradeBatch{
		ID:     uuid.New().String(),
		Trades: make([]models.Trade, 0, n),
		Opened: b.opened,
		Closed: now,
	}
	for b.queue.Len() > 0 {
		batch.Trades = append(batch.Trades, b.queue.PopFront())
	}
	b.opened = time.Time{}
	return batch, true
}
