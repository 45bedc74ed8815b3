// Package aggregation bins trades into price-level buckets per time or tick
// interval and derives point of control, imbalance and level statistics.
package aggregation

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"marketflow/models"
)

const (
	btreeDegree = 32
	// DefaultMaxBuckets bounds how many buckets an Engine retains.
	DefaultMaxBuckets = 1440
)

var ErrUnknownBucket = errors.New("unknown bucket")

// Option configures an Engine.
type Option func(*Engine)

// WithMaxBuckets caps the number of retained buckets. The oldest buckets are
// evicted first.
func WithMaxBuckets(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBuckets = n
		}
	}
}

// Engine owns the bucket collection of one stream. It is not safe for
// concurrent use.
type Engine struct {
	step       models.PriceStep
	basis      Basis
	maxBuckets int
	buckets    *btree.BTreeG[*Bucket]

	// tick basis cursor
	tickKey   IntervalKey
	tickCount int

	rejected uint64
}

func NewEngine(step models.PriceStep, basis Basis, opts ...Option) (*Engine, error) {
	if step <= 0 {
		return nil, models.ErrInvalidStep
	}
	if err := basis.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		step:       step,
		basis:      basis,
		maxBuckets: DefaultMaxBuckets,
		buckets:    btree.NewG(btreeDegree, func(a, b *Bucket) bool { return a.key < b.key }),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Step() models.PriceStep { return e.step }

func (e *Engine) Basis() Basis { return e.basis }

// Rejected returns the number of structurally invalid trades dropped.
func (e *Engine) Rejected() uint64 { return e.rejected }

func (e *Engine) Len() int { return e.buckets.Len() }

func (e *Engine) bucket(key IntervalKey, create bool) *Bucket {
	if b, ok := e.buckets.Get(&Bucket{key: key}); ok {
		return b
	}
	if !create {
		return nil
	}
	b := newBucket(key)
	e.buckets.ReplaceOrInsert(b)
	return b
}

func (e *Engine) nextKey(t models.Trade) IntervalKey {
	if e.basis.Kind == BasisTime {
		return e.basis.TimeKey(t.Timestamp)
	}
	if e.tickCount >= e.basis.Ticks {
		e.tickKey++
		e.tickCount = 0
	}
	e.tickCount++
	return e.tickKey
}

// Ingest assigns each valid trade to its bucket by the engine's basis,
// creating buckets on demand. It returns the touched keys in first-touch
// order. Points of control are recomputed once per touched bucket.
func (e *Engine) Ingest(trades []models.Trade) []IntervalKey {
	var (
		keys    []IntervalKey
		touched = make(map[IntervalKey]*Bucket)
	)
	for _, t := range trades {
		if t.Validate() != nil {
			e.rejected++
			continue
		}
		key := e.nextKey(t)
		b, ok := touched[key]
		if !ok {
			b = e.bucket(key, true)
			touched[key] = b
			keys = append(keys, key)
		}
		b.add(t, e.step)
	}
	for _, b := range touched {
		b.recomputePOC()
	}
	e.evict()
	return e.present(keys)
}

// IngestAt applies every valid trade to the bucket for key regardless of the
// trades' timestamps.
func (e *Engine) IngestAt(key IntervalKey, trades []models.Trade) {
	b := e.bucket(key, true)
	for _, t := range trades {
		if t.Validate() != nil {
			e.rejected++
			continue
		}
		b.add(t, e.step)
	}
	b.recomputePOC()
	e.evict()
}

// ApplyCandle sets the OHLC of the bucket opened at c.OpenTime. It reports
// the bucket key and whether the candle is final.
func (e *Engine) ApplyCandle(c models.CandleTick) (IntervalKey, bool, error) {
	if e.basis.Kind != BasisTime {
		return 0, false, fmt.Errorf("%w: candles need a time basis", ErrBasisMismatch)
	}
	if err := c.Validate(); err != nil {
		e.rejected++
		return 0, false, err
	}
	key := e.basis.TimeKey(c.OpenTime)
	e.bucket(key, true).applyCandle(c)
	e.evict()
	return key, c.Closed, nil
}

// MergeBackfill inserts historical trades into buckets that do not exist
// yet. Buckets already present, typically built from live data, are left
// untouched, so repeated or late responses are harmless. It returns the keys
// that were inserted and retained.
func (e *Engine) MergeBackfill(trades []models.Trade) ([]IntervalKey, error) {
	if e.basis.Kind != BasisTime {
		return nil, fmt.Errorf("%w: backfill needs a time basis", ErrBasisMismatch)
	}
	groups := make(map[IntervalKey][]models.Trade)
	var order []IntervalKey
	for _, t := range trades {
		if t.Validate() != nil {
			e.rejected++
			continue
		}
		key := e.basis.TimeKey(t.Timestamp)
		if e.bucket(key, false) != nil {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}
	for _, key := range order {
		b := e.bucket(key, true)
		for _, t := range groups[key] {
			b.add(t, e.step)
		}
		b.recomputePOC()
	}
	e.evict()
	return e.present(order), nil
}

// MergeCandles inserts candle-only buckets for keys that do not exist yet.
func (e *Engine) MergeCandles(candles []models.CandleTick) ([]IntervalKey, error) {
	if e.basis.Kind != BasisTime {
		return nil, fmt.Errorf("%w: candles need a time basis", ErrBasisMismatch)
	}
	var inserted []IntervalKey
	for _, c := range candles {
		if c.Validate() != nil {
			e.rejected++
			continue
		}
		key := e.basis.TimeKey(c.OpenTime)
		if e.bucket(key, false) != nil {
			continue
		}
		e.bucket(key, true).applyCandle(c)
		inserted = append(inserted, key)
	}
	e.evict()
	return e.present(inserted), nil
}

func (e *Engine) evict() {
	for e.buckets.Len() > e.maxBuckets {
		e.buckets.DeleteMin()
	}
}

// present filters out keys evicted during the same call.
func (e *Engine) present(keys []IntervalKey) []IntervalKey {
	out := keys[:0]
	for _, k := range keys {
		if e.bucket(k, false) != nil {
			out = append(out, k)
		}
	}
	return out
}

// View returns a copy of the bucket for key.
func (e *Engine) View(key IntervalKey) (BucketView, error) {
	b := e.bucket(key, false)
	if b == nil {
		return BucketView{}, fmt.Errorf("%w: %d", ErrUnknownBucket, key)
	}
	return b.view(), nil
}

// Keys returns retained bucket keys in ascending order.
func (e *Engine) Keys() []IntervalKey {
	keys := make([]IntervalKey, 0, e.buckets.Len())
	e.buckets.Ascend(func(b *Bucket) bool {
		keys = append(keys, b.key)
		return true
	})
	return keys
}

// Latest returns copies of the newest n buckets in ascending key order.
func (e *Engine) Latest(n int) []BucketView {
	if n <= 0 || e.buckets.Len() == 0 {
		return nil
	}
	if n > e.buckets.Len() {
		n = e.buckets.Len()
	}
	out := make([]BucketView, n)
	i := n - 1
	e.buckets.Descend(func(b *Bucket) bool {
		out[i] = b.view()
		i--
		return i >= 0
	})
	return out
}

// MaxLevelValue recomputes the largest level value of the bucket for key.
func (e *Engine) MaxLevelValue(key IntervalKey, metric Metric) (float64, error) {
	v, err := e.View(key)
	if err != nil {
		return 0, err
	}
	return MaxLevelValue(v, metric), nil
}

// PointsOfControl resolves the POC status of the newest lookback buckets.
// POCs older than the lookback are not tracked.
func (e *Engine) PointsOfControl(lookback int) []PointOfControl {
	return ResolvePOCs(e.Latest(lookback))
}

// Imbalances evaluates diagonal imbalances for the bucket at key.
func (e *Engine) Imbalances(key IntervalKey, ratio float64) ([]Imbalance, error) {
	v, err := e.View(key)
	if err != nil {
		return nil, err
	}
	return Imbalances(v, e.step, ratio), nil
}
