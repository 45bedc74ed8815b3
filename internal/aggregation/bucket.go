package aggregation

import (
	"github.com/google/btree"

	"marketflow/models"
)

// POCStatus tracks whether a bucket's point of control has been revisited.
type POCStatus uint8

const (
	POCNone POCStatus = iota
	POCNaked
	POCFilled
)

func (s POCStatus) String() string {
	switch s {
	case POCNaked:
		return "naked"
	case POCFilled:
		return "filled"
	default:
		return "none"
	}
}

func (s POCStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PointOfControl is the level with the highest traded volume in a bucket.
type PointOfControl struct {
	Key      IntervalKey  `json:"key"`
	Price    models.Price `json:"price"`
	Volume   float64      `json:"volume"`
	Status   POCStatus    `json:"status"`
	FilledAt IntervalKey  `json:"filled_at,omitempty"`
	Valid    bool         `json:"valid"`
}

// OHLC prices of a bucket. Set is false until a trade or candle arrives.
type OHLC struct {
	Open  models.Price `json:"open"`
	High  models.Price `json:"high"`
	Low   models.Price `json:"low"`
	Close models.Price `json:"close"`
	Set   bool         `json:"set"`
}

func (o *OHLC) add(p models.Price) {
	if !o.Set {
		*o = OHLC{Open: p, High: p, Low: p, Close: p, Set: true}
		return
	}
	if p > o.High {
		o.High = p
	}
	if p < o.Low {
		o.Low = p
	}
	o.Close = p
}

type levelEntry struct {
	price  models.Price
	trades GroupedTrades
}

func lessLevel(a, b *levelEntry) bool { return a.price < b.price }

// Bucket aggregates trades for one interval key. It is mutated only by the
// owning Engine.
type Bucket struct {
	key    IntervalKey
	levels *btree.BTreeG[*levelEntry]
	ohlc   OHLC
	poc    PointOfControl
	count  uint64
	volume float64
	candle *models.CandleTick
}

func newBucket(key IntervalKey) *Bucket {
	return &Bucket{
		key:    key,
		levels: btree.NewG(btreeDegree, lessLevel),
		poc:    PointOfControl{Key: key},
	}
}

func (b *Bucket) Key() IntervalKey { return b.key }

// add records a trade at its rounded level. The point of control is not
// touched; callers recompute once per batch.
func (b *Bucket) add(t models.Trade, step models.PriceStep) {
	price := t.Price.RoundToStep(step)
	entry, ok := b.levels.Get(&levelEntry{price: price})
	if !ok {
		entry = &levelEntry{price: price}
		b.levels.ReplaceOrInsert(entry)
	}
	entry.trades.Add(t)
	b.ohlc.add(t.Price)
	b.count++
	b.volume += t.Quantity
}

// recomputePOC scans every level for the maximum buy+sell volume. On a tie
// the current POC keeps its price if it is still among the maxima, otherwise
// the lowest tied price wins.
func (b *Bucket) recomputePOC() {
	var (
		best      *levelEntry
		bestTotal float64
		prevTotal = -1.0
	)
	b.levels.Ascend(func(e *levelEntry) bool {
		total := e.trades.Total()
		if b.poc.Valid && e.price == b.poc.Price {
			prevTotal = total
		}
		if best == nil || total > bestTotal {
			best = e
			bestTotal = total
		}
		return true
	})
	if best == nil {
		return
	}
	if b.poc.Valid && prevTotal == bestTotal {
		b.poc.Volume = prevTotal
		return
	}
	b.poc.Price = best.price
	b.poc.Volume = bestTotal
	b.poc.Valid = true
}

func (b *Bucket) applyCandle(c models.CandleTick) {
	cp := c
	b.candle = &cp
	b.ohlc = OHLC{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Set: true}
}

// view copies the bucket into an immutable value.
func (b *Bucket) view() BucketView {
	levels := make([]LevelView, 0, b.levels.Len())
	b.levels.Ascend(func(e *levelEntry) bool {
		levels = append(levels, LevelView{Price: e.price, GroupedTrades: e.trades})
		return true
	})
	v := BucketView{
		Key:        b.key,
		OHLC:       b.ohlc,
		Levels:     levels,
		POC:        b.poc,
		TradeCount: b.count,
		Volume:     b.volume,
	}
	if b.candle != nil {
		v.CandleVolume = b.candle.Volume
		v.Closed = b.candle.Closed
	}
	return v
}
