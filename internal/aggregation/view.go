package aggregation

import (
	"math"
	"sort"

	"marketflow/models"
)

// LevelView is a copied price level.
type LevelView struct {
	Price models.Price `json:"price"`
	GroupedTrades
}

// BucketView is an immutable copy of a bucket. Levels are in ascending price
// order.
type BucketView struct {
	Key          IntervalKey    `json:"key"`
	OHLC         OHLC           `json:"ohlc"`
	Levels       []LevelView    `json:"levels"`
	POC          PointOfControl `json:"poc"`
	TradeCount   uint64         `json:"trade_count"`
	Volume       float64        `json:"volume"`
	CandleVolume float64        `json:"candle_volume,omitempty"`
	Closed       bool           `json:"closed"`
}

// Level returns the aggregate at price, which must already be on the step
// grid.
func (v BucketView) Level(price models.Price) (GroupedTrades, bool) {
	i := sort.Search(len(v.Levels), func(i int) bool { return v.Levels[i].Price >= price })
	if i < len(v.Levels) && v.Levels[i].Price == price {
		return v.Levels[i].GroupedTrades, true
	}
	return GroupedTrades{}, false
}

// PriceRange returns the lowest and highest traded levels.
func (v BucketView) PriceRange() (lo, hi models.Price, ok bool) {
	if len(v.Levels) == 0 {
		return 0, 0, false
	}
	return v.Levels[0].Price, v.Levels[len(v.Levels)-1].Price, true
}

// Metric selects the per-level value used by MaxLevelValue.
type Metric uint8

const (
	MetricMaxOfSides Metric = iota + 1
	MetricAbsDelta
	MetricTotal
)

func ParseMetric(s string) (Metric, bool) {
	switch s {
	case "max_of_sides", "sides":
		return MetricMaxOfSides, true
	case "delta", "abs_delta":
		return MetricAbsDelta, true
	case "total", "volume":
		return MetricTotal, true
	default:
		return 0, false
	}
}

func (m Metric) value(g GroupedTrades) float64 {
	switch m {
	case MetricAbsDelta:
		return math.Abs(g.Delta())
	case MetricTotal:
		return g.Total()
	default:
		return math.Max(g.BuyQty, g.SellQty)
	}
}

// MaxLevelValue returns the largest per-level value of the bucket under
// metric, or zero for an empty bucket.
func MaxLevelValue(v BucketView, metric Metric) float64 {
	var best float64
	for _, l := range v.Levels {
		if val := metric.value(l.GroupedTrades); val > best {
			best = val
		}
	}
	return best
}

// Imbalance flags a level whose aggressive volume dominates the opposite side
// one step away on the diagonal.
type Imbalance struct {
	Price models.Price `json:"price"`
	Side  models.Side  `json:"side"`
	Ratio float64      `json:"ratio"`
}

// Imbalances compares buy volume at P with sell volume at P-step (buy side)
// and sell volume at P with buy volume at P+step (sell side). A level is
// flagged when its volume is at least ratio times a non-zero counterpart.
func Imbalances(v BucketView, step models.PriceStep, ratio float64) []Imbalance {
	if ratio <= 0 || step <= 0 {
		return nil
	}
	var out []Imbalance
	s := step.Price()
	for _, l := range v.Levels {
		if below, ok := v.Level(l.Price - s); ok && below.SellQty > 0 && l.BuyQty >= ratio*below.SellQty {
			out = append(out, Imbalance{Price: l.Price, Side: models.Buy, Ratio: l.BuyQty / below.SellQty})
		}
		if above, ok := v.Level(l.Price + s); ok && above.BuyQty > 0 && l.SellQty >= ratio*above.BuyQty {
			out = append(out, Imbalance{Price: l.Price, Side: models.Sell, Ratio: l.SellQty / above.BuyQty})
		}
	}
	return out
}

// ResolvePOCs derives the status of every point of control in views, which
// must be in ascending key order. The newest bucket's POC has status None.
// Any other POC is Naked until a later bucket's traded range covers its
// price, at which point it is Filled at that bucket's key.
func ResolvePOCs(views []BucketView) []PointOfControl {
	out := make([]PointOfControl, 0, len(views))
	for i, v := range views {
		poc := v.POC
		poc.Key = v.Key
		poc.Status = POCNone
		poc.FilledAt = 0
		if !poc.Valid || i == len(views)-1 {
			out = append(out, poc)
			continue
		}
		poc.Status = POCNaked
		for _, later := range views[i+1:] {
			lo, hi, ok := later.PriceRange()
			if ok && lo <= poc.Price && poc.Price <= hi {
				poc.Status = POCFilled
				poc.FilledAt = later.Key
				break
			}
		}
		out = append(out, poc)
	}
	return out
}
