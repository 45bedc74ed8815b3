package aggregation

import "marketflow/models"

// GroupedTrades accumulates the trades printed at one price level. Values only
// ever grow.
type GroupedTrades struct {
	BuyQty    float64 `json:"buy_qty"`
	SellQty   float64 `json:"sell_qty"`
	BuyCount  uint64  `json:"buy_count"`
	SellCount uint64  `json:"sell_count"`
	FirstTime uint64  `json:"first_time"`
	LastTime  uint64  `json:"last_time"`
}

func (g *GroupedTrades) Add(t models.Trade) {
	switch t.Side {
	case models.Buy:
		g.BuyQty += t.Quantity
		g.BuyCount++
	case models.Sell:
		g.SellQty += t.Quantity
		g.SellCount++
	default:
		return
	}
	if g.FirstTime == 0 || t.Timestamp < g.FirstTime {
		g.FirstTime = t.Timestamp
	}
	if t.Timestamp > g.LastTime {
		g.LastTime = t.Timestamp
	}
}

func (g GroupedTrades) Total() float64 { return g.BuyQty + g.SellQty }

func (g GroupedTrades) Delta() float64 { return g.BuyQty - g.SellQty }

func (g GroupedTrades) Count() uint64 { return g.BuyCount + g.SellCount }
