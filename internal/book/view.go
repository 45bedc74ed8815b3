package book

import "marketflow/models"

// View is an immutable copy of the book handed to consumers.
type View struct {
	Bids         []models.DepthLevel `json:"bids"`
	Asks         []models.DepthLevel `json:"asks"`
	BidLevels    int                 `json:"bid_levels"`
	AskLevels    int                 `json:"ask_levels"`
	LastSequence uint64              `json:"last_sequence"`
	Stale        bool                `json:"stale"`
}

func (v View) BestBid() (models.DepthLevel, bool) {
	if len(v.Bids) == 0 {
		return models.DepthLevel{}, false
	}
	return v.Bids[0], true
}

func (v View) BestAsk() (models.DepthLevel, bool) {
	if len(v.Asks) == 0 {
		return models.DepthLevel{}, false
	}
	return v.Asks[0], true
}

// Spread returns best ask minus best bid when both sides are present.
func (v View) Spread() (models.Price, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}
