package reader

import (
	"errors"

	"marketflow/models"
)

// ParsePrice parses a provider price. Negative prices become zero so the
// structural checks downstream drop and count them; malformed text is an
// error.
func ParsePrice(s string) (models.Price, error) {
	p, err := models.ParsePrice(s)
	if errors.Is(err, models.ErrNegativePrice) {
		return 0, nil
	}
	return p, err
}

func ParseLevels(wire []models.WireLevel) ([]models.DepthLevel, error) {
	out := make([]models.DepthLevel, 0, len(wire))
	for _, w := range wire {
		p, err := ParsePrice(w[0])
		if err != nil {
			return nil, err
		}
		q, err := models.ParseQuantity(w[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.DepthLevel{Price: p, Quantity: q})
	}
	return out, nil
}

func ParseTrade(price, qty string, ts int64, side models.Side) (models.Trade, error) {
	p, err := ParsePrice(price)
	if err != nil {
		return models.Trade{}, err
	}
	q, err := models.ParseQuantity(qty)
	if err != nil {
		return models.Trade{}, err
	}
	return models.Trade{Price: p, Quantity: q, Timestamp: uint64(ts), Side: side}, nil
}

func ParseCandle(openTime int64, o, h, l, c, v string, closed bool) (models.CandleTick, error) {
	var (
		tick models.CandleTick
		err  error
	)
	tick.OpenTime = uint64(openTime)
	tick.Closed = closed
	if tick.Open, err = ParsePrice(o); err != nil {
		return tick, err
	}
	if tick.High, err = ParsePrice(h); err != nil {
		return tick, err
	}
	if tick.Low, err = ParsePrice(l); err != nil {
		return tick, err
	}
	if tick.Close, err = ParsePrice(c); err != nil {
		return tick, err
	}
	if tick.Volume, err = models.ParseQuantity(v); err != nil {
		return tick, err
	}
	return tick, nil
}
