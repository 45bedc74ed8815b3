package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

// Decoder turns USD-M futures stream frames into canonical events. Frames may
// arrive raw or wrapped in the combined stream envelope.
type Decoder struct {
	log *logger.Entry
}

func NewDecoder(symbol string) *Decoder {
	return &Decoder{log: logger.GetLogger().WithStream("binance_reader", "binance", strings.ToUpper(symbol))}
}

func (d *Decoder) Decode(data []byte) ([]models.Event, error) {
	payload := data
	var env models.BinanceStreamEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		payload = env.Data
	}

	var header models.BinanceEventHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("binance frame: %w", err)
	}
	if header.ID != nil {
		// subscription acknowledgement
		return nil, nil
	}

	switch header.Event {
	case "depthUpdate":
		var ev models.BinanceDepthEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("binance depth: %w", err)
		}
		u, err := depthDiff(ev)
		if err != nil {
			return nil, err
		}
		return []models.Event{u}, nil
	case "aggTrade":
		var ev models.BinanceAggTradeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("binance aggTrade: %w", err)
		}
		t, err := aggTrade(ev.Price, ev.Quantity, ev.TradeTime, ev.Maker)
		if err != nil {
			return nil, err
		}
		return []models.Event{t}, nil
	case "kline":
		var ev models.BinanceKlineEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("binance kline: %w", err)
		}
		k := ev.Kline
		c, err := reader.ParseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.Closed)
		if err != nil {
			return nil, err
		}
		return []models.Event{c}, nil
	default:
		d.log.WithFields(logger.Fields{"event": header.Event}).Debug("ignoring frame")
		return nil, nil
	}
}

// depthDiff maps pu/u onto the canonical range. A diff continues the
// previous one when its pu equals the previous u, so FirstSequence is pu+1.
func depthDiff(ev models.BinanceDepthEvent) (models.DepthUpdate, error) {
	bids, err := reader.ParseLevels(ev.Bids)
	if err != nil {
		return models.DepthUpdate{}, err
	}
	asks, err := reader.ParseLevels(ev.Asks)
	if err != nil {
		return models.DepthUpdate{}, err
	}
	u := models.NewDiff(uint64(ev.PrevLastUpdateID)+1, uint64(ev.LastUpdateID), bids, asks)
	u.EventTime = uint64(ev.Time)
	return u, nil
}

// aggTrade builds a trade. Maker true means the buyer rested on the book so
// the aggressor sold.
func aggTrade(p, q string, ts int64, maker bool) (models.Trade, error) {
	side := models.Buy
	if maker {
		side = models.Sell
	}
	return reader.ParseTrade(p, q, ts, side)
}
