package bybit

import (
	"encoding/json"
	"fmt"
	"strings"

	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

var pongFrame = []byte(`{"op":"pong"}`)

// Decoder turns v5 public stream frames into canonical events.
//
// Order book deltas carry a single update id u, consecutive per topic, so a
// delta maps to the range u..u. A snapshot, including the one Bybit resends
// with u=1 after a service restart, replaces the book.
type Decoder struct {
	symbol string
	log    *logger.Entry
}

func NewDecoder(symbol string) *Decoder {
	symbol = strings.ToUpper(symbol)
	return &Decoder{symbol: symbol, log: logger.GetLogger().WithStream("bybit_reader", "bybit", symbol)}
}

func (d *Decoder) Decode(data []byte) ([]models.Event, error) {
	var msg models.BybitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("bybit frame: %w", err)
	}

	if msg.Op != "" {
		return d.control(msg)
	}

	topic, _, _ := strings.Cut(msg.Topic, ".")
	switch topic {
	case "orderbook":
		return d.orderbook(msg)
	case "publicTrade":
		return d.trades(msg)
	case "kline":
		return d.klines(msg)
	default:
		d.log.WithFields(logger.Fields{"topic": msg.Topic}).Debug("ignoring frame")
		return nil, nil
	}
}

// control handles op frames. Server pings are answered in kind; replies to
// our own pings and subscriptions carry success.
func (d *Decoder) control(msg models.BybitMessage) ([]models.Event, error) {
	if msg.Success == nil {
		if msg.Op == "ping" {
			return []models.Event{models.Heartbeat{Reply: pongFrame}}, nil
		}
		return nil, nil
	}
	if !*msg.Success {
		ratemetrics.ReportLimitFromMessage(logger.GetLogger(), "bybit", d.symbol, msg.Op, msg.RetMsg)
		return nil, fmt.Errorf("bybit %s rejected: %s", msg.Op, msg.RetMsg)
	}
	return nil, nil
}

func (d *Decoder) orderbook(msg models.BybitMessage) ([]models.Event, error) {
	var ob models.BybitOrderbookData
	if err := json.Unmarshal(msg.Data, &ob); err != nil {
		return nil, fmt.Errorf("bybit orderbook: %w", err)
	}
	bids, err := reader.ParseLevels(ob.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := reader.ParseLevels(ob.Asks)
	if err != nil {
		return nil, err
	}

	seq := uint64(ob.UpdateID)
	var u models.DepthUpdate
	switch msg.Type {
	case "snapshot":
		u = models.NewSnapshot(seq, bids, asks)
	case "delta":
		u = models.NewDiff(seq, seq, bids, asks)
	default:
		return nil, fmt.Errorf("bybit orderbook: unknown type %q", msg.Type)
	}
	u.EventTime = uint64(msg.Ts)
	return []models.Event{u}, nil
}

func side(s string) models.Side {
	switch s {
	case "Buy":
		return models.Buy
	case "Sell":
		return models.Sell
	default:
		return models.SideUnknown
	}
}

func (d *Decoder) trades(msg models.BybitMessage) ([]models.Event, error) {
	var rows []models.BybitTradeData
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit publicTrade: %w", err)
	}
	out := make([]models.Event, 0, len(rows))
	for _, r := range rows {
		t, err := reader.ParseTrade(r.Price, r.Size, r.Time, side(r.Side))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *Decoder) klines(msg models.BybitMessage) ([]models.Event, error) {
	var rows []models.BybitKlineData
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		return nil, fmt.Errorf("bybit kline: %w", err)
	}
	out := make([]models.Event, 0, len(rows))
	for _, r := range rows {
		c, err := reader.ParseCandle(r.Start, r.Open, r.High, r.Low, r.Close, r.Volume, r.Confirm)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
