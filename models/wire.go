package models

import "encoding/json"

// WireLevel is a ["price","quantity"] pair as sent by both providers.
type WireLevel [2]string

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceStreamEnvelope wraps payloads received on combined stream URLs.
type BinanceStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceEventHeader is decoded first to dispatch on the event type.
type BinanceEventHeader struct {
	Event  string          `json:"e"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

// BinanceDepthEvent mirrors the futures diff depth stream payload.
type BinanceDepthEvent struct {
	Event            string      `json:"e"`
	Time             int64       `json:"E"`
	TransactionTime  int64       `json:"T"`
	Symbol           string      `json:"s"`
	FirstUpdateID    int64       `json:"U"`
	LastUpdateID     int64       `json:"u"`
	PrevLastUpdateID int64       `json:"pu"`
	Bids             []WireLevel `json:"b"`
	Asks             []WireLevel `json:"a"`
}

// BinanceAggTradeEvent mirrors the aggTrade stream payload. Maker true means
// the buyer was the maker, so the aggressor sold.
type BinanceAggTradeEvent struct {
	Event     string `json:"e"`
	Time      int64  `json:"E"`
	Symbol    string `json:"s"`
	AggID     int64  `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

// BinanceKlineEvent mirrors the kline stream payload.
type BinanceKlineEvent struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BYBIT /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BybitMessage is the common v5 public envelope. Control replies carry Op.
type BybitMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// BybitOrderbookData is the payload of orderbook.<depth>.<symbol>.
type BybitOrderbookData struct {
	Symbol   string      `json:"s"`
	Bids     []WireLevel `json:"b"`
	Asks     []WireLevel `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

// BybitTradeData is one element of publicTrade.<symbol>.
type BybitTradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

// BybitKlineData is one element of kline.<interval>.<symbol>.
type BybitKlineData struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

// BybitOrderbookResult is the REST /v5/market/orderbook result.
type BybitOrderbookResult struct {
	Symbol   string      `json:"s"`
	Bids     []WireLevel `json:"b"`
	Asks     []WireLevel `json:"a"`
	Ts       int64       `json:"ts"`
	UpdateID int64       `json:"u"`
}

// BybitKlineResult is the REST /v5/market/kline result. Rows are
// [start, open, high, low, close, volume, turnover], newest first.
type BybitKlineResult struct {
	Symbol   string     `json:"symbol"`
	Category string     `json:"category"`
	List     [][]string `json:"list"`
}

// BybitRecentTradeResult is the REST /v5/market/recent-trade result.
type BybitRecentTradeResult struct {
	Category string `json:"category"`
	List     []struct {
		ExecID string `json:"execId"`
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Size   string `json:"size"`
		Side   string `json:"side"`
		Time   string `json:"time"`
	} `json:"list"`
}
