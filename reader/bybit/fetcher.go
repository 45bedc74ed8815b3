package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"marketflow/internal/budget"
	"marketflow/internal/session"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

const (
	category      = "linear"
	maxDepthLimit = 500
	klineLimit    = 1000
	tradeLimit    = 1000
)

// PingFrame keeps v5 public connections alive. The server drops clients
// that stay silent for longer than 20 seconds.
var PingFrame = []byte(`{"op":"ping"}`)

// NewClient builds a v5 REST client on httpClient. Only scheme and host of
// restURL are used.
func NewClient(httpClient *http.Client, restURL string) *bybit.Client {
	base := restURL
	if parsed, err := url.Parse(restURL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return client
}

// Fetcher serves order book snapshots, recent trades and klines for one
// linear symbol.
type Fetcher struct {
	client *bybit.Client
	symbol string
	log    *logger.Entry
}

func NewFetcher(client *bybit.Client, symbol string) *Fetcher {
	symbol = strings.ToUpper(symbol)
	return &Fetcher{
		client: client,
		symbol: symbol,
		log:    logger.GetLogger().WithStream("bybit_reader", "bybit", symbol),
	}
}

// Weight counts requests; Bybit limits public endpoints per IP by request
// count rather than weight.
func (f *Fetcher) Weight(req session.FetchRequest) int64 {
	if req.Kind != budget.KindCandles {
		return 1
	}
	d, err := IntervalDuration(req.Interval)
	if err != nil {
		return 1
	}
	span := uint64(d/time.Millisecond) * klineLimit
	return int64((req.Range.To-req.Range.From)/span) + 1
}

func (f *Fetcher) Fetch(ctx context.Context, req session.FetchRequest) ([]models.Event, error) {
	start := time.Now()
	var (
		events []models.Event
		err    error
	)
	switch req.Kind {
	case budget.KindDepth:
		events, err = f.orderbook(ctx, req.Depth)
	case budget.KindTrades:
		events, err = f.recentTrades(ctx, req.Range)
	case budget.KindCandles:
		events, err = f.klines(ctx, req.Interval, req.Range)
	default:
		return nil, fmt.Errorf("bybit: unsupported fetch kind %s", req.Kind)
	}
	if err != nil {
		return nil, reader.ClassifyError("bybit", err)
	}

	logger.LogPerformanceEntry(f.log, "bybit_reader", "fetch_"+string(req.Kind), time.Since(start), logger.Fields{
		"records": len(events),
	})
	return events, nil
}

// call runs one SDK request and decodes its result into out.
func call(resp *bybit.ServerResponse, err error, out interface{}) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("bybit: empty response")
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func (f *Fetcher) orderbook(ctx context.Context, depth int) ([]models.Event, error) {
	if depth <= 0 || depth > maxDepthLimit {
		depth = maxDepthLimit
	}
	params := map[string]interface{}{
		"category": category,
		"symbol":   f.symbol,
		"limit":    depth,
	}
	resp, err := f.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	var res models.BybitOrderbookResult
	if err := call(resp, err, &res); err != nil {
		return nil, err
	}

	bids, err := reader.ParseLevels(res.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := reader.ParseLevels(res.Asks)
	if err != nil {
		return nil, err
	}
	snap := models.NewSnapshot(uint64(res.UpdateID), bids, asks)
	snap.EventTime = uint64(res.Ts)
	logger.LogDataFlowEntry(f.log, "bybit_api", "book", len(bids)+len(asks), "orderbook_entries")
	return []models.Event{snap}, nil
}

// recentTrades returns the recent trades that fall inside rng. The endpoint
// has no time filter, so older ranges come back empty.
func (f *Fetcher) recentTrades(ctx context.Context, rng budget.Range) ([]models.Event, error) {
	params := map[string]interface{}{
		"category": category,
		"symbol":   f.symbol,
		"limit":    tradeLimit,
	}
	resp, err := f.client.NewUtaBybitServiceWithParams(params).GetPublicRecentTrades(ctx)
	var res models.BybitRecentTradeResult
	if err := call(resp, err, &res); err != nil {
		return nil, err
	}

	out := make([]models.Event, 0, len(res.List))
	for _, row := range res.List {
		ts, err := strconv.ParseInt(row.Time, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bybit trade time %q: %w", row.Time, err)
		}
		if ts < 0 || uint64(ts) < rng.From || uint64(ts) > rng.To {
			continue
		}
		t, err := reader.ParseTrade(row.Price, row.Size, ts, side(row.Side))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// klines pages forward through rng. Rows arrive newest first.
func (f *Fetcher) klines(ctx context.Context, interval string, rng budget.Range) ([]models.Event, error) {
	if interval == "" {
		return nil, fmt.Errorf("bybit: kline interval required")
	}
	var out []models.Event
	from := rng.From
	for from <= rng.To {
		params := map[string]interface{}{
			"category": category,
			"symbol":   f.symbol,
			"interval": interval,
			"start":    from,
			"end":      rng.To,
			"limit":    klineLimit,
		}
		resp, err := f.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		var res models.BybitKlineResult
		if err := call(resp, err, &res); err != nil {
			return nil, err
		}

		page := make([]models.CandleTick, 0, len(res.List))
		for _, row := range res.List {
			if len(row) < 6 {
				return nil, fmt.Errorf("bybit kline row has %d fields", len(row))
			}
			start, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bybit kline start %q: %w", row[0], err)
			}
			c, err := reader.ParseCandle(start, row[1], row[2], row[3], row[4], row[5], true)
			if err != nil {
				return nil, err
			}
			page = append(page, c)
		}
		sort.Slice(page, func(i, j int) bool { return page[i].OpenTime < page[j].OpenTime })
		for _, c := range page {
			out = append(out, c)
		}
		if len(page) < klineLimit {
			break
		}
		from = page[len(page)-1].OpenTime + 1
	}
	return out, nil
}

// IntervalDuration converts a v5 kline interval: minutes as digits, or D, W
// and M. Months are approximated as 30 days.
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "D":
		return 24 * time.Hour, nil
	case "W":
		return 7 * 24 * time.Hour, nil
	case "M":
		return 30 * 24 * time.Hour, nil
	}
	n, err := strconv.Atoi(interval)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * time.Minute, nil
}

type subscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeMessage builds the subscribe frame for the order book, public
// trades and klines of symbol. An empty interval skips klines.
func SubscribeMessage(symbol string, depth int, interval string) ([]byte, error) {
	s := strings.ToUpper(symbol)
	args := []string{fmt.Sprintf("orderbook.%d.%s", bookTopicDepth(depth), s), "publicTrade." + s}
	if interval != "" {
		args = append(args, "kline."+interval+"."+s)
	}
	return json.Marshal(subscribeMessage{Op: "subscribe", Args: args})
}

// bookTopicDepth picks the smallest linear order book topic covering depth.
func bookTopicDepth(depth int) int {
	for _, d := range []int{1, 50, 200, 500} {
		if depth <= d {
			return d
		}
	}
	return 500
}
