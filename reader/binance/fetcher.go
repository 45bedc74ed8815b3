package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"marketflow/internal/budget"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/session"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
)

const (
	exchangeInfoWeight = 1
	aggTradesLimit     = 1000
	aggTradesWindow    = time.Hour
	aggTradesWeight    = 20
	klinesLimit        = 1500
	klinesWeight       = 10
)

var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// NewClient builds a futures REST client on httpClient. restURL may carry a
// path; only scheme and host are used.
func NewClient(httpClient *http.Client, restURL string) *futures.Client {
	client := futures.NewClient("", "")
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	if parsed, err := url.Parse(restURL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}
	return client
}

// Fetcher serves depth snapshots, aggregated trades and klines for one
// symbol from the USD-M futures REST API.
type Fetcher struct {
	client *futures.Client
	symbol string
	log    *logger.Entry
}

func NewFetcher(client *futures.Client, symbol string) *Fetcher {
	symbol = strings.ToUpper(symbol)
	return &Fetcher{
		client: client,
		symbol: symbol,
		log:    logger.GetLogger().WithStream("binance_reader", "binance", symbol),
	}
}

// SeedBudget reads the REQUEST_WEIGHT per minute limit from exchangeInfo and
// hands it to m. The call itself is paid for from m.
func SeedBudget(ctx context.Context, client *futures.Client, m *budget.Manager) error {
	req, err := m.Acquire(ctx, budget.KindExchangeInfo, "binance", budget.Range{}, exchangeInfoWeight)
	if errors.Is(err, budget.ErrAlreadySatisfied) {
		return nil
	}
	if err != nil {
		return err
	}
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, client)
	if err != nil {
		err = reader.ClassifyError("binance", err)
		m.Fail(req, err)
		return err
	}
	m.Complete(req)
	if limit > 0 {
		m.RecordUsage(budget.Usage{Used: -1, Remaining: -1, Limit: limit})
	}
	return nil
}

func depthLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

func depthWeight(limit int) int64 {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

// Weight estimates the request weight of req before any call is made.
// Trades and klines are paged, so the estimate covers every page.
func (f *Fetcher) Weight(req session.FetchRequest) int64 {
	switch req.Kind {
	case budget.KindDepth:
		return depthWeight(depthLimit(req.Depth))
	case budget.KindTrades:
		return aggTradesWeight * pages(req.Range, aggTradesWindow)
	case budget.KindCandles:
		d, err := IntervalDuration(req.Interval)
		if err != nil {
			return klinesWeight
		}
		return klinesWeight * pages(req.Range, d*klinesLimit)
	default:
		return 1
	}
}

func pages(rng budget.Range, span time.Duration) int64 {
	ms := uint64(span / time.Millisecond)
	if ms == 0 {
		return 1
	}
	return int64((rng.To-rng.From)/ms) + 1
}

func (f *Fetcher) Fetch(ctx context.Context, req session.FetchRequest) ([]models.Event, error) {
	start := time.Now()
	var (
		events []models.Event
		err    error
	)
	switch req.Kind {
	case budget.KindDepth:
		events, err = f.depth(ctx, req.Depth)
	case budget.KindTrades:
		events, err = f.aggTrades(ctx, req.Range)
	case budget.KindCandles:
		events, err = f.klines(ctx, req.Interval, req.Range)
	default:
		return nil, fmt.Errorf("binance: unsupported fetch kind %s", req.Kind)
	}
	if err != nil {
		return nil, reader.ClassifyError("binance", err)
	}

	logger.LogPerformanceEntry(f.log, "binance_reader", "fetch_"+string(req.Kind), time.Since(start), logger.Fields{
		"records": len(events),
	})
	return events, nil
}

func (f *Fetcher) depth(ctx context.Context, depth int) ([]models.Event, error) {
	res, err := f.client.NewDepthService().
		Symbol(f.symbol).
		Limit(depthLimit(depth)).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	bids := make([]models.WireLevel, len(res.Bids))
	for i, b := range res.Bids {
		bids[i] = models.WireLevel{b.Price, b.Quantity}
	}
	asks := make([]models.WireLevel, len(res.Asks))
	for i, a := range res.Asks {
		asks[i] = models.WireLevel{a.Price, a.Quantity}
	}
	bidLevels, err := reader.ParseLevels(bids)
	if err != nil {
		return nil, err
	}
	askLevels, err := reader.ParseLevels(asks)
	if err != nil {
		return nil, err
	}

	snap := models.NewSnapshot(uint64(res.LastUpdateID), bidLevels, askLevels)
	snap.EventTime = uint64(res.Time)
	logger.LogDataFlowEntry(f.log, "binance_api", "book", len(bids)+len(asks), "orderbook_entries")
	return []models.Event{snap}, nil
}

// aggTrades pages through rng one hour at a time, the widest window the
// endpoint accepts.
func (f *Fetcher) aggTrades(ctx context.Context, rng budget.Range) ([]models.Event, error) {
	var out []models.Event
	window := uint64(aggTradesWindow / time.Millisecond)
	from := rng.From
	for from <= rng.To {
		to := from + window - 1
		if to > rng.To {
			to = rng.To
		}
		res, err := f.client.NewAggTradesService().
			Symbol(f.symbol).
			StartTime(int64(from)).
			EndTime(int64(to)).
			Limit(aggTradesLimit).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range res {
			trade, err := aggTrade(t.Price, t.Quantity, t.Timestamp, t.IsBuyerMaker)
			if err != nil {
				return nil, err
			}
			out = append(out, trade)
		}
		if len(res) == aggTradesLimit {
			from = uint64(res[len(res)-1].Timestamp) + 1
			continue
		}
		from = to + 1
	}
	return out, nil
}

func (f *Fetcher) klines(ctx context.Context, interval string, rng budget.Range) ([]models.Event, error) {
	if interval == "" {
		return nil, fmt.Errorf("binance: kline interval required")
	}
	var out []models.Event
	from := rng.From
	for from <= rng.To {
		res, err := f.client.NewKlinesService().
			Symbol(f.symbol).
			Interval(interval).
			StartTime(int64(from)).
			EndTime(int64(rng.To)).
			Limit(klinesLimit).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range res {
			c, err := reader.ParseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, true)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if len(res) < klinesLimit {
			break
		}
		from = uint64(res[len(res)-1].OpenTime) + 1
	}
	return out, nil
}

// IntervalDuration converts a kline interval such as 1m, 4h, 1d or 1w.
// Months are approximated as 30 days.
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	var n int
	if _, err := fmt.Sscanf(interval[:len(interval)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	unit := time.Duration(0)
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'M':
		unit = 30 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * unit, nil
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// SubscribeMessage builds the SUBSCRIBE frame for the diff depth, aggTrade
// and kline streams of symbol. An empty interval skips klines.
func SubscribeMessage(symbol, interval string, id int) ([]byte, error) {
	s := strings.ToLower(symbol)
	params := []string{s + "@depth@100ms", s + "@aggTrade"}
	if interval != "" {
		params = append(params, s+"@kline_"+interval)
	}
	return json.Marshal(subscribeMessage{Method: "SUBSCRIBE", Params: params, ID: id})
}
