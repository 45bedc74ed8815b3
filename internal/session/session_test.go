package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/aggregation"
	"marketflow/internal/budget"
	"marketflow/internal/channel"
	"marketflow/models"
)

const waitTimeout = 2 * time.Second

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	frames chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-expired:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(frames ...[]byte) {
	for _, f := range frames {
		c.frames <- f
	}
}

func (c *fakeConn) waitWrite(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case w := <-c.writes:
			if string(w) == want {
				return
			}
		case <-deadline:
			t.Fatalf("no write %q", want)
		}
	}
}

type fakeConnector struct {
	conns chan *fakeConn
	fail  int
	mu    sync.Mutex
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{conns: make(chan *fakeConn, 16)}
}

func (f *fakeConnector) Connect(ctx context.Context, _ string) (Conn, error) {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	f.mu.Unlock()
	c := newFakeConn()
	f.conns <- c
	return c, nil
}

func (f *fakeConnector) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection")
		return nil
	}
}

type decoded struct {
	events []models.Event
	err    error
}

// fakeDecoder maps opaque frame ids to canned results.
type fakeDecoder struct {
	mu     sync.Mutex
	frames map[string]decoded
	n      int
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{frames: make(map[string]decoded)}
}

func (d *fakeDecoder) add(res decoded) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	id := fmt.Sprintf("frame-%d", d.n)
	d.frames[id] = res
	return []byte(id)
}

func (d *fakeDecoder) frame(events ...models.Event) []byte {
	return d.add(decoded{events: events})
}

func (d *fakeDecoder) broken() []byte {
	return d.add(decoded{err: errors.New("bad json")})
}

func (d *fakeDecoder) Decode(data []byte) ([]models.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.frames[string(data)]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q", data)
	}
	return res.events, res.err
}

type fetchReply struct {
	events []models.Event
	err    error
}

type fakeFetcher struct {
	calls   chan FetchRequest
	replies chan fetchReply
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(chan FetchRequest, 16), replies: make(chan fetchReply, 16)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) ([]models.Event, error) {
	f.calls <- req
	select {
	case r := <-f.replies:
		return r.events, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeFetcher) Weight(FetchRequest) int64 { return 1 }

func (f *fakeFetcher) nextCall(t *testing.T) FetchRequest {
	t.Helper()
	select {
	case r := <-f.calls:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("no fetch")
		return FetchRequest{}
	}
}

type harness struct {
	session   *Session
	connector *fakeConnector
	decoder   *fakeDecoder
	fetcher   *fakeFetcher
	sub       *channel.Subscription[Event]
	cancel    context.CancelFunc
	done      chan struct{}
}

func testConfig() Config {
	return Config{
		Key:           NewStreamKey("binance", "btcusdt"),
		Endpoint:      "ws://test",
		Subscribe:     [][]byte{[]byte("sub")},
		FlushInterval: time.Hour,
		MaxBatch:      100,
		BackoffMin:    time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		Step:          models.PriceStep(models.MustPrice("1")),
		Basis:         aggregation.TimeBasis(time.Minute),
		BookDepth:     10,
	}
}

func startHarness(t *testing.T, cfg Config, withFetcher bool) *harness {
	t.Helper()
	h := &harness{connector: newFakeConnector(), decoder: newFakeDecoder()}

	var opts []Option
	opts = append(opts, WithJitter(func() float64 { return 0 }))
	if withFetcher {
		h.fetcher = newFakeFetcher()
		b, err := budget.NewFixedWindow(100, time.Minute)
		require.NoError(t, err)
		opts = append(opts, WithFetcher(h.fetcher, budget.NewManager("test", b, budget.NewRegistry(time.Minute))))
	}

	s, err := New(cfg, h.connector, h.decoder, opts...)
	require.NoError(t, err)
	h.session = s

	h.sub, err = s.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-h.sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func level(price string, qty float64) models.DepthLevel {
	return models.DepthLevel{Price: models.MustPrice(price), Quantity: qty}
}

func trade(price string, qty float64, ts uint64, side models.Side) models.Trade {
	return models.Trade{Price: models.MustPrice(price), Quantity: qty, Timestamp: ts, Side: side}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateDisconnected, StateConnecting))
	assert.True(t, CanTransition(StateConnecting, StateConnected))
	assert.True(t, CanTransition(StateConnecting, StateDisconnected))
	assert.True(t, CanTransition(StateConnected, StateDisconnected))
	assert.True(t, CanTransition(StateConnected, StateClosed))

	assert.False(t, CanTransition(StateDisconnected, StateConnected))
	assert.False(t, CanTransition(StateClosed, StateConnecting))
	assert.False(t, CanTransition(StateClosed, StateDisconnected))
	assert.ErrorIs(t, checkTransition(StateConnected, StateConnecting), ErrIllegalTransition)
}

func TestBackoffBounds(t *testing.T) {
	lo, hi := 100*time.Millisecond, time.Second

	assert.Equal(t, lo, backoff(lo, hi, 0, 0))
	assert.Equal(t, 400*time.Millisecond, backoff(lo, hi, 2, 0))
	assert.Equal(t, hi, backoff(lo, hi, 30, 0))
	assert.Equal(t, 800*time.Millisecond, backoff(lo, hi, 30, 1))

	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(lo, hi, attempt, randFloat64())
		assert.LessOrEqual(t, d, hi)
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestNewRejectsInvalidKey(t *testing.T) {
	cfg := testConfig()
	cfg.Key = StreamKey{Exchange: "binance"}
	_, err := New(cfg, newFakeConnector(), newFakeDecoder())
	assert.ErrorIs(t, err, ErrInvalidStreamKey)
}

func TestSessionSubscribesAndReachesConnected(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	conn := h.connector.next(t)
	conn.waitWrite(t, "sub")

	ev := h.waitFor(t, EventConnected)
	assert.Equal(t, "binance:BTCUSDT", ev.Stream.String())
	assert.Equal(t, StateConnected, h.session.State())
}

func TestSessionRunTwice(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	h.connector.next(t)
	h.waitFor(t, EventConnected)
	assert.ErrorIs(t, h.session.Run(context.Background()), ErrAlreadyRunning)
}

func TestSessionRetriesFailedConnect(t *testing.T) {
	connector := newFakeConnector()
	connector.fail = 2
	s, err := New(testConfig(), connector, newFakeDecoder(), WithJitter(func() float64 { return 0 }))
	require.NoError(t, err)
	sub, err := s.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	disconnects := 0
	deadline := time.After(waitTimeout)
loop:
	for {
		select {
		case ev := <-sub.C():
			switch ev.Type {
			case EventDisconnected:
				disconnects++
			case EventConnected:
				break loop
			}
		case <-deadline:
			t.Fatal("never connected")
		}
	}
	assert.Equal(t, 2, disconnects)

	cancel()
	<-done
	assert.Equal(t, StateClosed, s.State())
	_, open := <-sub.C()
	for open {
		_, open = <-sub.C()
	}
	_, err = s.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionBridgesSnapshotOntoBufferedDiffs(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotOnConnect = true
	h := startHarness(t, cfg, true)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	req := h.fetcher.nextCall(t)
	assert.Equal(t, budget.KindDepth, req.Kind)
	assert.Equal(t, "BTCUSDT", req.Symbol)

	conn.send(
		h.decoder.frame(models.NewDiff(5, 8, []models.DepthLevel{level("99", 9)}, nil)),
		h.decoder.frame(models.NewDiff(9, 12, []models.DepthLevel{level("100", 2)}, nil)),
		h.decoder.frame(models.Heartbeat{Reply: []byte("mark")}),
	)
	conn.waitWrite(t, "mark")

	h.fetcher.replies <- fetchReply{events: []models.Event{
		models.NewSnapshot(10, []models.DepthLevel{level("100", 1)}, []models.DepthLevel{level("101", 1)}),
	}}

	ev := h.waitFor(t, EventBookUpdated)
	require.NotNil(t, ev.Book)
	assert.Equal(t, uint64(12), ev.Book.LastSequence)
	assert.False(t, ev.Book.Stale)
	bid, ok := ev.Book.BestBid()
	require.True(t, ok)
	assert.Equal(t, 2.0, bid.Quantity)

	conn.send(h.decoder.frame(models.NewDiff(13, 13, nil, []models.DepthLevel{level("101", 0), level("102", 3)})))
	ev = h.waitFor(t, EventBookUpdated)
	assert.Equal(t, uint64(13), ev.Book.LastSequence)

	view := h.session.CurrentBook()
	ask, ok := view.BestAsk()
	require.True(t, ok)
	assert.Equal(t, models.MustPrice("102"), ask.Price)
}

func TestSessionGapRequestsFreshSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotOnConnect = true
	h := startHarness(t, cfg, true)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	h.fetcher.nextCall(t)
	h.fetcher.replies <- fetchReply{events: []models.Event{
		models.NewSnapshot(10, []models.DepthLevel{level("100", 1)}, nil),
	}}
	h.waitFor(t, EventBookUpdated)

	conn.send(h.decoder.frame(models.NewDiff(20, 21, []models.DepthLevel{level("100", 5)}, nil)))
	gap := h.waitFor(t, EventSequenceGap)
	assert.Error(t, gap.Err)
	assert.NotEmpty(t, gap.Reason())

	req := h.fetcher.nextCall(t)
	assert.Equal(t, budget.KindDepth, req.Kind)
	assert.True(t, h.session.CurrentBook().Stale)

	h.fetcher.replies <- fetchReply{events: []models.Event{
		models.NewSnapshot(30, []models.DepthLevel{level("100", 7)}, nil),
	}}
	ev := h.waitFor(t, EventBookUpdated)
	assert.Equal(t, uint64(30), ev.Book.LastSequence)
	assert.False(t, ev.Book.Stale)
}

func TestSessionWithoutFetcherReconnectsOnGap(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(
		h.decoder.frame(models.NewSnapshot(10, []models.DepthLevel{level("100", 1)}, nil)),
		h.decoder.frame(models.NewDiff(11, 11, []models.DepthLevel{level("100", 2)}, nil)),
	)
	h.waitFor(t, EventBookUpdated)
	ev := h.waitFor(t, EventBookUpdated)
	assert.Equal(t, uint64(11), ev.Book.LastSequence)

	conn.send(h.decoder.frame(models.NewDiff(15, 15, nil, nil)))
	h.waitFor(t, EventSequenceGap)
	disc := h.waitFor(t, EventDisconnected)
	assert.ErrorIs(t, disc.Err, ErrResync)

	h.connector.next(t)
	h.waitFor(t, EventConnected)
	assert.True(t, h.session.CurrentBook().Stale)
}

func TestSessionFlushesFullTradeBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatch = 2
	h := startHarness(t, cfg, false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(h.decoder.frame(
		trade("100.4", 1, 60_000, models.Buy),
		trade("100.6", 2, 61_000, models.Sell),
		models.Trade{Price: models.MustPrice("100"), Quantity: 1, Timestamp: 61_000},
	))

	ev := h.waitFor(t, EventTradesIngested)
	assert.Equal(t, 2, ev.Trades)
	assert.Equal(t, []aggregation.IntervalKey{60_000}, ev.Keys)
	assert.NotEmpty(t, ev.Batch)

	require.Len(t, ev.Buckets, 1)
	pushed := ev.Buckets[0]
	assert.Equal(t, aggregation.IntervalKey(60_000), pushed.Key)
	require.Len(t, pushed.Levels, 1)
	assert.Equal(t, models.MustPrice("101"), pushed.Levels[0].Price)
	assert.InDelta(t, 1.0, pushed.Levels[0].BuyQty, 1e-9)
	assert.InDelta(t, 2.0, pushed.Levels[0].SellQty, 1e-9)
	assert.True(t, pushed.POC.Valid)
	assert.Equal(t, models.MustPrice("101"), pushed.POC.Price)
	assert.InDelta(t, 3.0, pushed.POC.Volume, 1e-9)

	bucket, err := h.session.Bucket(60_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bucket.TradeCount)
	assert.InDelta(t, 3.0, bucket.Volume, 1e-9)
	assert.Equal(t, bucket, pushed)
}

func TestSessionFlushesTradesBeforeCandleClose(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(h.decoder.frame(
		trade("100", 1, 60_500, models.Buy),
		models.CandleTick{
			OpenTime: 60_000,
			Open:     models.MustPrice("100"),
			High:     models.MustPrice("101"),
			Low:      models.MustPrice("99"),
			Close:    models.MustPrice("100"),
			Volume:   1,
			Closed:   true,
		},
	))

	ingested := h.waitFor(t, EventTradesIngested)
	assert.Equal(t, 1, ingested.Trades)

	closed := h.waitFor(t, EventCandleClosed)
	require.NotNil(t, closed.Bucket)
	assert.Equal(t, aggregation.IntervalKey(60_000), closed.Bucket.Key)
	assert.Equal(t, uint64(1), closed.Bucket.TradeCount)
	assert.Equal(t, models.MustPrice("101"), closed.Bucket.OHLC.High)
}

func TestSessionRepliesToHeartbeat(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(h.decoder.frame(models.Heartbeat{Reply: []byte(`{"op":"pong"}`)}))
	conn.waitWrite(t, `{"op":"pong"}`)
}

func TestSessionSendsPing(t *testing.T) {
	cfg := testConfig()
	cfg.Ping = []byte("ping")
	cfg.PingInterval = 5 * time.Millisecond
	h := startHarness(t, cfg, false)
	conn := h.connector.next(t)
	conn.waitWrite(t, "ping")
}

func TestSessionReconnectsOnDecodeFailure(t *testing.T) {
	h := startHarness(t, testConfig(), false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(h.decoder.broken())
	ev := h.waitFor(t, EventDisconnected)
	assert.ErrorIs(t, ev.Err, ErrDecode)

	h.connector.next(t)
	h.waitFor(t, EventConnected)
}

func TestSessionReadTimeoutFlushesBufferedTrades(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	h := startHarness(t, cfg, false)
	conn := h.connector.next(t)
	h.waitFor(t, EventConnected)

	conn.send(h.decoder.frame(
		trade("100", 1, 60_000, models.Buy),
		trade("100", 0.5, 60_100, models.Sell),
	))

	var (
		ingested     *Event
		disconnected bool
	)
	deadline := time.After(waitTimeout)
	for !disconnected {
		select {
		case ev, ok := <-h.sub.C():
			require.True(t, ok, "subscription closed")
			switch ev.Type {
			case EventTradesIngested:
				require.Nil(t, ingested, "trades flushed twice")
				ingested = &ev
			case EventDisconnected:
				require.NotNil(t, ingested, "disconnected before buffered trades were flushed")
				assert.ErrorIs(t, ev.Err, os.ErrDeadlineExceeded)
				disconnected = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for the read timeout")
		}
	}

	assert.Equal(t, 2, ingested.Trades)
	require.Len(t, ingested.Buckets, 1)
	lvl, ok := ingested.Buckets[0].Level(models.MustPrice("100"))
	require.True(t, ok)
	assert.InDelta(t, 1.0, lvl.BuyQty, 1e-9)
	assert.InDelta(t, 0.5, lvl.SellQty, 1e-9)

	h.connector.next(t)
	h.waitFor(t, EventConnected)
}

func TestSessionBackfillMergesTrades(t *testing.T) {
	h := startHarness(t, testConfig(), true)
	h.connector.next(t)
	h.waitFor(t, EventConnected)

	rng := budget.Range{From: 0, To: 179_999}
	handle, err := h.session.RequestBackfill(context.Background(), budget.KindTrades, rng)
	require.NoError(t, err)

	req := h.fetcher.nextCall(t)
	assert.Equal(t, budget.KindTrades, req.Kind)
	assert.Equal(t, rng, req.Range)

	h.fetcher.replies <- fetchReply{events: []models.Event{
		trade("100", 1, 10_000, models.Buy),
		trade("101", 1, 70_000, models.Sell),
	}}

	select {
	case <-handle.Done():
	case <-time.After(waitTimeout):
		t.Fatal("backfill never finished")
	}
	require.NoError(t, handle.Err())
	assert.ElementsMatch(t, []aggregation.IntervalKey{0, 60_000}, handle.Keys())
	assert.False(t, handle.Skipped())

	ev := h.waitFor(t, EventBackfillCompleted)
	assert.Equal(t, handle.ID, ev.Request)

	again, err := h.session.RequestBackfill(context.Background(), budget.KindTrades, rng)
	require.NoError(t, err)
	assert.True(t, again.Skipped())
	assert.NoError(t, again.Err())
}

func TestSessionBackfillRejectsOverlap(t *testing.T) {
	h := startHarness(t, testConfig(), true)
	h.connector.next(t)
	h.waitFor(t, EventConnected)

	first, err := h.session.RequestBackfill(context.Background(), budget.KindTrades, budget.Range{From: 0, To: 100})
	require.NoError(t, err)
	h.fetcher.nextCall(t)

	_, err = h.session.RequestBackfill(context.Background(), budget.KindTrades, budget.Range{From: 50, To: 150})
	assert.ErrorIs(t, err, budget.ErrOverlaps)

	h.fetcher.replies <- fetchReply{err: errors.New("upstream 500")}
	<-first.Done()
	assert.Error(t, first.Err())
	h.waitFor(t, EventBackfillFailed)

	_, err = h.session.RequestBackfill(context.Background(), budget.KindTrades, budget.Range{From: 0, To: 100})
	var prior *budget.PriorFailureError
	assert.ErrorAs(t, err, &prior)
}

func TestSessionBackfillPreconditions(t *testing.T) {
	noFetcher, err := New(testConfig(), newFakeConnector(), newFakeDecoder())
	require.NoError(t, err)
	_, err = noFetcher.RequestBackfill(context.Background(), budget.KindTrades, budget.Range{})
	assert.ErrorIs(t, err, ErrNoFetcher)

	b, _ := budget.NewFixedWindow(10, time.Minute)
	m := budget.NewManager("test", b, budget.NewRegistry(time.Minute))

	cfg := testConfig()
	cfg.Basis = aggregation.TickBasis(10)
	tick, err := New(cfg, newFakeConnector(), newFakeDecoder(), WithFetcher(newFakeFetcher(), m))
	require.NoError(t, err)
	_, err = tick.RequestBackfill(context.Background(), budget.KindTrades, budget.Range{})
	assert.ErrorIs(t, err, aggregation.ErrBasisMismatch)

	_, err = tick.RequestBackfill(context.Background(), budget.KindDepth, budget.Range{})
	assert.ErrorIs(t, err, ErrUnsupportedBackfill)
}

func TestManagerRoutesByStream(t *testing.T) {
	m := NewManager()
	s, err := New(testConfig(), newFakeConnector(), newFakeDecoder())
	require.NoError(t, err)
	require.NoError(t, m.Add(s))

	dup, err := New(testConfig(), newFakeConnector(), newFakeDecoder())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Add(dup), ErrDuplicateStream)

	key, err := ParseStreamKey("Binance:btcusdt")
	require.NoError(t, err)
	assert.Equal(t, []StreamKey{key}, m.Streams())

	view, err := m.CurrentBook(key)
	require.NoError(t, err)
	assert.True(t, view.Stale)

	unknown := NewStreamKey("bybit", "ETHUSDT")
	_, err = m.CurrentBook(unknown)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = m.Subscribe(unknown)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = m.Bucket(unknown, 0)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = m.PointsOfControl(unknown, 3)
	assert.ErrorIs(t, err, ErrUnknownStream)
	_, err = m.RequestBackfill(context.Background(), unknown, budget.KindTrades, budget.Range{})
	assert.ErrorIs(t, err, ErrUnknownStream)

	_, err = m.Bucket(key, 0)
	assert.ErrorIs(t, err, aggregation.ErrUnknownBucket)
	assert.Len(t, m.BufferSources(), 1)
}

func TestParseStreamKey(t *testing.T) {
	_, err := ParseStreamKey("binance")
	assert.ErrorIs(t, err, ErrInvalidStreamKey)
	_, err = ParseStreamKey(":BTCUSDT")
	assert.ErrorIs(t, err, ErrInvalidStreamKey)
}
