// Package session owns the lifecycle of one provider stream connection. A
// Session routes decoded events into its order book and aggregation engine,
// gates pull requests through a budget manager and fans domain events out to
// subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketflow/internal/aggregation"
	"marketflow/internal/book"
	"marketflow/internal/budget"
	"marketflow/internal/channel"
	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/processor"
)

var (
	ErrAlreadyRunning      = errors.New("session already running")
	ErrClosed              = errors.New("session closed")
	ErrDecode              = errors.New("decode failure")
	ErrResync              = errors.New("book resync requires reconnect")
	ErrNoFetcher           = errors.New("session has no fetcher")
	ErrUnsupportedBackfill = errors.New("backfill kind not supported")
)

const frameBuffer = 256

// Config holds the per-stream settings. Zero durations and sizes fall back
// to defaults in New.
type Config struct {
	Key      StreamKey
	Endpoint string

	// Subscribe frames are written right after every connect.
	Subscribe [][]byte
	// Ping is written every PingInterval when both are set.
	Ping         []byte
	PingInterval time.Duration

	ReadTimeout   time.Duration
	FlushInterval time.Duration
	MaxBatch      int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	SnapshotOnConnect bool
	SnapshotDepth     int
	BookDepth         int
	BridgeBuffer      int
	SubscriberBuffer  int
	CandleInterval    string

	Step       models.PriceStep
	Basis      aggregation.Basis
	MaxBuckets int
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 10 * c.BackoffMin
	}
	if c.BridgeBuffer <= 0 {
		c.BridgeBuffer = 4096
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.SnapshotDepth <= 0 {
		c.SnapshotDepth = 1000
	}
}

// Option customises a Session.
type Option func(*Session)

// WithFetcher enables snapshots and backfills through f, gated by m.
func WithFetcher(f Fetcher, m *budget.Manager) Option {
	return func(s *Session) {
		s.fetcher = f
		s.budget = m
	}
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(s *Session) { s.metrics = c }
}

// WithJitter replaces the random source used for backoff jitter.
func WithJitter(fn func() float64) Option {
	return func(s *Session) { s.jitter = fn }
}

type frame struct {
	data []byte
	err  error
}

type fetchResult struct {
	req    FetchRequest
	events []models.Event
	err    error
	gen    uint64
	handle *Handle
}

// Session is driven by Run. Queries and Subscribe are safe from any
// goroutine; everything else runs on the Run goroutine.
type Session struct {
	cfg       Config
	connector Connector
	decoder   Decoder
	fetcher   Fetcher
	budget    *budget.Manager
	metrics   *metrics.Collectors
	jitter    func() float64
	log       *logger.Entry

	// mu guards engine. Only the Run goroutine writes.
	mu     sync.RWMutex
	engine *aggregation.Engine

	// book is owned by the Run goroutine; readers get the last stored view.
	book     *book.Book
	bookView atomic.Pointer[book.View]

	trades *processor.TradeBuffer
	bridge *processor.DepthBridge
	events *channel.Broadcaster[Event]

	results chan fetchResult
	done    chan struct{}
	running atomic.Bool
	state   atomic.Int32

	// owned by the Run goroutine
	gen             uint64
	resyncs         uint64
	snapshotPending bool
	bookRejected    uint64
	bridgeDropped   uint64
}

// New validates cfg and builds an idle session.
func New(cfg Config, connector Connector, decoder Decoder, opts ...Option) (*Session, error) {
	if !cfg.Key.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStreamKey, cfg.Key.String())
	}
	if connector == nil || decoder == nil {
		return nil, errors.New("session needs a connector and a decoder")
	}
	cfg.applyDefaults()

	var engineOpts []aggregation.Option
	if cfg.MaxBuckets > 0 {
		engineOpts = append(engineOpts, aggregation.WithMaxBuckets(cfg.MaxBuckets))
	}
	engine, err := aggregation.NewEngine(cfg.Step, cfg.Basis, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Key, err)
	}

	log := logger.GetLogger().WithStream("session", cfg.Key.Exchange, cfg.Key.Symbol)
	s := &Session{
		cfg:       cfg,
		connector: connector,
		decoder:   decoder,
		jitter:    randFloat64,
		log:       log,
		book:      book.New(cfg.BookDepth),
		engine:    engine,
		trades:    processor.NewTradeBuffer(cfg.MaxBatch, cfg.FlushInterval, log.WithComponent("trade_buffer")),
		bridge:    processor.NewDepthBridge(cfg.BridgeBuffer),
		results:   make(chan fetchResult),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.storeBook(s.book.View(0))
	s.events = channel.NewBroadcaster[Event](cfg.Key.String(), cfg.SubscriberBuffer, func() {
		s.metrics.Dropped(cfg.Key.Exchange, cfg.Key.Symbol)
		metrics.EmitDropMetric(nil, metrics.DropMetricSubscriber, cfg.Key.Exchange, cfg.Key.Symbol, "subscriber")
	})
	return s, nil
}

func (s *Session) Key() StreamKey { return s.cfg.Key }

func (s *Session) State() State { return State(s.state.Load()) }

// Name and Occupancy expose subscriber queues to buffer metrics.
func (s *Session) Name() string { return s.cfg.Key.String() }

func (s *Session) Occupancy() []channel.Occupancy { return s.events.Occupancy() }

// Subscribe returns a bounded event queue. Slow consumers lose their oldest
// events, never block the session.
func (s *Session) Subscribe() (*channel.Subscription[Event], error) {
	sub, err := s.events.Subscribe()
	if errors.Is(err, channel.ErrClosed) {
		return nil, ErrClosed
	}
	return sub, err
}

func (s *Session) transition(to State) {
	from := s.State()
	if err := checkTransition(from, to); err != nil {
		s.log.WithError(err).Error("refusing state change")
		return
	}
	s.state.Store(int32(to))
	s.metrics.SessionState(s.cfg.Key.Exchange, s.cfg.Key.Symbol, int(to))
	s.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug("state change")
}

func (s *Session) publish(ev Event) {
	ev.Stream = s.cfg.Key
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.Publish(ev)
}

// Run connects, serves and reconnects until ctx is done. It returns nil on
// cancellation. Subscriber queues are closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.shutdown()

	s.log.WithFields(logger.Fields{"endpoint": s.cfg.Endpoint}).Info("session starting")

	attempt := 0
	for ctx.Err() == nil {
		s.transition(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			s.transition(StateDisconnected)
			s.disconnected(err)
			if !s.pause(ctx, attempt) {
				break
			}
			attempt++
			continue
		}

		attempt = 0
		s.transition(StateConnected)
		err = s.serve(ctx, conn)
		if cerr := conn.Close(); cerr != nil {
			s.log.WithError(cerr).Debug("close connection")
		}
		s.flushTrades(time.Now())
		s.transition(StateDisconnected)
		s.disconnected(err)
		if ctx.Err() != nil {
			break
		}
		if !s.pause(ctx, attempt) {
			break
		}
		attempt++
	}
	return nil
}

func (s *Session) shutdown() {
	s.transition(StateClosed)
	close(s.done)
	s.events.Close()
	s.log.Info("session closed")
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.connector.Connect(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.cfg.Endpoint, err)
	}
	for _, msg := range s.cfg.Subscribe {
		if err := conn.WriteMessage(msg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	s.gen++
	return conn, nil
}

func (s *Session) disconnected(reason error) {
	if reason == nil || errors.Is(reason, context.Canceled) {
		reason = ErrClosed
	}
	s.log.WithError(reason).Warn("disconnected")
	s.publish(Event{Type: EventDisconnected, Err: reason})
}

// pause waits out the reconnect backoff while still merging fetch results.
func (s *Session) pause(ctx context.Context, attempt int) bool {
	d := backoff(s.cfg.BackoffMin, s.cfg.BackoffMax, attempt, s.jitter())
	s.metrics.Reconnect(s.cfg.Key.Exchange, s.cfg.Key.Symbol)
	logger.RecordReconnect()
	s.log.WithFields(logger.Fields{"attempt": attempt + 1, "backoff_ms": d.Milliseconds()}).Info("reconnecting")

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case res := <-s.results:
			_ = s.applyResult(ctx, res)
		}
	}
}

func (s *Session) storeBook(v book.View) *book.View {
	s.bookView.Store(&v)
	return &v
}

func (s *Session) onConnected(ctx context.Context) {
	s.book.MarkStale()
	s.storeBook(s.book.View(0))
	s.bridge.Reset()
	s.snapshotPending = false

	s.log.Info("connected")
	s.publish(Event{Type: EventConnected})

	if s.cfg.SnapshotOnConnect {
		s.requestSnapshot(ctx)
	}
}

func (s *Session) serve(ctx context.Context, conn Conn) error {
	s.onConnected(ctx)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := make(chan frame, frameBuffer)
	go s.readLoop(readCtx, conn, frames)

	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	var ping <-chan time.Time
	if len(s.cfg.Ping) > 0 && s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return fmt.Errorf("read: %w", f.err)
			}
			if err := s.handleFrame(ctx, conn, f.data); err != nil {
				return err
			}
		case now := <-flush.C:
			if s.trades.Due(now) {
				s.flushTrades(now)
			}
		case res := <-s.results:
			if err := s.applyResult(ctx, res); err != nil {
				return err
			}
		case <-ping:
			if err := conn.WriteMessage(s.cfg.Ping); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, out chan<- frame) {
	stream := s.cfg.Key.String()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.log.WithError(err).Debug("set read deadline")
		}
		data, err := conn.ReadMessage()
		if err == nil {
			logger.RecordFrame(stream, len(data))
		}
		select {
		case out <- frame{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, conn Conn, data []byte) error {
	events, err := s.decoder.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	now := time.Now()
	for _, ev := range events {
		switch e := ev.(type) {
		case models.Trade:
			s.onTrade(e, now)
		case models.DepthUpdate:
			if err := s.onDepth(ctx, e); err != nil {
				return err
			}
		case models.CandleTick:
			s.onCandle(e, now)
		case models.Heartbeat:
			if len(e.Reply) > 0 {
				if err := conn.WriteMessage(e.Reply); err != nil {
					return fmt.Errorf("heartbeat reply: %w", err)
				}
			}
		}
	}
	if s.trades.Due(now) {
		s.flushTrades(now)
	}
	return nil
}

func (s *Session) reject(kind string, n int) {
	if n <= 0 {
		return
	}
	s.metrics.Rejected(s.cfg.Key.Exchange, s.cfg.Key.Symbol, kind, n)
	for i := 0; i < n; i++ {
		metrics.EmitDropMetric(nil, metrics.DropMetricInvalidRecord, s.cfg.Key.Exchange, s.cfg.Key.Symbol, kind)
	}
}

func (s *Session) onTrade(t models.Trade, now time.Time) {
	if !s.trades.Add(t, now) {
		s.reject("trade", 1)
	}
}

func (s *Session) flushTrades(now time.Time) {
	batch, ok := s.trades.Drain(now)
	if !ok {
		return
	}
	s.mu.Lock()
	keys := s.engine.Ingest(batch.Trades)
	views := make([]aggregation.BucketView, 0, len(keys))
	for _, k := range keys {
		if v, err := s.engine.View(k); err == nil {
			views = append(views, v)
		}
	}
	s.mu.Unlock()

	s.publish(Event{Type: EventTradesIngested, Keys: keys, Buckets: views, Trades: len(batch.Trades), Batch: batch.ID, At: now})
}

func (s *Session) onCandle(c models.CandleTick, now time.Time) {
	s.flushTrades(now)

	s.mu.Lock()
	key, closed, err := s.engine.ApplyCandle(c)
	var view *aggregation.BucketView
	if err == nil && closed {
		if v, verr := s.engine.View(key); verr == nil {
			view = &v
		}
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, aggregation.ErrBasisMismatch):
		s.log.Debug("ignoring candle on tick basis stream")
	case err != nil:
		s.reject("candle", 1)
	case closed:
		s.publish(Event{Type: EventCandleClosed, Keys: []aggregation.IntervalKey{key}, Bucket: view, At: now})
	}
}

func (s *Session) onDepth(ctx context.Context, u models.DepthUpdate) error {
	if u.Type == models.DepthSnapshot {
		return s.applySnapshot(ctx, u)
	}
	if s.book.Stale() {
		s.bridge.Buffer(u)
		s.countBridgeDrops()
		return nil
	}
	u, keep, err := s.bridge.Align(u)
	if err != nil {
		return s.resync(ctx, err)
	}
	if !keep {
		s.countBridgeDrops()
		return nil
	}
	view, err := s.applyDiff(u)
	if err != nil {
		return s.resync(ctx, err)
	}
	s.publish(Event{Type: EventBookUpdated, Book: view})
	return nil
}

// applyDiff returns a gap error for the caller to resync on. Malformed
// updates are logged and skipped.
func (s *Session) applyDiff(u models.DepthUpdate) (*book.View, error) {
	view, err := s.book.Apply(u)
	latest := s.storeBook(view)
	s.countBookRejects(s.book.Rejected())

	if errors.Is(err, book.ErrSequenceGap) {
		return nil, err
	}
	if err != nil {
		s.log.WithError(err).Warn("skipping malformed depth update")
		return nil, nil
	}
	return latest, nil
}

func (s *Session) countBookRejects(total uint64) {
	s.reject("depth_level", int(total-s.bookRejected))
	s.bookRejected = total
}

func (s *Session) countBridgeDrops() {
	total := s.bridge.Dropped()
	for ; s.bridgeDropped < total; s.bridgeDropped++ {
		metrics.EmitDropMetric(nil, metrics.DropMetricBridge, s.cfg.Key.Exchange, s.cfg.Key.Symbol, "bridge")
	}
}

func (s *Session) applySnapshot(ctx context.Context, u models.DepthUpdate) error {
	s.snapshotPending = false

	view, _ := s.book.Apply(u)
	s.storeBook(view)
	s.countBookRejects(s.book.Rejected())

	diffs, err := s.bridge.Start(u.LastSequence)
	s.countBridgeDrops()
	if err != nil {
		return s.resync(ctx, err)
	}
	latest := &view
	for _, d := range diffs {
		v, err := s.applyDiff(d)
		if err != nil {
			return s.resync(ctx, err)
		}
		if v != nil {
			latest = v
		}
	}

	s.log.WithFields(logger.Fields{
		"sequence": latest.LastSequence,
		"bridged":  len(diffs),
	}).Debug("book synchronised")
	s.publish(Event{Type: EventBookUpdated, Book: latest})
	return nil
}

// resync marks the book stale and asks for a fresh snapshot. Streams without
// a fetcher reconnect instead, which makes the provider resend one.
func (s *Session) resync(ctx context.Context, cause error) error {
	s.book.MarkStale()
	s.storeBook(s.book.View(0))
	s.bridge.Reset()

	s.metrics.SequenceGap(s.cfg.Key.Exchange, s.cfg.Key.Symbol)
	logger.RecordSequenceGap()
	s.log.WithError(cause).Warn("order book out of sequence")
	s.publish(Event{Type: EventSequenceGap, Err: cause})

	if s.fetcher == nil || s.budget == nil {
		return fmt.Errorf("%w: %w", ErrResync, cause)
	}
	s.requestSnapshot(ctx)
	return nil
}

func (s *Session) requestSnapshot(ctx context.Context) {
	if s.fetcher == nil || s.budget == nil || s.snapshotPending {
		return
	}
	s.resyncs++
	req := FetchRequest{
		Kind:   budget.KindDepth,
		Symbol: s.cfg.Key.Symbol,
		Depth:  s.cfg.SnapshotDepth,
		Range:  budget.Range{From: s.resyncs, To: s.resyncs},
	}
	breq, err := s.budget.Register(req.Kind, s.cfg.Key.String(), req.Range, s.fetcher.Weight(req))
	if err != nil {
		s.log.WithError(err).Error("snapshot request refused")
		return
	}
	s.snapshotPending = true
	s.launch(ctx, req, breq, nil, s.gen)
}

// launch waits for budget and fetches on its own goroutine, then hands the
// result back to the Run goroutine.
func (s *Session) launch(ctx context.Context, req FetchRequest, breq budget.Request, h *Handle, gen uint64) {
	go func() {
		res := fetchResult{req: req, handle: h, gen: gen}
		start := time.Now()
		if err := s.budget.Wait(ctx, s.fetcher.Weight(req)); err != nil {
			s.budget.Cancel(breq)
			res.err = err
		} else {
			s.metrics.BudgetWait(s.cfg.Key.Exchange, time.Since(start))
			res.events, res.err = s.fetcher.Fetch(ctx, req)
			if res.err != nil {
				s.budget.Fail(breq, res.err)
			} else {
				s.budget.Complete(breq)
			}
		}

		select {
		case s.results <- res:
		case <-s.done:
			if h != nil {
				h.resolve(nil, ErrClosed)
			}
		}
	}()
}

func (s *Session) applyResult(ctx context.Context, res fetchResult) error {
	if res.handle == nil {
		return s.applySnapshotResult(ctx, res)
	}
	return s.applyBackfill(res)
}

func (s *Session) applySnapshotResult(ctx context.Context, res fetchResult) error {
	if res.gen != s.gen || s.State() != StateConnected {
		return nil
	}
	s.snapshotPending = false
	if res.err != nil {
		s.log.WithError(res.err).Warn("snapshot fetch failed")
		return fmt.Errorf("%w: snapshot: %w", ErrResync, res.err)
	}
	for _, ev := range res.events {
		if u, ok := ev.(models.DepthUpdate); ok && u.Type == models.DepthSnapshot {
			return s.applySnapshot(ctx, u)
		}
	}
	return fmt.Errorf("%w: snapshot response carried no snapshot", ErrResync)
}

func (s *Session) applyBackfill(res fetchResult) error {
	h := res.handle
	if res.err != nil {
		s.log.WithError(res.err).WithFields(logger.Fields{"kind": string(h.Kind)}).Warn("backfill failed")
		s.publish(Event{Type: EventBackfillFailed, Err: res.err, Request: h.ID, Kind: h.Kind})
		h.resolve(nil, res.err)
		return nil
	}

	var (
		trades  []models.Trade
		candles []models.CandleTick
	)
	for _, ev := range res.events {
		switch e := ev.(type) {
		case models.Trade:
			trades = append(trades, e)
		case models.CandleTick:
			candles = append(candles, e)
		}
	}

	s.mu.Lock()
	var (
		keys []aggregation.IntervalKey
		err  error
	)
	if h.Kind == budget.KindCandles {
		keys, err = s.engine.MergeCandles(candles)
	} else {
		keys, err = s.engine.MergeBackfill(trades)
	}
	s.mu.Unlock()

	if err != nil {
		s.publish(Event{Type: EventBackfillFailed, Err: err, Request: h.ID, Kind: h.Kind})
		h.resolve(nil, err)
		return nil
	}

	s.log.WithFields(logger.Fields{
		"kind":     string(h.Kind),
		"records":  len(res.events),
		"inserted": len(keys),
	}).Info("backfill merged")
	s.publish(Event{Type: EventBackfillCompleted, Keys: keys, Request: h.ID, Kind: h.Kind})
	h.resolve(keys, nil)
	return nil
}

// RequestBackfill registers a trades or candles backfill for rng and fetches
// it in the background. Overlapping pending requests fail with
// budget.ErrOverlaps and recent failures with *budget.PriorFailureError,
// both before any budget is spent. A request equivalent to one that
// completed recently returns an already finished, skipped Handle.
func (s *Session) RequestBackfill(ctx context.Context, kind budget.Kind, rng budget.Range) (*Handle, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if kind != budget.KindTrades && kind != budget.KindCandles {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackfill, kind)
	}
	if s.fetcher == nil || s.budget == nil {
		return nil, ErrNoFetcher
	}
	if s.engine.Basis().Kind != aggregation.BasisTime {
		return nil, fmt.Errorf("%w: backfill needs a time basis", aggregation.ErrBasisMismatch)
	}

	req := FetchRequest{Kind: kind, Symbol: s.cfg.Key.Symbol, Range: rng, Interval: s.cfg.CandleInterval}
	breq, err := s.budget.Register(kind, s.cfg.Key.String(), rng, s.fetcher.Weight(req))
	if errors.Is(err, budget.ErrAlreadySatisfied) {
		return satisfiedHandle(breq.ID, kind), nil
	}
	if err != nil {
		return nil, err
	}

	h := newHandle(breq.ID, kind)
	s.launch(ctx, req, breq, h, 0)
	return h, nil
}

// CurrentBook returns a copy of the book's top levels.
func (s *Session) CurrentBook() book.View {
	return *s.bookView.Load()
}

func (s *Session) Bucket(key aggregation.IntervalKey) (aggregation.BucketView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.View(key)
}

// LatestBuckets returns up to n newest buckets, oldest first.
func (s *Session) LatestBuckets(n int) []aggregation.BucketView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Latest(n)
}

func (s *Session) MaxLevelValue(key aggregation.IntervalKey, metric aggregation.Metric) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.MaxLevelValue(key, metric)
}

func (s *Session) PointsOfControl(lookback int) []aggregation.PointOfControl {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.PointsOfControl(lookback)
}

func (s *Session) Imbalances(key aggregation.IntervalKey, ratio float64) ([]aggregation.Imbalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.Imbalances(key, ratio)
}
