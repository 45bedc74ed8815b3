package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketflow/internal/aggregation"
	"marketflow/internal/book"
	"marketflow/internal/budget"
	"marketflow/internal/channel"
	"marketflow/internal/metrics"
	"marketflow/logger"
)

// Manager is the query surface over a set of sessions keyed by stream.
type Manager struct {
	mu       sync.RWMutex
	sessions map[StreamKey]*Session
	log      *logger.Entry
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[StreamKey]*Session),
		log:      logger.GetLogger().WithComponent("session_manager"),
	}
}

// Add registers s. A stream can be registered once.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, s.Key())
	}
	m.sessions[s.Key()] = s
	return nil
}

func (m *Manager) Session(key StreamKey) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, key)
	}
	return s, nil
}

// Streams lists registered streams sorted by key.
func (m *Manager) Streams() []StreamKey {
	m.mu.RLock()
	keys := make([]StreamKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (m *Manager) Subscribe(key StreamKey) (*channel.Subscription[Event], error) {
	s, err := m.Session(key)
	if err != nil {
		return nil, err
	}
	return s.Subscribe()
}

func (m *Manager) RequestBackfill(ctx context.Context, key StreamKey, kind budget.Kind, rng budget.Range) (*Handle, error) {
	s, err := m.Session(key)
	if err != nil {
		return nil, err
	}
	return s.RequestBackfill(ctx, kind, rng)
}

func (m *Manager) CurrentBook(key StreamKey) (book.View, error) {
	s, err := m.Session(key)
	if err != nil {
		return book.View{}, err
	}
	return s.CurrentBook(), nil
}

func (m *Manager) Bucket(key StreamKey, interval aggregation.IntervalKey) (aggregation.BucketView, error) {
	s, err := m.Session(key)
	if err != nil {
		return aggregation.BucketView{}, err
	}
	return s.Bucket(interval)
}

func (m *Manager) LatestBuckets(key StreamKey, n int) ([]aggregation.BucketView, error) {
	s, err := m.Session(key)
	if err != nil {
		return nil, err
	}
	return s.LatestBuckets(n), nil
}

func (m *Manager) MaxLevelValue(key StreamKey, interval aggregation.IntervalKey, metric aggregation.Metric) (float64, error) {
	s, err := m.Session(key)
	if err != nil {
		return 0, err
	}
	return s.MaxLevelValue(interval, metric)
}

func (m *Manager) PointsOfControl(key StreamKey, lookback int) ([]aggregation.PointOfControl, error) {
	s, err := m.Session(key)
	if err != nil {
		return nil, err
	}
	return s.PointsOfControl(lookback), nil
}

func (m *Manager) Imbalances(key StreamKey, interval aggregation.IntervalKey, ratio float64) ([]aggregation.Imbalance, error) {
	s, err := m.Session(key)
	if err != nil {
		return nil, err
	}
	return s.Imbalances(interval, ratio)
}

// States reports the lifecycle state of every stream.
func (m *Manager) States() map[StreamKey]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[StreamKey]State, len(m.sessions))
	for k, s := range m.sessions {
		out[k] = s.State()
	}
	return out
}

// BufferSources exposes subscriber queues for buffer metrics.
func (m *Manager) BufferSources() []metrics.BufferSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]metrics.BufferSource, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Run runs every registered session and blocks until all have stopped.
func (m *Manager) Run(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	m.log.WithFields(logger.Fields{"streams": len(sessions)}).Info("starting sessions")

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				m.log.WithError(err).WithFields(logger.Fields{"stream": s.Key().String()}).Error("session stopped")
			}
		}(s)
	}
	wg.Wait()
	m.log.Info("all sessions stopped")
}
