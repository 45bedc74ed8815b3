package api

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"marketflow/internal/metrics"
	"marketflow/logger"
)

// metricRecord is the JSON form of a captured metric event.
type metricRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// metricStore keeps the most recent metric events. It is safe for
// concurrent use.
type metricStore struct {
	mu    sync.RWMutex
	items deque.Deque[metricRecord]
	limit int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = recentMetrics
	}
	return &metricStore{limit: limit}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items.Len() >= s.limit {
		s.items.PopFront()
	}
	s.items.PushBack(metricRecord{
		Timestamp: m.Timestamp,
		Component: m.Component,
		Name:      m.Name,
		Value:     m.Value,
		Type:      m.Type,
		Fields:    m.Fields,
	})
}

// snapshot returns the stored events oldest first.
func (s *metricStore) snapshot() []metricRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metricRecord, 0, s.items.Len())
	for i := 0; i < s.items.Len(); i++ {
		out = append(out, s.items.At(i))
	}
	return out
}
