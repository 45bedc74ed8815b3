package rate

import (
	"strings"
	"sync"
	"time"

	"marketflow/logger"
)

// ConnTracker counts outgoing websocket messages per window and connection
// attempts. Providers cap both, so the counts are reported alongside the
// REST weight.
type ConnTracker struct {
	mu       sync.Mutex
	window   time.Duration
	start    time.Time
	msgs     int
	attempts int
}

// NewConnTracker creates a tracker whose message window is window long.
func NewConnTracker(window time.Duration) *ConnTracker {
	if window <= 0 {
		window = time.Second
	}
	return &ConnTracker{window: window, start: time.Now()}
}

// RegisterOutgoing records n outgoing client messages such as subscriptions
// or pings.
func (t *ConnTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.start) >= t.window {
		t.msgs = 0
		t.start = now
	}
	t.msgs += n
}

// RegisterConnectionAttempt records a websocket handshake attempt.
func (t *ConnTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns the messages sent in the current window and the total
// connection attempts.
func (t *ConnTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportConnWeight emits websocket related weight metrics.
func ReportConnWeight(log *logger.Log, exchange string, t *ConnTracker) {
	msgs, attempts := t.Stats()
	c := component(exchange)
	l := log.WithComponent(c)
	fields := logger.Fields{"exchange": strings.ToLower(exchange)}
	l.LogMetric(c, "outgoing_messages", int64(msgs), "gauge", fields)
	l.LogMetric(c, "connection_attempts", int64(attempts), "counter", fields)
}
