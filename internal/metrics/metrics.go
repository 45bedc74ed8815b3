package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketflow"

// Collectors holds the Prometheus series for stream sessions. All methods
// are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	registry *prometheus.Registry

	reconnects      *prometheus.CounterVec
	sequenceGaps    *prometheus.CounterVec
	rejectedRecords *prometheus.CounterVec
	droppedEvents   *prometheus.CounterVec
	budgetDenied    *prometheus.CounterVec
	budgetWait      *prometheus.HistogramVec
	sessionState    *prometheus.GaugeVec
	metricEvents    *prometheus.CounterVec
}

// NewCollectors builds a private registry holding the session series plus
// the Go runtime and process collectors.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Stream session reconnect attempts",
		}, []string{"exchange", "symbol"}),
		sequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Order book sequence gaps detected",
		}, []string{"exchange", "symbol"}),
		rejectedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_records_total",
			Help:      "Records dropped by structural validation",
		}, []string{"exchange", "symbol", "kind"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events evicted from full subscriber queues",
		}, []string{"exchange", "symbol"}),
		budgetDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denied_total",
			Help:      "Requests denied by a request budget",
		}, []string{"exchange", "kind"}),
		budgetWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_wait_seconds",
			Help:      "Time spent waiting for request budget",
			Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"exchange"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 disconnected, 1 connecting, 2 connected, 3 closed)",
		}, []string{"exchange", "symbol"}),
		metricEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_events_total",
			Help:      "Structured metric events emitted through EmitMetric",
		}, []string{"component", "name"}),
	}

	c.registry.MustRegister(
		c.reconnects,
		c.sequenceGaps,
		c.rejectedRecords,
		c.droppedEvents,
		c.budgetDenied,
		c.budgetWait,
		c.sessionState,
		c.metricEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach counts every structured metric event. The returned id detaches it.
func (c *Collectors) Attach() MetricHandlerID {
	if c == nil {
		return 0
	}
	return RegisterMetricHandler(func(m Metric) {
		c.metricEvents.WithLabelValues(m.Component, m.Name).Inc()
	})
}

func (c *Collectors) Reconnect(exchange, symbol string) {
	if c != nil {
		c.reconnects.WithLabelValues(exchange, symbol).Inc()
	}
}

func (c *Collectors) SequenceGap(exchange, symbol string) {
	if c != nil {
		c.sequenceGaps.WithLabelValues(exchange, symbol).Inc()
	}
}

func (c *Collectors) Rejected(exchange, symbol, kind string, n int) {
	if c != nil && n > 0 {
		c.rejectedRecords.WithLabelValues(exchange, symbol, kind).Add(float64(n))
	}
}

func (c *Collectors) Dropped(exchange, symbol string) {
	if c != nil {
		c.droppedEvents.WithLabelValues(exchange, symbol).Inc()
	}
}

func (c *Collectors) BudgetDenied(exchange, kind string) {
	if c != nil {
		c.budgetDenied.WithLabelValues(exchange, kind).Inc()
	}
}

func (c *Collectors) BudgetWait(exchange string, d time.Duration) {
	if c != nil {
		c.budgetWait.WithLabelValues(exchange).Observe(d.Seconds())
	}
}

func (c *Collectors) SessionState(exchange, symbol string, state int) {
	if c != nil {
		c.sessionState.WithLabelValues(exchange, symbol).Set(float64(state))
	}
}
