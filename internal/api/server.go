// Package api exposes the session manager's query surface over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"marketflow/config"
	"marketflow/internal/metrics"
	"marketflow/internal/session"
	"marketflow/logger"
)

const recentMetrics = 200

// Server hosts the query API, recent metric events and the Prometheus
// endpoint.
type Server struct {
	cfg           config.APIConfig
	metricsPath   string
	manager       *session.Manager
	collectors    *metrics.Collectors
	log           *logger.Entry
	metricStore   *metricStore
	metricHandler metrics.MetricHandlerID
	app           *fiber.App

	// ctx scopes background work started by handlers.
	ctx context.Context
}

// NewServer returns nil when the API is disabled. A nil collectors disables
// the Prometheus endpoint.
func NewServer(cfg config.APIConfig, metricsCfg config.PrometheusConfig, manager *session.Manager, collectors *metrics.Collectors) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Listen = normalizeAddress(cfg.Listen)

	store := newMetricStore(recentMetrics)
	s := &Server{
		cfg:           cfg,
		manager:       manager,
		collectors:    collectors,
		log:           logger.GetLogger().WithComponent("api"),
		metricStore:   store,
		metricHandler: metrics.RegisterMetricHandler(store.handle),
		ctx:           context.Background(),
	}
	if metricsCfg.Enabled && collectors != nil {
		s.metricsPath = metricsCfg.Path
		if s.metricsPath == "" {
			s.metricsPath = "/metrics"
		}
	}
	s.app = s.buildApp()
	return s
}

// App is the underlying router, mainly for in-process tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Listen
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.Close()
	s.ctx = ctx

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logger.Fields{"address": s.cfg.Listen}).Info("api listening")
		if err := s.app.Listen(s.cfg.Listen); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Close detaches the metric store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.metricHandler = 0
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(requestLogger(s.log))

	app.Get("/health", s.health)

	v1 := app.Group("/api/v1")
	v1.Get("/streams", s.listStreams)
	v1.Get("/metrics/recent", s.recentMetrics)

	stream := v1.Group("/streams/:exchange/:symbol")
	stream.Get("/book", s.currentBook)
	stream.Get("/buckets", s.latestBuckets)
	stream.Get("/buckets/:key", s.bucket)
	stream.Get("/buckets/:key/max", s.maxLevelValue)
	stream.Get("/buckets/:key/imbalances", s.imbalances)
	stream.Get("/poc", s.pointsOfControl)
	stream.Post("/backfill", s.backfill)

	if s.metricsPath != "" {
		app.Get(s.metricsPath, adaptor.HTTPHandler(s.collectors.Handler()))
	}
	return app
}

// requestLogger logs one line per request at debug level.
func requestLogger(log *logger.Entry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(logger.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"ip":         c.IP(),
			"status":     c.Response().StatusCode(),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
		return err
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
