package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketflow/config"
	"marketflow/internal/aggregation"
	"marketflow/internal/api"
	"marketflow/internal/budget"
	"marketflow/internal/metrics"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/session"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/reader"
	"marketflow/reader/binance"
	"marketflow/reader/bybit"
)

// Binance drops clients that send more than ten frames a second.
const wsWritesPerSecond = 5

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "AWS_REGION").WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"streams":     len(cfg.Streams),
	}).Info("starting marketflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	collectors := metrics.NewCollectors()
	defer metrics.UnregisterMetricHandler(collectors.Attach())

	budgets, err := buildBudgets(cfg.Budgets)
	if err != nil {
		log.WithError(err).Error("failed to build request budgets")
		os.Exit(1)
	}

	manager := session.NewManager()
	connectors := make(map[string]*reader.WSConnector)
	seeded := make(map[string]bool)
	for i, st := range cfg.Streams {
		exchange := strings.ToLower(st.Exchange)
		s, connector, err := buildStream(ctx, cfg, st, i+1, budgets[exchange], collectors, !seeded[exchange])
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"stream": st.Key()}).Error("failed to build stream")
			if config.IsProductionLike(config.AppEnvironment()) {
				os.Exit(1)
			}
			continue
		}
		seeded[exchange] = true
		if err := manager.Add(s); err != nil {
			log.WithError(err).Error("failed to register stream")
			os.Exit(1)
		}
		connectors[st.Key()] = connector
	}
	if len(manager.Streams()) == 0 {
		log.Error("no stream could be started")
		os.Exit(1)
	}

	metrics.StartBufferMetrics(ctx, cfg.Metrics.BufferInterval, manager.BufferSources)
	go reportConnections(ctx, cfg.Logging.ReportInterval, connectors)

	server := api.NewServer(cfg.API, cfg.Metrics.Prometheus, manager, collectors)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()

	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("api server stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketflow stopped")
}

// buildBudgets creates one budget manager per configured exchange.
func buildBudgets(cfgs map[string]config.BudgetConfig) (map[string]*budget.Manager, error) {
	out := make(map[string]*budget.Manager, len(cfgs))
	for name, bc := range cfgs {
		var (
			b   budget.Budget
			err error
		)
		// buffer_pct is configured in percent.
		opts := []budget.Option{budget.WithBuffer(bc.BufferPct / 100)}
		switch bc.Kind {
		case "fixed":
			b, err = budget.NewFixedWindow(bc.Capacity, bc.Window, opts...)
		case "dynamic":
			b, err = budget.NewDynamic(bc.Capacity, bc.RefillPerSecond, opts...)
		default:
			err = fmt.Errorf("unknown budget kind %q", bc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("budget %s: %w", name, err)
		}
		out[name] = budget.NewManager(name, b, budget.NewRegistry(bc.Cooldown))
	}
	return out, nil
}

// buildStream wires the provider specific decoder, fetcher and subscribe
// frames of st into a session. seed asks the server for the current weight
// limit before the first binance stream starts.
func buildStream(ctx context.Context, cfg *config.Config, st config.StreamConfig, id int, mgr *budget.Manager, collectors *metrics.Collectors, seed bool) (*session.Session, *reader.WSConnector, error) {
	exchange := strings.ToLower(st.Exchange)

	step, err := models.ParsePriceStep(st.PriceStep)
	if err != nil {
		return nil, nil, fmt.Errorf("price_step: %w", err)
	}
	basis, err := aggregation.ParseBasis(st.Basis.Kind, st.Basis.Interval, int(st.Basis.Ticks))
	if err != nil {
		return nil, nil, err
	}

	bookDepth := st.BookDepth
	if bookDepth <= 0 {
		bookDepth = cfg.Session.BookDepth
	}

	sc := session.Config{
		Key:              session.NewStreamKey(st.Exchange, st.Symbol),
		Endpoint:         st.Endpoint,
		ReadTimeout:      cfg.Session.ReadTimeout,
		FlushInterval:    cfg.Session.FlushInterval,
		MaxBatch:         cfg.Session.MaxBatch,
		BackoffMin:       cfg.Session.BackoffMin,
		BackoffMax:       cfg.Session.BackoffMax,
		SnapshotDepth:    bookDepth,
		BookDepth:        bookDepth,
		BridgeBuffer:     cfg.Session.BridgeBuffer,
		SubscriberBuffer: cfg.Channels.SubscriberBuffer,
		CandleInterval:   st.CandleInterval,
		Step:             step,
		Basis:            basis,
		MaxBuckets:       cfg.Session.MaxBuckets,
	}

	var onUsage func(budget.Usage)
	if mgr != nil {
		onUsage = mgr.RecordUsage
	}
	httpClient := reader.NewHTTPClient(exchange, cfg.Reader, st.LocalIP, onUsage)

	var (
		decoder   session.Decoder
		fetcher   session.Fetcher
		subscribe []byte
	)
	switch exchange {
	case "binance":
		client := binance.NewClient(httpClient, st.RestURL)
		if seed && mgr != nil && cfg.Budgets[exchange].SeedFromServer {
			if err := binance.SeedBudget(ctx, client, mgr); err != nil {
				logger.GetLogger().WithError(err).Warn("could not seed binance weight limit")
			}
		}
		decoder = binance.NewDecoder(st.Symbol)
		fetcher = binance.NewFetcher(client, st.Symbol)
		subscribe, err = binance.SubscribeMessage(st.Symbol, st.CandleInterval, id)
		// The diff stream carries no snapshot of its own.
		sc.SnapshotOnConnect = cfg.Session.SnapshotOnConnect
	case "bybit":
		decoder = bybit.NewDecoder(st.Symbol)
		fetcher = bybit.NewFetcher(bybit.NewClient(httpClient, st.RestURL), st.Symbol)
		subscribe, err = bybit.SubscribeMessage(st.Symbol, bookDepth, st.CandleInterval)
		sc.Ping = bybit.PingFrame
		sc.PingInterval = cfg.Session.PingInterval
	default:
		return nil, nil, fmt.Errorf("exchange %q is not supported", st.Exchange)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe message: %w", err)
	}
	sc.Subscribe = [][]byte{subscribe}

	connector := reader.NewWSConnector(exchange,
		reader.WithLocalIP(st.LocalIP),
		reader.WithHandshakeTimeout(cfg.Reader.Timeout),
		reader.WithWriteRate(wsWritesPerSecond, wsWritesPerSecond),
	)

	opts := []session.Option{session.WithMetrics(collectors)}
	if mgr != nil && st.RestURL != "" {
		opts = append(opts, session.WithFetcher(fetcher, mgr))
	}

	s, err := session.New(sc, connector, decoder, opts...)
	if err != nil {
		return nil, nil, err
	}
	return s, connector, nil
}

// reportConnections emits websocket weight metrics per stream.
func reportConnections(ctx context.Context, interval time.Duration, connectors map[string]*reader.WSConnector) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for key, c := range connectors {
				exchange, _, _ := strings.Cut(key, ":")
				ratemetrics.ReportConnWeight(log, exchange, c.Tracker())
			}
		}
	}
}
