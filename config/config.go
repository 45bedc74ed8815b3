package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig               `yaml:"app"`
	Logging  LoggingConfig           `yaml:"logging"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	API      APIConfig               `yaml:"api"`
	Channels ChannelsConfig          `yaml:"channels"`
	Session  SessionConfig           `yaml:"session"`
	Reader   ReaderConfig            `yaml:"reader"`
	Budgets  map[string]BudgetConfig `yaml:"budgets"`
	Streams  []StreamConfig          `yaml:"streams"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	UsedWeight        bool             `yaml:"used_weight"`
	SubscriberBuffers bool             `yaml:"subscriber_buffers"`
	BufferInterval    time.Duration    `yaml:"buffer_interval"`
	CloudWatch        CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus        PrometheusConfig `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ChannelsConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type SessionConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	MaxBatch          int           `yaml:"max_batch"`
	BackoffMin        time.Duration `yaml:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	SnapshotOnConnect bool          `yaml:"snapshot_on_connect"`
	BookDepth         int           `yaml:"book_depth"`
	MaxBuckets        int           `yaml:"max_buckets"`
	BridgeBuffer      int           `yaml:"bridge_buffer"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// BudgetConfig describes one provider's request budget. Kind is "fixed" or
// "dynamic".
type BudgetConfig struct {
	Kind            string        `yaml:"kind"`
	Capacity        int64         `yaml:"capacity"`
	Window          time.Duration `yaml:"window"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
	BufferPct       float64       `yaml:"buffer_pct"`
	Cooldown        time.Duration `yaml:"cooldown"`
	SeedFromServer  bool          `yaml:"seed_from_server"`
}

type BasisConfig struct {
	Kind     string        `yaml:"kind"`
	Interval time.Duration `yaml:"interval"`
	Ticks    uint64        `yaml:"ticks"`
}

type StreamConfig struct {
	Exchange       string      `yaml:"exchange"`
	Symbol         string      `yaml:"symbol"`
	Endpoint       string      `yaml:"endpoint"`
	RestURL        string      `yaml:"rest_url"`
	PriceStep      string      `yaml:"price_step"`
	CandleInterval string      `yaml:"candle_interval"`
	BookDepth      int         `yaml:"book_depth"`
	LocalIP        string      `yaml:"local_ip"`
	Basis          BasisConfig `yaml:"basis"`
}

// Key identifies a stream as exchange:symbol.
func (s StreamConfig) Key() string {
	return strings.ToLower(s.Exchange) + ":" + strings.ToUpper(s.Symbol)
}

var supportedExchanges = map[string]bool{
	"binance": true,
	"bybit":   true,
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			UsedWeight:        true,
			SubscriberBuffers: true,
			BufferInterval:    10 * time.Second,
			Prometheus:        PrometheusConfig{Enabled: true, Path: "/metrics"},
		},
		API:      APIConfig{Listen: ":8080"},
		Channels: ChannelsConfig{SubscriberBuffer: 256},
		Session: SessionConfig{
			ReadTimeout:       30 * time.Second,
			FlushInterval:     250 * time.Millisecond,
			MaxBatch:          500,
			BackoffMin:        500 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			SnapshotOnConnect: true,
			BookDepth:         1000,
			MaxBuckets:        1440,
			BridgeBuffer:      4096,
		},
		Reader: ReaderConfig{
			Timeout:   10 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
		},
	}
}

// LoadConfig reads path, applies environment overrides and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("API_LISTEN")); v != "" {
		cfg.API.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("SUBSCRIBER_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Channels.SubscriberBuffer = n
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if cfg.Channels.SubscriberBuffer <= 0 {
		return fmt.Errorf("channels.subscriber_buffer must be greater than 0")
	}

	s := cfg.Session
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("session.read_timeout must be greater than 0")
	}
	if s.FlushInterval <= 0 {
		return fmt.Errorf("session.flush_interval must be greater than 0")
	}
	if s.MaxBatch <= 0 {
		return fmt.Errorf("session.max_batch must be greater than 0")
	}
	if s.BackoffMin <= 0 || s.BackoffMax < s.BackoffMin {
		return fmt.Errorf("session.backoff_min must be positive and not above session.backoff_max")
	}

	for name, b := range cfg.Budgets {
		if !supportedExchanges[name] {
			return fmt.Errorf("budgets.%s: unsupported exchange", name)
		}
		if b.Capacity <= 0 {
			return fmt.Errorf("budgets.%s.capacity must be greater than 0", name)
		}
		if b.BufferPct < 0 || b.BufferPct >= 100 {
			return fmt.Errorf("budgets.%s.buffer_pct must be in [0, 100)", name)
		}
		switch b.Kind {
		case "fixed":
			if b.Window <= 0 {
				return fmt.Errorf("budgets.%s.window must be greater than 0", name)
			}
		case "dynamic":
			if b.RefillPerSecond <= 0 {
				return fmt.Errorf("budgets.%s.refill_per_second must be greater than 0", name)
			}
		default:
			return fmt.Errorf("budgets.%s.kind '%s' is invalid", name, b.Kind)
		}
	}

	if len(cfg.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	seen := make(map[string]bool, len(cfg.Streams))
	for i, st := range cfg.Streams {
		if err := validateStream(st); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if _, ok := cfg.Budgets[strings.ToLower(st.Exchange)]; !ok {
			return fmt.Errorf("streams[%d]: no budget configured for %s", i, st.Exchange)
		}
		if seen[st.Key()] {
			return fmt.Errorf("streams[%d]: duplicate stream %s", i, st.Key())
		}
		seen[st.Key()] = true
	}

	return nil
}

func validateStream(st StreamConfig) error {
	if !supportedExchanges[strings.ToLower(st.Exchange)] {
		return fmt.Errorf("exchange '%s' is not supported", st.Exchange)
	}
	if st.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if st.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if st.PriceStep == "" {
		return fmt.Errorf("price_step is required")
	}
	switch st.Basis.Kind {
	case "time":
		if st.Basis.Interval <= 0 {
			return fmt.Errorf("basis.interval must be greater than 0")
		}
	case "tick":
		if st.Basis.Ticks == 0 {
			return fmt.Errorf("basis.ticks must be greater than 0")
		}
	default:
		return fmt.Errorf("basis.kind '%s' is invalid", st.Basis.Kind)
	}
	if st.LocalIP != "" && net.ParseIP(st.LocalIP) == nil {
		return fmt.Errorf("local_ip '%s' is invalid", st.LocalIP)
	}
	return nil
}
