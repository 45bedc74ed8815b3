package reader

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/internal/budget"
	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/logger"
)

const userAgent = "marketflow/1.0"

// RateLimitError is a provider rejection caused by request weight or an IP
// ban. RetryAfter is zero when the provider did not say.
type RateLimitError struct {
	Exchange   string
	Status     int
	Banned     bool
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	kind := "rate limited"
	if e.Banned {
		kind = "ip banned"
	}
	msg := fmt.Sprintf("%s %s", e.Exchange, kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func component(exchange string) string {
	return strings.ToLower(exchange) + "_reader"
}

func rateLimitFromStatus(exchange string, status int, header http.Header) *RateLimitError {
	if status != http.StatusTooManyRequests && status != http.StatusTeapot {
		return nil
	}
	e := &RateLimitError{Exchange: exchange, Status: status, Banned: status == http.StatusTeapot}
	if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// ClassifyError turns an SDK error whose message signals a rate limit or a
// ban into a *RateLimitError wrapping the original. Other errors are
// returned unchanged.
func ClassifyError(exchange string, err error) error {
	if err == nil {
		return nil
	}
	var limitErr *RateLimitError
	if errors.As(err, &limitErr) {
		return err
	}
	rateLimit, banned := ratemetrics.Classify(exchange, err.Error())
	if !rateLimit && !banned {
		return err
	}
	return fmt.Errorf("%w: %w", &RateLimitError{Exchange: exchange, Banned: banned, Message: err.Error()}, err)
}

// usageTransport paces REST calls, stamps the user agent and feeds provider
// usage headers back into the budget.
type usageTransport struct {
	exchange string
	base     http.RoundTripper
	limiter  *rate.Limiter
	onUsage  func(budget.Usage)
	log      *logger.Log
}

func (t *usageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if u, ok := budget.ParseUsage(t.exchange, resp.Header); ok {
		if t.onUsage != nil {
			t.onUsage(u)
		}
		ratemetrics.ReportUsage(t.log, t.exchange, u)
	}
	if limitErr := rateLimitFromStatus(t.exchange, resp.StatusCode, resp.Header); limitErr != nil {
		if limitErr.Banned {
			ratemetrics.ReportIPBan(t.log, t.exchange, "", "rest")
		} else {
			ratemetrics.ReportRateLimitExceeded(t.log, t.exchange, "", "rest")
		}
	}
	size := 0
	if resp.ContentLength > 0 {
		size = int(resp.ContentLength)
	}
	logger.RecordFetch(t.exchange, size)
	return resp, nil
}

// NewHTTPClient builds the REST client used by fetchers. Outgoing
// connections bind to localIP when set. onUsage receives provider usage
// counters parsed from every response.
func NewHTTPClient(exchange string, cfg config.ReaderConfig, localIP string, onUsage func(budget.Usage)) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	logger.GetLogger().WithComponent(component(exchange)).WithFields(logger.Fields{
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Timeout,
		"local_ip":           localIP,
	}).Info("http client initialized")

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &usageTransport{
			exchange: exchange,
			base:     transport,
			limiter:  limiter,
			onUsage:  onUsage,
			log:      logger.GetLogger(),
		},
	}
}
