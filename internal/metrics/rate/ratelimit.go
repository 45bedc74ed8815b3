package rate

import (
	"strings"

	"marketflow/internal/budget"
	"marketflow/logger"
)

func reportFields(exchange, symbol, kind string) logger.Fields {
	return logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"type":     strings.ToLower(kind),
	}
}

func component(exchange string) string {
	return strings.ToLower(exchange) + "_reader"
}

// ReportRateLimitExceeded emits the rate_limit_exceeded counter for a
// provider rejection.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, kind string) {
	fields := reportFields(exchange, symbol, kind)
	l := log.WithComponent(component(exchange))
	l.LogMetric(component(exchange), "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan emits the ip_ban counter for a provider rejection.
func ReportIPBan(log *logger.Log, exchange, symbol, kind string) {
	fields := reportFields(exchange, symbol, kind)
	l := log.WithComponent(component(exchange))
	l.LogMetric(component(exchange), "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// Classify inspects a provider error message and reports whether it signals a
// rate limit or an IP ban. Wording differs per provider.
func Classify(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "-1003")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records the matching metric when msg is a rate
// limit or ban rejection and reports whether it was one.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, kind, msg string) bool {
	rateLimit, ipBan := Classify(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, kind)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, kind)
	}
	return rateLimit || ipBan
}

// ReportUsage emits the provider's reported counters as gauges.
func ReportUsage(log *logger.Log, exchange string, u budget.Usage) {
	c := component(exchange)
	l := log.WithComponent(c)
	fields := logger.Fields{"exchange": strings.ToLower(exchange)}
	if u.Used >= 0 {
		l.LogMetric(c, "used_weight", u.Used, "gauge", fields)
	}
	if u.Remaining >= 0 {
		l.LogMetric(c, "remaining_weight", u.Remaining, "gauge", fields)
	}
	if u.Limit > 0 {
		l.LogMetric(c, "limit", u.Limit, "gauge", fields)
	}
}
