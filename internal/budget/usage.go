package budget

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseUsage extracts rate limit counters from a provider REST response.
// ok is false when none of the known headers were present.
func ParseUsage(exchange string, header http.Header) (Usage, bool) {
	switch strings.ToLower(exchange) {
	case "binance":
		return parseBinanceUsage(header)
	case "bybit":
		return parseBybitUsage(header)
	case "kucoin":
		return parseKucoinUsage(header)
	case "okx":
		return parseOkxUsage(header)
	default:
		return UnknownUsage, false
	}
}

func headerInt(header http.Header, names ...string) (int64, bool) {
	for _, name := range names {
		raw := strings.TrimSpace(header.Get(name))
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, true
		}
	}
	return -1, false
}

// Binance reports the weight used in the current minute, for example
// X-MBX-USED-WEIGHT-1m.
func parseBinanceUsage(header http.Header) (Usage, bool) {
	u := UnknownUsage
	used, ok := headerInt(header, "X-MBX-USED-WEIGHT-1m", "X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT")
	if !ok {
		return u, false
	}
	u.Used = used
	return u, true
}

// Bybit has used both X-Bapi-* and X-RateLimit-* names over time.
func parseBybitUsage(header http.Header) (Usage, bool) {
	u := UnknownUsage
	limit, okLimit := headerInt(header, "X-Bapi-Limit", "X-RateLimit-Limit")
	remaining, okRemaining := headerInt(header, "X-Bapi-Limit-Status", "X-RateLimit-Remaining")
	if !okLimit && !okRemaining {
		return u, false
	}
	u.Limit = limit
	u.Remaining = remaining
	if okLimit && okRemaining {
		u.Used = max(limit-remaining, 0)
	}
	if resetAt, ok := headerInt(header, "X-Bapi-Limit-Reset-Timestamp"); ok {
		if d := time.Until(time.UnixMilli(resetAt)); d > 0 {
			u.Reset = d
		}
	}
	return u, true
}

// KuCoin reports the remaining quota and the milliseconds until reset.
func parseKucoinUsage(header http.Header) (Usage, bool) {
	u := UnknownUsage
	remaining, okRemaining := headerInt(header, "gw-ratelimit-remaining")
	if !okRemaining {
		return u, false
	}
	u.Remaining = remaining
	if limit, ok := headerInt(header, "gw-ratelimit-limit"); ok {
		u.Limit = limit
		u.Used = max(limit-remaining, 0)
	}
	if reset, ok := headerInt(header, "gw-ratelimit-reset"); ok && reset > 0 {
		u.Reset = time.Duration(reset) * time.Millisecond
	}
	return u, true
}

// OKX sends Rate-Limit-* or X-RateLimit-* values which may carry several
// comma separated entries; the most constrained one wins.
func parseOkxUsage(header http.Header) (Usage, bool) {
	u := UnknownUsage
	limit, okLimit := minHeaderInt(header, "Rate-Limit-Limit", "X-RateLimit-Limit")
	remaining, okRemaining := minHeaderInt(header, "Rate-Limit-Remaining", "X-RateLimit-Remaining")
	if !okLimit && !okRemaining {
		return u, false
	}
	u.Limit = limit
	u.Remaining = remaining
	if used, ok := minHeaderInt(header, "Rate-Limit-Used", "X-RateLimit-Used"); ok {
		u.Used = used
	} else if okLimit && okRemaining {
		u.Used = max(limit-remaining, 0)
	}
	return u, true
}

func minHeaderInt(header http.Header, names ...string) (int64, bool) {
	best, found := int64(-1), false
	for _, name := range names {
		for _, raw := range header.Values(name) {
			for _, n := range extractInts(raw) {
				if !found || n < best {
					best, found = n, true
				}
			}
		}
		if found {
			return best, true
		}
	}
	return best, found
}

// extractInts returns every run of digits in s as an integer.
func extractInts(s string) []int64 {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r < '0' || r > '9'
	})
	nums := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
