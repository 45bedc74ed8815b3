package metrics

import (
	"strings"
	"sync"

	"marketflow/config"
)

// Feature gates a family of metrics.
type Feature string

const (
	FeatureUsedWeight        Feature = "used_weight"
	FeatureSubscriberBuffers Feature = "subscriber_buffers"
)

var (
	featuresMu sync.RWMutex
	features   = map[Feature]bool{
		FeatureUsedWeight:        true,
		FeatureSubscriberBuffers: true,
	}
)

// Configure applies the metric feature switches from cfg.
func Configure(cfg config.MetricsConfig) {
	featuresMu.Lock()
	features[FeatureUsedWeight] = cfg.UsedWeight
	features[FeatureSubscriberBuffers] = cfg.SubscriberBuffers
	featuresMu.Unlock()
}

func IsFeatureEnabled(f Feature) bool {
	featuresMu.RLock()
	defer featuresMu.RUnlock()
	enabled, ok := features[f]
	return !ok || enabled
}

// featureForMetric maps metric names onto the feature that gates them.
func featureForMetric(name string) (Feature, bool) {
	switch {
	case strings.HasPrefix(name, "used_weight"), strings.HasPrefix(name, "request_weight"):
		return FeatureUsedWeight, true
	case strings.HasSuffix(name, "_buffer_length"):
		return FeatureSubscriberBuffers, true
	default:
		return "", false
	}
}
