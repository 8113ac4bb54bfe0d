// Prometheus metrics for the pattern cache.
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricHits counts pattern cache hits (hot or reconstructed).
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dialectd",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of pattern cache hits",
	})

	// metricMisses counts pattern cache misses, including failed
	// reconstructions.
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dialectd",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of pattern cache misses",
	})

	// metricEvictions counts LRU evictions per tier.
	// Labels: tier (hot, phoneme)
	metricEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialectd",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total number of LRU evictions by tier",
	}, []string{"tier"})

	// metricHotSize tracks the hot tier size.
	metricHotSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dialectd",
		Subsystem: "cache",
		Name:      "hot_patterns",
		Help:      "Current number of patterns in the hot tier",
	})

	// metricPhonemeSize tracks the phoneme pool size.
	metricPhonemeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dialectd",
		Subsystem: "cache",
		Name:      "phonemes",
		Help:      "Current number of phonemes in the pool",
	})
)
