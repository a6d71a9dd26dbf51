// Package metrics holds the Prometheus collectors for the dedup service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// Requests counts finished requests by operation and outcome.
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_requests_total",
			Help: "Total read and upsert operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// StoreDuration observes the latency of each store call.
	StoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedup_store_duration_seconds",
			Help:    "Latency of store calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Requests, StoreDuration)
	})
}

// ObserveStore records the latency of one store call that started at start.
func ObserveStore(op string, start time.Time) {
	StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// CountRequest increments the request counter for op and outcome.
func CountRequest(op, outcome string) {
	Requests.WithLabelValues(op, outcome).Inc()
}
