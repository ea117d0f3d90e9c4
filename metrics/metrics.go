// Package metrics exposes Prometheus instruments for checks and deliveries.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulletin"

// Check outcomes.
const (
	CheckBaseline      = "baseline"
	CheckChanged       = "changed"
	CheckUnchanged     = "unchanged"
	CheckUpstreamError = "upstream_error"
	CheckEmpty         = "empty"
	CheckTransport     = "transport_error"
	CheckStoreError    = "store_error"
)

// Delivery outcomes.
const (
	SendSuccess = "success"
	SendFailure = "failure"
)

var (
	checks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checks",
			Name:      "total",
			Help:      "Check passes by outcome",
		},
		[]string{"outcome"},
	)

	lastSeen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checks",
			Name:      "last_seen_timestamp_seconds",
			Help:      "Unix time of the last successful upstream fetch",
		},
	)

	sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Delivery attempts by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	skipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "skipped_total",
			Help:      "Subscribers skipped during a pass by reason",
		},
		[]string{"reason"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to complete one dispatch pass",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route and status",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordCheck counts one check pass.
func RecordCheck(outcome string) {
	checks.WithLabelValues(outcome).Inc()
}

// RecordSeen sets the last successful fetch time.
func RecordSeen(t time.Time) {
	lastSeen.Set(float64(t.Unix()))
}

// RecordSend counts one delivery attempt.
func RecordSend(transport, outcome string) {
	sends.WithLabelValues(transport, outcome).Inc()
}

// RecordSkip counts a subscriber skipped for reason.
func RecordSkip(reason string) {
	skipped.WithLabelValues(reason).Inc()
}

// RecordDispatch observes a pass duration.
func RecordDispatch(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}

// RecordRateLimited counts a rejected request.
func RecordRateLimited(route string) {
	rateLimited.WithLabelValues(route).Inc()
}

// RecordHTTP observes one request. route is the router pattern, not the path.
func RecordHTTP(method, route string, status int, d time.Duration) {
	httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
