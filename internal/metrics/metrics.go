package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairbot"

var (
	once sync.Once

	ruleResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_results_total",
			Help:      "Per-booking rule outcomes.",
		},
		[]string{"rule", "outcome"},
	)

	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_tick_duration_seconds",
			Help:      "Duration of one rule pass.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"rule"},
	)

	ticksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_ticks_skipped_total",
			Help:      "Rule passes skipped by the scheduler.",
		},
		[]string{"rule", "reason"},
	)

	ratingFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rating_flushes_total",
			Help:      "Rating reports delivered by trigger.",
		},
		[]string{"trigger"},
	)

	storeHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_healthy",
			Help:      "1 when the booking store is reachable.",
		},
	)

	platformRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_requests_total",
			Help:      "Chat platform API calls by operation and status.",
		},
		[]string{"op", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ruleResults, tickDuration, ticksSkipped, ratingFlushes, storeHealthy, platformRequests, httpRequests)
	})
}

func ObserveRuleResult(rule, outcome string) {
	ruleResults.WithLabelValues(rule, outcome).Inc()
}

func ObserveTick(rule string, d time.Duration) {
	tickDuration.WithLabelValues(rule).Observe(d.Seconds())
}

func IncTickSkipped(rule, reason string) {
	ticksSkipped.WithLabelValues(rule, reason).Inc()
}

func IncRatingFlush(trigger string) {
	ratingFlushes.WithLabelValues(trigger).Inc()
}

func SetStoreHealthy(ok bool) {
	if ok {
		storeHealthy.Set(1)
		return
	}
	storeHealthy.Set(0)
}

func IncPlatformRequest(op, status string) {
	platformRequests.WithLabelValues(op, status).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
