package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"ratematch/native/matching"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	matchingMetricsOnce sync.Once
	matchingRegistry    *MatchingMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to
// record HTTP API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratematch",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratematch",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ratematch",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratematch",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// MatchingMetrics records matching engine operations.
type MatchingMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	matched    *prometheus.CounterVec
	steps      *prometheus.HistogramVec
}

// Matching returns the lazily-initialised matching engine metrics.
func Matching() *MatchingMetrics {
	matchingMetricsOnce.Do(func() {
		matchingRegistry = &MatchingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratematch",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation, market and error code.",
			}, []string{"operation", "market", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ratematch",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of engine operations.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
			}, []string{"operation"}),
			matched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratematch",
				Subsystem: "engine",
				Name:      "matched_amount_total",
				Help:      "Underlying amount moved between the pool and P2P by the matching walks.",
			}, []string{"operation", "market"}),
			steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ratematch",
				Subsystem: "engine",
				Name:      "matching_steps",
				Help:      "Counterparties visited per matching walk.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			matchingRegistry.operations,
			matchingRegistry.latency,
			matchingRegistry.matched,
			matchingRegistry.steps,
		)
	})
	return matchingRegistry
}

var _ matching.Metrics = (*MatchingMetrics)(nil)

// ObserveOperation implements matching.Metrics.
func (m *MatchingMetrics) ObserveOperation(operation string, market common.Address, err error, took time.Duration) {
	if m == nil {
		return
	}
	code := matching.ErrorCode(err)
	if code == "" {
		code = "ok"
	}
	m.operations.WithLabelValues(labelOperation(operation), labelMarket(market), code).Inc()
	m.latency.WithLabelValues(labelOperation(operation)).Observe(took.Seconds())
}

// ObserveMatching implements matching.Metrics.
func (m *MatchingMetrics) ObserveMatching(operation string, market common.Address, matched *big.Int, spent uint64) {
	if m == nil {
		return
	}
	if amount := bigToFloat(matched); amount > 0 {
		m.matched.WithLabelValues(labelOperation(operation), labelMarket(market)).Add(amount)
	}
	m.steps.WithLabelValues(labelOperation(operation)).Observe(float64(spent))
}

func labelOperation(operation string) string {
	trimmed := strings.TrimSpace(operation)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelMarket(market common.Address) string {
	if market == (common.Address{}) {
		return "none"
	}
	return strings.ToLower(market.Hex())
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
