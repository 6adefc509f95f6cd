// Package telemetry exposes the service's Prometheus counters. Labels
// use the normalized endpoint pattern, never the raw path, so
// cardinality stays bounded by the route table.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mab_requests_total",
		Help: "HTTP requests served, by method, normalized endpoint, and status",
	}, []string{"method", "endpoint", "status"})

	rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mab_rate_limited_total",
		Help: "Requests rejected by the sliding-window rate limiter",
	}, []string{"endpoint"})

	allocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mab_allocations_computed_total",
		Help: "Allocation computations performed",
	})

	fallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mab_allocation_fallback_total",
		Help: "Allocations that fell back to the prior-only arms",
	})

	historyWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mab_history_write_errors_total",
		Help: "Allocation-history inserts that failed and were downgraded to logs",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, rateLimitedTotal, allocationsTotal, fallbackTotal, historyWriteErrors)
}

// ObserveRequest counts one served request.
func ObserveRequest(method, endpoint string, status int) {
	requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// ObserveRateLimited counts one 429 rejection.
func ObserveRateLimited(endpoint string) {
	rateLimitedTotal.WithLabelValues(endpoint).Inc()
}

// ObserveAllocation counts one allocation computation and whether it
// used the prior-only fallback.
func ObserveAllocation(usedFallback bool) {
	allocationsTotal.Inc()
	if usedFallback {
		fallbackTotal.Inc()
	}
}

// ObserveHistoryWriteError counts one downgraded history persistence
// failure.
func ObserveHistoryWriteError() {
	historyWriteErrors.Inc()
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
