package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmarket_ledger_operations_total",
		Help: "Ledger mutations, labeled by operation and outcome",
	}, []string{"operation", "status", "replayed"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmarket_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditmarket_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	webhookOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmarket_payment_webhooks_total",
		Help: "Payment webhooks, labeled by outcome",
	}, []string{"outcome"})

	sweptIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmarket_payment_sweep_intents_total",
		Help: "Stale payment intents re-verified by the sweeper, labeled by result",
	}, []string{"result"})
)

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveWebhook records a webhook outcome such as "credited", "replayed" or "invalid_signature".
func ObserveWebhook(outcome string) {
	webhookOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep records the counts of one sweeper run.
func ObserveSweep(checked, finalized, failed int) {
	sweptIntentsTotal.WithLabelValues("checked").Add(float64(checked))
	sweptIntentsTotal.WithLabelValues("finalized").Add(float64(finalized))
	sweptIntentsTotal.WithLabelValues("failed").Add(float64(failed))
}
