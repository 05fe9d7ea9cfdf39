package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	Requests         *prometheus.CounterVec
	UpstreamAttempts *prometheus.CounterVec
	Tokens           *prometheus.CounterVec
	CostMicroCents   *prometheus.CounterVec
	CommitFailures   *prometheus.CounterVec
	TimeToFirstByte  *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Inbound requests by endpoint format and outcome.",
		}, []string{"format", "status"}),
		UpstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Upstream calls by provider and HTTP status.",
		}, []string{"provider", "status"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Metered tokens by model and category.",
		}, []string{"model", "category"}),
		CostMicroCents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_microcents_total",
			Help: "Metered cost in micro-cents by model.",
		}, []string{"model"}),
		CommitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_best_effort_failures_total",
			Help: "Failed usage commits, quota updates and reloads.",
		}, []string{"step"}),
		TimeToFirstByte: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_ttfb_seconds",
			Help:    "Time until upstream response headers arrived.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
	}
}
