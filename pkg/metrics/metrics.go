// Package metrics exposes the gateway's Prometheus /metrics surface
// (SPEC_FULL.md §4.9): verdicts by type and phase, sandbox call latency,
// sandbox recycle count, ledger queue depth, and ledger append errors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aeon",
		Name:      "verdicts_total",
		Help:      "Admission verdicts by outcome and phase.",
	}, []string{"outcome", "phase"})

	SandboxCallLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aeon",
		Name:      "sandbox_call_latency_seconds",
		Help:      "Latency of a single sandbox call() round trip.",
		Buckets:   prometheus.DefBuckets,
	})

	SandboxRecycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeon",
		Name:      "sandbox_recycles_total",
		Help:      "Number of times a resident sandbox executor was recycled.",
	})

	LedgerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aeon",
		Name:      "ledger_queue_depth",
		Help:      "Current depth of the ledger actor's inbound message queue.",
	})

	LedgerAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aeon",
		Name:      "ledger_append_errors_total",
		Help:      "Number of ledger append attempts that returned an error to the caller.",
	})
)

func init() {
	prometheus.MustRegister(Verdicts, SandboxCallLatency, SandboxRecycles, LedgerQueueDepth, LedgerAppendErrors)
}

// Handler returns the http.Handler to mount at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
