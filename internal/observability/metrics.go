// Package observability implements L7: Prometheus SLO counters,
// OpenTelemetry tracing setup, and the GPT observability summary.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SLO counters every layer feeds (CALL_SLO_* /
// OPENROUTER_SLO_*).
type Metrics struct {
	CallsOpened       prometheus.Counter
	CallsClosed       *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	ToolExecutions    *prometheus.CounterVec
	DigitCollections  *prometheus.CounterVec
	JobExecutions     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	ProviderFailovers prometheus.Counter
	TTSCacheHits      prometheus.Counter
	TTSCacheMisses    prometheus.Counter
}

// NewMetrics registers every collector on reg and returns the set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callcore", Name: "calls_opened_total",
			Help: "Call sessions opened.",
		}),
		CallsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore", Name: "calls_closed_total",
			Help: "Call sessions closed, by reason.",
		}, []string{"reason"}),
		TurnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callcore", Name: "turn_latency_seconds",
			Help:    "LLM turn round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore", Name: "tool_executions_total",
			Help: "Tool executions, by tool and status.",
		}, []string{"tool", "status"}),
		DigitCollections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore", Name: "digit_collections_total",
			Help: "Digit collection outcomes, by profile and result.",
		}, []string{"profile", "result"}),
		JobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore", Name: "job_executions_total",
			Help: "Job executions, by kind and status.",
		}, []string{"kind", "status"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callcore", Name: "webhook_deliveries_total",
			Help: "Outbound webhook deliveries, by status.",
		}, []string{"status"}),
		ProviderFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callcore", Name: "provider_failovers_total",
			Help: "Provider selections that skipped a degraded provider.",
		}),
		TTSCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callcore", Name: "tts_cache_hits_total",
			Help: "TTS cache hits.",
		}),
		TTSCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callcore", Name: "tts_cache_misses_total",
			Help: "TTS cache misses.",
		}),
	}
	reg.MustRegister(
		m.CallsOpened, m.CallsClosed, m.TurnLatency, m.ToolExecutions,
		m.DigitCollections, m.JobExecutions, m.WebhookDeliveries,
		m.ProviderFailovers, m.TTSCacheHits, m.TTSCacheMisses,
	)
	return m
}
