// Package metrics exports Prometheus counters, histograms, and gauges for
// the runtime's LLM dispatch, tool execution, and sandbox pool subsystems
// (kernel's enable_metrics option, §6).
//
// Grounded on the teacher's internal/observability.Metrics
// (nexus_llm_request_duration_seconds, nexus_tool_executions_total, and
// friends) and internal/canvas.Metrics's plain promauto-field struct shape.
// The teacher calls its Metrics methods directly from synchronous handler
// code; this runtime is message-driven, so Recorder additionally subscribes
// to internal/bus to observe LLM stream lifecycle events rather than being
// called inline by internal/llm.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/sandbox"
)

// Recorder holds every Prometheus collector the runtime exports. The zero
// value is not usable; construct with New.
type Recorder struct {
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	LLMRequestCounter  *prometheus.CounterVec
	LLMRequestDuration prometheus.Histogram
	LLMStreamErrors    *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec

	SandboxPoolIdle    *prometheus.GaugeVec
	SandboxPoolActive  *prometheus.GaugeVec
	SandboxPoolWaiting *prometheus.GaugeVec

	ContextWindowUsagePercent prometheus.Histogram

	mu     sync.Mutex
	starts map[string]time.Time
}

// New registers every collector against reg. With a nil reg the collectors
// are created but registered nowhere; pass prometheus.DefaultRegisterer to
// use the global registry. Tests should pass a fresh
// prometheus.NewRegistry() to avoid cross-test collisions, since promauto
// panics on duplicate registration.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_requests_total",
			Help: "Total number of LLM provider dispatches by outcome status",
		}, []string{"status"}),

		LLMRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_llm_request_duration_seconds",
			Help:    "Duration of LLM provider stream round trips in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		LLMStreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_stream_errors_total",
			Help: "Total number of provider stream errors by error type",
		}, []string{"error_type"}),

		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_rate_limit_hits_total",
			Help: "Total number of 429 admission rejections by provider",
		}, []string{"provider"}),

		SandboxPoolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcore_sandbox_pool_idle",
			Help: "Idle sandbox instances by guest kind",
		}, []string{"kind"}),

		SandboxPoolActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcore_sandbox_pool_active",
			Help: "Active (leased) sandbox instances by guest kind",
		}, []string{"kind"}),

		SandboxPoolWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcore_sandbox_pool_waiting",
			Help: "Callers waiting for a sandbox instance by guest kind",
		}, []string{"kind"}),

		ContextWindowUsagePercent: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentcore_context_window_usage_percent",
			Help:    "Conversation context window usage at send time, as a percentage",
			Buckets: []float64{10, 25, 50, 70, 80, 90, 95, 100},
		}),

		starts: make(map[string]time.Time),
	}
}

// ObserveToolExecution implements tools.Observer.
func (r *Recorder) ObserveToolExecution(toolName, status string, duration time.Duration) {
	r.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	r.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// ObserveContextWindowUsage records a conversation's compaction usage
// percentage (internal/conversation.Conversation.CompactionUsage).
func (r *Recorder) ObserveContextWindowUsage(percent int) {
	r.ContextWindowUsagePercent.Observe(float64(percent))
}

// ObserveSandboxPoolStats snapshots a sandbox.Pool's per-kind gauges. The
// caller is expected to poll sandbox.Pool.Stats on an interval and forward
// the result here; Pool itself has no notion of Prometheus.
func (r *Recorder) ObserveSandboxPoolStats(stats []sandbox.Stats) {
	for _, s := range stats {
		r.SandboxPoolIdle.WithLabelValues(s.Kind).Set(float64(s.Idle))
		r.SandboxPoolActive.WithLabelValues(s.Kind).Set(float64(s.Active))
		r.SandboxPoolWaiting.WithLabelValues(s.Kind).Set(float64(s.Waiting))
	}
}

// Subscribe registers a bus subscription that derives LLM request counters
// and duration from stream lifecycle events, since this runtime dispatches
// providers asynchronously rather than through a single call site the way
// the teacher's RecordLLMRequest is invoked inline.
func (r *Recorder) Subscribe(b *bus.Bus) *bus.Subscription {
	sub := b.Subscribe(nil)
	go func() {
		for event := range sub.C {
			r.observe(event)
		}
	}()
	return sub
}

func (r *Recorder) observe(event envelope.Event) {
	switch e := event.(type) {
	case envelope.LLMStreamStart:
		r.mu.Lock()
		r.starts[e.CorrelationID.String()] = time.Now()
		r.mu.Unlock()

	case envelope.LLMStreamEnd:
		r.finish(e.CorrelationID.String(), "success")

	case envelope.LLMStreamError:
		r.LLMStreamErrors.WithLabelValues(e.Type).Inc()
		r.finish(e.CorrelationID.String(), "error")

	case envelope.RateLimitHit:
		r.RateLimitHits.WithLabelValues(e.Provider).Inc()
	}
}

func (r *Recorder) finish(correlationKey, status string) {
	r.mu.Lock()
	start, ok := r.starts[correlationKey]
	if ok {
		delete(r.starts, correlationKey)
	}
	r.mu.Unlock()

	// An aborted dispatch publishes LLMStreamError and then LLMStreamEnd for
	// one correlation id; the error has already counted it.
	if !ok && status == "success" {
		return
	}

	r.LLMRequestCounter.WithLabelValues(status).Inc()
	if ok {
		r.LLMRequestDuration.Observe(time.Since(start).Seconds())
	}
}
