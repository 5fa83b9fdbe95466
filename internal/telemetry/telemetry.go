// Package telemetry provides the Prometheus metrics and OpenTelemetry
// tracing used across the runtime for usage logging (§4.1) and agent-loop
// / tool-dispatch span instrumentation (§4.5).
//
// Grounded on the teacher's pkg/observability/metrics.go (metric family
// naming and shape) and pkg/observability/tracer.go (tracer wiring),
// trimmed to this repository's own domain — no RAG, HTTP-gateway, or
// multi-exporter concerns survive the trim.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Recorder bundles the Prometheus registry and the OpenTelemetry tracer
// used across the runtime. A nil *Recorder is valid and records nothing
// (fire-and-forget sinks never block the loop on failure, per §5).
type Recorder struct {
	registry *prometheus.Registry
	tracer   trace.Tracer

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrors       *prometheus.CounterVec

	loopIterations *prometheus.CounterVec
	permissions    *prometheus.CounterVec
	summarizations *prometheus.CounterVec
}

// New builds a Recorder with its own Prometheus registry and a tracer
// whose stdout span exporter writes to nopWriter, so spans are created but
// never printed (substituting for the teacher's OTLP exporter, since there
// is no collector in this spec's scope).
func New(serviceName string) (*Recorder, error) {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_llm_calls_total", Help: "LLM streaming calls by model and outcome.",
		}, []string{"model", "outcome"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentrt_llm_call_duration_seconds", Help: "LLM call duration.",
		}, []string{"model"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_llm_tokens_total", Help: "Token usage by kind.",
		}, []string{"model", "kind"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_llm_errors_total", Help: "LLM errors by classification.",
		}, []string{"model", "retryable"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_tool_calls_total", Help: "Tool dispatches by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentrt_tool_call_duration_seconds", Help: "Tool dispatch duration.",
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_tool_errors_total", Help: "Tool dispatch errors by tool.",
		}, []string{"tool"}),
		loopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_loop_iterations_total", Help: "Agent-loop iterations by terminal outcome.",
		}, []string{"outcome"}),
		permissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_permission_outcomes_total", Help: "Permission broker resolutions.",
		}, []string{"outcome"}),
		summarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrt_summarizations_total", Help: "Conversation memory summarization passes.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		r.llmCalls, r.llmCallDuration, r.llmTokens, r.llmErrors,
		r.toolCalls, r.toolCallDuration, r.toolErrors,
		r.loopIterations, r.permissions, r.summarizations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(nopWriter{}))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	r.tracer = tp.Tracer(serviceName)

	return r, nil
}

// nopWriter discards everything written to it. It is the span exporter's
// only output, and no configuration option routes spans elsewhere.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Handler exposes the Prometheus exposition format for GET /metrics.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StartSpan opens a span for an agent-loop iteration or tool dispatch.
func (r *Recorder) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if r == nil || r.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.tracer.Start(ctx, name)
}

func (r *Recorder) RecordLLMCall(model string, d time.Duration, outcome string, usage Usage) {
	if r == nil {
		return
	}
	r.llmCalls.WithLabelValues(model, outcome).Inc()
	r.llmCallDuration.WithLabelValues(model).Observe(d.Seconds())
	r.llmTokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	r.llmTokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	r.llmTokens.WithLabelValues(model, "cache_creation").Add(float64(usage.CacheCreationTokens))
	r.llmTokens.WithLabelValues(model, "cache_read").Add(float64(usage.CacheReadTokens))
}

func (r *Recorder) RecordLLMError(model string, retryable bool) {
	if r == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	r.llmErrors.WithLabelValues(model, label).Inc()
}

func (r *Recorder) RecordToolCall(tool string, d time.Duration, success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
		r.toolErrors.WithLabelValues(tool).Inc()
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
	r.toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (r *Recorder) RecordLoopIteration(outcome string) {
	if r == nil {
		return
	}
	r.loopIterations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordPermission(outcome string) {
	if r == nil {
		return
	}
	r.permissions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordSummarization(outcome string) {
	if r == nil {
		return
	}
	r.summarizations.WithLabelValues(outcome).Inc()
}

// Usage mirrors llm.Usage without importing the llm package, to avoid a
// dependency cycle (llm imports telemetry for RecordLLMCall).
type Usage struct {
	InputTokens, OutputTokens, CacheCreationTokens, CacheReadTokens int
}

// LogWarn is a thin wrapper so call sites do not need to import log/slog
// directly just to swallow a telemetry failure with a warning, matching
// the spec's "failure is swallowed with a warning" requirement.
func LogWarn(msg string, args ...any) {
	slog.Warn(msg, args...)
}
