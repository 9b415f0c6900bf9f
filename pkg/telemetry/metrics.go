// Package telemetry is the process-wide metrics sink: request counters,
// latency histograms, and gauges exposed on /metrics. One instance exists
// per worker process and is injected everywhere; nothing reaches it through
// package-level state.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SlowRequestThreshold is the latency above which a request gets a warning
// log entry in addition to its histogram sample.
const SlowRequestThreshold = 3 * time.Second

// Metrics holds every collector the service records into.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	LLMRequests *prometheus.CounterVec
	LLMLatency  *prometheus.HistogramVec
	LLMTokens   *prometheus.CounterVec

	RateLimitWait     *prometheus.HistogramVec
	RateLimitInFlight *prometheus.GaugeVec

	BufferDepth   prometheus.Gauge
	BufferFlushes *prometheus.CounterVec

	PaletteNodes    *prometheus.CounterVec
	PaletteSessions prometheus.Gauge

	SMSSends *prometheus.CounterVec
}

// New creates a Metrics sink with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "LLM calls by provider, request type, and outcome.",
		}, []string{"provider", "request_type", "outcome"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_request_seconds",
			Help:    "LLM call latency including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit permit.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"provider"}),
		RateLimitInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_inflight",
			Help: "Permits currently held per provider (this process).",
		}, []string{"provider"}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usage_buffer_depth",
			Help: "Token-usage records waiting to be flushed.",
		}),
		BufferFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_buffer_flushes_total",
			Help: "Buffer flush attempts by outcome.",
		}, []string{"outcome"}),
		PaletteNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "palette_nodes_total",
			Help: "Palette nodes by provider and dedup outcome.",
		}, []string{"provider", "outcome"}),
		PaletteSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "palette_sessions_active",
			Help: "Palette sessions currently held in memory.",
		}),
		SMSSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sms_sends_total",
			Help: "SMS send attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.LLMRequests, m.LLMLatency, m.LLMTokens,
		m.RateLimitWait, m.RateLimitInFlight,
		m.BufferDepth, m.BufferFlushes,
		m.PaletteNodes, m.PaletteSessions,
		m.SMSSends,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request and warns when it was slow.
func (m *Metrics) ObserveRequest(route, status string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
	if elapsed > SlowRequestThreshold {
		slog.Warn("Slow request", "route", route, "status", status, "elapsed", elapsed)
	}
}
