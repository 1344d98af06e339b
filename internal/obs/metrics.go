// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "gatekeep"
	}
}

// Metrics provides Prometheus metrics collection for the gateway. A nil
// *Metrics is safe to call methods on — every recorder short-circuits —
// so callers never need to branch on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	guardrailChecks    *prometheus.CounterVec
	guardrailBlocks    *prometheus.CounterVec
	guardrailCheckDur  *prometheus.HistogramVec

	mcpSessionsActive *prometheus.GaugeVec
	mcpToolCalls      *prometheus.CounterVec

	explorerPushes *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance, or nil if cfg is nil/disabled.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "route", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of upstream LLM provider calls relayed",
		},
		[]string{"provider", "streaming"},
	)
	m.providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Upstream LLM provider call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 204s
		},
		[]string{"provider"},
	)
	m.providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Total number of upstream LLM provider transport errors",
		},
		[]string{"provider"},
	)

	m.guardrailChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "guardrails",
			Name:      "checks_total",
			Help:      "Total number of guardrails policy checks issued",
		},
		[]string{"phase"},
	)
	m.guardrailBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "guardrails",
			Name:      "blocks_total",
			Help:      "Total number of requests or responses blocked by guardrails",
		},
		[]string{"phase"},
	)
	m.guardrailCheckDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "guardrails",
			Name:      "check_duration_seconds",
			Help:      "Guardrails policy check call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to 20s
		},
		[]string{"phase"},
	)

	m.mcpSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "mcp",
			Name:      "sessions_active",
			Help:      "Number of currently tracked MCP sessions",
		},
		[]string{"transport"},
	)
	m.mcpToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total number of MCP tool calls intercepted",
		},
		[]string{"transport", "blocked"},
	)

	m.explorerPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "explorer",
			Name:      "pushes_total",
			Help:      "Total number of trace pushes/appends sent to Explorer",
		},
		[]string{"op", "outcome"},
	)

	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.providerCalls, m.providerDuration, m.providerErrors,
		m.guardrailChecks, m.guardrailBlocks, m.guardrailCheckDur,
		m.mcpSessionsActive, m.mcpToolCalls,
		m.explorerPushes,
	)
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusCodeLabel(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordProviderCall records a relayed upstream LLM provider call.
func (m *Metrics) RecordProviderCall(provider string, streaming bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, boolLabel(streaming)).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordProviderError records a transport-level failure reaching a provider.
func (m *Metrics) RecordProviderError(provider string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}

// RecordGuardrailCheck records one guardrails policy evaluation and whether
// it produced a new blocking violation.
func (m *Metrics) RecordGuardrailCheck(phase string, blocked bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.guardrailChecks.WithLabelValues(phase).Inc()
	m.guardrailCheckDur.WithLabelValues(phase).Observe(duration.Seconds())
	if blocked {
		m.guardrailBlocks.WithLabelValues(phase).Inc()
	}
}

// SetMCPSessionsActive sets the active session gauge for a transport.
func (m *Metrics) SetMCPSessionsActive(transport string, count int) {
	if m == nil {
		return
	}
	m.mcpSessionsActive.WithLabelValues(transport).Set(float64(count))
}

// RecordMCPToolCall records an intercepted MCP tool call and its outcome.
func (m *Metrics) RecordMCPToolCall(transport string, blocked bool) {
	if m == nil {
		return
	}
	m.mcpToolCalls.WithLabelValues(transport, boolLabel(blocked)).Inc()
}

// RecordExplorerPush records an Explorer push_trace/append_messages call.
func (m *Metrics) RecordExplorerPush(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.explorerPushes.WithLabelValues(op, outcome).Inc()
}

// Handler returns an HTTP handler for the Prometheus /metrics endpoint. A
// nil Metrics serves 503, so mounting it is always safe.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
