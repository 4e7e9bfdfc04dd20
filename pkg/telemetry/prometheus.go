package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision labels recorded for each data-plane request.
const (
	DecisionPass     = "pass"
	DecisionRedirect = "redirect"
	DecisionRewrite  = "rewrite"
	DecisionImage    = "image"
)

// Metrics holds the Prometheus metrics served on the admin listener.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	policyReloads       *prometheus.CounterVec
	policyRules         *prometheus.GaugeVec
	circuitState        *prometheus.GaugeVec
	upstreamRetries     *prometheus.CounterVec
	certReloads         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_http_requests_total",
				Help: "Total number of data-plane requests by policy decision and status",
			},
			[]string{"method", "decision", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routes_http_request_duration_seconds",
				Help:    "Data-plane request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"decision"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_policy_reloads_total",
				Help: "Total number of policy reload attempts by status",
			},
			[]string{"status"},
		),

		policyRules: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routes_policy_rules",
				Help: "Number of rules in the active policy by kind",
			},
			[]string{"kind"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routes_upstream_circuit_state",
				Help: "Circuit breaker state per upstream host (1 for the current state)",
			},
			[]string{"upstream", "state"},
		),

		upstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_upstream_retries_total",
				Help: "Total number of retried upstream requests",
			},
			[]string{"upstream"},
		),

		certReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routes_certificate_reloads_total",
				Help: "Total number of TLS certificate reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.policyReloads,
		m.policyRules,
		m.circuitState,
		m.upstreamRetries,
		m.certReloads,
	)

	return m
}

// RecordHTTPRequest records a data-plane request
func (m *Metrics) RecordHTTPRequest(method, decision string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, decision, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// RecordPolicyReload records a policy reload attempt
func (m *Metrics) RecordPolicyReload(status string) {
	m.policyReloads.WithLabelValues(status).Inc()
}

// SetPolicyRules publishes the size of the active policy.
func (m *Metrics) SetPolicyRules(headers, rewrites, redirects, imageHosts int) {
	m.policyRules.WithLabelValues("header").Set(float64(headers))
	m.policyRules.WithLabelValues("rewrite").Set(float64(rewrites))
	m.policyRules.WithLabelValues("redirect").Set(float64(redirects))
	m.policyRules.WithLabelValues("image_host").Set(float64(imageHosts))
}

// CircuitStates lists the values reported by SetCircuitState.
var CircuitStates = []string{"closed", "open", "half-open"}

// SetCircuitState marks state as current for upstream.
func (m *Metrics) SetCircuitState(upstream, state string) {
	for _, s := range CircuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.circuitState.WithLabelValues(upstream, s).Set(v)
	}
}

// RecordUpstreamRetry records a retried upstream request
func (m *Metrics) RecordUpstreamRetry(upstream string) {
	m.upstreamRetries.WithLabelValues(upstream).Inc()
}

// RecordCertificateReload records a certificate reload attempt
func (m *Metrics) RecordCertificateReload(status string) {
	m.certReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type decisionKey struct{}

type decisionSlot struct {
	decision string
}

// SetDecision labels the current request with the policy decision taken for
// it. It is a no-op outside MetricsMiddleware.
func SetDecision(ctx context.Context, decision string) {
	if slot, ok := ctx.Value(decisionKey{}).(*decisionSlot); ok {
		slot.decision = decision
	}
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		slot := &decisionSlot{decision: DecisionPass}
		r = r.WithContext(context.WithValue(r.Context(), decisionKey{}, slot))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, slot.decision, wrapped.statusCode, time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
