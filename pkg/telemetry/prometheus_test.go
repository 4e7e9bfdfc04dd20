package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsMiddleware_RecordsDecision(t *testing.T) {
	m := NewMetrics()

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetDecision(r.Context(), DecisionRedirect)
		w.Header().Set("Location", "/products/widget")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/product/widget", nil))
	require.Equal(t, http.StatusPermanentRedirect, rec.Code)

	count := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, DecisionRedirect, "308"))
	assert.Equal(t, float64(1), count)
}

func TestMetricsMiddleware_DefaultsToPass(t *testing.T) {
	m := NewMetrics()

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/about-us", nil))

	count := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(http.MethodGet, DecisionPass, "200"))
	assert.Equal(t, float64(1), count)
}

func TestMetrics_HandlerExposesPolicyGauges(t *testing.T) {
	m := NewMetrics()
	m.SetPolicyRules(1, 1, 5, 2)
	m.RecordPolicyReload("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, `routes_policy_rules{kind="redirect"} 5`), body)
	assert.Contains(t, body, `routes_policy_reloads_total{status="success"} 1`)
}

func TestMetrics_CircuitState(t *testing.T) {
	m := NewMetrics()
	m.SetCircuitState("origin:3000", "open")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.circuitState.WithLabelValues("origin:3000", "open")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.circuitState.WithLabelValues("origin:3000", "closed")))

	m.SetCircuitState("origin:3000", "closed")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.circuitState.WithLabelValues("origin:3000", "open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.circuitState.WithLabelValues("origin:3000", "closed")))
}

func TestMetrics_RetriesAndCertReloads(t *testing.T) {
	m := NewMetrics()
	m.RecordUpstreamRetry("images.unsplash.com")
	m.RecordUpstreamRetry("images.unsplash.com")
	m.RecordCertificateReload("error")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.upstreamRetries.WithLabelValues("images.unsplash.com")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.certReloads.WithLabelValues("error")))
}

func TestSetDecision_OutsideMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() { SetDecision(req.Context(), DecisionRewrite) })
}
