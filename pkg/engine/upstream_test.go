package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/polisai/polis-routes/internal/governance"
	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestUpstreamProxy_ForwardsAndReappliesHeaders(t *testing.T) {
	var gotPath, gotHost, gotForwarded string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotHost = r.Host
		gotForwarded = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte("<urlset/>"))
	}))
	t.Cleanup(origin.Close)

	proxy := NewUpstreamProxy(mustParse(t, origin.URL), nil, nil)
	handler := NewRoutePolicyMiddleware(NewPolicyHolder(policy.Default()), nil).Wrap(proxy)

	req := httptest.NewRequest(http.MethodGet, "http://shop.example/sitemap.xml?v=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<urlset/>", rec.Body.String())
	assert.Equal(t, "/api/sitemap?v=1", gotPath)
	assert.Equal(t, "shop.example", gotHost)
	assert.Equal(t, "shop.example", gotForwarded)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
}

func TestUpstreamProxy_PolicyHeadersSentOnce(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("about"))
	}))
	t.Cleanup(origin.Close)

	proxy := NewUpstreamProxy(mustParse(t, origin.URL), nil, nil)
	handler := NewRoutePolicyMiddleware(NewPolicyHolder(policy.Default()), nil).Wrap(proxy)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/about-us", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"DENY"}, rec.Header().Values("X-Frame-Options"))
	assert.Equal(t, []string{"nosniff"}, rec.Header().Values("X-Content-Type-Options"))
	assert.Equal(t, []string{"origin-when-cross-origin"}, rec.Header().Values("Referrer-Policy"))
	assert.Equal(t, []string{"no-store"}, rec.Header().Values("Cache-Control"))
}

func TestUpstreamProxy_ErrorKeepsPolicyHeaders(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL := mustParse(t, origin.URL)
	origin.Close()

	proxy := NewUpstreamProxy(originURL, nil, nil)
	handler := NewRoutePolicyMiddleware(NewPolicyHolder(policy.Default()), nil).Wrap(proxy)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/about-us", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []string{"DENY"}, rec.Header().Values("X-Frame-Options"))
}

func TestUpstreamProxy_ExternalRewrite(t *testing.T) {
	var gotPath string
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(external.Close)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("origin should not be called for an external rewrite")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(origin.Close)

	table := policy.MustNew(domain.PolicySet{
		Rewrites: []domain.RewriteRule{
			{Source: "/feed/:slug", Destination: external.URL + "/feeds/:slug"},
		},
	})
	proxy := NewUpstreamProxy(mustParse(t, origin.URL), nil, nil)
	handler := NewRoutePolicyMiddleware(NewPolicyHolder(table), nil).Wrap(proxy)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed/latest?n=5", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/feeds/latest?n=5", gotPath)
}

func TestUpstreamProxy_Unreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL := mustParse(t, origin.URL)
	origin.Close()

	proxy := NewUpstreamProxy(originURL, nil, nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUpstreamProxy_Timeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(origin.Close)

	proxy := NewUpstreamProxy(mustParse(t, origin.URL), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestUpstreamProxy_CircuitOpen(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(origin.Close)

	transport := governance.NewBreakerTransport(nil, governance.BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute}, nil)
	proxy := NewUpstreamProxy(mustParse(t, origin.URL), transport, nil)

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cart", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "origin errors pass through")

	rec = httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cart", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}
