package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/polisai/polis-routes/internal/governance"
	"github.com/polisai/polis-routes/pkg/domain"
)

// UpstreamProxy forwards requests to the site origin, or to the absolute
// destination of an external rewrite.
type UpstreamProxy struct {
	origin *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewUpstreamProxy creates a proxy for origin. A nil transport selects
// http.DefaultTransport.
func NewUpstreamProxy(origin *url.URL, transport http.RoundTripper, logger *slog.Logger) *UpstreamProxy {
	if origin == nil {
		panic("engine: upstream origin is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	u := &UpstreamProxy{origin: origin, logger: logger}
	u.proxy = &httputil.ReverseProxy{
		Rewrite:        u.rewrite,
		Transport:      transport,
		ModifyResponse: u.modifyResponse,
		ErrorHandler:   u.errorHandler,
		FlushInterval:  100 * time.Millisecond,
	}
	return u
}

// ServeHTTP implements http.Handler. Policy headers already set on w are
// cleared first; ReverseProxy adds the upstream headers with Header.Add, and
// modifyResponse puts the policy values back on the upstream response.
func (u *UpstreamProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, h := range policyHeadersFromContext(r.Context()) {
		w.Header().Del(h.Name)
	}
	u.proxy.ServeHTTP(w, r)
}

func (u *UpstreamProxy) rewrite(pr *httputil.ProxyRequest) {
	if target := externalRewriteFromContext(pr.In.Context()); target != nil {
		out := *target
		pr.Out.URL = &out
		pr.Out.Host = ""
	} else {
		pr.SetURL(u.origin)
		pr.Out.Host = pr.In.Host
	}
	pr.SetXForwarded()
}

// modifyResponse re-applies the policy headers so the origin cannot
// override them.
func (u *UpstreamProxy) modifyResponse(resp *http.Response) error {
	if resp.Request == nil {
		return nil
	}
	applyHeaders(resp.Header, policyHeadersFromContext(resp.Request.Context()))
	return nil
}

func (u *UpstreamProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, governance.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	applyHeaders(w.Header(), policyHeadersFromContext(r.Context()))
	u.logger.Error("Upstream request failed",
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", errors.Join(domain.ErrUpstreamFailed, err),
	)
	http.Error(w, http.StatusText(status), status)
}
