package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/telemetry"
)

type policyHeadersKey struct{}

type externalRewriteKey struct{}

// RoutePolicyMiddleware applies the active route policy ahead of normal
// request handling: headers first, then a redirect or a rewrite.
type RoutePolicyMiddleware struct {
	holder *PolicyHolder
	logger *slog.Logger
}

// NewRoutePolicyMiddleware creates the middleware.
func NewRoutePolicyMiddleware(holder *PolicyHolder, logger *slog.Logger) *RoutePolicyMiddleware {
	if holder == nil {
		panic("engine: policy holder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutePolicyMiddleware{holder: holder, logger: logger}
}

// Wrap wraps next with route policy evaluation.
func (m *RoutePolicyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		table := m.holder.Current()
		path := r.URL.EscapedPath()
		ctx := r.Context()

		headers := table.HeadersFor(path)
		applyHeaders(w.Header(), headers)
		telemetry.RecordHeadersApplied(ctx, len(headers))
		ctx = context.WithValue(ctx, policyHeadersKey{}, headers)

		if redirect, ok := table.RedirectFor(path); ok {
			m.redirect(w, r.WithContext(ctx), redirect)
			return
		}

		if dest, ok := table.RewriteFor(path); ok {
			rewritten, err := rewriteRequest(r.WithContext(ctx), dest)
			if err != nil {
				m.logger.Error("Invalid rewrite destination",
					"path", path,
					"destination", dest,
					"request_id", RequestIDFromContext(ctx),
					"error", err,
				)
				http.Error(w, "invalid rewrite destination", http.StatusInternalServerError)
				return
			}
			telemetry.SetDecision(ctx, telemetry.DecisionRewrite)
			telemetry.RecordRewrite(ctx, dest)
			m.logger.Debug("Request rewritten",
				"path", path,
				"destination", dest,
				"request_id", RequestIDFromContext(ctx),
			)
			next.ServeHTTP(w, rewritten)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *RoutePolicyMiddleware) redirect(w http.ResponseWriter, r *http.Request, redirect domain.Redirect) {
	ctx := r.Context()
	location := mergeQuery(redirect.Destination, r.URL.RawQuery)

	telemetry.SetDecision(ctx, telemetry.DecisionRedirect)
	telemetry.RecordRedirect(ctx, telemetry.RedirectEvent{
		Rule:       redirect.Rule,
		StatusCode: redirect.StatusCode,
		Permanent:  redirect.Permanent,
	})
	m.logger.Debug("Redirect issued",
		"path", r.URL.EscapedPath(),
		"location", location,
		"status", redirect.StatusCode,
		"rule", redirect.Rule,
		"request_id", RequestIDFromContext(ctx),
	)

	w.Header().Set("Location", location)
	if redirect.StatusCode == http.StatusPermanentRedirect {
		// Clients without 308 support fall back to the refresh directive.
		w.Header().Set("Refresh", "0;url="+location)
	}
	w.WriteHeader(redirect.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(location))
	}
}

// rewriteRequest returns a shallow clone of r serving dest instead of the
// original path. Query parameters set by dest take precedence over the
// client's. An absolute dest is recorded for the upstream proxy.
func rewriteRequest(r *http.Request, dest string) (*http.Request, error) {
	target, err := url.Parse(mergeQuery(dest, r.URL.RawQuery))
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if target.IsAbs() {
		ctx = context.WithValue(ctx, externalRewriteKey{}, target)
	}

	out := r.Clone(ctx)
	if !target.IsAbs() {
		out.URL.Path = target.Path
		out.URL.RawPath = target.RawPath
		out.URL.RawQuery = target.RawQuery
		out.RequestURI = target.RequestURI()
	}
	return out, nil
}

// mergeQuery appends the client's query parameters to dest, skipping keys
// that dest already sets.
func mergeQuery(dest, rawQuery string) string {
	if rawQuery == "" {
		return dest
	}
	incoming, err := url.ParseQuery(rawQuery)
	if err != nil || len(incoming) == 0 {
		return dest
	}

	base, existing, hasQuery := strings.Cut(dest, "?")
	if !hasQuery || existing == "" {
		return base + "?" + incoming.Encode()
	}

	set, err := url.ParseQuery(existing)
	if err != nil {
		return dest
	}
	extra := url.Values{}
	for key, values := range incoming {
		if _, ok := set[key]; !ok {
			extra[key] = values
		}
	}
	if len(extra) == 0 {
		return dest
	}
	return dest + "&" + extra.Encode()
}

func applyHeaders(h http.Header, headers []domain.Header) {
	for _, header := range headers {
		h.Set(header.Name, header.Value)
	}
}

func policyHeadersFromContext(ctx context.Context) []domain.Header {
	headers, _ := ctx.Value(policyHeadersKey{}).([]domain.Header)
	return headers
}

func externalRewriteFromContext(ctx context.Context) *url.URL {
	target, _ := ctx.Value(externalRewriteKey{}).(*url.URL)
	return target
}
