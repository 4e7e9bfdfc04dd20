package engine

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-routes/pkg/telemetry"
)

// DataHandlerConfig holds the dependencies of the data-plane handler.
type DataHandlerConfig struct {
	Holder *PolicyHolder
	Origin *url.URL
	// Transport is used for upstream requests; nil selects http.DefaultTransport.
	Transport http.RoundTripper
	// Images serves ImagePath. When nil, image requests go upstream.
	Images    http.Handler
	ImagePath string
	// Metrics is optional.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// NewDataHandler assembles the data-plane chain: tracing, metrics, request
// IDs, route policy, then either the image endpoint or the origin.
func NewDataHandler(cfg DataHandlerConfig) http.Handler {
	if cfg.Holder == nil {
		panic("engine: policy holder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upstream := NewUpstreamProxy(cfg.Origin, cfg.Transport, logger)

	var inner http.Handler = upstream
	if cfg.Images != nil && cfg.ImagePath != "" {
		imagePath := strings.TrimSuffix(cfg.ImagePath, "/")
		images := cfg.Images
		inner = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == imagePath {
				images.ServeHTTP(w, r)
				return
			}
			upstream.ServeHTTP(w, r)
		})
	}

	handler := NewRoutePolicyMiddleware(cfg.Holder, logger).Wrap(inner)
	handler = RequestIDMiddleware{}.Wrap(handler)
	if cfg.Metrics != nil {
		handler = cfg.Metrics.MetricsMiddleware(handler)
	}
	return otelhttp.NewHandler(handler, "routes.data")
}
