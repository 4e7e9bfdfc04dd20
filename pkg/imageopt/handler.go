package imageopt

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/polisai/polis-routes/internal/governance"
	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/telemetry"
)

// Image request outcomes recorded in telemetry.
const (
	OutcomeServed   = "served"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Handler serves the image optimization endpoint.
type Handler struct {
	gate      *Gate
	optimizer Optimizer
	logger    *slog.Logger
}

// NewHandler creates an image handler.
func NewHandler(gate *Gate, optimizer Optimizer, logger *slog.Logger) *Handler {
	if gate == nil || optimizer == nil {
		panic("imageopt: gate and optimizer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gate: gate, optimizer: optimizer, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetDecision(ctx, telemetry.DecisionImage)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	req, err := h.gate.Parse(r.URL.Query(), r.Header.Get("Accept"))
	if err != nil {
		telemetry.RecordImageRequest(ctx, OutcomeRejected, "")
		h.logger.Debug("Image request rejected", "query", r.URL.RawQuery, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.optimizer.Optimize(ctx, req)
	if err != nil {
		status := statusFor(err)
		outcome := OutcomeRejected
		if status >= http.StatusInternalServerError {
			outcome = OutcomeFailed
			h.logger.Warn("Image fetch failed", "source", req.Source.Redacted(), "error", err)
		}
		telemetry.RecordImageRequest(ctx, outcome, req.Format)
		http.Error(w, err.Error(), status)
		return
	}

	telemetry.RecordImageRequest(ctx, OutcomeServed, result.ContentType)

	header := w.Header()
	header.Set("Content-Type", result.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(result.Body)))
	header.Set("Cache-Control", "public, max-age="+strconv.Itoa(req.TTL)+", must-revalidate")
	header.Add("Vary", "Accept")
	header.Set("Content-Security-Policy", "script-src 'none'; frame-src 'none'; sandbox;")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(result.Body)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, governance.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrImageRequest),
		errors.Is(err, domain.ErrHostNotAllowed),
		errors.Is(err, domain.ErrFormatNotAllowed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
