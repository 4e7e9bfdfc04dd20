package governance

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// idempotentMethods lists HTTP methods that are safe to retry.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// RetryConfig defines retry behaviour for upstream requests.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each retry.
	Multiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
	// RetryableStatus lists response codes worth another attempt.
	RetryableStatus map[int]bool
}

// DefaultRetryConfig returns the defaults used for image fetches.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		RetryableStatus: map[int]bool{
			http.StatusRequestTimeout:     true,
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}
}

// RetryFunc observes each retry before its backoff.
type RetryFunc func(req *http.Request, attempt int, statusCode int, err error)

// RetryTransport retries idempotent requests without a body.
type RetryTransport struct {
	next    http.RoundTripper
	cfg     RetryConfig
	onRetry RetryFunc
}

// NewRetryTransport wraps next. A nil next selects http.DefaultTransport.
func NewRetryTransport(next http.RoundTripper, cfg RetryConfig, onRetry RetryFunc) *RetryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RetryableStatus == nil {
		cfg.RetryableStatus = def.RetryableStatus
	}
	return &RetryTransport{next: next, cfg: cfg, onRetry: onRetry}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotentMethods[req.Method] || (req.Body != nil && req.Body != http.NoBody) {
		return t.next.RoundTrip(req)
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req)
		if !t.shouldRetry(resp, err, attempt) {
			return resp, err
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
		}
		if t.onRetry != nil {
			t.onRetry(req, attempt+1, status, err)
		}

		timer := time.NewTimer(t.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *RetryTransport) shouldRetry(resp *http.Response, err error, attempt int) bool {
	if attempt >= t.cfg.MaxRetries {
		return false
	}
	if err != nil {
		return !errors.Is(err, ErrCircuitOpen) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}
	return t.cfg.RetryableStatus[resp.StatusCode]
}

// Backoff returns the delay before retry number attempt+1.
func (t *RetryTransport) Backoff(attempt int) time.Duration {
	backoff := time.Duration(float64(t.cfg.InitialBackoff) * math.Pow(t.cfg.Multiplier, float64(attempt)))
	if backoff > t.cfg.MaxBackoff {
		backoff = t.cfg.MaxBackoff
	}
	if t.cfg.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}
