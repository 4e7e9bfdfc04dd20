package imageopt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/polisai/polis-routes/pkg/domain"
)

// Result is an image ready to be written to the client.
type Result struct {
	ContentType string
	Body        []byte
}

// Optimizer produces the image for a validated request.
type Optimizer interface {
	Optimize(ctx context.Context, req Request) (Result, error)
}

// maxRedirects caps the redirect hops followed for one fetch.
const maxRedirects = 3

// FetchOptimizer fetches the source image and returns it unchanged. Local
// sources are resolved against the site origin. Redirects are followed only
// to the origin or to sources the gate accepts.
type FetchOptimizer struct {
	client   *http.Client
	origin   *url.URL
	gate     *Gate
	maxBytes int64
}

// FetchOption configures a FetchOptimizer.
type FetchOption func(*FetchOptimizer)

// WithHTTPClient replaces the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *FetchOptimizer) {
		if client != nil {
			f.client = client
		}
	}
}

// WithGate lets redirects reach remote sources that gate accepts. Without a
// gate only redirects within the origin are followed.
func WithGate(gate *Gate) FetchOption {
	return func(f *FetchOptimizer) {
		f.gate = gate
	}
}

// WithMaxBytes caps the size of a fetched image.
func WithMaxBytes(n int64) FetchOption {
	return func(f *FetchOptimizer) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewFetchOptimizer creates a FetchOptimizer for origin with the given fetch
// timeout.
func NewFetchOptimizer(origin *url.URL, timeout time.Duration, opts ...FetchOption) *FetchOptimizer {
	if origin == nil {
		panic("imageopt: origin is required")
	}
	f := &FetchOptimizer{
		client:   &http.Client{Timeout: timeout},
		origin:   origin,
		maxBytes: 50 << 20,
	}
	for _, opt := range opts {
		opt(f)
	}
	client := *f.client
	client.CheckRedirect = f.checkRedirect
	f.client = &client
	return f
}

func (f *FetchOptimizer) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxRedirects {
		return fmt.Errorf("%w: more than %d redirects", domain.ErrUpstreamFailed, maxRedirects)
	}
	u := req.URL
	if strings.EqualFold(u.Scheme, f.origin.Scheme) && strings.EqualFold(u.Host, f.origin.Host) {
		return nil
	}
	if f.gate == nil {
		return fmt.Errorf("%w: redirect to %s", domain.ErrHostNotAllowed, u.Hostname())
	}
	if _, _, err := f.gate.Check(u.String()); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

// Optimize implements Optimizer.
func (f *FetchOptimizer) Optimize(ctx context.Context, req Request) (Result, error) {
	target := req.Source
	if req.Local {
		target = f.origin.ResolveReference(req.Source)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrImageRequest, err)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, domain.ErrHostNotAllowed) || errors.Is(err, domain.ErrFormatNotAllowed) {
			return Result{}, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
		}
		return Result{}, fmt.Errorf("%w: fetch %s: %w", domain.ErrUpstreamFailed, target.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: fetch %s: status %d", domain.ErrUpstreamFailed, target.Redacted(), resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return Result{}, fmt.Errorf("%w: source is not an image (%q)", domain.ErrFormatNotAllowed, contentType)
	}
	if mediaType == "image/svg+xml" && !req.AllowSVG {
		return Result{}, fmt.Errorf("%w: svg sources are disabled", domain.ErrFormatNotAllowed)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read %s: %v", domain.ErrUpstreamFailed, target.Redacted(), err)
	}
	if n > f.maxBytes {
		return Result{}, fmt.Errorf("%w: source exceeds %d bytes", domain.ErrImageRequest, f.maxBytes)
	}

	return Result{ContentType: mediaType, Body: buf.Bytes()}, nil
}
