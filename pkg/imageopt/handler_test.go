package imageopt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/polis-routes/internal/governance"
	"github.com/polisai/polis-routes/pkg/domain"
	"github.com/polisai/polis-routes/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type fakeOptimizer struct {
	result Result
	err    error
	got    Request
}

func (f *fakeOptimizer) Optimize(_ context.Context, req Request) (Result, error) {
	f.got = req
	return f.result, f.err
}

func TestHandler_Serves(t *testing.T) {
	opt := &fakeOptimizer{result: Result{ContentType: "image/png", Body: pngBytes}}
	h := NewHandler(defaultGate(), opt, nil)

	req := httptest.NewRequest(http.MethodGet, "/_next/image?url=%2Fhero.png&w=828&q=60", nil)
	req.Header.Set("Accept", "image/avif,image/webp")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngBytes, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=60, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "Accept", rec.Header().Get("Vary"))
	assert.Equal(t, 828, opt.got.Width)
	assert.Equal(t, 60, opt.got.Quality)
	assert.Equal(t, "image/avif", opt.got.Format)
}

func TestHandler_Head(t *testing.T) {
	opt := &fakeOptimizer{result: Result{ContentType: "image/png", Body: pngBytes}}
	h := NewHandler(defaultGate(), opt, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/_next/image?url=%2Fhero.png&w=828", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestHandler_Rejections(t *testing.T) {
	opt := &fakeOptimizer{result: Result{ContentType: "image/png", Body: pngBytes}}
	h := NewHandler(defaultGate(), opt, nil)

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"disallowed host", http.MethodGet, "/_next/image?url=https%3A%2F%2Fevil.example%2Fa.png&w=640", http.StatusBadRequest},
		{"bad width", http.MethodGet, "/_next/image?url=%2Fa.png&w=100", http.StatusBadRequest},
		{"bad method", http.MethodPost, "/_next/image?url=%2Fa.png&w=640", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandler_OptimizerErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.ErrUpstreamFailed, http.StatusBadGateway},
		{domain.ErrFormatNotAllowed, http.StatusBadRequest},
		{fmt.Errorf("%w: fetch: %w", domain.ErrUpstreamFailed, governance.ErrCircuitOpen), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewHandler(defaultGate(), &fakeOptimizer{err: tt.err}, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_next/image?url=%2Fa.png&w=640", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestFetchOptimizer(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hero.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBytes)
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html></html>")
		case "/logo.svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			_, _ = io.WriteString(w, "<svg/>")
		case "/large.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	f := NewFetchOptimizer(originURL, 2*time.Second, WithMaxBytes(32))

	local := func(p string) Request {
		return Request{Source: &url.URL{Path: p}, Local: true}
	}

	res, err := f.Optimize(context.Background(), local("/hero.png"))
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, pngBytes, res.Body)

	remote, err := url.Parse(origin.URL + "/hero.png")
	require.NoError(t, err)
	res, err = f.Optimize(context.Background(), Request{Source: remote})
	require.NoError(t, err)
	assert.Equal(t, pngBytes, res.Body)

	_, err = f.Optimize(context.Background(), local("/missing.png"))
	assert.ErrorIs(t, err, domain.ErrUpstreamFailed)

	_, err = f.Optimize(context.Background(), local("/page"))
	assert.ErrorIs(t, err, domain.ErrFormatNotAllowed)

	_, err = f.Optimize(context.Background(), local("/logo.svg"))
	assert.ErrorIs(t, err, domain.ErrFormatNotAllowed)

	svg := local("/logo.svg")
	svg.AllowSVG = true
	res, err = f.Optimize(context.Background(), svg)
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", res.ContentType)

	_, err = f.Optimize(context.Background(), local("/large.png"))
	assert.ErrorIs(t, err, domain.ErrImageRequest)
}

func TestHandler_EndToEndWithRemoteHost(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	t.Cleanup(source.Close)

	set := policy.BuiltinPolicySet()
	set.Images.AllowedHosts = append(set.Images.AllowedHosts, "127.0.0.1")
	gate := NewGate(staticSource{table: policy.MustNew(set)})

	origin, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	h := NewHandler(gate, NewFetchOptimizer(origin, time.Second), nil)

	target := "/_next/image?w=1080&url=" + url.QueryEscape(source.URL+"/photo.jpg")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestFetchOptimizer_Redirects(t *testing.T) {
	var fetched atomic.Bool
	private := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetched.Store(true)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(private.Close)
	_, port, err := net.SplitHostPort(private.Listener.Addr().String())
	require.NoError(t, err)
	privateURL := "http://localhost:" + port + "/x.png"

	allowed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/away.png":
			http.Redirect(w, r, privateURL, http.StatusFound)
		case "/moved.png":
			http.Redirect(w, r, "/x.png", http.StatusMovedPermanently)
		case "/loop.png":
			http.Redirect(w, r, "/loop.png", http.StatusFound)
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBytes)
		}
	}))
	t.Cleanup(allowed.Close)

	set := policy.BuiltinPolicySet()
	set.Images.AllowedHosts = []string{"127.0.0.1"}
	gate := NewGate(staticSource{table: policy.MustNew(set)})
	_, _, err = gate.Check(privateURL)
	require.ErrorIs(t, err, domain.ErrHostNotAllowed)

	origin, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	remote := func(raw string) Request {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return Request{Source: u}
	}

	tests := []struct {
		name string
		opts []FetchOption
		path string
		err  error
	}{
		{"gate rejects redirect target", []FetchOption{WithGate(gate)}, "/away.png", domain.ErrHostNotAllowed},
		{"no gate refuses foreign redirect", nil, "/away.png", domain.ErrHostNotAllowed},
		{"redirect loop", []FetchOption{WithGate(gate)}, "/loop.png", domain.ErrUpstreamFailed},
		{"allowed redirect", []FetchOption{WithGate(gate)}, "/moved.png", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFetchOptimizer(origin, 2*time.Second, tt.opts...)
			res, err := f.Optimize(context.Background(), remote(allowed.URL+tt.path))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, pngBytes, res.Body)
		})
	}
	assert.False(t, fetched.Load(), "disallowed host must not be contacted")

	rec := httptest.NewRecorder()
	h := NewHandler(gate, NewFetchOptimizer(origin, 2*time.Second, WithGate(gate)), nil)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/_next/image?w=640&url="+url.QueryEscape(allowed.URL+"/away.png"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
