package governance

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetryTransport_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	var retries []int
	client := &http.Client{Transport: NewRetryTransport(nil, fastRetry(3), func(_ *http.Request, attempt, status int, _ error) {
		retries = append(retries, attempt*1000+status)
	})}

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1502, 2502}, retries)
}

func TestRetryTransport_GivesUp(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(upstream.Close)

	client := &http.Client{Transport: NewRetryTransport(nil, fastRetry(2), nil)}
	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryTransport_SkipsNonIdempotent(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(upstream.Close)

	client := &http.Client{Transport: NewRetryTransport(nil, fastRetry(3), nil)}
	resp, err := client.Post(upstream.URL, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryTransport_DoesNotRetryOpenCircuit(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(upstream.Close)

	breaker := NewBreakerTransport(nil, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute}, nil)
	client := &http.Client{Transport: NewRetryTransport(breaker, fastRetry(5), nil)}

	_, err := client.Get(upstream.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryTransport_Backoff(t *testing.T) {
	rt := NewRetryTransport(nil, RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}, nil)

	assert.Equal(t, 100*time.Millisecond, rt.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, rt.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, rt.Backoff(3))
	assert.Equal(t, time.Second, rt.Backoff(10))
}
