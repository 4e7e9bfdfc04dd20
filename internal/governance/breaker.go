package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a host's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the state of a circuit.
type State string

const (
	// StateClosed lets every request through.
	StateClosed State = "closed"
	// StateOpen rejects requests until the open timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen State = "half-open"
)

// BreakerConfig defines when a circuit opens and how it recovers.
type BreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive failures.
	// Zero disables the consecutive check.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of successful probes needed to close.
	HalfOpenProbes int
	// Window is the look-back period for the failure rate.
	Window time.Duration
	// Buckets is the number of slices the window is divided into.
	Buckets int
	// FailureRateThreshold is the failure percentage (0-100) within the
	// window that opens the circuit. Zero disables rate evaluation.
	FailureRateThreshold float64
	// MinSamples is the number of calls in the window before the failure
	// rate is considered.
	MinSamples int
}

// DefaultBreakerConfig returns the defaults used for the site origin.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          5,
		OpenTimeout:          30 * time.Second,
		HalfOpenProbes:       3,
		Window:               30 * time.Second,
		Buckets:              10,
		FailureRateThreshold: 50,
		MinSamples:           10,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.MaxFailures < 0 {
		c.MaxFailures = 0
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = def.HalfOpenProbes
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Buckets <= 0 {
		c.Buckets = def.Buckets
	}
	if c.FailureRateThreshold < 0 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	return c
}

// StateChangeFunc observes circuit transitions.
type StateChangeFunc func(name string, from, to State)

type bucket struct {
	start    time.Time
	requests int
	failures int
}

// Breaker is a single circuit.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	mu                   sync.Mutex
	state                State
	buckets              []bucket
	bucketDuration       time.Duration
	current              int
	consecutiveFailures  int
	consecutiveSuccesses int
	probes               int
	openUntil            time.Time
}

// NewBreaker creates a closed circuit.
func NewBreaker(name string, cfg BreakerConfig, onChange StateChangeFunc) *Breaker {
	cfg = cfg.normalized()
	bucketDuration := cfg.Window / time.Duration(cfg.Buckets)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}
	return &Breaker{
		name:           name,
		cfg:            cfg,
		onChange:       onChange,
		now:            time.Now,
		state:          StateClosed,
		buckets:        make([]bucket, cfg.Buckets),
		bucketDuration: bucketDuration,
	}
}

// Allow reports whether a request may proceed. Every allowed request must
// be followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probes++
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return ErrCircuitOpen
		}
		b.probes++
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed request.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotateLocked(now)
	cur := &b.buckets[b.current]
	cur.requests++
	if failed {
		cur.failures++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
	} else {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
	}

	switch b.state {
	case StateHalfOpen:
		if failed {
			b.transitionLocked(StateOpen)
		} else if b.consecutiveSuccesses >= b.cfg.HalfOpenProbes {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		if failed && b.cfg.MaxFailures > 0 && b.consecutiveFailures >= b.cfg.MaxFailures {
			b.transitionLocked(StateOpen)
			return
		}
		if b.cfg.FailureRateThreshold > 0 {
			requests, failures := b.windowLocked(now)
			if requests >= b.cfg.MinSamples &&
				float64(failures)/float64(requests)*100 >= b.cfg.FailureRateThreshold {
				b.transitionLocked(StateOpen)
			}
		}
	}
}

// Release returns the slot of an allowed request that ended without an
// outcome, such as one cancelled by the client.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) windowLocked(now time.Time) (requests, failures int) {
	for _, bk := range b.buckets {
		if bk.requests == 0 || now.Sub(bk.start) > b.cfg.Window {
			continue
		}
		requests += bk.requests
		failures += bk.failures
	}
	return requests, failures
}

func (b *Breaker) rotateLocked(now time.Time) {
	cur := &b.buckets[b.current]
	if cur.start.IsZero() {
		cur.start = now.Truncate(b.bucketDuration)
		return
	}
	steps := int(now.Sub(cur.start) / b.bucketDuration)
	if steps <= 0 {
		return
	}
	if steps > len(b.buckets) {
		steps = len(b.buckets)
	}
	start := cur.start
	for i := 0; i < steps; i++ {
		b.current = (b.current + 1) % len(b.buckets)
		start = start.Add(b.bucketDuration)
		b.buckets[b.current] = bucket{start: start}
	}
	if now.Sub(start) >= b.bucketDuration {
		b.buckets[b.current].start = now.Truncate(b.bucketDuration)
	}
}

func (b *Breaker) resetLocked() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.current = 0
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probes = 0

	switch to {
	case StateOpen:
		b.openUntil = b.now().Add(b.cfg.OpenTimeout)
		b.resetLocked()
	case StateHalfOpen:
		b.openUntil = time.Time{}
		b.resetLocked()
	case StateClosed:
		b.openUntil = time.Time{}
	}

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// BreakerTransport keeps one circuit per upstream host.
type BreakerTransport struct {
	next     http.RoundTripper
	cfg      BreakerConfig
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerTransport wraps next. A nil next selects http.DefaultTransport.
func NewBreakerTransport(next http.RoundTripper, cfg BreakerConfig, onChange StateChangeFunc) *BreakerTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &BreakerTransport{
		next:     next,
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// RoundTrip implements http.RoundTripper. Transport errors and 5xx
// responses count as failures; requests cancelled by the client do not.
func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := t.breaker(req.URL.Host)
	if err := b.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", req.URL.Host, err)
	}

	resp, err := t.next.RoundTrip(req)
	switch {
	case errors.Is(err, context.Canceled):
		b.Release()
	case err != nil:
		b.Record(true)
	default:
		b.Record(resp.StatusCode >= http.StatusInternalServerError)
	}
	return resp, err
}

// States returns the state of every host seen so far.
func (t *BreakerTransport) States() map[string]State {
	t.mu.Lock()
	breakers := make(map[string]*Breaker, len(t.breakers))
	for host, b := range t.breakers {
		breakers[host] = b
	}
	t.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for host, b := range breakers {
		states[host] = b.State()
	}
	return states
}

func (t *BreakerTransport) breaker(host string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[host]
	if !ok {
		b = NewBreaker(host, t.cfg, t.onChange)
		t.breakers[host] = b
	}
	return b
}
