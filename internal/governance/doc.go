// Package governance protects the site origin and remote image hosts from
// the front's own traffic when they degrade.
//
// BreakerTransport trips a per-host circuit after repeated failures so that
// requests fail fast with ErrCircuitOpen instead of piling up on a dead
// upstream. RetryTransport retries idempotent requests on transient errors
// with jittered exponential backoff.
package governance
