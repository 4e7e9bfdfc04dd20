// Package engine applies a route policy table to live HTTP traffic.
//
// Architecture:
//
// holder.go       - PolicyHolder, the atomically swapped active policy table
// route_policy.go - RoutePolicyMiddleware (headers, redirects, rewrites)
// request_id.go   - RequestIDMiddleware (X-Request-ID assignment)
// upstream.go     - UpstreamProxy, the reverse proxy to the site origin
// handler.go      - NewDataHandler, which assembles the data-plane handler chain
//
// Every request first receives the policy headers, then either a redirect
// response, a rewritten path, or passes through untouched to the origin.
package engine
