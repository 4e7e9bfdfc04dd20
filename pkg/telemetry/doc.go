// Package telemetry wires OpenTelemetry tracing and meters plus the
// Prometheus registry served on the admin listener.
//
// It centralises trace provider setup and offers helpers that record route
// policy decisions (redirects, rewrites, image gate outcomes) as metrics and
// span events so operators can see which legacy URLs are still being hit.
package telemetry
