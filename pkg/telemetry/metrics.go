package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	redirectCounter       metric.Int64Counter
	rewriteCounter        metric.Int64Counter
	imageRequestCounter   metric.Int64Counter
	headersAppliedCounter metric.Int64Counter
)

// RedirectEvent describes one redirect issued by the route policy.
type RedirectEvent struct {
	Rule       int
	StatusCode int
	Permanent  bool
}

// RecordRedirect counts a redirect and attaches it to the active span.
func RecordRedirect(ctx context.Context, ev RedirectEvent) {
	attrs := []attribute.KeyValue{
		attribute.Int("route.rule", ev.Rule),
		attribute.Int("http.response.status_code", ev.StatusCode),
		attribute.Bool("route.permanent", ev.Permanent),
	}
	addSpanEvent(ctx, "route.redirect", attrs)

	if err := ensureMetrics(); err != nil {
		return
	}
	redirectCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRewrite counts an internal rewrite.
func RecordRewrite(ctx context.Context, destination string) {
	attrs := []attribute.KeyValue{attribute.String("route.destination", destination)}
	addSpanEvent(ctx, "route.rewrite", attrs)

	if err := ensureMetrics(); err != nil {
		return
	}
	rewriteCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHeadersApplied counts responses that received policy headers.
func RecordHeadersApplied(ctx context.Context, count int) {
	if count == 0 {
		return
	}
	if err := ensureMetrics(); err != nil {
		return
	}
	headersAppliedCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("route.headers.count", count)))
}

// RecordImageRequest counts an image endpoint request by outcome
// ("served", "rejected", "failed") and negotiated format.
func RecordImageRequest(ctx context.Context, outcome, format string) {
	attrs := []attribute.KeyValue{
		attribute.String("image.outcome", outcome),
		attribute.String("image.format", format),
	}
	addSpanEvent(ctx, "image.request", attrs)

	if err := ensureMetrics(); err != nil {
		return
	}
	imageRequestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func addSpanEvent(ctx context.Context, name string, attrs []attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("routes.policy")

		redirectCounter, metricsInitErr = meter.Int64Counter(
			"routes.redirects_total",
			metric.WithDescription("Redirects issued partitioned by rule and status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rewriteCounter, metricsInitErr = meter.Int64Counter(
			"routes.rewrites_total",
			metric.WithDescription("Requests served from a rewritten path"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		headersAppliedCounter, metricsInitErr = meter.Int64Counter(
			"routes.headers_applied_total",
			metric.WithDescription("Responses that received policy headers"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		imageRequestCounter, metricsInitErr = meter.Int64Counter(
			"routes.image.requests_total",
			metric.WithDescription("Image endpoint requests partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
