package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/distcache"
	"github.com/hyp3rd/distcache/internal/telemetry/attrs"
)

// OTelTracingMiddleware wraps distcache.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   distcache.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// WithNodeID tags every span with the serving node.
func WithNodeID(id string) OTelTracingOption {
	return WithCommonAttributes(attribute.String(attrs.AttrNodeID, id))
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next distcache.Service, tracer trace.Tracer, opts ...OTelTracingOption) distcache.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// Set implements Service.Set with tracing.
func (mw OTelTracingMiddleware) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts ...distcache.CallOption) error {
	ctx, span := mw.startSpan(
		ctx, "distcache.Set",
		attribute.Int(attrs.AttrKeyLength, len(key)),
		attribute.Int(attrs.AttrValueSize, len(value)),
		attribute.Int64(attrs.AttrTTLMS, ttl.Milliseconds()),
		levelAttr(opts))
	defer span.End()

	err := mw.next.Set(ctx, key, value, ttl, opts...)
	endWithError(span, err)

	return err
}

// Get implements Service.Get with tracing.
func (mw OTelTracingMiddleware) Get(ctx context.Context, key string, opts ...distcache.CallOption) ([]byte, bool, error) {
	ctx, span := mw.startSpan(ctx, "distcache.Get", attribute.Int(attrs.AttrKeyLength, len(key)), levelAttr(opts))
	defer span.End()

	v, ok, err := mw.next.Get(ctx, key, opts...)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok), attribute.Int(attrs.AttrValueSize, len(v)))
	endWithError(span, err)

	return v, ok, err
}

// Delete implements Service.Delete with tracing.
func (mw OTelTracingMiddleware) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := mw.startSpan(ctx, "distcache.Delete", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	ok, err := mw.next.Delete(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))
	endWithError(span, err)

	return ok, err
}

// Invalidate implements Service.Invalidate with tracing.
func (mw OTelTracingMiddleware) Invalidate(ctx context.Context, key string) bool {
	ctx, span := mw.startSpan(ctx, "distcache.Invalidate", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	ok := mw.next.Invalidate(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))

	return ok
}

// InvalidatePrefix implements Service.InvalidatePrefix with tracing.
func (mw OTelTracingMiddleware) InvalidatePrefix(ctx context.Context, prefix string) int {
	ctx, span := mw.startSpan(ctx, "distcache.InvalidatePrefix", attribute.Int(attrs.AttrKeyLength, len(prefix)))
	defer span.End()

	n := mw.next.InvalidatePrefix(ctx, prefix)
	span.SetAttributes(attribute.Int(attrs.AttrRemovedCount, n))

	return n
}

// TTL implements Service.TTL with tracing.
func (mw OTelTracingMiddleware) TTL(ctx context.Context, key string) (time.Duration, bool) {
	ctx, span := mw.startSpan(ctx, "distcache.TTL", attribute.Int(attrs.AttrKeyLength, len(key)))
	defer span.End()

	d, ok := mw.next.TTL(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok), attribute.Int64(attrs.AttrTTLMS, d.Milliseconds()))

	return d, ok
}

// Touch implements Service.Touch with tracing.
func (mw OTelTracingMiddleware) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	ctx, span := mw.startSpan(ctx, "distcache.Touch",
		attribute.Int(attrs.AttrKeyLength, len(key)),
		attribute.Int64(attrs.AttrTTLMS, ttl.Milliseconds()))
	defer span.End()

	ok := mw.next.Touch(ctx, key, ttl)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))

	return ok
}

// Stop stops the service with a span.
func (mw OTelTracingMiddleware) Stop(ctx context.Context) error {
	ctx, span := mw.startSpan(ctx, "distcache.Stop")
	defer span.End()

	err := mw.next.Stop(ctx)
	endWithError(span, err)

	return err
}

// startSpan starts a span with common and provided attributes.
func (mw OTelTracingMiddleware) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func endWithError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetAttributes(attribute.Bool(attrs.AttrDegraded, degraded(err)))
	span.SetStatus(codes.Error, err.Error())
}
