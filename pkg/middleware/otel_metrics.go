package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/distcache"
	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/internal/telemetry/attrs"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware struct {
	next  distcache.Service
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next distcache.Service, meter metric.Meter) (distcache.Service, error) {
	calls, err := meter.Int64Counter("distcache.calls")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	durations, err := meter.Float64Histogram("distcache.duration.ms")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return &OTelMetricsMiddleware{next: next, meter: meter, calls: calls, durations: durations}, nil
}

// levelAttr describes the consistency level requested through opts.
func levelAttr(opts []distcache.CallOption) attribute.KeyValue {
	o := distcache.ResolveCallOptions(opts...)
	if !o.LevelSet {
		return attribute.String(attrs.AttrConsistencyLevel, "default")
	}

	return attribute.String(attrs.AttrConsistencyLevel, o.Level.String())
}

func degraded(err error) bool {
	return errors.Is(err, sentinel.ErrDegradedRead) || errors.Is(err, sentinel.ErrQuorumNotMet)
}

// Set implements Service.Set with metrics.
func (mw *OTelMetricsMiddleware) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts ...distcache.CallOption) error {
	start := time.Now()
	err := mw.next.Set(ctx, key, value, ttl, opts...)
	mw.rec(ctx, "Set", start,
		attribute.Int(attrs.AttrKeyLength, len(key)),
		levelAttr(opts),
		attribute.Bool(attrs.AttrDegraded, degraded(err)))

	return err
}

// Get implements Service.Get with metrics.
func (mw *OTelMetricsMiddleware) Get(ctx context.Context, key string, opts ...distcache.CallOption) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := mw.next.Get(ctx, key, opts...)
	mw.rec(ctx, "Get", start,
		attribute.Int(attrs.AttrKeyLength, len(key)),
		levelAttr(opts),
		attribute.Bool(attrs.AttrHit, ok),
		attribute.Bool(attrs.AttrDegraded, degraded(err)))

	return v, ok, err
}

// Delete implements Service.Delete with metrics.
func (mw *OTelMetricsMiddleware) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := mw.next.Delete(ctx, key)
	mw.rec(ctx, "Delete", start, attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Bool(attrs.AttrDegraded, degraded(err)))

	return ok, err
}

// Invalidate implements Service.Invalidate with metrics.
func (mw *OTelMetricsMiddleware) Invalidate(ctx context.Context, key string) bool {
	start := time.Now()
	ok := mw.next.Invalidate(ctx, key)
	mw.rec(ctx, "Invalidate", start, attribute.Int(attrs.AttrKeyLength, len(key)), attribute.Bool(attrs.AttrHit, ok))

	return ok
}

// InvalidatePrefix implements Service.InvalidatePrefix with metrics.
func (mw *OTelMetricsMiddleware) InvalidatePrefix(ctx context.Context, prefix string) int {
	start := time.Now()
	n := mw.next.InvalidatePrefix(ctx, prefix)
	mw.rec(ctx, "InvalidatePrefix", start, attribute.Int(attrs.AttrRemovedCount, n))

	return n
}

// TTL implements Service.TTL with metrics.
func (mw *OTelMetricsMiddleware) TTL(ctx context.Context, key string) (time.Duration, bool) {
	start := time.Now()
	d, ok := mw.next.TTL(ctx, key)
	mw.rec(ctx, "TTL", start, attribute.Bool(attrs.AttrHit, ok))

	return d, ok
}

// Touch implements Service.Touch with metrics.
func (mw *OTelMetricsMiddleware) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	start := time.Now()
	ok := mw.next.Touch(ctx, key, ttl)
	mw.rec(ctx, "Touch", start, attribute.Int64(attrs.AttrTTLMS, ttl.Milliseconds()), attribute.Bool(attrs.AttrHit, ok))

	return ok
}

// Stop stops the underlying service.
func (mw *OTelMetricsMiddleware) Stop(ctx context.Context) error { return mw.next.Stop(ctx) }

// rec records call count and duration with attributes.
func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, attributes ...attribute.KeyValue) {
	base := []attribute.KeyValue{attribute.String(attrs.AttrMethod, method)}
	if len(attributes) > 0 {
		base = append(base, attributes...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(base...))
}
