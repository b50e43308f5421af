// Package middleware provides distcache.Service decorators: structured call
// logging, OpenTelemetry metrics and OpenTelemetry tracing.
package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache"
)

// LoggingMiddleware logs every call and how long it took.
type LoggingMiddleware struct {
	next distcache.Service
	log  zerolog.Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next distcache.Service, log zerolog.Logger) distcache.Service {
	return &LoggingMiddleware{next: next, log: log}
}

// Logging adapts NewLoggingMiddleware to distcache.ApplyMiddleware.
func Logging(log zerolog.Logger) distcache.Middleware {
	return func(next distcache.Service) distcache.Service { return NewLoggingMiddleware(next, log) }
}

func (mw *LoggingMiddleware) done(method string, begin time.Time, err error) *zerolog.Event {
	ev := mw.log.Debug()
	if err != nil {
		ev = mw.log.Warn().Err(err)
	}

	return ev.Str("method", method).Dur("took", time.Since(begin))
}

// Set logs the call.
func (mw *LoggingMiddleware) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts ...distcache.CallOption) error {
	begin := time.Now()
	err := mw.next.Set(ctx, key, value, ttl, opts...)
	mw.done("Set", begin, err).Str("key", key).Int("size", len(value)).Dur("ttl", ttl).Msg("call")

	return err
}

// Get logs the call.
func (mw *LoggingMiddleware) Get(ctx context.Context, key string, opts ...distcache.CallOption) ([]byte, bool, error) {
	begin := time.Now()
	v, ok, err := mw.next.Get(ctx, key, opts...)
	mw.done("Get", begin, err).Str("key", key).Bool("hit", ok).Msg("call")

	return v, ok, err
}

// Delete logs the call.
func (mw *LoggingMiddleware) Delete(ctx context.Context, key string) (bool, error) {
	begin := time.Now()
	ok, err := mw.next.Delete(ctx, key)
	mw.done("Delete", begin, err).Str("key", key).Bool("removed", ok).Msg("call")

	return ok, err
}

// Invalidate logs the call.
func (mw *LoggingMiddleware) Invalidate(ctx context.Context, key string) bool {
	begin := time.Now()
	ok := mw.next.Invalidate(ctx, key)
	mw.done("Invalidate", begin, nil).Str("key", key).Bool("removed", ok).Msg("call")

	return ok
}

// InvalidatePrefix logs the call.
func (mw *LoggingMiddleware) InvalidatePrefix(ctx context.Context, prefix string) int {
	begin := time.Now()
	n := mw.next.InvalidatePrefix(ctx, prefix)
	mw.done("InvalidatePrefix", begin, nil).Str("prefix", prefix).Int("removed", n).Msg("call")

	return n
}

// TTL logs the call.
func (mw *LoggingMiddleware) TTL(ctx context.Context, key string) (time.Duration, bool) {
	begin := time.Now()
	d, ok := mw.next.TTL(ctx, key)
	mw.done("TTL", begin, nil).Str("key", key).Bool("found", ok).Msg("call")

	return d, ok
}

// Touch logs the call.
func (mw *LoggingMiddleware) Touch(ctx context.Context, key string, ttl time.Duration) bool {
	begin := time.Now()
	ok := mw.next.Touch(ctx, key, ttl)
	mw.done("Touch", begin, nil).Str("key", key).Dur("ttl", ttl).Bool("found", ok).Msg("call")

	return ok
}

// Stop logs the call.
func (mw *LoggingMiddleware) Stop(ctx context.Context) error {
	begin := time.Now()
	err := mw.next.Stop(ctx)
	mw.done("Stop", begin, err).Msg("call")

	return err
}
