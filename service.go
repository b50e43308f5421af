package distcache

import (
	"context"
	"maps"
	"time"

	"github.com/hyp3rd/distcache/pkg/consistency"
)

// Service is the client facing API of a cache node.
// It enables middleware to be added to the service.
type Service interface {
	// Set stores value under key for ttl (zero means the default ttl).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts ...CallOption) error
	// Get reads key. A degraded read returns the best known value together with the error.
	Get(ctx context.Context, key string, opts ...CallOption) ([]byte, bool, error)
	// Delete removes key locally and from its replicas.
	Delete(ctx context.Context, key string) (bool, error)
	// Invalidate removes key locally and on every peer.
	Invalidate(ctx context.Context, key string) bool
	// InvalidatePrefix invalidates every local key starting with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) int
	// TTL returns the time left before key expires.
	TTL(ctx context.Context, key string) (time.Duration, bool)
	// Touch moves the expiry of key to now+ttl.
	Touch(ctx context.Context, key string, ttl time.Duration) bool
	// Stop stops the background loops and releases resources.
	Stop(ctx context.Context) error
}

// Middleware describes a service middleware.
type Middleware func(Service) Service

// ApplyMiddleware applies middlewares to a service.
func ApplyMiddleware(svc Service, mw ...Middleware) Service {
	for _, m := range mw {
		svc = m(svc)
	}

	return svc
}

// CallOptions are the per-call settings resolved from CallOption values.
type CallOptions struct {
	Level    consistency.Level
	LevelSet bool
	Metadata map[string]string
}

// CallOption customizes a single Set or Get.
type CallOption func(*CallOptions)

// WithLevel overrides the default consistency level.
func WithLevel(l consistency.Level) CallOption {
	return func(o *CallOptions) {
		o.Level = l
		o.LevelSet = true
	}
}

// WithMetadata attaches metadata to a written entry.
func WithMetadata(md map[string]string) CallOption {
	return func(o *CallOptions) { o.Metadata = maps.Clone(md) }
}

// ResolveCallOptions applies opts over the zero CallOptions.
func ResolveCallOptions(opts ...CallOption) CallOptions {
	var o CallOptions
	for _, fn := range opts {
		fn(&o)
	}

	return o
}
