package distcache

import (
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/invalidation"
	"github.com/hyp3rd/distcache/pkg/protocol"
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the root logger; every component derives a tagged child from it.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock injects the clock shared by every component.
func WithClock(cl clock.Clock) Option {
	return func(c *Cache) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithTransport replaces the configured transport. A transport exposing
// Register(*protocol.Protocol), like transport.InProcess, gets the node's
// endpoint registered automatically.
func WithTransport(s protocol.Sender) Option {
	return func(c *Cache) { c.sender = s }
}

// WithPublisher broadcasts invalidations through p in addition to the peers.
func WithPublisher(p invalidation.Publisher) Option {
	return func(c *Cache) { c.publisher = p }
}
