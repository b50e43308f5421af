// Package distcache assembles a distributed cache node: a consistent hash
// ring, a TTL-aware local store, peer replication with tunable consistency
// and cluster-wide invalidation.
package distcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/logging"
	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/config"
	"github.com/hyp3rd/distcache/pkg/consistency"
	"github.com/hyp3rd/distcache/pkg/invalidation"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/replication"
	"github.com/hyp3rd/distcache/pkg/storage"
	"github.com/hyp3rd/distcache/pkg/transport"
	"github.com/hyp3rd/distcache/pkg/ttl"
)

const stopJoinTimeout = 5 * time.Second

// registrar is implemented by transports that dispatch to local endpoints.
type registrar interface {
	Register(p *protocol.Protocol)
}

// Cache is one node of the distributed cache.
type Cache struct {
	cfg   config.Config
	log   zerolog.Logger
	clock clock.Clock

	node    *cluster.Node
	ring    *cluster.Ring
	store   *storage.Storage
	ttl     *ttl.Manager
	proto   *protocol.Protocol
	repl    *replication.Manager
	checker *consistency.Checker
	inv     *invalidation.Manager

	sender     protocol.Sender
	publisher  invalidation.Publisher
	httpServer *transport.HTTPServer
	bus        *invalidation.RedisBus
	redis      redis.UniversalClient

	mu             sync.Mutex
	cancel         context.CancelFunc
	loops          sync.WaitGroup
	closed         bool
	pendingAdded   []cluster.NodeID
	pendingRemoved []cluster.NodeID
}

var _ Service = (*Cache)(nil)

// New validates cfg and wires every component of a node. Background loops
// are not running until Start.
func New(cfg config.Config, opts ...Option) (*Cache, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	c := &Cache{cfg: cfg, log: zerolog.Nop(), clock: clock.System{}}
	for _, opt := range opts {
		opt(c)
	}

	c.node = cluster.NewNode(cluster.Config{
		NodeID:             cfg.Node.ID,
		Host:               cfg.Node.Host,
		Port:               cfg.Node.Port,
		HeartbeatInterval:  cfg.Node.HeartbeatInterval,
		HealthCheckTimeout: cfg.Node.HealthCheckTimeout,
		ReplicationFactor:  cfg.Cluster.ReplicationFactor,
		EnableReplication:  cfg.Cluster.EnableReplication,
	}, cluster.WithNodeClock(c.clock), cluster.WithNodeLogger(c.log.With().Str("component", "node").Logger()))

	err = c.node.Validate()
	if err != nil {
		return nil, err
	}

	for k, v := range cfg.Node.Metadata {
		c.node.SetMetadata(k, v)
	}

	c.ring = cluster.NewRing(
		cluster.WithVirtualNodes(cfg.Cluster.VirtualNodes),
		cluster.WithRingLogger(c.component("ring")),
	)
	c.ring.AddNode(c.node)

	for _, p := range cfg.Cluster.Peers {
		peer := c.newPeer(p)
		if peer.ID() == c.node.ID() {
			continue
		}

		c.node.AddPeer(peer)
		c.ring.AddNode(peer)
	}

	c.store = storage.New(storage.WithClock(c.clock), storage.WithLogger(c.component("storage")))
	c.ttl = ttl.NewManager(c.store,
		ttl.WithDefaultTTL(cfg.TTL.Default),
		ttl.WithClock(c.clock),
		ttl.WithLogger(c.component("ttl")),
	)

	err = c.buildTransport()
	if err != nil {
		return nil, err
	}

	c.repl = replication.NewManager(c.node, c.ring, c.store, c.proto,
		replication.WithClock(c.clock),
		replication.WithLogger(c.component("replication")),
	)
	c.checker = consistency.NewChecker(c.node, c.store, c.repl, c.proto,
		consistency.WithClock(c.clock),
		consistency.WithLogger(c.component("consistency")),
		consistency.WithSampleSize(cfg.Consistency.SampleSize),
		consistency.WithSkewTolerance(cfg.Consistency.SkewTolerance),
		consistency.WithRepairRate(cfg.Consistency.RepairRate, cfg.Consistency.RepairBurst),
	)

	err = c.buildInvalidation()
	if err != nil {
		return nil, err
	}

	c.repl.RegisterHandlers(c.proto)
	c.inv.RegisterHandlers(c.proto)
	c.proto.RegisterHandler(protocol.TypeHeartbeat, c.handleHeartbeat)

	if r, ok := c.sender.(registrar); ok {
		r.Register(c.proto)
	}

	c.log.Info().
		Str("node", string(c.node.ID())).
		Str("addr", c.node.Address()).
		Int("peers", len(c.node.Peers())).
		Int("replication_factor", cfg.Cluster.ReplicationFactor).
		Str("default_level", cfg.Consistency.DefaultLevel.String()).
		Msg("cache node initialized")

	return c, nil
}

func (c *Cache) component(name string) zerolog.Logger {
	id := c.cfg.Node.ID
	if c.node != nil {
		id = string(c.node.ID())
	}

	return logging.Component(c.log, name, id)
}

func (c *Cache) newPeer(p config.PeerConfig) *cluster.Node {
	return cluster.NewNode(cluster.Config{
		NodeID:             p.ID,
		Host:               p.Host,
		Port:               p.Port,
		HeartbeatInterval:  c.cfg.Node.HeartbeatInterval,
		HealthCheckTimeout: c.cfg.Node.HealthCheckTimeout,
		ReplicationFactor:  c.cfg.Cluster.ReplicationFactor,
		EnableReplication:  c.cfg.Cluster.EnableReplication,
	}, cluster.WithNodeClock(c.clock), cluster.WithNodeLogger(c.component("peer")))
}

func (c *Cache) buildTransport() error {
	protoOpts := []protocol.Option{
		protocol.WithTimeout(c.cfg.Transport.Timeout),
		protocol.WithClock(c.clock),
		protocol.WithLogger(c.component("protocol")),
	}

	if c.sender != nil {
		c.proto = protocol.New(c.node, c.sender, protoOpts...)

		return nil
	}

	codec, err := protocol.NewCodec(c.cfg.Transport.Serializer)
	if err != nil {
		return err
	}

	switch c.cfg.Transport.Kind {
	case config.TransportInProcess:
		c.sender = transport.NewInProcess(transport.WithCodec(codec))
		c.proto = protocol.New(c.node, c.sender, protoOpts...)
	default:
		c.sender = transport.NewHTTPClient(c.cfg.Transport.Timeout, codec, nil)
		c.proto = protocol.New(c.node, c.sender, protoOpts...)
		c.httpServer = transport.NewHTTPServer(c.node.Address(), c.proto, codec, c.component("transport"))
	}

	return nil
}

func (c *Cache) buildInvalidation() error {
	c.inv = invalidation.NewManager(c.node, c.store, c.proto, invalidation.WithLogger(c.component("invalidation")))

	if c.cfg.Invalidation.RedisAddr != "" {
		channel := c.cfg.Invalidation.Channel
		if channel == "" {
			channel = invalidation.DefaultChannel
		}

		c.redis = redis.NewClient(&redis.Options{Addr: c.cfg.Invalidation.RedisAddr})

		bus, err := invalidation.NewRedisBus(c.redis, channel, string(c.node.ID()), c.component("invalidation-bus"))
		if err != nil {
			return err
		}

		c.bus = bus
		if c.publisher == nil {
			c.publisher = bus
		}
	}

	if c.publisher != nil {
		c.inv.SetPublisher(c.publisher)
	}

	return nil
}

// Node returns the local node.
func (c *Cache) Node() *cluster.Node { return c.node }

// Ring returns the hash ring shared by every component.
func (c *Cache) Ring() *cluster.Ring { return c.ring }

// Storage returns the local store.
func (c *Cache) Storage() *storage.Storage { return c.store }

// Invalidation returns the invalidation manager, mostly to register callbacks.
func (c *Cache) Invalidation() *invalidation.Manager { return c.inv }

// TransportAddress returns the bound address of the HTTP transport, empty
// for other transports or before Start.
func (c *Cache) TransportAddress() string {
	if c.httpServer == nil {
		return ""
	}

	return c.httpServer.Address()
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return sentinel.ErrInvalidKey
	}

	return nil
}

func (c *Cache) level(o CallOptions) consistency.Level {
	if o.LevelSet {
		return o.Level
	}

	return c.cfg.Consistency.DefaultLevel
}

// Set stores value under key and replicates it at the requested level.
// When the level is not met the local write is kept and an error wrapping
// sentinel.ErrQuorumNotMet is returned.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts ...CallOption) error {
	err := validKey(key)
	if err != nil {
		return err
	}

	if value == nil {
		return sentinel.ErrNilValue
	}

	if ttl < 0 {
		return sentinel.ErrInvalidTTL
	}

	o := ResolveCallOptions(opts...)

	_, err = c.checker.WriteWithConsistency(ctx, key, value, c.ttl.ExpiryFor(ttl), o.Metadata, c.level(o))

	return err
}

// Get reads key at the requested level. A degraded read returns the best
// known value along with an error wrapping sentinel.ErrDegradedRead.
func (c *Cache) Get(ctx context.Context, key string, opts ...CallOption) ([]byte, bool, error) {
	err := validKey(key)
	if err != nil {
		return nil, false, err
	}

	o := ResolveCallOptions(opts...)

	res, err := c.checker.ReadWithConsistency(ctx, key, c.level(o))
	if !res.Found {
		return nil, false, err
	}

	return res.Value, true, err
}

// Delete removes key locally and from its replicas. The local removal is
// reported even when some replica did not acknowledge.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	err := validKey(key)
	if err != nil {
		return false, err
	}

	removed := c.store.Delete(key)

	if !c.repl.ReplicateDelete(ctx, key) {
		return removed, ewrap.Wrapf(sentinel.ErrQuorumNotMet, "delete %q not acknowledged by every replica", key)
	}

	return removed, nil
}

// Invalidate removes key locally and asks every peer to drop it.
func (c *Cache) Invalidate(ctx context.Context, key string) bool {
	return c.inv.InvalidateKey(ctx, key, true)
}

// InvalidatePrefix invalidates every local key starting with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) int {
	return c.inv.InvalidatePattern(ctx, prefix)
}

// TTL returns the remaining lifetime of key.
func (c *Cache) TTL(_ context.Context, key string) (time.Duration, bool) {
	return c.ttl.GetTTL(key)
}

// Touch extends the expiry of key and pushes the refreshed entry to the replicas.
func (c *Cache) Touch(_ context.Context, key string, ttl time.Duration) bool {
	if !c.ttl.RefreshTTL(key, ttl) {
		return false
	}

	e, ok := c.store.GetEntry(key)
	if ok {
		c.repl.ReplicateAsync(e)
	}

	return true
}

// Start runs the transport server, the TTL sweep, the consistency audit,
// the heartbeat loop and, when configured, the invalidation bus.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return sentinel.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	if c.httpServer != nil {
		err := c.httpServer.Start(runCtx)
		if err != nil {
			cancel()

			return err
		}
	}

	err := c.ttl.StartCleanup(runCtx, c.cfg.TTL.CleanupInterval)
	if err != nil {
		cancel()
		c.stopTransportServer(ctx)

		return err
	}

	err = c.checker.Start(runCtx, c.cfg.Consistency.AuditInterval)
	if err != nil {
		cancel()

		stopErr := c.ttl.StopCleanup(ctx)
		if stopErr != nil {
			c.log.Error().Err(stopErr).Msg("ttl cleanup did not stop")
		}

		c.stopTransportServer(ctx)

		return err
	}

	c.loops.Add(1)

	go func() {
		defer c.loops.Done()

		c.heartbeatLoop(runCtx, c.node.Config().HeartbeatInterval)
	}()

	if c.bus != nil {
		c.loops.Add(1)

		go func() {
			defer c.loops.Done()

			runErr := c.bus.Run(runCtx, c.inv)
			if runErr != nil {
				c.log.Error().Err(runErr).Msg("invalidation bus stopped")
			}
		}()
	}

	c.cancel = cancel

	c.log.Info().Str("node", string(c.node.ID())).Msg("cache node started")

	return nil
}

func (c *Cache) stopTransportServer(ctx context.Context) {
	err := c.httpServer.Stop(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("transport server did not stop")
	}
}

// Stop stops every loop with bounded joins, waits for pending asynchronous
// replication and detaches the invalidation observer. It is safe to call
// more than once.
func (c *Cache) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	closed := c.closed
	c.closed = true
	c.mu.Unlock()

	eg := ewrap.NewErrorGroup()
	addErr := func(err error) {
		if err != nil {
			eg.Add(err)
		}
	}

	if cancel != nil {
		addErr(c.ttl.StopCleanup(ctx))
		addErr(c.checker.Stop(ctx))

		cancel()

		addErr(c.waitLoops(ctx))
		addErr(c.httpServer.Stop(ctx))
	}

	c.repl.Wait()
	c.checker.WaitRepairs()

	if !closed {
		c.repl.Close()
		c.inv.Close()

		if c.redis != nil {
			addErr(c.redis.Close())
		}

		c.log.Info().Str("node", string(c.node.ID())).Msg("cache node stopped")
	}

	return eg.ErrorOrNil()
}

func (c *Cache) waitLoops(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		c.loops.Wait()
		close(done)
	}()

	timer := time.NewTimer(stopJoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return sentinel.ErrTimeoutOrCanceled
	case <-timer.C:
		return sentinel.ErrTimeoutOrCanceled
	}
}
