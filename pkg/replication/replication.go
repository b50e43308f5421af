// Package replication places copies of local writes on the replica nodes
// chosen by the hash ring and serves the inbound side of that traffic.
package replication

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/workerpool"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/storage"
)

// Option configures Manager.
type Option func(*Manager)

// WithClock injects the time source used to filter expired replica copies.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// DefaultAsyncWorkers is the number of goroutines serving ReplicateAsync.
const DefaultAsyncWorkers = 8

// WithAsyncWorkers sizes the pool behind ReplicateAsync.
func WithAsyncWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.asyncWorkers = n
		}
	}
}

// Manager replicates entries to the replica set of their key.
type Manager struct {
	local *cluster.Node
	ring  *cluster.Ring
	store *storage.Storage
	proto *protocol.Protocol
	clock clock.Clock
	log   zerolog.Logger

	asyncWorkers int
	async        *workerpool.Pool

	replicated   atomic.Int64
	failed       atomic.Int64
	deletes      atomic.Int64
	syncs        atomic.Int64
	rereplicated atomic.Int64
}

// NewManager creates a replication manager. The replication factor and the
// enable switch come from the local node configuration.
func NewManager(local *cluster.Node, ring *cluster.Ring, store *storage.Storage, proto *protocol.Protocol, opts ...Option) *Manager {
	m := &Manager{
		local: local,
		ring:  ring,
		store: store,
		proto: proto,
		clock: clock.System{},
		log:   zerolog.Nop(),

		asyncWorkers: DefaultAsyncWorkers,
	}
	for _, o := range opts {
		o(m)
	}

	m.async = workerpool.New(m.asyncWorkers, nil)

	return m
}

// ReplicationFactor returns the configured number of copies per key.
func (m *Manager) ReplicationFactor() int { return m.local.Config().ReplicationFactor }

// Enabled reports whether replication is on.
func (m *Manager) Enabled() bool { return m.local.Config().EnableReplication }

// Owners returns the owner set of key, primary first, capped by ring size.
func (m *Manager) Owners(key string) []*cluster.Node {
	return m.ring.GetNodesForKey(key, m.ReplicationFactor())
}

// ReplicaNodes returns the owners of key other than the local node.
func (m *Manager) ReplicaNodes(key string) []*cluster.Node {
	if !m.Enabled() {
		return nil
	}

	owners := m.Owners(key)

	out := make([]*cluster.Node, 0, len(owners))
	for _, n := range owners {
		if n.ID() != m.local.ID() {
			out = append(out, n)
		}
	}

	return out
}

// FanoutResult summarizes one replication round.
type FanoutResult struct {
	Expected int
	Acked    int
	Failed   int
	AckedBy  []cluster.NodeID
}

type ack struct {
	id cluster.NodeID
	ok bool
}

// Fanout sends e to every replica concurrently and returns as soon as need
// acknowledgements arrived, or once every replica answered. need <= 0 waits
// for all. Late replies are drained by the buffered channel.
func (m *Manager) Fanout(ctx context.Context, e storage.Entry, need int) FanoutResult {
	replicas := m.ReplicaNodes(e.Key)

	return m.fanoutTo(ctx, replicas, e, need)
}

func (m *Manager) fanoutTo(ctx context.Context, targets []*cluster.Node, e storage.Entry, need int) FanoutResult {
	res := FanoutResult{Expected: len(targets)}
	if len(targets) == 0 {
		return res
	}

	ch := make(chan ack, len(targets))
	for _, n := range targets {
		go func(n *cluster.Node) {
			ch <- ack{id: n.ID(), ok: m.proto.SendReplicate(ctx, n, e)}
		}(n)
	}

	for range targets {
		a := <-ch
		if a.ok {
			res.Acked++
			res.AckedBy = append(res.AckedBy, a.id)
		} else {
			res.Failed++
		}

		if need > 0 && res.Acked >= need {
			break
		}
	}

	m.replicated.Add(int64(res.Acked))
	m.failed.Add(int64(res.Failed))

	if res.Failed > 0 {
		m.log.Warn().Str("key", e.Key).Int("acked", res.Acked).Int("failed", res.Failed).Msg("replication incomplete")
	}

	return res
}

// ReplicateWrite replicates e and reports whether at least one replica
// acknowledged. A key without replicas is trivially replicated.
func (m *Manager) ReplicateWrite(ctx context.Context, e storage.Entry) bool {
	res := m.Fanout(ctx, e, 1)

	return res.Expected == 0 || res.Acked > 0
}

// ReplicateAsync replicates e on the background pool, detached from any
// caller context. It blocks while the pool queue is full and replicates
// inline once the manager is closed.
func (m *Manager) ReplicateAsync(e storage.Entry) {
	job := func() error {
		m.Fanout(context.Background(), e, 0)

		return nil
	}

	if !m.async.Enqueue(job) {
		_ = job()
	}
}

// Wait blocks until every pending asynchronous replication finished.
func (m *Manager) Wait() { m.async.Wait() }

// Close drains the asynchronous replications and stops the pool.
func (m *Manager) Close() { m.async.Shutdown() }

// ReplicateDelete removes key from every replica. Returns true when all replicas acknowledged.
func (m *Manager) ReplicateDelete(ctx context.Context, key string) bool {
	replicas := m.ReplicaNodes(key)
	if len(replicas) == 0 {
		return true
	}

	ch := make(chan bool, len(replicas))
	for _, n := range replicas {
		go func(n *cluster.Node) { ch <- m.proto.SendDelete(ctx, n, key) }(n)
	}

	all := true

	for range replicas {
		if !<-ch {
			all = false
		}
	}

	m.deletes.Add(1)

	if !all {
		m.log.Warn().Str("key", key).Msg("delete not acknowledged by every replica")
	}

	return all
}

// SyncFromReplicas pulls the newest live copy of key from the replicas and
// applies it locally with last-write-wins.
func (m *Manager) SyncFromReplicas(ctx context.Context, key string) (storage.Entry, bool) {
	replicas := m.ReplicaNodes(key)
	if len(replicas) == 0 {
		return storage.Entry{}, false
	}

	type fetched struct {
		e  storage.Entry
		ok bool
	}

	ch := make(chan fetched, len(replicas))
	for _, n := range replicas {
		go func(n *cluster.Node) {
			e, ok, err := m.proto.RequestKey(ctx, n, key)
			if err != nil {
				m.log.Debug().Err(err).Str("key", key).Str("replica", string(n.ID())).Msg("sync request failed")
			}

			ch <- fetched{e: e, ok: ok && err == nil}
		}(n)
	}

	now := m.clock.Now()

	var (
		best  storage.Entry
		found bool
	)

	for range replicas {
		f := <-ch
		if !f.ok || f.e.Expired(now) {
			continue
		}

		if !found || f.e.NewerThan(&best) {
			best, found = f.e, true
		}
	}

	if !found {
		return storage.Entry{}, false
	}

	m.store.Put(best)
	m.syncs.Add(1)

	return best, true
}

// RebalanceReport summarizes a rebalance pass.
type RebalanceReport struct {
	Scanned      int `json:"scanned"`
	Rereplicated int `json:"rereplicated"`
	Retained     int `json:"retained"`
	Failed       int `json:"failed"`
}

// HandleRebalance walks the local live entries after a membership change.
// Entries still owned locally are pushed to their current replicas; entries
// no longer owned are pushed to their new owners and kept locally. Data
// movement is best-effort.
func (m *Manager) HandleRebalance(ctx context.Context, added, removed []cluster.NodeID) RebalanceReport {
	var rep RebalanceReport

	m.log.Info().Int("added", len(added)).Int("removed", len(removed)).Msg("rebalance started")

	for _, key := range m.store.Keys() {
		if ctx.Err() != nil {
			break
		}

		e, ok := m.store.GetLive(key)
		if !ok {
			continue
		}

		rep.Scanned++

		if !m.Enabled() {
			continue
		}

		owners := m.Owners(key)

		if !containsNode(owners, m.local.ID()) {
			m.fanoutTo(ctx, owners, e, 0)

			rep.Retained++

			continue
		}

		res := m.Fanout(ctx, e, 0)

		switch {
		case res.Expected == 0:
		case res.Acked > 0:
			rep.Rereplicated++
		default:
			rep.Failed++
		}
	}

	m.rereplicated.Add(int64(rep.Rereplicated))
	m.log.Info().
		Int("scanned", rep.Scanned).
		Int("rereplicated", rep.Rereplicated).
		Int("retained", rep.Retained).
		Int("failed", rep.Failed).
		Msg("rebalance finished")

	return rep
}

func containsNode(nodes []*cluster.Node, id cluster.NodeID) bool {
	for _, n := range nodes {
		if n.ID() == id {
			return true
		}
	}

	return false
}

// Status describes where a key should live and how many of those replicas are known peers.
type Status struct {
	Key              string   `json:"key"`
	ExpectedReplicas int      `json:"expected_replicas"`
	ActualReplicas   int      `json:"actual_replicas"`
	ReplicaNodes     []string `json:"replica_nodes"`
}

// Status returns the replication status of key.
func (m *Manager) Status(key string) Status {
	st := Status{Key: key, ReplicaNodes: []string{}}

	if m.Enabled() {
		st.ExpectedReplicas = max(min(m.ReplicationFactor()-1, m.ring.NodeCount()-1), 0)
	}

	for _, n := range m.ReplicaNodes(key) {
		st.ReplicaNodes = append(st.ReplicaNodes, string(n.ID()))
		if m.local.HasPeer(n.ID()) {
			st.ActualReplicas++
		}
	}

	return st
}

// Metrics is a snapshot of the replication counters.
type Metrics struct {
	Replicated   int64 `json:"replicated"`
	Failed       int64 `json:"failed"`
	Deletes      int64 `json:"deletes"`
	Syncs        int64 `json:"syncs"`
	Rereplicated int64 `json:"rereplicated"`
}

// Metrics returns the current counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Replicated:   m.replicated.Load(),
		Failed:       m.failed.Load(),
		Deletes:      m.deletes.Load(),
		Syncs:        m.syncs.Load(),
		Rereplicated: m.rereplicated.Load(),
	}
}

// RegisterHandlers installs the inbound replicate, delete and request handlers on p.
func (m *Manager) RegisterHandlers(p *protocol.Protocol) {
	p.RegisterHandler(protocol.TypeReplicate, func(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		if !m.store.Put(msg.Entry()) {
			m.log.Debug().Str("key", msg.Key).Str("from", msg.From).Msg("older replica write ignored")
		}

		return protocol.Ack(), nil
	})

	p.RegisterHandler(protocol.TypeDelete, func(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		m.store.Delete(msg.Key)

		return protocol.Ack(), nil
	})

	p.RegisterHandler(protocol.TypeRequest, func(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		e, ok := m.store.GetEntry(msg.Key)
		if !ok {
			return protocol.Ack(), nil
		}

		return &protocol.Reply{OK: true, Found: true, Entry: &e}, nil
	})
}
