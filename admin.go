package distcache

import (
	"context"
	"slices"
	"strings"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/config"
	"github.com/hyp3rd/distcache/pkg/consistency"
	"github.com/hyp3rd/distcache/pkg/replication"
)

// AddNode joins a peer to the local view of the cluster. Data does not move
// until Rebalance runs.
func (c *Cache) AddNode(_ context.Context, p config.PeerConfig) (cluster.Info, error) {
	if strings.TrimSpace(p.Host) == "" || p.Port < 0 || p.Port > 65535 {
		return cluster.Info{}, ewrap.Wrapf(sentinel.ErrInvalidAddress, "peer %s:%d", p.Host, p.Port)
	}

	peer := c.newPeer(p)

	if peer.ID() == c.node.ID() || c.node.HasPeer(peer.ID()) {
		return cluster.Info{}, ewrap.Wrapf(sentinel.ErrNodeExists, "node %s", peer.ID())
	}

	c.node.AddPeer(peer)
	c.ring.AddNode(peer)

	c.mu.Lock()
	c.pendingAdded = append(c.pendingAdded, peer.ID())
	c.mu.Unlock()

	c.log.Info().Str("peer", string(peer.ID())).Str("addr", peer.Address()).Msg("node added")

	return peer.Info(), nil
}

// RemoveNode drops a peer from the local view of the cluster.
func (c *Cache) RemoveNode(_ context.Context, id string) error {
	nid := cluster.NodeID(id)
	if nid == c.node.ID() {
		return ewrap.Wrapf(sentinel.ErrInvalidNodeID, "cannot remove the local node %s", id)
	}

	removedPeer := c.node.RemovePeer(nid)
	removedRing := c.ring.RemoveNode(nid)

	if !removedPeer && !removedRing {
		return ewrap.Wrapf(sentinel.ErrNodeNotFound, "node %s", id)
	}

	c.mu.Lock()
	c.pendingRemoved = append(c.pendingRemoved, nid)
	c.mu.Unlock()

	c.log.Info().Str("peer", id).Msg("node removed")

	return nil
}

// Rebalance moves local entries to their owners after the membership
// changes recorded since the previous call.
func (c *Cache) Rebalance(ctx context.Context) replication.RebalanceReport {
	c.mu.Lock()
	added, removed := c.pendingAdded, c.pendingRemoved
	c.pendingAdded, c.pendingRemoved = nil, nil
	c.mu.Unlock()

	return c.repl.HandleRebalance(ctx, added, removed)
}

// ReplicationStatus reports where key should be replicated.
func (c *Cache) ReplicationStatus(key string) replication.Status {
	return c.repl.Status(key)
}

// ConsistencyReport audits key against its replicas.
func (c *Cache) ConsistencyReport(ctx context.Context, key string) consistency.Report {
	return c.checker.CheckConsistency(ctx, key)
}

// Repair reconciles key across its replicas.
func (c *Cache) Repair(ctx context.Context, key string) bool {
	return c.checker.Repair(ctx, key)
}

// Info describes the local node.
func (c *Cache) Info() cluster.Info { return c.node.Info() }

// Nodes describes the local node followed by every peer, ordered by id.
func (c *Cache) Nodes() []cluster.Info {
	peers := c.node.Peers()
	slices.SortFunc(peers, func(a, b *cluster.Node) int { return strings.Compare(string(a.ID()), string(b.ID())) })

	out := make([]cluster.Info, 0, len(peers)+1)
	out = append(out, c.node.Info())

	for _, p := range peers {
		out = append(out, p.Info())
	}

	return out
}

// Stats is a point-in-time snapshot of the node counters.
type Stats struct {
	Node                    string              `json:"node"`
	Entries                 int                 `json:"entries"`
	RingVersion             uint64              `json:"ring_version"`
	RingNodes               int                 `json:"ring_nodes"`
	Replication             replication.Metrics `json:"replication"`
	Consistency             consistency.Stats   `json:"consistency"`
	InvalidationsPropagated int64               `json:"invalidations_propagated"`
	InvalidationsReceived   int64               `json:"invalidations_received"`
	InvalidationCallbacks   int                 `json:"invalidation_callbacks"`
}

// Stats returns the node counters.
func (c *Cache) Stats() Stats {
	propagated, received := c.inv.Stats()

	return Stats{
		Node:                    string(c.node.ID()),
		Entries:                 c.store.Len(),
		RingVersion:             c.ring.Version(),
		RingNodes:               c.ring.NodeCount(),
		Replication:             c.repl.Metrics(),
		Consistency:             c.checker.Stats(),
		InvalidationsPropagated: propagated,
		InvalidationsReceived:   received,
		InvalidationCallbacks:   c.inv.CallbackCount(),
	}
}
