package cluster

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
const DefaultVirtualNodes = 150

// Ring implements a consistent hashing ring with virtual nodes.
// Writers serialize on mu and publish a fresh immutable snapshot; readers
// only load the snapshot and never observe a partially sorted ring.
type Ring struct {
	mu        sync.Mutex
	members   map[NodeID]*Node
	vnPerNode int
	snap      atomic.Pointer[ringSnapshot]
	ver       MembershipVersion
	log       zerolog.Logger
}

type vnode struct {
	hash uint64
	node *Node
}

type ringSnapshot struct {
	vnodes []vnode
	nodes  []*Node // sorted by id
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual nodes per physical node.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnPerNode = n
		}
	}
}

// WithRingLogger sets the ring logger.
func WithRingLogger(l zerolog.Logger) RingOption {
	return func(r *Ring) { r.log = l }
}

// NewRing constructs an empty ring applying provided options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{members: map[NodeID]*Node{}, vnPerNode: DefaultVirtualNodes, log: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}

	r.snap.Store(&ringSnapshot{})

	return r
}

// HashKey returns the ring position of a key. The function is fixed across processes.
func HashKey(key string) uint64 { return xxhash.Sum64String(key) }

// AddNode inserts a node and rebuilds the ring. Returns false if the id is already present.
func (r *Ring) AddNode(n *Node) bool {
	if n == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[n.ID()]; ok {
		r.log.Warn().Str("node", string(n.ID())).Msg("node already in ring")

		return false
	}

	r.members[n.ID()] = n
	r.rebuild()
	r.log.Info().Str("node", string(n.ID())).Int("nodes", len(r.members)).Msg("node added to ring")

	return true
}

// RemoveNode deletes a node and rebuilds the ring. Returns true if removed.
func (r *Ring) RemoveNode(id NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}

	delete(r.members, id)
	r.rebuild()
	r.log.Info().Str("node", string(id)).Int("nodes", len(r.members)).Msg("node removed from ring")

	return true
}

// rebuild recomputes every position from scratch. Caller holds mu.
func (r *Ring) rebuild() {
	nodes := make([]*Node, 0, len(r.members))
	for _, n := range r.members {
		nodes = append(nodes, n)
	}

	slices.SortFunc(nodes, func(a, b *Node) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}

		return 0
	})

	vn := make([]vnode, 0, len(nodes)*r.vnPerNode)
	for _, node := range nodes {
		base := string(node.ID()) + ":"
		for i := range r.vnPerNode {
			vn = append(vn, vnode{hash: HashKey(base + strconv.Itoa(i)), node: node})
		}
	}

	// ties broken by id so every process builds the same order
	sort.Slice(vn, func(i, j int) bool {
		if vn[i].hash != vn[j].hash {
			return vn[i].hash < vn[j].hash
		}

		return vn[i].node.ID() < vn[j].node.ID()
	})

	r.snap.Store(&ringSnapshot{vnodes: vn, nodes: nodes})
	r.ver.Next()
}

// GetNodesForKey returns up to count distinct physical nodes owning key, primary first.
func (r *Ring) GetNodesForKey(key string, count int) []*Node {
	snap := r.snap.Load()
	if len(snap.vnodes) == 0 || count <= 0 {
		return nil
	}

	count = min(count, len(snap.nodes))
	target := HashKey(key)

	idx := sort.Search(len(snap.vnodes), func(i int) bool { return snap.vnodes[i].hash >= target })
	if idx == len(snap.vnodes) {
		idx = 0
	}

	res := make([]*Node, 0, count)
	seen := make(map[NodeID]struct{}, count)

	for i := 0; len(res) < count && i < len(snap.vnodes); i++ {
		vn := snap.vnodes[(idx+i)%len(snap.vnodes)]
		if _, ok := seen[vn.node.ID()]; ok {
			continue
		}

		seen[vn.node.ID()] = struct{}{}
		res = append(res, vn.node)
	}

	return res
}

// GetPrimaryNode returns the first owner of key.
func (r *Ring) GetPrimaryNode(key string) (*Node, bool) {
	nodes := r.GetNodesForKey(key, 1)
	if len(nodes) == 0 {
		return nil, false
	}

	return nodes[0], true
}

// NodeCount returns the number of physical nodes.
func (r *Ring) NodeCount() int { return len(r.snap.Load().nodes) }

// Nodes returns a snapshot of the physical nodes sorted by id.
func (r *Ring) Nodes() []*Node { return slices.Clone(r.snap.Load().nodes) }

// Node returns the member with the given id.
func (r *Ring) Node(id NodeID) (*Node, bool) {
	for _, n := range r.snap.Load().nodes {
		if n.ID() == id {
			return n, true
		}
	}

	return nil, false
}

// Contains reports whether id is a ring member.
func (r *Ring) Contains(id NodeID) bool {
	_, ok := r.Node(id)

	return ok
}

// Version returns the number of rebuilds performed so far.
func (r *Ring) Version() uint64 { return r.ver.Get() }

// VirtualNodes returns configured virtual nodes per physical node.
func (r *Ring) VirtualNodes() int { return r.vnPerNode }

// Spots returns vnode positions as hex strings (debug only).
func (r *Ring) Spots() []string {
	snap := r.snap.Load()

	out := make([]string, 0, len(snap.vnodes))
	for _, v := range snap.vnodes {
		out = append(out, fmt.Sprintf("%016x:%s", v.hash, v.node.ID()))
	}

	return out
}
