// Package cluster contains primitives for node identity, peer tracking and
// consistent hashing used by the distributed cache.
package cluster

import (
	"encoding/hex"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
)

// internal constants.
const (
	nodeIDBytes = 8
	byteShift   = 8 // bits per byte for id derivation

	defaultHeartbeatInterval  = 5 * time.Second
	defaultHealthCheckTimeout = 10 * time.Second
	defaultReplicationFactor  = 3
)

// NodeID is a stable identifier for a node.
type NodeID string

// Config carries the static identity and tuning of a node.
type Config struct {
	NodeID             string
	Host               string
	Port               int
	HeartbeatInterval  time.Duration
	HealthCheckTimeout time.Duration
	ReplicationFactor  int
	EnableReplication  bool
}

// DefaultConfig returns a Config with the default timings and replication settings.
func DefaultConfig(id, host string, port int) Config {
	return Config{
		NodeID:             id,
		Host:               host,
		Port:               port,
		HeartbeatInterval:  defaultHeartbeatInterval,
		HealthCheckTimeout: defaultHealthCheckTimeout,
		ReplicationFactor:  defaultReplicationFactor,
		EnableReplication:  true,
	}
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithNodeClock injects the time source used for heartbeat bookkeeping.
func WithNodeClock(c clock.Clock) NodeOption {
	return func(n *Node) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithNodeLogger sets the node logger.
func WithNodeLogger(l zerolog.Logger) NodeOption {
	return func(n *Node) { n.log = l }
}

// Node holds identity, liveness and the peer set of one cache process.
// Peers are non-owning references: removing a peer never stops or mutates it.
type Node struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	mu            sync.RWMutex
	healthy       bool
	lastHeartbeat time.Time
	peers         []*Node
	metadata      map[string]string
}

// NewNode creates a node. If cfg.NodeID is empty a short hex id is derived from host:port using xxhash64.
func NewNode(cfg Config, opts ...NodeOption) *Node {
	if cfg.NodeID == "" {
		hv := xxhash.Sum64String(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))

		b := make([]byte, nodeIDBytes)
		for i := range nodeIDBytes {
			b[i] = byte(hv >> (byteShift * i))
		}

		cfg.NodeID = hex.EncodeToString(b)
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = defaultHealthCheckTimeout
	}

	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = defaultReplicationFactor
	}

	n := &Node{
		cfg:      cfg,
		clock:    clock.System{},
		log:      zerolog.Nop(),
		healthy:  true,
		metadata: map[string]string{},
	}
	for _, opt := range opts {
		opt(n)
	}

	n.lastHeartbeat = n.clock.Now()
	n.log.Debug().Str("node", cfg.NodeID).Str("addr", n.Address()).Msg("node initialized")

	return n
}

// ID returns the node identifier.
func (n *Node) ID() NodeID { return NodeID(n.cfg.NodeID) }

// Config returns the node configuration.
func (n *Node) Config() Config { return n.cfg }

// Address returns host:port for intra-cluster traffic.
func (n *Node) Address() string { return net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port)) }

// Validate checks identity fields.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.cfg.NodeID) == "" {
		return sentinel.ErrInvalidNodeID
	}

	if n.cfg.Port < 0 || n.cfg.Port > 65535 {
		return ewrap.Wrapf(sentinel.ErrInvalidAddress, "port %d", n.cfg.Port)
	}

	_, _, err := net.SplitHostPort(n.Address())
	if err != nil {
		return ewrap.Wrap(sentinel.ErrInvalidAddress, err.Error())
	}

	return nil
}

// AddPeer registers a peer. Self and duplicates are ignored; returns true if added.
func (n *Node) AddPeer(peer *Node) bool {
	if peer == nil || peer.ID() == n.ID() {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if slices.ContainsFunc(n.peers, func(p *Node) bool { return p.ID() == peer.ID() }) {
		return false
	}

	n.peers = append(n.peers, peer)
	n.log.Info().Str("node", n.cfg.NodeID).Str("peer", string(peer.ID())).Msg("peer added")

	return true
}

// RemovePeer drops a peer by id; returns true if it was present.
func (n *Node) RemovePeer(id NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	before := len(n.peers)
	n.peers = slices.DeleteFunc(n.peers, func(p *Node) bool { return p.ID() == id })

	removed := len(n.peers) != before
	if removed {
		n.log.Info().Str("node", n.cfg.NodeID).Str("peer", string(id)).Msg("peer removed")
	}

	return removed
}

// Peers returns a copy of the peer list.
func (n *Node) Peers() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return slices.Clone(n.peers)
}

// Peer returns the peer with the given id.
func (n *Node) Peer(id NodeID) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, p := range n.peers {
		if p.ID() == id {
			return p, true
		}
	}

	return nil, false
}

// HasPeer reports whether id is in the peer set.
func (n *Node) HasPeer(id NodeID) bool {
	_, ok := n.Peer(id)

	return ok
}

// Heartbeat marks this node alive now.
func (n *Node) Heartbeat() { n.RecordHeartbeat(n.clock.Now()) }

// RecordHeartbeat stores an observed heartbeat timestamp. Older timestamps are ignored.
func (n *Node) RecordHeartbeat(at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if at.After(n.lastHeartbeat) {
		n.lastHeartbeat = at
	}
}

// LastHeartbeat returns the last recorded heartbeat.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.lastHeartbeat
}

// CheckHealth recomputes the health flag from the time since the last heartbeat.
// It says nothing about ring or replica correctness.
func (n *Node) CheckHealth() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	since := n.clock.Now().Sub(n.lastHeartbeat)
	if since > n.cfg.HealthCheckTimeout {
		if n.healthy {
			n.log.Warn().Str("node", n.cfg.NodeID).Dur("since_heartbeat", since).Msg("health check failed")
		}

		n.healthy = false

		return false
	}

	n.healthy = true

	return true
}

// Healthy returns the flag computed by the last CheckHealth.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.healthy
}

// ClusterSize returns the number of known nodes including this one.
func (n *Node) ClusterSize() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.peers) + 1
}

// SetMetadata stores a metadata value.
func (n *Node) SetMetadata(key, value string) {
	n.mu.Lock()
	n.metadata[key] = value
	n.mu.Unlock()
}

// Metadata returns a metadata value.
func (n *Node) Metadata(key string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	v, ok := n.metadata[key]

	return v, ok
}

// Info is a point-in-time description of a node.
type Info struct {
	ID                 string            `json:"id"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Healthy            bool              `json:"healthy"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	PeerCount          int               `json:"peer_count"`
	ReplicationEnabled bool              `json:"replication_enabled"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Info returns a snapshot of the node state.
func (n *Node) Info() Info {
	n.mu.RLock()
	defer n.mu.RUnlock()

	md := make(map[string]string, len(n.metadata))
	for k, v := range n.metadata {
		md[k] = v
	}

	return Info{
		ID:                 n.cfg.NodeID,
		Host:               n.cfg.Host,
		Port:               n.cfg.Port,
		Healthy:            n.healthy,
		LastHeartbeat:      n.lastHeartbeat,
		PeerCount:          len(n.peers),
		ReplicationEnabled: n.cfg.EnableReplication,
		Metadata:           md,
	}
}

func (n *Node) String() string { return "node(" + n.cfg.NodeID + ")" }
