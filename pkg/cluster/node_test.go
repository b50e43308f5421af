package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
)

func TestNode_DerivesIDFromAddress(t *testing.T) {
	a := NewNode(DefaultConfig("", "10.0.0.1", 7000))
	b := NewNode(DefaultConfig("", "10.0.0.1", 7000))

	assert.Equal(t, 16, len(a.ID()))
	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, "10.0.0.1:7000", a.Address())
}

func TestNode_Validate(t *testing.T) {
	n := NewNode(DefaultConfig("n1", "localhost", 70000))

	err := n.Validate()
	assert.True(t, errors.Is(err, sentinel.ErrInvalidAddress))

	ok := NewNode(DefaultConfig("n1", "localhost", 7000))
	assert.Nil(t, ok.Validate())
}

func TestNode_Peers(t *testing.T) {
	self := newTestNode("self")
	p1 := newTestNode("p1")
	p2 := newTestNode("p2")

	assert.False(t, self.AddPeer(self))
	assert.True(t, self.AddPeer(p1))
	assert.False(t, self.AddPeer(newTestNode("p1")))
	assert.True(t, self.AddPeer(p2))
	assert.Equal(t, 3, self.ClusterSize())

	peers := self.Peers()
	peers[0] = nil // defensive copy

	assert.True(t, self.HasPeer("p1"))
	assert.True(t, self.RemovePeer("p1"))
	assert.False(t, self.RemovePeer("p1"))
	assert.Equal(t, 2, self.ClusterSize())
	assert.Equal(t, NodeID("p2"), self.Peers()[0].ID())
}

func TestNode_HealthFollowsHeartbeat(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := DefaultConfig("n1", "127.0.0.1", 7000)
	cfg.HealthCheckTimeout = 10 * time.Second

	n := NewNode(cfg, WithNodeClock(fc))
	assert.True(t, n.CheckHealth())

	fc.Advance(11 * time.Second)
	assert.False(t, n.CheckHealth())
	assert.False(t, n.Healthy())

	n.Heartbeat()
	assert.True(t, n.CheckHealth())

	// stale heartbeats never move the timestamp backwards
	n.RecordHeartbeat(fc.Now().Add(-time.Minute))
	assert.Equal(t, fc.Now(), n.LastHeartbeat())
}

func TestNode_MetadataAndInfo(t *testing.T) {
	n := newTestNode("n1")
	n.SetMetadata("zone", "eu-1")

	v, ok := n.Metadata("zone")
	assert.True(t, ok)
	assert.Equal(t, "eu-1", v)

	info := n.Info()
	assert.Equal(t, "n1", info.ID)
	assert.Equal(t, "eu-1", info.Metadata["zone"])
	assert.True(t, info.ReplicationEnabled)
}
