package consistency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/replication"
	"github.com/hyp3rd/distcache/pkg/storage"
	"github.com/hyp3rd/distcache/pkg/transport"
)

type member struct {
	node    *cluster.Node
	store   *storage.Storage
	repl    *replication.Manager
	checker *Checker
}

type testCluster struct {
	tr      *transport.InProcess
	clock   *clock.Fake
	members map[cluster.NodeID]*member
	ring    *cluster.Ring
}

func newTestCluster(t *testing.T, size, rf int, opts ...Option) *testCluster {
	t.Helper()

	return newTestClusterVia(t, size, rf, nil, opts...)
}

// newTestClusterVia builds the cluster with every protocol sending through
// wrap(tc.tr) when wrap is set.
func newTestClusterVia(t *testing.T, size, rf int, wrap func(protocol.Sender) protocol.Sender, opts ...Option) *testCluster {
	t.Helper()

	tc := &testCluster{
		tr:      transport.NewInProcess(),
		clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
		members: map[cluster.NodeID]*member{},
		ring:    cluster.NewRing(),
	}

	nodes := make([]*cluster.Node, 0, size)

	for i := range size {
		cfg := cluster.DefaultConfig(fmt.Sprintf("node-%d", i+1), "127.0.0.1", 7000+i)
		cfg.ReplicationFactor = rf

		nodes = append(nodes, cluster.NewNode(cfg, cluster.WithNodeClock(tc.clock)))
	}

	for _, n := range nodes {
		tc.ring.AddNode(n)

		for _, p := range nodes {
			n.AddPeer(p)
		}
	}

	for _, n := range nodes {
		s := storage.New(storage.WithClock(tc.clock))
		var sender protocol.Sender = tc.tr
		if wrap != nil {
			sender = wrap(tc.tr)
		}

		p := protocol.New(n, sender, protocol.WithClock(tc.clock))
		r := replication.NewManager(n, tc.ring, s, p, replication.WithClock(tc.clock))
		r.RegisterHandlers(p)
		tc.tr.Register(p)

		tc.members[n.ID()] = &member{
			node:    n,
			store:   s,
			repl:    r,
			checker: NewChecker(n, s, r, p, append([]Option{WithClock(tc.clock)}, opts...)...),
		}
	}

	return tc
}

func (tc *testCluster) primaryFor(key string) *member {
	p, _ := tc.ring.GetPrimaryNode(key)

	return tc.members[p.ID()]
}

func (tc *testCluster) replicasOf(m *member, key string) []*member {
	out := []*member{}
	for _, n := range m.repl.ReplicaNodes(key) {
		out = append(out, tc.members[n.ID()])
	}

	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "one", want: One},
		{in: "EVENTUAL", want: Eventual},
		{in: " Quorum ", want: Quorum},
		{in: "all", want: All},
		{in: "some", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, sentinel.ErrInvalidConsistencyLevel))

				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), tt.want.String())
		})
	}
}

func TestRequiredAcks(t *testing.T) {
	assert.Equal(t, 1, RequiredAcks(Quorum, 3, 2))
	assert.Equal(t, 2, RequiredAcks(Quorum, 5, 4))
	assert.Equal(t, 0, RequiredAcks(Quorum, 1, 0))
	assert.Equal(t, 2, RequiredAcks(All, 3, 2))
	assert.Equal(t, 0, RequiredAcks(One, 3, 2))
	assert.Equal(t, 0, RequiredAcks(Eventual, 3, 2))
}

func TestWrite_QuorumWithLiveReplicas(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("user:1")

	res, err := m.checker.WriteWithConsistency(ctx, "user:1", []byte("alice"), time.Time{}, nil, Quorum)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.Required)
	assert.Equal(t, 2, res.Expected)
	assert.True(t, res.Acks >= 1)
	assert.False(t, res.Degraded)
}

func TestWrite_QuorumWithoutReachableReplicasIsDegraded(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("user:1")

	for _, r := range tc.replicasOf(m, "user:1") {
		tc.tr.Unregister(r.node.ID())
	}

	res, err := m.checker.WriteWithConsistency(ctx, "user:1", []byte("alice"), time.Time{}, nil, Quorum)
	assert.True(t, errors.Is(err, sentinel.ErrQuorumNotMet))
	assert.True(t, res.Degraded)
	assert.Equal(t, 0, res.Acks)

	// the local write is kept
	v, ok := m.store.Get("user:1")
	assert.True(t, ok)
	assert.Equal(t, "alice", string(v))

	read, err := m.checker.ReadWithConsistency(ctx, "user:1", Quorum)
	assert.True(t, errors.Is(err, sentinel.ErrDegradedRead))
	assert.True(t, read.Degraded)
	assert.Equal(t, "alice", string(read.Value))
}

func TestWrite_AllAndOne(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("k")
	replicas := tc.replicasOf(m, "k")

	res, err := m.checker.WriteWithConsistency(ctx, "k", []byte("v"), time.Time{}, nil, All)
	assert.NoError(t, err)
	assert.Equal(t, 2, res.Acks)

	tc.tr.Unregister(replicas[0].node.ID())

	_, err = m.checker.WriteWithConsistency(ctx, "k", []byte("v2"), time.Time{}, nil, All)
	assert.True(t, errors.Is(err, sentinel.ErrQuorumNotMet))

	res, err = m.checker.WriteWithConsistency(ctx, "k", []byte("v3"), time.Time{}, nil, One)
	assert.NoError(t, err)
	assert.Equal(t, 0, res.Required)

	// ONE never touches replicas
	v, _ := replicas[1].store.Get("k")
	assert.Equal(t, "v2", string(v))
}

func TestWrite_EventualReplicatesInBackground(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 2)
	m := tc.primaryFor("k")

	_, err := m.checker.WriteWithConsistency(ctx, "k", []byte("v"), time.Time{}, nil, Eventual)
	assert.NoError(t, err)

	m.repl.Wait()

	for _, r := range tc.replicasOf(m, "k") {
		_, ok := r.store.Get("k")
		assert.True(t, ok)
	}
}

func TestWrite_SingleNodeSucceeds(t *testing.T) {
	tc := newTestCluster(t, 1, 3)
	m := tc.primaryFor("k")

	for _, level := range []Level{One, Eventual, Quorum, All} {
		res, err := m.checker.WriteWithConsistency(context.Background(), "k", []byte("v"), time.Time{}, nil, level)
		assert.NoError(t, err)
		assert.False(t, res.Degraded)
	}
}

func TestRead_QuorumRepairsStaleLocal(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("k")
	replicas := tc.replicasOf(m, "k")

	now := tc.clock.Now()
	m.store.Put(storage.Entry{Key: "k", Value: []byte("old"), CreatedAt: now.Add(-time.Minute)})
	replicas[0].store.Put(storage.Entry{Key: "k", Value: []byte("new"), CreatedAt: now})

	res, err := m.checker.ReadWithConsistency(ctx, "k", All)
	assert.NoError(t, err)
	assert.Equal(t, "new", string(res.Value))
	assert.True(t, res.Repaired)
	assert.Equal(t, 2, res.Responses)

	v, _ := m.store.Get("k")
	assert.Equal(t, "new", string(v))

	// ONE stays local
	one, err := replicas[1].checker.ReadWithConsistency(ctx, "k", One)
	assert.NoError(t, err)
	assert.False(t, one.Found)
}

// gatedSender holds every message for one target until the gate closes.
type gatedSender struct {
	next protocol.Sender
	slow cluster.NodeID
	gate chan struct{}
}

func (g *gatedSender) Send(ctx context.Context, target *cluster.Node, msg *protocol.Message) (*protocol.Reply, error) {
	if target.ID() == g.slow {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return g.next.Send(ctx, target, msg)
}

func TestRead_QuorumDoesNotWaitForSlowReplica(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	gated := &gatedSender{gate: gate}

	tc := newTestClusterVia(t, 3, 3, func(next protocol.Sender) protocol.Sender {
		gated.next = next

		return gated
	})

	m := tc.primaryFor("k")
	slow := tc.replicasOf(m, "k")[1]
	gated.slow = slow.node.ID()

	now := tc.clock.Now()
	m.store.Put(storage.Entry{Key: "k", Value: []byte("old"), CreatedAt: now.Add(-time.Minute)})
	slow.store.Put(storage.Entry{Key: "k", Value: []byte("new"), CreatedAt: now})

	type outcome struct {
		res ReadResult
		err error
	}

	done := make(chan outcome, 1)

	go func() {
		res, err := m.checker.ReadWithConsistency(ctx, "k", Quorum)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(time.Second):
		close(gate)
		t.Fatal("quorum read waited for the slow replica")
	}

	assert.NoError(t, out.err)
	assert.Equal(t, 1, out.res.Required)
	assert.Equal(t, 1, out.res.Responses)
	assert.False(t, out.res.Degraded)
	assert.Equal(t, "old", string(out.res.Value))

	// the late reply still repairs the local copy
	close(gate)
	m.checker.WaitRepairs()

	v, _ := m.store.Get("k")
	assert.Equal(t, "new", string(v))
}

func TestCheckConsistency(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("k")
	replicas := tc.replicasOf(m, "k")

	_, err := m.checker.WriteWithConsistency(ctx, "k", []byte("v"), tc.clock.Now().Add(time.Hour), nil, All)
	assert.NoError(t, err)

	rep := m.checker.CheckConsistency(ctx, "k")
	assert.True(t, rep.Consistent)
	assert.Equal(t, 2, rep.ReplicaCount)
	assert.Equal(t, time.Duration(0), rep.SinceLastCheck)

	tc.clock.Advance(3 * time.Second)

	// expiry drift inside the tolerance is not a divergence
	e, _ := replicas[0].store.GetEntry("k")
	e.ExpiresAt = e.ExpiresAt.Add(500 * time.Millisecond)
	replicas[0].store.Put(e)

	rep = m.checker.CheckConsistency(ctx, "k")
	assert.True(t, rep.Consistent)
	assert.Equal(t, 3*time.Second, rep.SinceLastCheck)

	e.Value = []byte("other")
	replicas[0].store.Put(e)
	replicas[1].store.Delete("k")

	rep = m.checker.CheckConsistency(ctx, "k")
	assert.False(t, rep.Consistent)
	assert.Equal(t, 2, len(rep.Divergent))

	// unreachable replicas are not divergent
	tc.tr.Unregister(replicas[0].node.ID())
	tc.tr.Unregister(replicas[1].node.ID())

	rep = m.checker.CheckConsistency(ctx, "k")
	assert.True(t, rep.Consistent)
	assert.False(t, rep.Replicas[0].Reachable)
}

func TestAuditRepairsDivergentReplicas(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3, WithSampleSize(2))
	m := tc.primaryFor("k")
	replicas := tc.replicasOf(m, "k")

	m.store.Store("k", []byte("v"), time.Time{}, nil)

	res := m.checker.AuditOnce(ctx)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Inconsistent)
	assert.Equal(t, 1, res.Repaired)

	for _, r := range replicas {
		v, ok := r.store.Get("k")
		assert.True(t, ok)
		assert.Equal(t, "v", string(v))
	}

	assert.True(t, m.checker.CheckConsistency(ctx, "k").Consistent)
	assert.Equal(t, int64(1), m.checker.Stats().Repairs)
}

func TestRepairPullsNewerReplicaFirst(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3, 3)
	m := tc.primaryFor("k")
	replicas := tc.replicasOf(m, "k")

	now := tc.clock.Now()
	m.store.Put(storage.Entry{Key: "k", Value: []byte("old"), CreatedAt: now.Add(-time.Second)})
	replicas[0].store.Put(storage.Entry{Key: "k", Value: []byte("new"), CreatedAt: now})

	assert.True(t, m.checker.Repair(ctx, "k"))

	for _, s := range []*storage.Storage{m.store, replicas[0].store, replicas[1].store} {
		v, _ := s.Get("k")
		assert.Equal(t, "new", string(v))
	}
}

func TestAuditSampleRotates(t *testing.T) {
	tc := newTestCluster(t, 1, 1, WithSampleSize(2))
	m := tc.primaryFor("a")

	for _, k := range []string{"a", "b", "c"} {
		m.store.Store(k, []byte("v"), time.Time{}, nil)
	}

	assert.Equal(t, []string{"a", "b"}, m.checker.nextSample())
	assert.Equal(t, []string{"c", "a"}, m.checker.nextSample())
	assert.Equal(t, []string{"b", "c"}, m.checker.nextSample())
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 1, 1)
	m := tc.primaryFor("a")

	assert.True(t, errors.Is(m.checker.Start(ctx, 0), sentinel.ErrInvalidInterval))
	assert.NoError(t, m.checker.Start(ctx, 5*time.Millisecond))
	assert.True(t, errors.Is(m.checker.Start(ctx, 5*time.Millisecond), sentinel.ErrAlreadyRunning))
	assert.NoError(t, m.checker.Stop(ctx))
	assert.NoError(t, m.checker.Stop(ctx))
}
