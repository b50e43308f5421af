package cluster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/longbridgeapp/assert"
)

func newTestNode(id string) *Node {
	return NewNode(DefaultConfig(id, "127.0.0.1", 7000))
}

func ringOf(ids ...string) *Ring {
	r := NewRing()
	for _, id := range ids {
		r.AddNode(newTestNode(id))
	}

	return r
}

func letterKeys() []string {
	keys := make([]string, 0, 26)
	for c := 'a'; c <= 'z'; c++ {
		keys = append(keys, string(c))
	}

	return keys
}

func TestRing_EmptyLookup(t *testing.T) {
	r := NewRing()

	assert.Nil(t, r.GetNodesForKey("k", 3))

	_, ok := r.GetPrimaryNode("k")
	assert.False(t, ok)
	assert.Equal(t, 0, r.NodeCount())
}

func TestRing_GetNodesForKeyDistinctAndBounded(t *testing.T) {
	r := ringOf("A", "B", "C")

	tests := []struct {
		name  string
		count int
		want  int
	}{
		{name: "single owner", count: 1, want: 1},
		{name: "replication factor", count: 3, want: 3},
		{name: "more than members", count: 10, want: 3},
		{name: "zero", count: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range letterKeys() {
				nodes := r.GetNodesForKey(k, tt.count)
				assert.Equal(t, tt.want, len(nodes))

				seen := map[NodeID]bool{}
				for _, n := range nodes {
					assert.False(t, seen[n.ID()])
					seen[n.ID()] = true
				}
			}
		})
	}
}

func TestRing_LookupIsStable(t *testing.T) {
	r1 := ringOf("A", "B", "C")
	r2 := ringOf("C", "A", "B") // insertion order must not matter

	for _, k := range letterKeys() {
		first := r1.GetNodesForKey(k, 2)
		again := r1.GetNodesForKey(k, 2)
		other := r2.GetNodesForKey(k, 2)

		for i := range first {
			assert.Equal(t, first[i].ID(), again[i].ID())
			assert.Equal(t, first[i].ID(), other[i].ID())
		}
	}
}

func TestRing_PrimaryIsFirstOwner(t *testing.T) {
	r := ringOf("A", "B", "C")

	for _, k := range letterKeys() {
		p, ok := r.GetPrimaryNode(k)
		assert.True(t, ok)
		assert.Equal(t, r.GetNodesForKey(k, 3)[0].ID(), p.ID())
	}
}

func TestRing_AddingNodeMovesMinority(t *testing.T) {
	r := ringOf("node-1", "node-2", "node-3")
	keys := letterKeys()

	before := map[string]NodeID{}
	for _, k := range keys {
		p, _ := r.GetPrimaryNode(k)
		before[k] = p.ID()
	}

	r.AddNode(newTestNode("node-4"))

	moved := 0
	for _, k := range keys {
		p, _ := r.GetPrimaryNode(k)
		if p.ID() != before[k] {
			moved++
			// keys only ever move to the joining node
			assert.Equal(t, NodeID("node-4"), p.ID())
		}
	}

	assert.True(t, moved < len(keys)/2)
}

func TestRing_RemoveNode(t *testing.T) {
	r := ringOf("A", "B", "C")
	v := r.Version()

	assert.True(t, r.RemoveNode("B"))
	assert.False(t, r.RemoveNode("B"))
	assert.Equal(t, 2, r.NodeCount())
	assert.True(t, r.Version() > v)
	assert.False(t, r.Contains("B"))

	for _, k := range letterKeys() {
		for _, n := range r.GetNodesForKey(k, 3) {
			assert.True(t, n.ID() != "B")
		}
	}
}

func TestRing_DuplicateAddIsNoop(t *testing.T) {
	r := ringOf("A")
	v := r.Version()

	assert.False(t, r.AddNode(newTestNode("A")))
	assert.Equal(t, v, r.Version())
	assert.Equal(t, DefaultVirtualNodes, len(r.Spots()))
}

func TestRing_ConcurrentReadersDuringRebuild(t *testing.T) {
	r := ringOf("A", "B")

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for i := range 50 {
			id := fmt.Sprintf("N%d", i)
			r.AddNode(newTestNode(id))
			r.RemoveNode(NodeID(id))
		}
	}()

	go func() {
		defer wg.Done()

		for i := range 2000 {
			nodes := r.GetNodesForKey(fmt.Sprintf("k%d", i), 2)
			if len(nodes) < 2 {
				t.Errorf("expected 2 owners, got %d", len(nodes))

				return
			}
		}
	}()

	wg.Wait()
}
