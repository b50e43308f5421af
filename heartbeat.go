package distcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
)

func (c *Cache) handleHeartbeat(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
	if peer, ok := c.node.Peer(cluster.NodeID(msg.From)); ok {
		peer.RecordHeartbeat(c.clock.Now())
	}

	return protocol.Ack(), nil
}

func (c *Cache) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.HeartbeatOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// HeartbeatOnce refreshes the local heartbeat, probes every peer in parallel
// and recomputes their health. Each probe is bounded by half the heartbeat
// interval. It returns the number of healthy peers.
func (c *Cache) HeartbeatOnce(ctx context.Context) int {
	c.node.Heartbeat()

	timeout := c.node.Config().HeartbeatInterval / 2

	var (
		wg      sync.WaitGroup
		healthy atomic.Int32
	)

	for _, peer := range c.node.Peers() {
		wg.Add(1)

		go func(peer *cluster.Node) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if c.proto.SendHeartbeat(probeCtx, peer) {
				peer.RecordHeartbeat(c.clock.Now())
			}

			if peer.CheckHealth() {
				healthy.Add(1)
			}
		}(peer)
	}

	wg.Wait()

	return int(healthy.Load())
}
