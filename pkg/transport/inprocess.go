// Package transport provides the Sender implementations used by the
// protocol: an in-process transport for tests and single-binary
// simulations, and an HTTP transport for real deployments.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
)

// InProcess delivers messages between protocol endpoints living in the same process.
type InProcess struct {
	mu        sync.RWMutex
	endpoints map[cluster.NodeID]*protocol.Protocol
	codec     *protocol.Codec
	latency   time.Duration
}

// InProcessOption configures InProcess.
type InProcessOption func(*InProcess)

// WithCodec encodes and decodes every message and reply, exercising the wire format.
func WithCodec(c *protocol.Codec) InProcessOption {
	return func(t *InProcess) { t.codec = c }
}

// WithLatency delays every delivery by d.
func WithLatency(d time.Duration) InProcessOption {
	return func(t *InProcess) { t.latency = d }
}

// NewInProcess creates an empty transport.
func NewInProcess(opts ...InProcessOption) *InProcess {
	t := &InProcess{endpoints: map[cluster.NodeID]*protocol.Protocol{}}
	for _, o := range opts {
		o(t)
	}

	return t
}

// Register adds an endpoint; safe to call multiple times.
func (t *InProcess) Register(p *protocol.Protocol) {
	if p == nil || p.Local() == nil {
		return
	}

	t.mu.Lock()
	t.endpoints[p.Local().ID()] = p
	t.mu.Unlock()
}

// Unregister removes an endpoint, simulating a crashed or partitioned node.
func (t *InProcess) Unregister(id cluster.NodeID) {
	t.mu.Lock()
	delete(t.endpoints, id)
	t.mu.Unlock()
}

// Send implements protocol.Sender.
func (t *InProcess) Send(ctx context.Context, target *cluster.Node, msg *protocol.Message) (*protocol.Reply, error) {
	t.mu.RLock()
	p, ok := t.endpoints[target.ID()]
	t.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrNodeNotFound, string(target.ID()))
	}

	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	in, err := t.roundTripMessage(msg)
	if err != nil {
		return nil, err
	}

	reply, err := p.HandleMessage(ctx, in)
	if err != nil {
		reply = &protocol.Reply{Error: err.Error()}
	}

	return t.roundTripReply(reply)
}

func (t *InProcess) roundTripMessage(msg *protocol.Message) (*protocol.Message, error) {
	if t.codec == nil {
		cp := *msg

		return &cp, nil
	}

	data, err := t.codec.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	return t.codec.DecodeMessage(data)
}

func (t *InProcess) roundTripReply(r *protocol.Reply) (*protocol.Reply, error) {
	if t.codec == nil {
		return r, nil
	}

	data, err := t.codec.EncodeReply(r)
	if err != nil {
		return nil, err
	}

	return t.codec.DecodeReply(data)
}
