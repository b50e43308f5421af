package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/storage"
)

// DefaultTimeout bounds every outbound message.
const DefaultTimeout = 2 * time.Second

// Option configures Protocol.
type Option func(*Protocol)

// WithTimeout sets the per-message timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock injects the time source used to stamp messages.
func WithClock(c clock.Clock) Option {
	return func(p *Protocol) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the protocol logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Protocol) { p.log = l }
}

// Protocol sends typed messages to peers and dispatches inbound ones.
type Protocol struct {
	local   *cluster.Node
	timeout time.Duration
	clock   clock.Clock
	log     zerolog.Logger

	mu       sync.RWMutex
	sender   Sender
	handlers map[MessageType]Handler
}

// New creates a protocol endpoint for local. sender may be nil until SetSender is called.
func New(local *cluster.Node, sender Sender, opts ...Option) *Protocol {
	p := &Protocol{
		local:    local,
		sender:   sender,
		timeout:  DefaultTimeout,
		clock:    clock.System{},
		log:      zerolog.Nop(),
		handlers: map[MessageType]Handler{},
	}
	for _, o := range opts {
		o(p)
	}

	return p
}

// Local returns the node this endpoint belongs to.
func (p *Protocol) Local() *cluster.Node { return p.local }

// Timeout returns the per-message timeout.
func (p *Protocol) Timeout() time.Duration { return p.timeout }

// SetSender replaces the transport collaborator.
func (p *Protocol) SetSender(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

// RegisterHandler installs h for inbound messages of type t, replacing any previous handler.
func (p *Protocol) RegisterHandler(t MessageType, h Handler) {
	p.mu.Lock()
	p.handlers[t] = h
	p.mu.Unlock()
}

// HandleMessage dispatches an inbound message to its handler.
func (p *Protocol) HandleMessage(ctx context.Context, msg *Message) (*Reply, error) {
	if msg == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "message")
	}

	p.mu.RLock()
	h, ok := p.handlers[msg.Type]
	p.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrNoHandler, "type %s", msg.Type)
	}

	reply, err := h(ctx, msg)
	if err != nil {
		p.log.Warn().Err(err).Str("type", string(msg.Type)).Str("from", msg.From).Str("key", msg.Key).Msg("handler failed")

		return nil, err
	}

	if reply == nil {
		reply = Ack()
	}

	return reply, nil
}

// Send stamps msg and delivers it to target within the protocol timeout.
// A reply carrying an error string is reported as ErrRemote.
func (p *Protocol) Send(ctx context.Context, target *cluster.Node, msg *Message) (*Reply, error) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()

	if sender == nil {
		return nil, sentinel.ErrNilSender
	}

	if target == nil {
		return nil, ewrap.Wrap(sentinel.ErrNodeNotFound, "nil target")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	msg.From = string(p.local.ID())
	msg.Timestamp = p.clock.Now()

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := sender.Send(sendCtx, target, msg)
	if err != nil {
		if sendCtx.Err() != nil {
			return nil, ewrap.Wrapf(sentinel.ErrTimeoutOrCanceled, "%s to %s", msg.Type, target.ID())
		}

		return nil, ewrap.Wrapf(err, "%s to %s", msg.Type, target.ID())
	}

	if reply == nil {
		return nil, ewrap.Wrapf(sentinel.ErrRemote, "%s to %s: empty reply", msg.Type, target.ID())
	}

	if reply.Error != "" {
		return reply, ewrap.Wrapf(sentinel.ErrRemote, "%s to %s: %s", msg.Type, target.ID(), reply.Error)
	}

	return reply, nil
}

func (p *Protocol) sendAck(ctx context.Context, target *cluster.Node, msg *Message) bool {
	reply, err := p.Send(ctx, target, msg)
	if err != nil {
		p.log.Debug().Err(err).Str("type", string(msg.Type)).Str("target", string(target.ID())).Msg("send failed")

		return false
	}

	return reply.OK
}

// SendReplicate ships e to target. Returns true on acknowledgement.
func (p *Protocol) SendReplicate(ctx context.Context, target *cluster.Node, e storage.Entry) bool {
	return p.sendAck(ctx, target, &Message{
		Type:      TypeReplicate,
		Key:       e.Key,
		Value:     e.Value,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
		Metadata:  e.Metadata,
	})
}

// SendDelete asks target to delete key.
func (p *Protocol) SendDelete(ctx context.Context, target *cluster.Node, key string) bool {
	return p.sendAck(ctx, target, &Message{Type: TypeDelete, Key: key})
}

// SendInvalidate asks target to invalidate key.
func (p *Protocol) SendInvalidate(ctx context.Context, target *cluster.Node, key string) bool {
	return p.sendAck(ctx, target, &Message{Type: TypeInvalidate, Key: key})
}

// SendHeartbeat announces this node to target.
func (p *Protocol) SendHeartbeat(ctx context.Context, target *cluster.Node) bool {
	return p.sendAck(ctx, target, &Message{Type: TypeHeartbeat})
}

// RequestKey fetches the raw entry for key from target. The entry may be expired.
func (p *Protocol) RequestKey(ctx context.Context, target *cluster.Node, key string) (storage.Entry, bool, error) {
	reply, err := p.Send(ctx, target, &Message{Type: TypeRequest, Key: key})
	if err != nil {
		return storage.Entry{}, false, err
	}

	if !reply.Found || reply.Entry == nil {
		return storage.Entry{}, false, nil
	}

	return reply.Entry.Clone(), true, nil
}
