package invalidation

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "distcache:invalidate"

type busMessage struct {
	From string `json:"from"`
	Key  string `json:"key"`
}

// RedisBus broadcasts invalidations over Redis pub/sub so that nodes outside
// the peer set drop their copies too.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	log     zerolog.Logger
}

// NewRedisBus creates a bus publishing as nodeID on channel (DefaultChannel if empty).
func NewRedisBus(client redis.UniversalClient, channel, nodeID string, log zerolog.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, sentinel.ErrNilClient
	}

	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisBus{client: client, channel: channel, nodeID: nodeID, log: log}, nil
}

// Channel returns the pub/sub channel name.
func (b *RedisBus) Channel() string { return b.channel }

// PublishInvalidation implements Publisher.
func (b *RedisBus) PublishInvalidation(ctx context.Context, key string) error {
	payload, err := json.Marshal(busMessage{From: b.nodeID, Key: key})
	if err != nil {
		return ewrap.Wrap(err, "marshal invalidation")
	}

	err = b.client.Publish(ctx, b.channel, payload).Err()
	if err != nil {
		return ewrap.Wrap(err, "publish invalidation")
	}

	return nil
}

// decode parses a bus payload; own messages are reported as not applicable.
func (b *RedisBus) decode(payload string) (string, bool) {
	var msg busMessage

	err := json.Unmarshal([]byte(payload), &msg)
	if err != nil {
		b.log.Warn().Err(err).Msg("malformed invalidation payload")

		return "", false
	}

	if msg.From == b.nodeID || msg.Key == "" {
		return "", false
	}

	return msg.Key, true
}

// Run subscribes to the channel and applies remote invalidations with m
// until ctx is canceled.
func (b *RedisBus) Run(ctx context.Context, m *Manager) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	_, err := pubsub.Receive(ctx)
	if err != nil {
		return ewrap.Wrap(err, "subscribe invalidation channel")
	}

	b.log.Info().Str("channel", b.channel).Msg("invalidation bus subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			if key, apply := b.decode(msg.Payload); apply {
				m.HandleRemoteInvalidation(ctx, key)
			}
		}
	}
}
