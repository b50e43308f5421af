package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/storage"
)

func endpoint(id string, sender protocol.Sender) (*protocol.Protocol, *storage.Storage) {
	n := cluster.NewNode(cluster.DefaultConfig(id, "127.0.0.1", 0))
	p := protocol.New(n, sender)
	s := storage.New()

	p.RegisterHandler(protocol.TypeReplicate, func(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		s.Put(msg.Entry())

		return protocol.Ack(), nil
	})
	p.RegisterHandler(protocol.TypeRequest, func(_ context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		e, ok := s.GetEntry(msg.Key)
		if !ok {
			return protocol.Ack(), nil
		}

		return &protocol.Reply{OK: true, Found: true, Entry: &e}, nil
	})

	return p, s
}

func TestInProcess_Delivery(t *testing.T) {
	codec, err := protocol.NewCodec("msgpack")
	assert.NoError(t, err)

	tr := NewInProcess(WithCodec(codec))
	a, _ := endpoint("a", tr)
	b, bs := endpoint("b", tr)

	tr.Register(a)
	tr.Register(b)

	ok := a.SendReplicate(context.Background(), b.Local(), storage.Entry{
		Key: "k", Value: []byte("v"), CreatedAt: time.Unix(1_700_000_000, 0),
	})
	assert.True(t, ok)

	v, found := bs.Get("k")
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	tr.Unregister("b")

	_, err = a.Send(context.Background(), b.Local(), &protocol.Message{Type: protocol.TypeHeartbeat})
	assert.True(t, errors.Is(err, sentinel.ErrNodeNotFound))
}

func TestInProcess_LatencyHonorsTimeout(t *testing.T) {
	tr := NewInProcess(WithLatency(time.Second))

	a, _ := endpoint("a", tr)
	b, _ := endpoint("b", tr)
	tr.Register(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.False(t, a.SendReplicate(ctx, b.Local(), storage.Entry{Key: "k"}))
}

func TestHTTP_RoundTrip(t *testing.T) {
	ctx := context.Background()

	codec, err := protocol.NewCodec("json")
	assert.NoError(t, err)

	servers := map[cluster.NodeID]*HTTPServer{}
	resolver := func(n *cluster.Node) (string, bool) {
		srv, ok := servers[n.ID()]
		if !ok {
			return "", false
		}

		return "http://" + srv.Address(), true
	}

	client := NewHTTPClient(time.Second, codec, resolver)

	a, _ := endpoint("a", client)
	b, bs := endpoint("b", client)

	srv := NewHTTPServer("127.0.0.1:0", b, codec, zerolog.Nop())
	assert.NoError(t, srv.Start(ctx))

	servers["b"] = srv

	defer func() { _ = srv.Stop(ctx) }()

	assert.NoError(t, client.Health(ctx, b.Local()))

	created := time.Unix(1_700_000_000, 0)
	ok := a.SendReplicate(ctx, b.Local(), storage.Entry{Key: "k", Value: []byte("v"), CreatedAt: created})
	assert.True(t, ok)

	v, found := bs.Get("k")
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	e, found, err := a.RequestKey(ctx, b.Local(), "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.True(t, created.Equal(e.CreatedAt))

	// no handler for deletes on b: remote error, not a transport failure
	_, err = a.Send(ctx, b.Local(), &protocol.Message{Type: protocol.TypeDelete, Key: "k"})
	assert.True(t, errors.Is(err, sentinel.ErrRemote))

	_, err = a.Send(ctx, cluster.NewNode(cluster.DefaultConfig("ghost", "127.0.0.1", 1)), &protocol.Message{Type: protocol.TypeHeartbeat})
	assert.True(t, errors.Is(err, sentinel.ErrNodeNotFound))
}
