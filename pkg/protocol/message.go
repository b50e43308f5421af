// Package protocol defines the inter-node message shapes and dispatches
// inbound messages to the handlers registered by the cache components.
// Delivery is delegated to a Sender supplied by a transport.
package protocol

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/storage"
)

// MessageType identifies the operation carried by a Message.
type MessageType string

// Message types.
const (
	TypeReplicate  MessageType = "replicate"
	TypeDelete     MessageType = "delete"
	TypeInvalidate MessageType = "invalidate"
	TypeRequest    MessageType = "request"
	TypeHeartbeat  MessageType = "heartbeat"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeReplicate, TypeDelete, TypeInvalidate, TypeRequest, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// Message is the envelope exchanged between nodes. Only the fields relevant
// to Type are populated.
type Message struct {
	ID        string            `json:"id"                   msgpack:"id"         codec:"id"`
	Type      MessageType       `json:"type"                 msgpack:"type"       codec:"type"`
	From      string            `json:"from"                 msgpack:"from"       codec:"from"`
	Key       string            `json:"key,omitempty"        msgpack:"key"        codec:"key"`
	Value     []byte            `json:"value,omitempty"      msgpack:"value"      codec:"value"`
	ExpiresAt time.Time         `json:"expires_at"           msgpack:"expires_at" codec:"expires_at"`
	CreatedAt time.Time         `json:"created_at"           msgpack:"created_at" codec:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"   msgpack:"metadata"   codec:"metadata"`
	Timestamp time.Time         `json:"timestamp"            msgpack:"timestamp"  codec:"timestamp"`
}

// Entry rebuilds the storage entry carried by a replicate message.
func (m *Message) Entry() storage.Entry {
	return storage.Entry{
		Key:       m.Key,
		Value:     slices.Clone(m.Value),
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
		Metadata:  maps.Clone(m.Metadata),
	}
}

// Reply is the answer to a Message.
type Reply struct {
	OK    bool           `json:"ok"              msgpack:"ok"    codec:"ok"`
	Found bool           `json:"found,omitempty" msgpack:"found" codec:"found"`
	Entry *storage.Entry `json:"entry,omitempty" msgpack:"entry" codec:"entry"`
	Error string         `json:"error,omitempty" msgpack:"error" codec:"error"`
}

// Ack is the successful empty reply.
func Ack() *Reply { return &Reply{OK: true} }

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg *Message) (*Reply, error)

// Sender delivers a message to a peer and returns its reply. Implementations
// must honor ctx cancellation.
type Sender interface {
	Send(ctx context.Context, target *cluster.Node, msg *Message) (*Reply, error)
}
