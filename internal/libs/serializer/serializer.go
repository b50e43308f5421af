// Package serializer converts wire messages to and from bytes. Every node of
// a cluster must be configured with the same serializer name.
package serializer

import (
	"sort"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/sentinel"
)

// Well-known serializer names.
const (
	JSON    = "json"
	Msgpack = "msgpack"
	CBOR    = "cbor"
	// Default is an alias of JSON.
	Default = "default"
)

// ISerializer is the interface that wraps the basic serializer methods.
type ISerializer interface {
	// Marshal serializes the given value into a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes the given byte slice into the given value.
	Unmarshal(data []byte, v any) error
}

// Registry manages serializer constructors.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]func() ISerializer
}

func defaultSerializers() map[string]func() ISerializer {
	return map[string]func() ISerializer{
		Default: func() ISerializer { return &JSONSerializer{} },
		JSON:    func() ISerializer { return &JSONSerializer{} },
		Msgpack: func() ISerializer { return &MsgpackSerializer{} },
		CBOR:    func() ISerializer { return NewCBORSerializer() },
	}
}

// NewSerializerRegistry creates a registry with json, msgpack and cbor pre-registered.
func NewSerializerRegistry() *Registry {
	r := NewEmptySerializerRegistry()
	for name, fn := range defaultSerializers() {
		r.Register(name, fn)
	}

	return r
}

// NewEmptySerializerRegistry creates a registry without serializers.
func NewEmptySerializerRegistry() *Registry {
	return &Registry{serializers: make(map[string]func() ISerializer)}
}

// Register registers a serializer constructor under name, replacing any previous one.
func (r *Registry) Register(name string, createFunc func() ISerializer) {
	r.mu.Lock()
	r.serializers[name] = createFunc
	r.mu.Unlock()
}

// Names lists the registered serializer names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// New returns a serializer by name.
func (r *Registry) New(name string) (ISerializer, error) {
	if name == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "serializer")
	}

	r.mu.RLock()
	createFunc, ok := r.serializers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrSerializerNotFound, name)
	}

	return createFunc(), nil
}

// New returns a serializer from a fresh default registry.
func New(name string) (ISerializer, error) {
	return NewSerializerRegistry().New(name)
}
