// Package storage implements the node-local, in-memory, TTL-aware key/value
// store. Keys are striped over ShardCount locks so that mutations of one key
// are serialized while unrelated keys proceed in parallel.
//
// Every removal (explicit delete, lazy expiry on read, eager sweep) is
// reported to the registered eviction observers as one unified event; the
// observers cannot tell why a key went away.
package storage

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/pkg/clock"
)

// EvictionObserver receives the key of every removed entry.
type EvictionObserver interface {
	OnEvicted(key string) error
}

// EvictionFunc adapts a function to EvictionObserver.
type EvictionFunc func(key string) error

// OnEvicted calls f(key).
func (f EvictionFunc) OnEvicted(key string) error { return f(key) }

type registration struct {
	id  uint64
	obs EvictionObserver
}

// Option configures Storage.
type Option func(*Storage)

// WithClock injects the time source used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(s *Storage) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the storage logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.log = l }
}

// Storage is the local cache store.
type Storage struct {
	m     shardedMap
	clock clock.Clock
	log   zerolog.Logger

	obsMu     sync.RWMutex
	observers []registration
	nextID    uint64
}

// New creates an empty Storage.
func New(opts ...Option) *Storage {
	s := &Storage{m: newShardedMap(), clock: clock.System{}, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}

	return s
}

// Store writes value under key stamped with the current time and returns the stored entry.
func (s *Storage) Store(key string, value []byte, expiresAt time.Time, metadata map[string]string) Entry {
	e := &Entry{
		Key:       key,
		Value:     slices.Clone(value),
		ExpiresAt: expiresAt,
		CreatedAt: s.clock.Now(),
		Metadata:  maps.Clone(metadata),
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}

	sh := s.m.shardFor(key)
	sh.Lock()
	sh.items[key] = e
	sh.Unlock()

	s.log.Debug().Str("key", key).Time("expires_at", expiresAt).Msg("stored")

	return e.Clone()
}

// Put applies an entry produced elsewhere (a replica write). The entry is
// rejected when the local copy was created later: last write wins on CreatedAt.
func (s *Storage) Put(e Entry) bool {
	if e.Key == "" {
		return false
	}

	cp := e.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock.Now()
	}

	if cp.Metadata == nil {
		cp.Metadata = map[string]string{}
	}

	sh := s.m.shardFor(cp.Key)
	sh.Lock()
	defer sh.Unlock()

	if cur, ok := sh.items[cp.Key]; ok && cur.NewerThan(&cp) {
		s.log.Debug().Str("key", cp.Key).Msg("stale put ignored")

		return false
	}

	sh.items[cp.Key] = &cp

	return true
}

// Get returns the value for key. Expired entries are evicted on the spot and
// reported absent on this and every later call.
func (s *Storage) Get(key string) ([]byte, bool) {
	e, ok := s.live(key)
	if !ok {
		return nil, false
	}

	return e.Value, true
}

// GetLive returns the full entry for key applying the same lazy expiry as Get.
func (s *Storage) GetLive(key string) (Entry, bool) { return s.live(key) }

func (s *Storage) live(key string) (Entry, bool) {
	sh := s.m.shardFor(key)

	sh.RLock()
	e, ok := sh.items[key]

	if !ok {
		sh.RUnlock()

		return Entry{}, false
	}

	if !e.Expired(s.clock.Now()) {
		cp := e.Clone()
		sh.RUnlock()

		return cp, true
	}

	sh.RUnlock()

	s.evictIfExpired(sh, key)

	return Entry{}, false
}

// evictIfExpired removes key only if the entry currently stored is still expired.
func (s *Storage) evictIfExpired(sh *shard, key string) {
	sh.Lock()

	e, ok := sh.items[key]
	if !ok || !e.Expired(s.clock.Now()) {
		sh.Unlock()

		return
	}

	delete(sh.items, key)
	sh.Unlock()

	s.log.Debug().Str("key", key).Msg("expired on read")
	s.notify(key)
}

// GetEntry returns the stored entry as is, including an expired one that has
// not been swept yet. Callers decide with Entry.Expired.
func (s *Storage) GetEntry(key string) (Entry, bool) {
	sh := s.m.shardFor(key)

	sh.RLock()
	defer sh.RUnlock()

	e, ok := sh.items[key]
	if !ok {
		return Entry{}, false
	}

	return e.Clone(), true
}

// Touch replaces the expiry of a live entry, leaving value, metadata and
// CreatedAt untouched. It returns false for missing or already expired keys.
func (s *Storage) Touch(key string, expiresAt time.Time) bool {
	sh := s.m.shardFor(key)
	sh.Lock()

	e, ok := sh.items[key]
	if !ok {
		sh.Unlock()

		return false
	}

	if e.Expired(s.clock.Now()) {
		delete(sh.items, key)
		sh.Unlock()
		s.notify(key)

		return false
	}

	e.ExpiresAt = expiresAt
	sh.Unlock()

	return true
}

// Delete removes key. Returns false if it was not present.
func (s *Storage) Delete(key string) bool {
	sh := s.m.shardFor(key)
	sh.Lock()

	_, ok := sh.items[key]
	if ok {
		delete(sh.items, key)
	}

	sh.Unlock()

	if ok {
		s.notify(key)
	}

	return ok
}

// CleanupExpired eagerly removes every expired entry and returns how many were removed.
func (s *Storage) CleanupExpired() int {
	now := s.clock.Now()

	var removed []string

	for _, sh := range s.m.shards {
		sh.Lock()

		for k, e := range sh.items {
			if e.Expired(now) {
				delete(sh.items, k)

				removed = append(removed, k)
			}
		}

		sh.Unlock()
	}

	for _, k := range removed {
		s.notify(k)
	}

	if len(removed) > 0 {
		s.log.Info().Int("removed", len(removed)).Msg("expired entries cleaned up")
	}

	return len(removed)
}

// Keys returns every stored key, sorted.
func (s *Storage) Keys() []string {
	keys := s.m.keys()
	sort.Strings(keys)

	return keys
}

// Len returns the number of stored entries, expired ones included.
func (s *Storage) Len() int { return s.m.count() }

// Clear drops every entry without notifying observers.
func (s *Storage) Clear() {
	n := s.m.clear()
	s.log.Info().Int("entries", n).Msg("storage cleared")
}

// RegisterEvictionObserver adds an observer and returns the function that removes it.
func (s *Storage) RegisterEvictionObserver(obs EvictionObserver) (unregister func()) {
	s.obsMu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, registration{id: id, obs: obs})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		s.observers = slices.DeleteFunc(s.observers, func(r registration) bool { return r.id == id })
		s.obsMu.Unlock()
	}
}

// RegisterEvictionCallback registers a plain function as observer.
func (s *Storage) RegisterEvictionCallback(fn func(key string) error) (unregister func()) {
	return s.RegisterEvictionObserver(EvictionFunc(fn))
}

// notify runs every observer; a failing observer never stops the others.
func (s *Storage) notify(key string) {
	s.obsMu.RLock()
	regs := slices.Clone(s.observers)
	s.obsMu.RUnlock()

	for _, r := range regs {
		err := safeNotify(r.obs, key)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("eviction callback failed")
		}
	}
}

func safeNotify(obs EvictionObserver, key string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ewrap.New(fmt.Sprintf("eviction observer panic: %v", rec))
		}
	}()

	return obs.OnEvicted(key)
}
