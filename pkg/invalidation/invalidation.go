// Package invalidation removes keys on demand, propagates the removal to
// peers and runs per-key callbacks whenever a key leaves local storage,
// whatever the reason (invalidation, delete, expiry or sweep).
package invalidation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/storage"
)

// Callback runs when its key is removed from local storage.
type Callback func(key string)

// Publisher broadcasts invalidations beyond the peer set.
type Publisher interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Option configures Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithPublisher attaches a broadcast publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

type callbackReg struct {
	id uint64
	fn Callback
}

// Manager handles invalidation for one node. It observes the storage it is
// created with until Close.
type Manager struct {
	local     *cluster.Node
	store     *storage.Storage
	proto     *protocol.Protocol
	publisher Publisher
	log       zerolog.Logger

	mu        sync.RWMutex
	callbacks map[string][]callbackReg
	nextID    uint64

	unobserve func()
	closeOnce sync.Once

	propagated atomic.Int64
	received   atomic.Int64
}

// NewManager creates a manager and registers it as eviction observer of store.
func NewManager(local *cluster.Node, store *storage.Storage, proto *protocol.Protocol, opts ...Option) *Manager {
	m := &Manager{
		local:     local,
		store:     store,
		proto:     proto,
		log:       zerolog.Nop(),
		callbacks: map[string][]callbackReg{},
	}
	for _, o := range opts {
		o(m)
	}

	m.unobserve = store.RegisterEvictionObserver(m)

	return m
}

// SetPublisher attaches or replaces the broadcast publisher.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// OnEvicted implements storage.EvictionObserver by running the callbacks of key.
func (m *Manager) OnEvicted(key string) error {
	m.mu.RLock()
	regs := append([]callbackReg(nil), m.callbacks[key]...)
	m.mu.RUnlock()

	failed := 0

	for _, r := range regs {
		if err := runCallback(r.fn, key); err != nil {
			failed++

			m.log.Error().Err(err).Str("key", key).Msg("invalidation callback failed")
		}
	}

	if failed > 0 {
		return ewrap.Newf("%d invalidation callbacks failed for %q", failed, key)
	}

	return nil
}

func runCallback(fn Callback, key string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = ewrap.New(fmt.Sprintf("callback panic: %v", rec))
		}
	}()

	fn(key)

	return nil
}

// InvalidateKey removes key locally and, when propagate is set, on every
// peer. Propagation happens even if the key was absent locally. Returns
// whether the key was present locally.
func (m *Manager) InvalidateKey(ctx context.Context, key string, propagate bool) bool {
	removed := m.store.Delete(key)

	if propagate {
		m.propagate(ctx, key)
	}

	m.log.Debug().Str("key", key).Bool("removed", removed).Bool("propagate", propagate).Msg("key invalidated")

	return removed
}

func (m *Manager) propagate(ctx context.Context, key string) {
	peers := m.local.Peers()

	var wg sync.WaitGroup

	for _, p := range peers {
		wg.Add(1)

		go func(p *cluster.Node) {
			defer wg.Done()

			if !m.proto.SendInvalidate(ctx, p, key) {
				m.log.Warn().Str("key", key).Str("peer", string(p.ID())).Msg("invalidation not delivered")

				return
			}

			m.propagated.Add(1)
		}(p)
	}

	wg.Wait()

	m.mu.RLock()
	pub := m.publisher
	m.mu.RUnlock()

	if pub != nil {
		if err := pub.PublishInvalidation(ctx, key); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("invalidation publish failed")
		}
	}
}

// InvalidatePattern invalidates every local key starting with prefix and
// returns how many live entries were removed. Entries already expired are
// still invalidated but not counted.
func (m *Manager) InvalidatePattern(ctx context.Context, prefix string) int {
	count := 0

	for _, key := range m.store.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		_, live := m.store.GetLive(key)

		if m.InvalidateKey(ctx, key, true) && live {
			count++
		}
	}

	m.log.Info().Str("prefix", prefix).Int("removed", count).Msg("pattern invalidated")

	return count
}

// HandleRemoteInvalidation applies an invalidation received from another node without re-propagating it.
func (m *Manager) HandleRemoteInvalidation(_ context.Context, key string) bool {
	m.received.Add(1)

	return m.store.Delete(key)
}

// RegisterHandlers installs the inbound invalidate handler on p.
func (m *Manager) RegisterHandlers(p *protocol.Protocol) {
	p.RegisterHandler(protocol.TypeInvalidate, func(ctx context.Context, msg *protocol.Message) (*protocol.Reply, error) {
		m.HandleRemoteInvalidation(ctx, msg.Key)

		return protocol.Ack(), nil
	})
}

// RegisterInvalidationCallback adds fn for key and returns the function removing it.
func (m *Manager) RegisterInvalidationCallback(key string, fn Callback) (unregister func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.callbacks[key] = append(m.callbacks[key], callbackReg{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		regs := m.callbacks[key]
		for i, r := range regs {
			if r.id == id {
				regs = append(regs[:i], regs[i+1:]...)

				break
			}
		}

		if len(regs) == 0 {
			delete(m.callbacks, key)
		} else {
			m.callbacks[key] = regs
		}
	}
}

// CleanupCallbacks drops every callback registered for key.
func (m *Manager) CleanupCallbacks(key string) {
	m.mu.Lock()
	delete(m.callbacks, key)
	m.mu.Unlock()
}

// CallbackCount returns the number of registered callbacks over all keys.
func (m *Manager) CallbackCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, regs := range m.callbacks {
		n += len(regs)
	}

	return n
}

// Stats reports delivered outbound and applied inbound invalidations.
func (m *Manager) Stats() (propagated, received int64) {
	return m.propagated.Load(), m.received.Load()
}

// Close stops observing storage. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(m.unobserve)
}
