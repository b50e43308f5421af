// Package ttl computes expiries against the injected clock and runs the
// periodic sweep that evicts expired entries from storage.
package ttl

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/storage"
)

const (
	// DefaultTTL applies when a non-positive ttl is requested.
	DefaultTTL = 300 * time.Second

	defaultJoinTimeout = 5 * time.Second
)

// Option configures Manager.
type Option func(*Manager)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// WithClock injects the time source; it must be the same clock the storage uses.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns expiry computation and the cleanup loop.
type Manager struct {
	store      *storage.Storage
	clock      clock.Clock
	defaultTTL time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager over store.
func NewManager(store *storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		clock:      clock.System{},
		defaultTTL: DefaultTTL,
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

// DefaultTTL returns the ttl used for non-positive requests.
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// ExpiryFor returns the absolute expiry for ttl, starting now.
func (m *Manager) ExpiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	return m.clock.Now().Add(ttl)
}

// SetWithTTL stores value under key expiring after ttl.
func (m *Manager) SetWithTTL(key string, value []byte, ttl time.Duration) storage.Entry {
	return m.store.Store(key, value, m.ExpiryFor(ttl), nil)
}

// GetTTL returns the time left for key. Missing and expired keys report false.
func (m *Manager) GetTTL(key string) (time.Duration, bool) {
	e, ok := m.store.GetLive(key)
	if !ok {
		return 0, false
	}

	rem, has := e.Remaining(m.clock.Now())
	if !has {
		// no expiry
		return 0, false
	}

	return rem, true
}

// IsExpired reports whether key is expired. A missing key counts as expired.
func (m *Manager) IsExpired(key string) bool {
	e, ok := m.store.GetEntry(key)
	if !ok {
		return true
	}

	return e.Expired(m.clock.Now())
}

// RefreshTTL moves the expiry of key to now+ttl keeping value and metadata.
func (m *Manager) RefreshTTL(key string, ttl time.Duration) bool {
	ok := m.store.Touch(key, m.ExpiryFor(ttl))
	if ok {
		m.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("ttl refreshed")
	}

	return ok
}

// StartCleanup starts the sweep loop. It fails if the loop already runs.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return sentinel.ErrInvalidInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return sentinel.ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.cleanupLoop(loopCtx, interval, m.done)

	m.log.Info().Dur("interval", interval).Msg("ttl cleanup started")

	return nil
}

func (m *Manager) cleanupLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.store.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

// StopCleanup stops the loop and waits for it, bounded by ctx or 5s.
func (m *Manager) StopCleanup(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	timer := time.NewTimer(defaultJoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		m.log.Info().Msg("ttl cleanup stopped")

		return nil
	case <-ctx.Done():
		return sentinel.ErrTimeoutOrCanceled
	case <-timer.C:
		return sentinel.ErrTimeoutOrCanceled
	}
}
