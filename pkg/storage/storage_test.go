package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/distcache/pkg/clock"
)

func newFakeStorage() (*Storage, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))

	return New(WithClock(fc)), fc
}

func TestStorage_StoreGet(t *testing.T) {
	s, fc := newFakeStorage()

	e := s.Store("user:1", []byte("alice"), time.Time{}, map[string]string{"src": "test"})
	assert.Equal(t, fc.Now(), e.CreatedAt)

	v, ok := s.Get("user:1")
	assert.True(t, ok)
	assert.Equal(t, "alice", string(v))

	_, ok = s.Get("missing")
	assert.False(t, ok)

	// returned values are copies
	v[0] = 'X'
	v2, _ := s.Get("user:1")
	assert.Equal(t, "alice", string(v2))
}

func TestStorage_LazyExpiry(t *testing.T) {
	s, fc := newFakeStorage()

	var evicted []string

	s.RegisterEvictionCallback(func(key string) error {
		evicted = append(evicted, key)

		return nil
	})

	s.Store("k", []byte("v"), fc.Now().Add(5*time.Second), nil)

	fc.Advance(4 * time.Second)

	_, ok := s.Get("k")
	assert.True(t, ok)

	fc.Advance(time.Second) // exactly at expiry counts as expired

	_, ok = s.Get("k")
	assert.False(t, ok)
	_, ok = s.Get("k")
	assert.False(t, ok)

	assert.Equal(t, []string{"k"}, evicted)
	assert.Equal(t, 0, s.Len())
}

func TestStorage_GetEntryReturnsExpiredCopy(t *testing.T) {
	s, fc := newFakeStorage()
	s.Store("k", []byte("v"), fc.Now().Add(time.Second), nil)

	fc.Advance(2 * time.Second)

	e, ok := s.GetEntry("k")
	assert.True(t, ok)
	assert.True(t, e.Expired(fc.Now()))

	_, ok = s.GetLive("k")
	assert.False(t, ok)
}

func TestStorage_PutLastWriteWins(t *testing.T) {
	s, fc := newFakeStorage()
	base := fc.Now()

	assert.True(t, s.Put(Entry{Key: "k", Value: []byte("new"), CreatedAt: base.Add(time.Second)}))
	assert.False(t, s.Put(Entry{Key: "k", Value: []byte("old"), CreatedAt: base}))

	v, _ := s.Get("k")
	assert.Equal(t, "new", string(v))

	// equal timestamps are accepted
	assert.True(t, s.Put(Entry{Key: "k", Value: []byte("same"), CreatedAt: base.Add(time.Second)}))
	assert.False(t, s.Put(Entry{Value: []byte("no key")}))
}

func TestStorage_Touch(t *testing.T) {
	s, fc := newFakeStorage()
	e := s.Store("k", []byte("v"), fc.Now().Add(time.Second), map[string]string{"a": "b"})

	assert.True(t, s.Touch("k", fc.Now().Add(time.Minute)))

	got, _ := s.GetEntry("k")
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
	assert.Equal(t, fc.Now().Add(time.Minute), got.ExpiresAt)
	assert.Equal(t, "b", got.Metadata["a"])

	fc.Advance(2 * time.Minute)
	assert.False(t, s.Touch("k", fc.Now().Add(time.Minute)))
	assert.False(t, s.Touch("missing", fc.Now()))
	assert.Equal(t, 0, s.Len())
}

func TestStorage_DeleteNotifies(t *testing.T) {
	s, _ := newFakeStorage()

	var calls atomic.Int32

	unregister := s.RegisterEvictionCallback(func(string) error {
		calls.Add(1)

		return nil
	})

	s.Store("k", []byte("v"), time.Time{}, nil)
	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	assert.Equal(t, int32(1), calls.Load())

	unregister()
	s.Store("k", []byte("v"), time.Time{}, nil)
	s.Delete("k")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStorage_FailingObserversAreIsolated(t *testing.T) {
	s, _ := newFakeStorage()

	var reached bool

	s.RegisterEvictionCallback(func(string) error { panic("boom") })
	s.RegisterEvictionCallback(func(string) error { return errors.New("nope") })
	s.RegisterEvictionCallback(func(string) error {
		reached = true

		return nil
	})

	s.Store("k", []byte("v"), time.Time{}, nil)
	assert.True(t, s.Delete("k"))
	assert.True(t, reached)
}

func TestStorage_CleanupExpired(t *testing.T) {
	s, fc := newFakeStorage()

	for i := range 10 {
		ttl := time.Duration(i+1) * time.Second
		s.Store(fmt.Sprintf("k%d", i), []byte("v"), fc.Now().Add(ttl), nil)
	}

	s.Store("forever", []byte("v"), time.Time{}, nil)

	fc.Advance(5 * time.Second)
	assert.Equal(t, 5, s.CleanupExpired())
	assert.Equal(t, 0, s.CleanupExpired())
	assert.Equal(t, 6, s.Len())

	keys := s.Keys()
	assert.Equal(t, "forever", keys[0])
}

func TestStorage_ClearDoesNotNotify(t *testing.T) {
	s, _ := newFakeStorage()

	var calls atomic.Int32

	s.RegisterEvictionCallback(func(string) error {
		calls.Add(1)

		return nil
	})

	s.Store("a", []byte("1"), time.Time{}, nil)
	s.Store("b", []byte("2"), time.Time{}, nil)
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int32(0), calls.Load())
}

func TestStorage_ConcurrentAccess(t *testing.T) {
	s, _ := newFakeStorage()

	var wg sync.WaitGroup

	for w := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 200 {
				key := fmt.Sprintf("w%d-%d", w, i)
				s.Store(key, []byte(key), time.Time{}, nil)
				s.Get(key)

				if i%2 == 0 {
					s.Delete(key)
				}
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 8*100, s.Len())
}
