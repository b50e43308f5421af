package storage

import (
	"maps"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Entry is one cached value. Storage keeps its own copy and hands out copies,
// so an Entry returned by any method can be modified freely.
type Entry struct {
	Key       string            `json:"key"        msgpack:"key"        codec:"key"`
	Value     []byte            `json:"value"      msgpack:"value"      codec:"value"`
	ExpiresAt time.Time         `json:"expires_at" msgpack:"expires_at" codec:"expires_at"` // zero means no expiry
	CreatedAt time.Time         `json:"created_at" msgpack:"created_at" codec:"created_at"`
	Metadata  map[string]string `json:"metadata"   msgpack:"metadata"   codec:"metadata"`
}

// Expired reports whether the entry is expired at now. An entry is expired
// from its expiry instant onwards.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Remaining returns the time left before expiry, clamped at zero.
// The boolean is false for entries without expiry.
func (e *Entry) Remaining(now time.Time) (time.Duration, bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}

	return max(e.ExpiresAt.Sub(now), 0), true
}

// Digest returns a stable fingerprint of the value.
func (e *Entry) Digest() uint64 { return xxhash.Sum64(e.Value) }

// Clone returns a deep copy.
func (e *Entry) Clone() Entry {
	cp := *e
	cp.Value = slices.Clone(e.Value)
	cp.Metadata = maps.Clone(e.Metadata)

	return cp
}

// NewerThan reports whether e wins a last-write-wins comparison against other.
func (e *Entry) NewerThan(other *Entry) bool { return e.CreatedAt.After(other.CreatedAt) }
