package cluster

import "sync/atomic"

// MembershipVersion tracks a monotonically increasing version for ring changes.
// Rebalance callers compare it before and after iterating keys.
type MembershipVersion struct {
	v atomic.Uint64
}

// Next increments and returns the next version.
func (mv *MembershipVersion) Next() uint64 { return mv.v.Add(1) }

// Get returns current version.
func (mv *MembershipVersion) Get() uint64 { return mv.v.Load() }
