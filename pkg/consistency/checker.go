// Package consistency implements the tunable consistency levels on top of
// local storage and replication, and the background audit that detects and
// repairs divergent replicas.
package consistency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hyp3rd/distcache/internal/sentinel"
	"github.com/hyp3rd/distcache/pkg/clock"
	"github.com/hyp3rd/distcache/pkg/cluster"
	"github.com/hyp3rd/distcache/pkg/protocol"
	"github.com/hyp3rd/distcache/pkg/replication"
	"github.com/hyp3rd/distcache/pkg/storage"
)

const (
	// DefaultSkewTolerance is the expiry difference below which two copies agree.
	DefaultSkewTolerance = time.Second
	// DefaultSampleSize is the number of keys audited per tick.
	DefaultSampleSize = 100

	defaultRepairRate  = 50
	defaultRepairBurst = 10
	defaultJoinTimeout = 5 * time.Second
)

// Option configures Checker.
type Option func(*Checker)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(ch *Checker) {
		if c != nil {
			ch.clock = c
		}
	}
}

// WithLogger sets the checker logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ch *Checker) { ch.log = l }
}

// WithSkewTolerance sets the tolerated expiry difference between copies.
func WithSkewTolerance(d time.Duration) Option {
	return func(ch *Checker) {
		if d >= 0 {
			ch.skew = d
		}
	}
}

// WithSampleSize sets how many keys each audit tick inspects.
func WithSampleSize(n int) Option {
	return func(ch *Checker) {
		if n > 0 {
			ch.sampleSize = n
		}
	}
}

// WithRepairRate limits repairs to r per second with the given burst.
func WithRepairRate(r float64, burst int) Option {
	return func(ch *Checker) {
		if r > 0 && burst > 0 {
			ch.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// Checker enforces consistency levels and audits replicas.
type Checker struct {
	local      *cluster.Node
	store      *storage.Storage
	repl       *replication.Manager
	proto      *protocol.Protocol
	clock      clock.Clock
	log        zerolog.Logger
	skew       time.Duration
	sampleSize int
	limiter    *rate.Limiter

	mu        sync.Mutex
	cursor    int
	lastCheck time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	late      sync.WaitGroup

	checks          atomic.Int64
	inconsistencies atomic.Int64
	repairs         atomic.Int64
	skipped         atomic.Int64
}

// NewChecker creates a checker for the local node.
func NewChecker(local *cluster.Node, store *storage.Storage, repl *replication.Manager, proto *protocol.Protocol, opts ...Option) *Checker {
	ch := &Checker{
		local:      local,
		store:      store,
		repl:       repl,
		proto:      proto,
		clock:      clock.System{},
		log:        zerolog.Nop(),
		skew:       DefaultSkewTolerance,
		sampleSize: DefaultSampleSize,
		limiter:    rate.NewLimiter(rate.Limit(defaultRepairRate), defaultRepairBurst),
	}
	for _, o := range opts {
		o(ch)
	}

	return ch
}

func (c *Checker) required(level Level, key string) (required, expected int) {
	replicas := len(c.repl.ReplicaNodes(key))

	return RequiredAcks(level, len(c.repl.Owners(key)), replicas), replicas
}

// WriteResult describes the outcome of a write.
type WriteResult struct {
	Level    Level         `json:"level"`
	Entry    storage.Entry `json:"-"`
	Acks     int           `json:"acks"`
	Required int           `json:"required"`
	Expected int           `json:"expected"`
	Degraded bool          `json:"degraded"`
}

// WriteWithConsistency stores the value locally and replicates it according
// to level. The local write is kept even when the level is not met; the
// result then carries Degraded and the error wraps ErrQuorumNotMet.
func (c *Checker) WriteWithConsistency(
	ctx context.Context,
	key string,
	value []byte,
	expiresAt time.Time,
	metadata map[string]string,
	level Level,
) (WriteResult, error) {
	e := c.store.Store(key, value, expiresAt, metadata)
	required, expected := c.required(level, key)

	res := WriteResult{Level: level, Entry: e, Required: required, Expected: expected}

	switch level {
	case One:
	case Eventual:
		c.repl.ReplicateAsync(e)
	case Quorum, All:
		fan := c.repl.Fanout(ctx, e, required)
		res.Acks = fan.Acked

		if fan.Acked < required {
			res.Degraded = true

			return res, ewrap.Wrapf(sentinel.ErrQuorumNotMet, "%s write %q: %d/%d acks", level, key, fan.Acked, required)
		}
	default:
		return res, ewrap.Wrapf(sentinel.ErrInvalidConsistencyLevel, "%d", int(level))
	}

	return res, nil
}

// ReadResult describes the outcome of a read.
type ReadResult struct {
	Value     []byte        `json:"value"`
	Entry     storage.Entry `json:"-"`
	Found     bool          `json:"found"`
	Level     Level         `json:"level"`
	Responses int           `json:"responses"`
	Required  int           `json:"required"`
	Repaired  bool          `json:"repaired"`
	Degraded  bool          `json:"degraded"`
}

type replicaRead struct {
	e   storage.Entry
	ok  bool
	err error
}

// ReadWithConsistency reads key at level. QUORUM and ALL consult the
// replicas concurrently and return as soon as the level's requirement is
// met, keeping the newest copy seen so far and repairing the local one when
// a replica was newer. Replies arriving after that still repair the local
// copy in the background. When too few replicas answer the best known value
// is returned with Degraded set and an error wrapping ErrDegradedRead.
func (c *Checker) ReadWithConsistency(ctx context.Context, key string, level Level) (ReadResult, error) {
	local, found := c.store.GetLive(key)
	res := ReadResult{Level: level, Entry: local, Found: found, Value: local.Value}

	if level != Quorum && level != All {
		return res, nil
	}

	replicas := c.repl.ReplicaNodes(key)
	res.Required = RequiredAcks(level, len(c.repl.Owners(key)), len(replicas))

	if len(replicas) == 0 {
		return res, nil
	}

	ch := make(chan replicaRead, len(replicas))
	for _, n := range replicas {
		go func(n *cluster.Node) {
			e, ok, err := c.proto.RequestKey(ctx, n, key)
			ch <- replicaRead{e: e, ok: ok, err: err}
		}(n)
	}

	now := c.clock.Now()
	best, bestOK := local, found
	pending := len(replicas)

	for pending > 0 && res.Responses < res.Required {
		r := <-ch
		pending--

		if r.err != nil {
			continue
		}

		res.Responses++

		if !r.ok || r.e.Expired(now) {
			continue
		}

		if !bestOK || r.e.NewerThan(&best) {
			best, bestOK = r.e, true
		}
	}

	if pending > 0 {
		c.late.Add(1)

		go c.repairFromLate(key, ch, pending)
	}

	if bestOK && (!found || best.NewerThan(&local)) {
		res.Repaired = c.store.Put(best)
		if res.Repaired {
			c.log.Debug().Str("key", key).Msg("read repaired local copy")
		}
	}

	res.Entry, res.Found, res.Value = best, bestOK, best.Value

	if res.Responses < res.Required {
		res.Degraded = true

		return res, ewrap.Wrapf(sentinel.ErrDegradedRead, "%s read %q: %d/%d replicas", level, key, res.Responses, res.Required)
	}

	return res, nil
}

// repairFromLate applies replies that arrived after a read returned.
func (c *Checker) repairFromLate(key string, ch <-chan replicaRead, pending int) {
	defer c.late.Done()

	for range pending {
		r := <-ch
		if r.err != nil || !r.ok || r.e.Expired(c.clock.Now()) {
			continue
		}

		if cur, ok := c.store.GetEntry(key); ok && !r.e.NewerThan(&cur) {
			continue
		}

		if c.store.Put(r.e) {
			c.log.Debug().Str("key", key).Msg("late reply repaired local copy")
		}
	}
}

// WaitRepairs blocks until every background read repair has finished.
func (c *Checker) WaitRepairs() { c.late.Wait() }

// ReplicaState is what one replica holds for a key.
type ReplicaState struct {
	Node      string    `json:"node"`
	Reachable bool      `json:"reachable"`
	Exists    bool      `json:"exists"`
	Expired   bool      `json:"expired"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Digest    uint64    `json:"digest"`
}

// Report is the result of auditing one key.
type Report struct {
	Key            string         `json:"key"`
	Consistent     bool           `json:"consistent"`
	LocalExists    bool           `json:"local_exists"`
	LocalExpired   bool           `json:"local_expired"`
	ReplicaCount   int            `json:"replica_count"`
	Replicas       []ReplicaState `json:"replicas"`
	Divergent      []string       `json:"divergent"`
	CheckedAt      time.Time      `json:"checked_at"`
	SinceLastCheck time.Duration  `json:"since_last_check"`
}

// CheckConsistency compares the local copy of key with every replica.
// Expired copies count as absent. Live copies must agree on CreatedAt, on
// the value digest and on ExpiresAt within the skew tolerance. Unreachable
// replicas are reported but not counted as divergent.
func (c *Checker) CheckConsistency(ctx context.Context, key string) Report {
	now := c.clock.Now()

	c.mu.Lock()
	var since time.Duration
	if !c.lastCheck.IsZero() {
		since = now.Sub(c.lastCheck)
	}

	c.lastCheck = now
	c.mu.Unlock()

	local, exists := c.store.GetEntry(key)
	rep := Report{
		Key:            key,
		LocalExists:    exists,
		LocalExpired:   exists && local.Expired(now),
		Replicas:       []ReplicaState{},
		Divergent:      []string{},
		CheckedAt:      now,
		SinceLastCheck: since,
	}

	localLive := exists && !rep.LocalExpired

	for _, st := range c.replicaStates(ctx, key, now) {
		rep.ReplicaCount++
		rep.Replicas = append(rep.Replicas, st)

		if st.Reachable && c.diverges(&local, localLive, &st) {
			rep.Divergent = append(rep.Divergent, st.Node)
		}
	}

	rep.Consistent = len(rep.Divergent) == 0

	c.checks.Add(1)

	if !rep.Consistent {
		c.inconsistencies.Add(1)
		c.log.Warn().Str("key", key).Strs("divergent", rep.Divergent).Msg("inconsistent replicas")
	}

	return rep
}

func (c *Checker) replicaStates(ctx context.Context, key string, now time.Time) []ReplicaState {
	replicas := c.repl.ReplicaNodes(key)

	out := make([]ReplicaState, len(replicas))

	var wg sync.WaitGroup

	for i, n := range replicas {
		wg.Add(1)

		go func(i int, n *cluster.Node) {
			defer wg.Done()

			st := ReplicaState{Node: string(n.ID())}

			e, ok, err := c.proto.RequestKey(ctx, n, key)
			if err == nil {
				st.Reachable = true
				st.Exists = ok
			}

			if st.Exists {
				st.Expired = e.Expired(now)
				st.ExpiresAt = e.ExpiresAt
				st.CreatedAt = e.CreatedAt
				st.Digest = e.Digest()
			}

			out[i] = st
		}(i, n)
	}

	wg.Wait()

	return out
}

func (c *Checker) diverges(local *storage.Entry, localLive bool, st *ReplicaState) bool {
	replicaLive := st.Exists && !st.Expired
	if localLive != replicaLive {
		return true
	}

	if !localLive {
		return false
	}

	if !local.CreatedAt.Equal(st.CreatedAt) || local.Digest() != st.Digest {
		return true
	}

	if local.ExpiresAt.IsZero() != st.ExpiresAt.IsZero() {
		return true
	}

	d := local.ExpiresAt.Sub(st.ExpiresAt)
	if d < 0 {
		d = -d
	}

	return d > c.skew
}

// Repair converges the replicas of key. When a replica holds a strictly
// newer live copy, or the local copy is gone, the newest copy is pulled
// first; the local entry is then pushed to every replica. Returns true when
// every replica acknowledged.
func (c *Checker) Repair(ctx context.Context, key string) bool {
	local, ok := c.store.GetLive(key)

	if !ok || c.replicaNewer(ctx, key, &local) {
		if _, pulled := c.repl.SyncFromReplicas(ctx, key); pulled {
			local, ok = c.store.GetLive(key)
		}
	}

	if !ok {
		c.log.Debug().Str("key", key).Msg("no live copy reachable, repair skipped")

		return false
	}

	res := c.repl.Fanout(ctx, local, 0)
	c.repairs.Add(1)
	c.log.Info().Str("key", key).Int("acked", res.Acked).Int("expected", res.Expected).Msg("repair propagated")

	return res.Acked == res.Expected
}

func (c *Checker) replicaNewer(ctx context.Context, key string, local *storage.Entry) bool {
	now := c.clock.Now()

	for _, st := range c.replicaStates(ctx, key, now) {
		if st.Exists && !st.Expired && st.CreatedAt.After(local.CreatedAt) {
			return true
		}
	}

	return false
}

// AuditResult summarizes one audit pass.
type AuditResult struct {
	Checked      int `json:"checked"`
	Inconsistent int `json:"inconsistent"`
	Repaired     int `json:"repaired"`
	Skipped      int `json:"skipped"`
}

// AuditOnce checks the next sample of local keys and repairs divergent ones
// within the repair rate limit. Successive calls rotate through the key space.
func (c *Checker) AuditOnce(ctx context.Context) AuditResult {
	var res AuditResult

	for _, key := range c.nextSample() {
		if ctx.Err() != nil {
			break
		}

		rep := c.CheckConsistency(ctx, key)
		res.Checked++

		if rep.Consistent {
			continue
		}

		res.Inconsistent++

		if !c.limiter.Allow() {
			res.Skipped++
			c.skipped.Add(1)

			continue
		}

		if c.Repair(ctx, key) {
			res.Repaired++
		}
	}

	if res.Inconsistent > 0 {
		c.log.Info().
			Int("checked", res.Checked).
			Int("inconsistent", res.Inconsistent).
			Int("repaired", res.Repaired).
			Int("skipped", res.Skipped).
			Msg("consistency audit")
	}

	return res
}

func (c *Checker) nextSample() []string {
	keys := c.store.Keys()
	if len(keys) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(c.sampleSize, len(keys))
	start := c.cursor % len(keys)

	out := make([]string, 0, n)
	for i := range n {
		out = append(out, keys[(start+i)%len(keys)])
	}

	c.cursor = (start + n) % len(keys)

	return out
}

// Start runs AuditOnce every interval until Stop or ctx cancellation.
func (c *Checker) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return sentinel.ErrInvalidInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return sentinel.ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(loopCtx, interval, c.done)

	c.log.Info().Dur("interval", interval).Int("sample", c.sampleSize).Msg("consistency audit started")

	return nil
}

func (c *Checker) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.AuditOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the audit loop and waits for it, bounded by ctx or 5s.
func (c *Checker) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	timer := time.NewTimer(defaultJoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return sentinel.ErrTimeoutOrCanceled
	case <-timer.C:
		return sentinel.ErrTimeoutOrCanceled
	}
}

// Stats is a snapshot of the audit counters.
type Stats struct {
	Checks          int64     `json:"checks"`
	Inconsistencies int64     `json:"inconsistencies"`
	Repairs         int64     `json:"repairs"`
	SkippedRepairs  int64     `json:"skipped_repairs"`
	LastCheck       time.Time `json:"last_check"`
}

// Stats returns the audit counters.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	last := c.lastCheck
	c.mu.Unlock()

	return Stats{
		Checks:          c.checks.Load(),
		Inconsistencies: c.inconsistencies.Load(),
		Repairs:         c.repairs.Load(),
		SkippedRepairs:  c.skipped.Load(),
		LastCheck:       last,
	}
}
