// Package ratelimit implements the per-(referrer, rule) token-bucket
// admission meter described by the proxy's rate-limiting policy. It is
// adapted from a hand-rolled IP-keyed token bucket, generalized to the
// two-part bucket key the proxy rules require and to the explicit
// snapshot dump the status page needs.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// clock is overridden in tests so refill math can be driven by a fake
// timeline instead of wall time.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BucketKey identifies one token bucket: a canonical referrer key paired
// with the index of the rule it's metering requests against.
type BucketKey struct {
	Referrer string
	RuleIndex int
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s#%d", k.Referrer, k.RuleIndex)
}

// RateMeterError reports that the meter's internal state is corrupt; it
// is distinct from an ordinary throttle denial, which is a plain false
// return from IsUnderRate.
type RateMeterError struct {
	Key BucketKey
	Msg string
}

func (e *RateMeterError) Error() string {
	return fmt.Sprintf("ratelimit: bucket %s: %s", e.Key, e.Msg)
}

type bucket struct {
	mu             sync.Mutex
	capacity       float64
	refillRate     float64 // tokens/sec
	tokens         float64
	lastReplenish  time.Time
	lastUse        time.Time
	ruleURL        string
}

// Meter is the shared, concurrency-safe collection of token buckets. The
// bucket map is protected by a RWMutex (read for lookup, write for
// insertion/reap); each bucket also carries its own mutex so admission
// decisions against different buckets never contend with each other.
type Meter struct {
	mu      sync.RWMutex
	buckets map[BucketKey]*bucket
	clock   clock

	idleThreshold time.Duration
	reapInterval  time.Duration
	cancelReap    func()
}

// Option configures a Meter at construction time.
type Option func(*Meter)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c clock) Option {
	return func(m *Meter) { m.clock = c }
}

// WithIdleThreshold sets how long a bucket may sit untouched before the
// background reaper removes it. The default is 5 minutes.
func WithIdleThreshold(d time.Duration) Option {
	return func(m *Meter) { m.idleThreshold = d }
}

// WithReapInterval sets how often the background reaper sweeps. The
// default is 60 seconds, per spec.
func WithReapInterval(d time.Duration) Option {
	return func(m *Meter) { m.reapInterval = d }
}

// NewMeter builds an empty Meter. Call StartReaper to begin the
// background idle-bucket sweep.
func NewMeter(opts ...Option) *Meter {
	m := &Meter{
		buckets:       make(map[BucketKey]*bucket),
		clock:         realClock{},
		idleThreshold: 5 * time.Minute,
		reapInterval:  60 * time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IsUnderRate is the single public admission call. A rule with
// UseRateMeter=false is unconditionally admitted without touching any
// bucket state. Otherwise the bucket for (referrer, ruleIndex) accrues
// elapsed*refillRate tokens (capped at capacity) and then attempts to
// deduct one token; the request is admitted iff that deduction leaves
// the bucket at zero or more tokens.
func (m *Meter) IsUnderRate(referrer string, ruleIndex int, ruleURL string, useRateMeter bool, capacity int, refillRate float64) (bool, error) {
	if !useRateMeter {
		return true, nil
	}
	if capacity <= 0 {
		return false, &RateMeterError{Key: BucketKey{referrer, ruleIndex}, Msg: "non-positive capacity with rate meter enabled"}
	}

	key := BucketKey{Referrer: referrer, RuleIndex: ruleIndex}
	b := m.getOrCreateBucket(key, ruleURL, capacity, refillRate)

	now := m.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastReplenish).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*b.refillRate, b.capacity)
		b.lastReplenish = now
	}
	b.lastUse = now

	// Deduct one token only if doing so wouldn't take the bucket
	// negative; a denied request leaves the bucket untouched so it can
	// still accrue toward the next admission.
	if b.tokens-1 >= 0 {
		b.tokens -= 1
		return true, nil
	}
	return false, nil
}

func (m *Meter) getOrCreateBucket(key BucketKey, ruleURL string, capacity int, refillRate float64) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[key]; ok {
		return b
	}
	// A missing bucket is created at full capacity; the caller's deduction
	// in IsUnderRate then leaves it at capacity minus one.
	b = &bucket{
		capacity:      float64(capacity),
		refillRate:    refillRate,
		tokens:        float64(capacity),
		lastReplenish: now,
		lastUse:       now,
		ruleURL:       ruleURL,
	}
	m.buckets[key] = b
	return b
}

// BucketSnapshot is one row of databaseDump.
type BucketSnapshot struct {
	Referrer string
	RuleURL  string
	Tokens   float64
	Capacity float64
	LastUse  time.Time
}

// DatabaseDump returns a snapshot of every live bucket, for the status
// page's rate-meter table.
func (m *Meter) DatabaseDump() []BucketSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BucketSnapshot, 0, len(m.buckets))
	for key, b := range m.buckets {
		b.mu.Lock()
		out = append(out, BucketSnapshot{
			Referrer: key.Referrer,
			RuleURL:  b.ruleURL,
			Tokens:   b.tokens,
			Capacity: b.capacity,
			LastUse:  b.lastUse,
		})
		b.mu.Unlock()
	}
	return out
}

// StartReaper launches the background sweep that removes buckets idle
// for at least idleThreshold. It returns immediately; close the supplied
// stop channel to end it.
func (m *Meter) StartReaper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(m.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.reapOnce()
			}
		}
	}()
}

func (m *Meter) reapOnce() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastUse)
		b.mu.Unlock()
		if idle >= m.idleThreshold {
			delete(m.buckets, key)
		}
	}
}

// Reap runs one reap pass synchronously; exported for tests that don't
// want to wait on the background ticker.
func (m *Meter) Reap() {
	m.reapOnce()
}
