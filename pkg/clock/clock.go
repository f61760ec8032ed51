// Package clock provides the injected time source used by every component
// that makes time-based decisions (lock TTLs, zombie thresholds, rate limits).
// Tests substitute a fake to advance time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the single time source for the server.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock with a monotonic guard:
// if the wall clock jumps backwards (NTP step, VM resume), Now never
// returns a time earlier than a previously returned one. Rate limiting
// and TTL math rely on this.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem creates a guarded system clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time, clamped to be monotonically non-decreasing.
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if now.Before(s.last) {
		return s.last
	}
	s.last = now
	return now
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
