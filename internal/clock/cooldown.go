package clock

import (
	"sync"
	"time"
)

// Key identifies one remediation stream: a target (device or component)
// and the issue kind being remediated on it.
type Key struct {
	Target string
	Kind   string
}

// CooldownLedger gates recovery dispatch. It guarantees at most one in-flight
// action per Key and refuses re-dispatch until the cooldown deadline passes.
//
// CheckAndClaim is the only mutating entry point used on the hot path; it is
// atomic, non-blocking, and constant-time.
type CooldownLedger struct {
	mu       sync.Mutex
	clock    Clock
	deadline map[Key]time.Time
	inflight map[Key]bool
}

// NewCooldownLedger creates an empty ledger on the given clock.
func NewCooldownLedger(c Clock) *CooldownLedger {
	if c == nil {
		c = System()
	}
	return &CooldownLedger{
		clock:    c,
		deadline: make(map[Key]time.Time),
		inflight: make(map[Key]bool),
	}
}

// CheckAndClaim returns true iff no action is in flight for key and any
// previous cooldown has expired. On success it marks the key in-flight and
// installs a new deadline now+cooldown.
func (l *CooldownLedger) CheckAndClaim(key Key, cooldown time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.inflight[key] {
		return false
	}
	if dl, ok := l.deadline[key]; ok && now.Before(dl) {
		return false
	}

	l.inflight[key] = true
	l.deadline[key] = now.Add(cooldown)
	return true
}

// Release marks the in-flight action for key as finished. The cooldown
// deadline installed at claim time keeps gating until it expires.
func (l *CooldownLedger) Release(key Key) {
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

// InFlight reports whether an action is currently executing for key.
func (l *CooldownLedger) InFlight(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight[key]
}

// Remaining returns how long until key may be claimed again, zero if it is
// claimable now. An in-flight key reports the full residual cooldown.
func (l *CooldownLedger) Remaining(key Key) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl, ok := l.deadline[key]
	if !ok {
		return 0
	}
	rem := dl.Sub(l.clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

// Snapshot returns a copy of the current deadlines, for the ops surface.
func (l *CooldownLedger) Snapshot() map[Key]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[Key]time.Time, len(l.deadline))
	for k, v := range l.deadline {
		out[k] = v
	}
	return out
}

// Expire drops entries whose deadline passed more than keep ago.
// Called by the maintenance worker to bound ledger growth.
func (l *CooldownLedger) Expire(keep time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-keep)
	removed := 0
	for k, dl := range l.deadline {
		if l.inflight[k] {
			continue
		}
		if dl.Before(cutoff) {
			delete(l.deadline, k)
			removed++
		}
	}
	return removed
}
