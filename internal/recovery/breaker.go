package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Circuit Breaker ────────────────────────────────────────────────────────

// BreakerState represents the per-target dispatch breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // dispatches pass through
	BreakerOpen                         // tripped, dispatches refused
	BreakerHalfOpen                     // one probing dispatch allowed
)

// String returns a human-readable breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a dispatch breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive action failures to trip
	ResetTimeout     time.Duration // time in OPEN before probing again
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Minute,
	}
}

// Breaker stops the engine from hammering a target whose recovery actions
// keep failing. One breaker per target, thread-safe.
type Breaker struct {
	mu        sync.Mutex
	target    string
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	trippedAt time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker for a target.
func NewBreaker(target string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &Breaker{target: target, cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Allow reports whether a dispatch to the target may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.trippedAt) >= b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			return nil
		}
		return fmt.Errorf("%s: %w", b.target, domain.ErrCircuitOpen)
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failed dispatch; a half-open probe failure or a
// full streak trips the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.trippedAt = b.now()
	}
}

// ForceOpen trips the breaker immediately, used by the circuit-break action
// to shed traffic from a misbehaving component.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.trippedAt = b.now()
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
