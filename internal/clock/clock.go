// Package clock provides injectable time for the control loops: a Clock
// interface with system and virtual implementations, and the cooldown
// ledger that serializes recovery actions per (target, kind).
//
// Every component that waits on time takes a Clock so tests can drive it
// deterministically with VirtualClock.Advance.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Ticker is the minimal ticker surface the workers need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// ─── System Clock ───────────────────────────────────────────────────────────

// SystemClock delegates to the time package.
type SystemClock struct{}

// System returns the process-wide system clock.
func System() Clock { return SystemClock{} }

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return sysTicker{time.NewTicker(d)}
}

type sysTicker struct{ t *time.Ticker }

func (s sysTicker) C() <-chan time.Time { return s.t.C }
func (s sysTicker) Stop()               { s.t.Stop() }

// ─── Virtual Clock ──────────────────────────────────────────────────────────

// VirtualClock is a manually advanced clock for tests. Timers and tickers
// fire synchronously inside Advance, in deadline order, so two runs over
// identical inputs observe identical time.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

type virtualTimer struct {
	ch       chan time.Time
	deadline time.Time
	period   time.Duration // 0 for one-shot After timers
	stopped  bool
}

// NewVirtualClock creates a virtual clock starting at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
	}
	if d <= 0 {
		t.ch <- c.now
		return t.ch
	}
	c.timers = append(c.timers, t)
	return t.ch
}

func (c *VirtualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		period:   d,
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *virtualTimer) C() <-chan time.Time { return t.ch }
func (t *virtualTimer) Stop()               { t.stopped = true }

// Advance moves the clock forward by d, firing every timer whose deadline
// falls within the window, in deadline order. Ticker sends are dropped when
// the receiver has not drained the previous tick.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		// Find the earliest pending deadline within the window.
		var next *virtualTimer
		for _, t := range c.timers {
			if t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			break
		}

		c.now = next.deadline
		select {
		case next.ch <- c.now:
		default:
		}
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
		}
	}

	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// Set jumps the clock to an absolute instant without firing timers.
// Used by tests that only read Now.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *VirtualClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.Slice(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
}
