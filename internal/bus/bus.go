// Package bus is the in-process typed publish/subscribe fabric between the
// workers: bounded per-topic ring buffers, per-subscriber cursors, and two
// overflow policies.
//
// DropOldest topics (metric samples, health snapshots) overwrite the tail
// under pressure; a subscriber that fell behind receives a gap marker and
// must recover by re-reading latest state. Block topics (recovery plans)
// make the publisher wait instead, so nothing is ever lost.
package bus

import (
	"context"
	"sync"

	"github.com/tiresense/tiresense/internal/domain"
)

// Policy selects the overflow behavior of a topic.
type Policy int

const (
	DropOldest Policy = iota // overwrite the oldest buffered event
	Block                    // publisher waits for the slowest subscriber
)

// String returns the policy label.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "DROP_OLDEST"
	case Block:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// Event wraps a payload with its topic sequence number. Missed > 0 marks a
// gap: the subscriber lagged past the buffer and lost that many events; the
// payload is the zero value and must not be used.
type Event[T any] struct {
	Seq     uint64
	Payload T
	Missed  int
}

// Topic is a bounded single-type channel between publishers and any number
// of subscribers. Publish order is preserved per topic.
type Topic[T any] struct {
	mu     sync.Mutex
	name   string
	policy Policy
	cap    int

	buf  []Event[T] // ring indexed by seq % cap
	head uint64     // oldest retained seq
	next uint64     // next seq to assign

	subs   map[int]*Subscription[T]
	subSeq int

	closed  bool
	pubWake chan struct{} // closed+replaced when buffer drains (Block policy)
	subWake chan struct{} // closed+replaced on every publish
}

// NewTopic creates a topic with the given capacity and overflow policy.
// Capacity below 1 is clamped to 1.
func NewTopic[T any](name string, capacity int, policy Policy) *Topic[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Topic[T]{
		name:    name,
		policy:  policy,
		cap:     capacity,
		buf:     make([]Event[T], capacity),
		subs:    make(map[int]*Subscription[T]),
		pubWake: make(chan struct{}),
		subWake: make(chan struct{}),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Publish appends one event. Under DropOldest it never blocks; under Block
// it waits until the slowest subscriber makes room or ctx is cancelled.
func (t *Topic[T]) Publish(ctx context.Context, v T) error {
	t.mu.Lock()
	for {
		if t.closed {
			t.mu.Unlock()
			return domain.ErrTopicClosed
		}
		if t.policy == DropOldest || t.next-t.minCursorLocked() < uint64(t.cap) {
			break
		}
		wake := t.pubWake
		t.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
	}

	t.buf[t.next%uint64(t.cap)] = Event[T]{Seq: t.next, Payload: v}
	t.next++
	if t.next-t.head > uint64(t.cap) {
		t.head = t.next - uint64(t.cap)
	}

	// Wake all waiting subscribers.
	close(t.subWake)
	t.subWake = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// minCursorLocked returns the smallest subscriber cursor, or next when
// there are no subscribers (nothing to block on).
func (t *Topic[T]) minCursorLocked() uint64 {
	min := t.next
	for _, s := range t.subs {
		if s.cursor < min {
			min = s.cursor
		}
	}
	return min
}

// Subscribe attaches a new subscriber positioned at the current tail.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subSeq++
	s := &Subscription[T]{topic: t, id: t.subSeq, cursor: t.next}
	t.subs[s.id] = s
	return s
}

// Close marks the topic closed. Subscribers drain remaining events and then
// receive ErrTopicClosed; blocked publishers fail immediately.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.subWake)
		t.subWake = make(chan struct{})
		close(t.pubWake)
		t.pubWake = make(chan struct{})
	}
	t.mu.Unlock()
}

// Depth returns how many events are buffered ahead of the slowest subscriber.
func (t *Topic[T]) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.next - t.minCursorLocked())
}

// ─── Subscription ───────────────────────────────────────────────────────────

// Subscription is one subscriber's cursor into a topic.
type Subscription[T any] struct {
	topic  *Topic[T]
	id     int
	cursor uint64
	closed bool
}

// Next blocks until an event is available, the topic closes, or ctx is
// cancelled. A lagging subscriber gets a single gap event covering every
// missed sequence number, then resumes from the oldest retained event.
func (s *Subscription[T]) Next(ctx context.Context) (Event[T], error) {
	t := s.topic
	t.mu.Lock()
	for {
		if s.closed {
			t.mu.Unlock()
			return Event[T]{}, domain.ErrTopicClosed
		}
		if s.cursor < t.head {
			missed := int(t.head - s.cursor)
			s.cursor = t.head
			t.mu.Unlock()
			return Event[T]{Seq: t.head, Missed: missed}, nil
		}
		if s.cursor < t.next {
			ev := t.buf[s.cursor%uint64(t.cap)]
			s.cursor++
			// Room may have opened for a blocked publisher.
			close(t.pubWake)
			t.pubWake = make(chan struct{})
			t.mu.Unlock()
			return ev, nil
		}
		if t.closed {
			t.mu.Unlock()
			return Event[T]{}, domain.ErrTopicClosed
		}
		wake := t.subWake
		t.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return Event[T]{}, ctx.Err()
		}
		t.mu.Lock()
	}
}

// TryNext returns the next event without blocking; ok is false when the
// subscriber is caught up.
func (s *Subscription[T]) TryNext() (Event[T], bool) {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return Event[T]{}, false
	}
	if s.cursor < t.head {
		missed := int(t.head - s.cursor)
		s.cursor = t.head
		return Event[T]{Seq: t.head, Missed: missed}, true
	}
	if s.cursor < t.next {
		ev := t.buf[s.cursor%uint64(t.cap)]
		s.cursor++
		close(t.pubWake)
		t.pubWake = make(chan struct{})
		return ev, true
	}
	return Event[T]{}, false
}

// Unsubscribe detaches the subscriber. A Block topic stops waiting on it.
func (s *Subscription[T]) Unsubscribe() {
	t := s.topic
	t.mu.Lock()
	if !s.closed {
		s.closed = true
		delete(t.subs, s.id)
		close(t.pubWake)
		t.pubWake = make(chan struct{})
	}
	t.mu.Unlock()
}
