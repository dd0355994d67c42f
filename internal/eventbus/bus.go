// Package eventbus fans application events out to in-process
// subscribers: the notifier reporting a send, the scheduler finishing
// a sweep, the tracker spotting a drop. Publish never blocks; a
// subscriber that falls behind loses events rather than slowing the
// publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one bus message. Types are dotted names ("task.finished",
// "notifier.sent", "rotation.completed"); Data stays small and
// JSON-serializable so subscribers can log it as-is.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It runs no goroutines of its own;
// delivery happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen outside the lock, against a snapshot.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		trySend(ch, e)
	}
}

// trySend delivers without blocking. An unsubscribe may close ch
// between the snapshot and the send; the recover absorbs that race
// instead of a lock coordinating every publish.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Publish recovers from sends on closed channels.
			close(ch)
		})
	}
	return ch, unsub
}
