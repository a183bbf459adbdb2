// Package eventbus carries the agent's job lifecycle signals
// (job.started, job.return, job.skipped) and config-change notices
// between services without coupling them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one in-memory signal.
//
// Publish never blocks: a subscriber that falls behind its buffer loses
// events rather than stalling the tick loop. Data should be small and
// JSON-serializable (the alert watcher re-encodes it).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
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
	// Snapshot subscribers so no lock is held while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe can close the channel between the snapshot and
		// the send; the recover absorbs that race.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
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
			// Safe because Publish recovers from send-on-closed.
			close(ch)
		})
	}
	return ch, unsub
}
