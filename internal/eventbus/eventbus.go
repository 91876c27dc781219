// Package eventbus fans connmgr events out to any number of in-process
// consumers (WebSocket clients, the history recorder, the demo CLI).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-serial/internal/connmgr"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

type subscriber struct {
	ch chan connmgr.Event
}

// Bus implements connmgr.EventSink.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Uint64
}

var _ connmgr.EventSink = (*Bus)(nil)

// New returns a Bus whose subscribers queue up to buffer events; buffer <= 0
// selects DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a consumer. The returned function unsubscribes and
// closes the channel; calling it again is a no-op.
func (b *Bus) Subscribe() (<-chan connmgr.Event, func()) {
	s := &subscriber{ch: make(chan connmgr.Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish delivers e to every subscriber. A subscriber whose queue is full
// misses the event, so a slow consumer never stalls a stream pump.
func (b *Bus) Publish(e connmgr.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
