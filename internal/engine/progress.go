package engine

import (
	"sync"
	"sync/atomic"
)

// Aggregator fans progress events out to subscribers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Events from one worker are delivered in the order that worker published
// them; no ordering is guaranteed across workers. The aggregator only relays:
// it never computes counters itself.
type Aggregator struct {
	mu   sync.RWMutex
	subs map[uint64]chan ProgressEvent
	seq  atomic.Uint64
}

func NewAggregator() *Aggregator {
	return &Aggregator{subs: map[uint64]chan ProgressEvent{}}
}

func (a *Aggregator) Publish(ev ProgressEvent) {
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	a.mu.RLock()
	chs := make([]chan ProgressEvent, 0, len(a.subs))
	for _, ch := range a.subs {
		chs = append(chs, ch)
	}
	a.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently and
		// the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- ev:
			default:
			}
		}()
	}
}

func (a *Aggregator) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ProgressEvent, buffer)
	id := a.seq.Add(1)

	a.mu.Lock()
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
