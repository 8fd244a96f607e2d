package engine

import "sync"

// Queue is a shared FIFO of job items.
//
// Pop is the single ownership-transfer point: an item returned by Pop belongs
// to exactly one caller from then on, so no further locking is needed on the
// item itself. An empty queue returns ok=false immediately; workers exit
// their loop instead of waiting for more work.
type Queue struct {
	mu    sync.Mutex
	items []*JobItem
}

func NewQueue(items ...*JobItem) *Queue {
	q := &Queue{}
	if len(items) > 0 {
		q.items = append(q.items, items...)
	}
	return q
}

func (q *Queue) Push(item *JobItem) {
	if item == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Pop removes and returns the oldest item. FIFO across all callers; two
// concurrent Pops never return the same item.
func (q *Queue) Pop() (*JobItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}
