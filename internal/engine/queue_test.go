package engine

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(&JobItem{ID: 1}, &JobItem{ID: 2})
	q.Push(&JobItem{ID: 3})

	for want := int64(1); want <= 3; want++ {
		item, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() empty at %d", want)
		}
		if item.ID != want {
			t.Fatalf("Pop() = %d, want %d", item.ID, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on drained queue returned ok")
	}
	if n := q.Len(); n != 0 {
		t.Fatalf("Len() = %d, want 0", n)
	}
}

func TestQueuePushNilIgnored(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Push(nil)
	if n := q.Len(); n != 0 {
		t.Fatalf("Len() = %d after nil push, want 0", n)
	}
}

// Concurrent Pops must partition the queue: every item claimed exactly once.
func TestQueueConcurrentPopPartitions(t *testing.T) {
	t.Parallel()

	const items = 500
	const poppers = 8

	q := NewQueue()
	for i := 1; i <= items; i++ {
		q.Push(&JobItem{ID: int64(i)})
	}

	var mu sync.Mutex
	seen := make(map[int64]int, items)

	var wg sync.WaitGroup
	for g := 0; g < poppers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != items {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), items)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %d claimed %d times", id, n)
		}
	}
}
