package engine

import (
	"context"
	"sync"
)

// Token is a cooperative pause/cancel flag pair.
//
// Workers call Checkpoint before every externally visible action: claiming an
// item, invoking the processor, writing a status update. Checkpoint blocks
// while paused and returns ErrCancelled once cancellation is requested, so
// cancellation is observed promptly without interrupting in-flight work.
//
// Tokens form a two-level scope: one per job, one child per worker. A child
// observes its parent's state first, so a job-level cancel reaches every
// worker.
type Token struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	changed   chan struct{} // closed and replaced on every state change
	parent    *Token
}

func NewToken() *Token {
	return &Token{changed: make(chan struct{})}
}

// Child returns a token scoped under t. Cancelling or pausing the parent
// affects the child; the reverse does not hold.
func (t *Token) Child() *Token {
	return &Token{changed: make(chan struct{}), parent: t}
}

func (t *Token) Pause() {
	t.mu.Lock()
	if !t.paused {
		t.paused = true
		t.broadcastLocked()
	}
	t.mu.Unlock()
}

func (t *Token) Resume() {
	t.mu.Lock()
	if t.paused {
		t.paused = false
		t.broadcastLocked()
	}
	t.mu.Unlock()
}

func (t *Token) Cancel() {
	t.mu.Lock()
	if !t.cancelled {
		t.cancelled = true
		t.broadcastLocked()
	}
	t.mu.Unlock()
}

func (t *Token) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Token) state() (paused, cancelled bool, changed <-chan struct{}) {
	t.mu.Lock()
	paused, cancelled, changed = t.paused, t.cancelled, t.changed
	t.mu.Unlock()
	return
}

func (t *Token) Paused() bool {
	p, _, _ := t.state()
	if !p && t.parent != nil {
		return t.parent.Paused()
	}
	return p
}

func (t *Token) Cancelled() bool {
	_, c, _ := t.state()
	if !c && t.parent != nil {
		return t.parent.Cancelled()
	}
	return c
}

// Checkpoint returns nil immediately when neither this token nor its parent
// is paused or cancelled. It blocks while paused (woken by Resume or Cancel)
// and returns ErrCancelled once cancellation is requested. A cancelled ctx
// returns ctx.Err().
func (t *Token) Checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var parentChanged <-chan struct{}
		paused := false
		if t.parent != nil {
			pp, pc, pch := t.parent.state()
			if pc {
				return ErrCancelled
			}
			paused = pp
			parentChanged = pch
		}
		sp, sc, selfChanged := t.state()
		if sc {
			return ErrCancelled
		}
		paused = paused || sp

		if !paused {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-selfChanged:
		case <-parentChanged:
		}
	}
}
