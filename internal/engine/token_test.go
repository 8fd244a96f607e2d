package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenCheckpointRunning(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	if err := tok.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint() = %v, want nil", err)
	}
}

func TestTokenCheckpointBlocksWhilePaused(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	tok.Pause()

	released := make(chan error, 1)
	go func() {
		released <- tok.Checkpoint(context.Background())
	}()

	select {
	case err := <-released:
		t.Fatalf("Checkpoint() returned %v while paused", err)
	case <-time.After(50 * time.Millisecond):
	}

	tok.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Checkpoint() after Resume = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Checkpoint() still blocked after Resume")
	}
}

func TestTokenCancelUnblocksPausedCheckpoint(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	tok.Pause()

	released := make(chan error, 1)
	go func() {
		released <- tok.Checkpoint(context.Background())
	}()

	tok.Cancel()
	select {
	case err := <-released:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Checkpoint() = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Checkpoint() still blocked after Cancel")
	}
}

func TestTokenParentStateReachesChild(t *testing.T) {
	t.Parallel()

	parent := NewToken()
	child := parent.Child()

	parent.Pause()
	if !child.Paused() {
		t.Fatal("child not paused after parent Pause")
	}

	released := make(chan error, 1)
	go func() {
		released <- child.Checkpoint(context.Background())
	}()
	select {
	case err := <-released:
		t.Fatalf("child Checkpoint() returned %v while parent paused", err)
	case <-time.After(50 * time.Millisecond):
	}

	parent.Cancel()
	select {
	case err := <-released:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("child Checkpoint() = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("child Checkpoint() still blocked after parent Cancel")
	}
	if !child.Cancelled() {
		t.Fatal("child.Cancelled() = false after parent Cancel")
	}
}

func TestTokenChildStateStaysLocal(t *testing.T) {
	t.Parallel()

	parent := NewToken()
	child := parent.Child()

	child.Cancel()
	if parent.Cancelled() {
		t.Fatal("parent cancelled by child Cancel")
	}
	if err := parent.Checkpoint(context.Background()); err != nil {
		t.Fatalf("parent Checkpoint() = %v, want nil", err)
	}
	if err := child.Checkpoint(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("child Checkpoint() = %v, want ErrCancelled", err)
	}
}

func TestTokenCheckpointHonorsContext(t *testing.T) {
	t.Parallel()

	tok := NewToken()
	tok.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	released := make(chan error, 1)
	go func() {
		released <- tok.Checkpoint(ctx)
	}()

	cancel()
	select {
	case err := <-released:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Checkpoint() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Checkpoint() still blocked after ctx cancel")
	}
}
