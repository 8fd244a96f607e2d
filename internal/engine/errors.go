package engine

import "errors"

var (
	// ErrCancelled is returned by Token.Checkpoint once cancellation was requested.
	ErrCancelled = errors.New("cancelled")

	// ErrAlreadyRunning is returned by Start* when this controller instance
	// already has an active job.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrNoResources is returned by Start* when the resource list is empty.
	ErrNoResources = errors.New("no resource handles supplied")

	// ErrNotRunning is returned by Pause/Resume/Cancel when no job is active.
	ErrNotRunning = errors.New("no job running")
)
