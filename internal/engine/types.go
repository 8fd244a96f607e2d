package engine

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a Job.
//
// Transitions are monotonic except processing <-> paused: a paused job is
// resumed by starting a fresh run, which re-enqueues its unfinished items.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
	JobError      JobStatus = "error"
)

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Job is one orchestrated batch of work, owning many JobItems.
type Job struct {
	ID        int64
	Kind      string
	Status    JobStatus
	CreatedAt time.Time
}

// JobItem is one discrete, independently retryable unit of work inside a Job.
//
// Payload and Result are opaque to the engine; only the ItemProcessor
// registered for the job kind interprets them.
type JobItem struct {
	ID           int64
	JobID        int64
	Payload      []byte
	Status       ItemStatus
	Result       []byte
	ErrorMessage string
}

// WorkerHandle is a read-only snapshot of one worker's binding to a resource.
type WorkerHandle struct {
	WorkerID      string `json:"worker_id"`
	ResourceID    string `json:"resource_id"`
	Paused        bool   `json:"paused"`
	Cancelled     bool   `json:"cancelled"`
	CurrentItemID int64  `json:"current_item_id,omitempty"` // 0 when idle
}

// ProgressEvent is published by workers and relayed by the Aggregator.
//
// Current/Total are informational: Current counts items that reached a
// terminal status across the whole job. Consumers needing a live counter
// should maintain it themselves from terminal events.
type ProgressEvent struct {
	JobID    int64      `json:"job_id"`
	WorkerID string     `json:"worker_id"`
	ItemID   int64      `json:"item_id"`
	Status   ItemStatus `json:"status"`
	Current  int        `json:"current"`
	Total    int        `json:"total"`
	Message  string     `json:"message,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// TaskStore persists jobs and items. Implementations must tolerate concurrent
// writes to different rows; the engine never writes the same row from two
// goroutines (ownership is transferred through the work queue).
type TaskStore interface {
	CreateJob(ctx context.Context, kind string) (int64, error)
	BulkInsertItems(ctx context.Context, jobID int64, payloads [][]byte) error
	UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error
	UpdateItemStatus(ctx context.Context, itemID int64, status ItemStatus, result []byte, errMsg string) error
	ListPendingOrFailedItems(ctx context.Context, jobID int64) ([]JobItem, error)
	CountItems(ctx context.Context, jobID int64) (int, error)
}

// ResourceHandle is one live instance of a scarce external resource
// (e.g. a remote browser session).
type ResourceHandle interface {
	ID() string
}

// ResourceProvider starts and stops resource instances. Acquire failure is a
// normal error path, not a panic.
type ResourceProvider interface {
	Acquire(ctx context.Context, resourceID string) (ResourceHandle, error)
	Release(ctx context.Context, h ResourceHandle) error
}

// ItemProcessor executes the automation steps for one item on one resource.
// Calls may take minutes and must be safe to repeat across items on the same
// handle. Hard timeouts, if wanted, belong inside the processor.
type ItemProcessor interface {
	Process(ctx context.Context, item JobItem, resource ResourceHandle) ([]byte, error)
}

// Notifier pushes fire-and-forget events toward the UI layer.
// Implementations must never block the caller.
type Notifier interface {
	Emit(event string, payload any)
}

// Config controls worker pacing. Zero values get defaults from withDefaults.
type Config struct {
	// PaceDelay is the pause between items after a success.
	PaceDelay time.Duration
	// FailureDelay is the pause after a failed item, so a flaky resource
	// is not hammered.
	FailureDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PaceDelay <= 0 {
		c.PaceDelay = 2 * time.Second
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 3 * time.Second
	}
	return c
}
