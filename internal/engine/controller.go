package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	rtsup "taskherd/internal/runtime/supervisor"
	logx "taskherd/pkg/logx"
)

// Controller runs one job at a time: it seeds the work queue from the job's
// unfinished items, spawns one worker per resource slot and blocks until the
// queue is drained or the job is cancelled.
//
// Construct one Controller per logical scheduler and inject its collaborators;
// there is no shared global state.
type Controller struct {
	store    TaskStore
	provider ResourceProvider
	progress *Aggregator
	notifier Notifier
	log      logx.Logger
	cfg      Config

	// run is swapped atomically: nil means idle. The CAS on starting is the
	// "already running" guard.
	starting atomic.Bool
	run      atomic.Pointer[jobRun]
}

type jobRun struct {
	job     Job
	token   *Token
	workers []*worker
	queue   *Queue
	started time.Time
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running  bool           `json:"running"`
	JobID    int64          `json:"job_id,omitempty"`
	JobKind  string         `json:"job_kind,omitempty"`
	Paused   bool           `json:"paused"`
	QueueLen int            `json:"queue_len"`
	Workers  []WorkerHandle `json:"workers,omitempty"`
}

func NewController(store TaskStore, provider ResourceProvider, progress *Aggregator, notifier Notifier, log logx.Logger, cfg Config) *Controller {
	return &Controller{
		store:    store,
		provider: provider,
		progress: progress,
		notifier: notifier,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

// StartSingle runs the job on a single resource slot.
func (c *Controller) StartSingle(ctx context.Context, job Job, resourceID string, proc ItemProcessor) error {
	return c.StartParallel(ctx, job, []string{resourceID}, proc)
}

// StartParallel seeds the queue with the job's pending and failed items
// (failed items are retried on a fresh run), spawns one worker per resource
// id and blocks until every worker stopped.
//
// Finalization: a run stopped with unfinished items, whether through Cancel or
// because ctx ended, leaves the job `paused` (ctx errors are returned to the
// caller); a drained queue ends `completed` even when individual items failed
// (per-item status carries the real success signal); a controller-level
// failure ends `error` and is returned to the caller.
func (c *Controller) StartParallel(ctx context.Context, job Job, resourceIDs []string, proc ItemProcessor) error {
	if !c.starting.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.starting.Store(false)
	if c.run.Load() != nil {
		return ErrAlreadyRunning
	}
	if len(resourceIDs) == 0 {
		return ErrNoResources
	}
	if proc == nil {
		return fmt.Errorf("item processor is nil")
	}

	items, total, err := c.seed(ctx, job)
	if err != nil {
		// Store unreachable before any item ran: controller-level failure.
		_ = c.store.UpdateJobStatus(ctx, job.ID, JobError)
		c.notify("job.error", map[string]any{"job_id": job.ID, "error": err.Error()})
		return err
	}

	queue := NewQueue(items...)
	token := NewToken()
	done := &atomic.Int64{}
	done.Store(int64(total - len(items)))

	workers := make([]*worker, 0, len(resourceIDs))
	for i, rid := range resourceIDs {
		workers = append(workers, &worker{
			id:         fmt.Sprintf("worker-%d-%s", i, rid),
			resourceID: rid,
			token:      token.Child(),
			queue:      queue,
			store:      c.store,
			provider:   c.provider,
			proc:       proc,
			progress:   c.progress,
			notifier:   c.notifier,
			log:        c.log,
			cfg:        c.cfg,
			jobID:      job.ID,
			total:      total,
			done:       done,
		})
	}

	run := &jobRun{job: job, token: token, workers: workers, queue: queue, started: time.Now()}
	c.run.Store(run)
	defer c.run.Store(nil)

	if err := c.store.UpdateJobStatus(ctx, job.ID, JobProcessing); err != nil {
		_ = c.store.UpdateJobStatus(ctx, job.ID, JobError)
		c.notify("job.error", map[string]any{"job_id": job.ID, "error": err.Error()})
		return err
	}

	c.log.Info("job started",
		logx.Int64("job", job.ID),
		logx.String("kind", job.Kind),
		logx.Int("items", len(items)),
		logx.Int("total", total),
		logx.Int("workers", len(workers)))
	c.notify("job.started", map[string]any{"job_id": job.ID, "kind": job.Kind, "items": len(items), "workers": len(workers)})

	sup := rtsup.New(ctx, rtsup.WithLogger(c.log.With(logx.String("comp", "engine"))))
	for _, w := range workers {
		w := w
		sup.Go(w.id, w.run)
	}
	// No global timeout on the join: an item may legitimately take minutes.
	// Workers observe ctx themselves.
	_ = sup.Wait(context.Background())

	return c.finalize(ctx, run)
}

func (c *Controller) seed(ctx context.Context, job Job) ([]*JobItem, int, error) {
	pending, err := c.store.ListPendingOrFailedItems(ctx, job.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("listing job items: %w", err)
	}
	total, err := c.store.CountItems(ctx, job.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("counting job items: %w", err)
	}
	items := make([]*JobItem, 0, len(pending))
	for i := range pending {
		it := pending[i]
		items = append(items, &it)
	}
	return items, total, nil
}

func (c *Controller) finalize(ctx context.Context, run *jobRun) error {
	took := time.Since(run.started)

	// The final status write must land even when the caller's context ended
	// the run.
	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	// Unfinished items remain when the run was cancelled through the token or
	// the caller's context expired mid-run; either way the job stays
	// resumable, never "completed".
	if run.token.Cancelled() || run.queue.Len() > 0 {
		if err := c.store.UpdateJobStatus(wctx, run.job.ID, JobPaused); err != nil {
			return err
		}
		remaining := run.queue.Len()
		c.log.Info("job paused", logx.Int64("job", run.job.ID), logx.Duration("took", took), logx.Int("remaining", remaining))
		c.notify("job.paused", map[string]any{"job_id": run.job.ID, "remaining": remaining})
		// nil for a cooperative cancel; the context error when the caller's
		// context stopped the run.
		return ctx.Err()
	}

	// "completed" means the queue drained, not that every item succeeded.
	if err := c.store.UpdateJobStatus(wctx, run.job.ID, JobCompleted); err != nil {
		return err
	}
	c.log.Info("job completed", logx.Int64("job", run.job.ID), logx.Duration("took", took))
	c.notify("job.completed", map[string]any{"job_id": run.job.ID, "took_seconds": int(took.Seconds())})
	return nil
}

// Pause blocks every worker at its next checkpoint. Items already inside the
// processor finish naturally.
func (c *Controller) Pause() error {
	run := c.run.Load()
	if run == nil {
		return ErrNotRunning
	}
	run.token.Pause()
	c.log.Info("job pause requested", logx.Int64("job", run.job.ID))
	return nil
}

func (c *Controller) Resume() error {
	run := c.run.Load()
	if run == nil {
		return ErrNotRunning
	}
	run.token.Resume()
	c.log.Info("job resume requested", logx.Int64("job", run.job.ID))
	return nil
}

// Cancel stops the job cooperatively; the final job status becomes "paused"
// so a later run can pick up the unfinished items.
func (c *Controller) Cancel() error {
	run := c.run.Load()
	if run == nil {
		return ErrNotRunning
	}
	run.token.Cancel()
	c.log.Info("job cancel requested", logx.Int64("job", run.job.ID))
	return nil
}

func (c *Controller) Status() Status {
	run := c.run.Load()
	if run == nil {
		return Status{}
	}
	st := Status{
		Running:  true,
		JobID:    run.job.ID,
		JobKind:  run.job.Kind,
		Paused:   run.token.Paused(),
		QueueLen: run.queue.Len(),
	}
	for _, w := range run.workers {
		st.Workers = append(st.Workers, w.Handle())
	}
	return st
}

func (c *Controller) notify(event string, payload any) {
	if c.notifier != nil {
		c.notifier.Emit(event, payload)
	}
}
