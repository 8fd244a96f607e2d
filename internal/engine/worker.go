package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "taskherd/pkg/logx"
)

// worker drains the shared queue on one resource slot.
//
// The resource handle is acquired lazily on the first claim, reused across
// items, re-acquired after a resource failure and released when the loop
// exits. Item failures are never fatal to the worker.
type worker struct {
	id         string
	resourceID string
	token      *Token
	queue      *Queue
	store      TaskStore
	provider   ResourceProvider
	proc       ItemProcessor
	progress   *Aggregator
	notifier   Notifier
	log        logx.Logger
	cfg        Config

	jobID int64
	total int
	// done counts items that reached a terminal status this run, across all
	// workers of the job. Failed items count too, matching the original
	// progress behavior.
	done *atomic.Int64

	mu        sync.Mutex
	currentID int64
	handle    ResourceHandle
}

// Handle returns a read-only status snapshot.
func (w *worker) Handle() WorkerHandle {
	w.mu.Lock()
	cur := w.currentID
	w.mu.Unlock()
	return WorkerHandle{
		WorkerID:      w.id,
		ResourceID:    w.resourceID,
		Paused:        w.token.Paused(),
		Cancelled:     w.token.Cancelled(),
		CurrentItemID: cur,
	}
}

func (w *worker) setCurrent(id int64) {
	w.mu.Lock()
	w.currentID = id
	w.mu.Unlock()
}

// run loops Claiming -> Processing -> Reporting until the queue is empty or
// cancellation intervenes. It returns nil on cancellation: a cancelled worker
// stopped cleanly, the job-level outcome is decided by the controller.
func (w *worker) run(ctx context.Context) error {
	w.log.Debug("worker started", logx.String("worker", w.id), logx.String("resource", w.resourceID))
	defer w.releaseHandle()

	for {
		// Claiming.
		if err := w.token.Checkpoint(ctx); err != nil {
			w.log.Debug("worker stopping at claim", logx.String("worker", w.id), logx.Err(err))
			return nil
		}
		item, ok := w.queue.Pop()
		if !ok {
			w.log.Debug("worker drained queue", logx.String("worker", w.id))
			return nil
		}
		w.setCurrent(item.ID)

		// Processing. If cancellation lands between claim and start, the
		// untouched item is handed back to the queue: it stays pending and
		// still counts toward the remaining work.
		if err := w.token.Checkpoint(ctx); err != nil {
			w.queue.Push(item)
			w.setCurrent(0)
			return nil
		}
		w.processOne(ctx, item)
		w.setCurrent(0)
	}
}

func (w *worker) processOne(ctx context.Context, item *JobItem) {
	item.Status = ItemProcessing
	if err := w.store.UpdateItemStatus(ctx, item.ID, ItemProcessing, nil, ""); err != nil {
		w.log.Warn("item status write failed", logx.String("worker", w.id), logx.Int64("item", item.ID), logx.Err(err))
	}
	w.publish(item, ItemProcessing, int(w.done.Load())+1, "", "")

	result, err := w.process(ctx, item)

	// The claimed item always reaches a terminal status, even when cancelled
	// mid-flight; only the next claim observes the cancellation. The terminal
	// write gets a fresh context so it lands after ctx ended.
	sctx, scancel := writeCtx(ctx)
	defer scancel()
	if err != nil {
		item.Status = ItemFailed
		item.ErrorMessage = err.Error()
		if serr := w.store.UpdateItemStatus(sctx, item.ID, ItemFailed, nil, err.Error()); serr != nil {
			w.log.Warn("item status write failed", logx.String("worker", w.id), logx.Int64("item", item.ID), logx.Err(serr))
		}
		n := w.done.Add(1)
		w.log.Warn("item failed", logx.String("worker", w.id), logx.Int64("item", item.ID), logx.Err(err))
		w.publish(item, ItemFailed, int(n), "", err.Error())
		w.notify("job.item.failed", map[string]any{
			"job_id": w.jobID, "worker_id": w.id, "item_id": item.ID, "error": err.Error(),
		})
		w.pace(ctx, w.cfg.FailureDelay)
		return
	}

	item.Status = ItemCompleted
	item.Result = result
	if serr := w.store.UpdateItemStatus(sctx, item.ID, ItemCompleted, result, ""); serr != nil {
		w.log.Warn("item status write failed", logx.String("worker", w.id), logx.Int64("item", item.ID), logx.Err(serr))
	}
	n := w.done.Add(1)
	w.log.Info("item completed", logx.String("worker", w.id), logx.Int64("item", item.ID), logx.Int("done", int(n)), logx.Int("total", w.total))
	w.publish(item, ItemCompleted, int(n), "", "")

	if w.queue.Len() > 0 {
		w.pace(ctx, w.cfg.PaceDelay)
	}
}

// process resolves the resource handle and runs the item through the
// processor. Acquire failures are item-level: the item is marked failed with
// the resource error and the next claim tries a fresh Acquire.
func (w *worker) process(ctx context.Context, item *JobItem) ([]byte, error) {
	h, err := w.acquireHandle(ctx)
	if err != nil {
		return nil, err
	}
	result, err := w.proc.Process(ctx, *item, h)
	if err != nil && !errors.Is(err, context.Canceled) {
		// Drop the handle so the next item starts from a clean session.
		w.releaseHandle()
	}
	return result, err
}

func (w *worker) acquireHandle(ctx context.Context) (ResourceHandle, error) {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()
	if h != nil {
		return h, nil
	}
	h, err := w.provider.Acquire(ctx, w.resourceID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.handle = h
	w.mu.Unlock()
	return h, nil
}

func (w *worker) releaseHandle() {
	w.mu.Lock()
	h := w.handle
	w.handle = nil
	w.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.provider.Release(ctx, h); err != nil {
		w.log.Warn("resource release failed", logx.String("worker", w.id), logx.String("resource", w.resourceID), logx.Err(err))
	}
}

// writeCtx returns ctx while it is alive, or a bounded fresh context once it
// ended, so status writes still reach the store.
func writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (w *worker) pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-tmr.C:
	}
}

func (w *worker) publish(item *JobItem, status ItemStatus, current int, msg, errMsg string) {
	if w.progress == nil {
		return
	}
	w.progress.Publish(ProgressEvent{
		JobID:    w.jobID,
		WorkerID: w.id,
		ItemID:   item.ID,
		Status:   status,
		Current:  current,
		Total:    w.total,
		Message:  msg,
		Error:    errMsg,
	})
}

func (w *worker) notify(event string, payload any) {
	if w.notifier != nil {
		w.notifier.Emit(event, payload)
	}
}
