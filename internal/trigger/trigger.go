package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskherd/internal/engine"
	logx "taskherd/pkg/logx"
)

const (
	settingConfigKey = "scheduler.config"
	settingLogsKey   = "scheduler.logs"
)

var ErrExecuting = errors.New("trigger already executing")

// ConfigStore persists small settings blobs. Get returns "" for a missing key.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// JobBuilder queries a data source for eligible items and returns a job
// already seeded in the TaskStore. ok=false means "nothing to do".
type JobBuilder interface {
	Build(ctx context.Context, filters json.RawMessage) (job engine.Job, ok bool, err error)
}

// ResourceLister reports the resource ids currently enabled for automation.
type ResourceLister interface {
	ListEnabled(ctx context.Context) ([]string, error)
}

// Preflight gates a scheduled dispatch behind an environment check
// (e.g. minimum upload bandwidth). Failures are warn-only.
type Preflight interface {
	Check(ctx context.Context, minUploadMbps float64) error
}

// Trigger fires one job per configured daily HH:MM slot.
//
// The tick runs once per minute on a cron goroutine; the dedupe key
// (date_time) guarantees at most one fire per slot even when the checker
// runs more than once inside the matching minute or the process restarts
// with a persisted key. A manual ExecuteNow never consumes the slot.
type Trigger struct {
	controller *engine.Controller
	builder    JobBuilder
	resources  ResourceLister
	proc       engine.ItemProcessor
	settings   ConfigStore
	notifier   engine.Notifier
	preflight  Preflight
	log        logx.Logger

	elog *logRing
	now  func() time.Time

	mu      sync.Mutex
	cfg     ScheduleConfig
	running bool
	c       *cron.Cron
}

type Option func(*Trigger)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

func WithPreflight(p Preflight) Option {
	return func(t *Trigger) { t.preflight = p }
}

func WithLogCapacity(n int) Option {
	return func(t *Trigger) { t.elog = newLogRing(n) }
}

func New(controller *engine.Controller, builder JobBuilder, resources ResourceLister, proc engine.ItemProcessor, settings ConfigStore, notifier engine.Notifier, log logx.Logger, opts ...Option) *Trigger {
	t := &Trigger{
		controller: controller,
		builder:    builder,
		resources:  resources,
		proc:       proc,
		settings:   settings,
		notifier:   notifier,
		log:        log,
		elog:       newLogRing(defaultLogCap),
		now:        time.Now,
		cfg:        defaultScheduleConfig(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start loads persisted state and begins the minute tick. Idempotent.
func (t *Trigger) Start(ctx context.Context) error {
	t.loadState(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return nil
	}
	t.c = cron.New()
	if _, err := t.c.AddFunc("* * * * *", func() { t.Tick(context.Background()) }); err != nil {
		t.c = nil
		return fmt.Errorf("registering tick: %w", err)
	}
	t.c.Start()
	t.log.Info("trigger started", logx.Bool("enabled", t.cfg.Enabled), logx.String("execute_time", t.cfg.ExecuteTime))
	return nil
}

func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped")
}

// Tick evaluates the current minute against the configured slot. It is safe
// to call more than once per minute: the dedupe key makes re-entry a no-op.
func (t *Trigger) Tick(ctx context.Context) {
	t.mu.Lock()
	cfg := t.cfg
	running := t.running
	t.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if running {
		t.log.Debug("tick skipped: execution in progress")
		return
	}

	now := t.now()
	if !cfg.matches(now) {
		return
	}
	key := cfg.executionKey(now)
	if key == cfg.LastExecutionKey {
		// Already fired this slot.
		return
	}

	t.appendLog(ctx, "info", fmt.Sprintf("reached execute time %s, starting scheduled run", cfg.ExecuteTime))
	if err := t.execute(ctx, key); err != nil && !errors.Is(err, ErrExecuting) {
		t.log.Warn("scheduled run failed", logx.Err(err))
	}
}

// ExecuteNow runs the trigger pipeline immediately. It never touches
// LastExecutionKey, so a manual run does not block the next scheduled fire.
func (t *Trigger) ExecuteNow(ctx context.Context) error {
	t.appendLog(ctx, "info", "manual run requested")
	return t.execute(ctx, "")
}

// execute runs build -> resolve resources -> dispatch. A non-empty slotKey
// marks a clock-triggered run; the slot is consumed once dispatch was fully
// handed off (or on a scheduled "nothing to do"), and left unconsumed on a
// hard failure before any items were produced so the same slot can be
// retried manually.
func (t *Trigger) execute(ctx context.Context, slotKey string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		t.appendLog(ctx, "warning", "run already in progress, skipping")
		return ErrExecuting
	}
	t.running = true
	cfg := t.cfg
	t.mu.Unlock()

	started := t.now()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	t.notify("scheduler.status", map[string]any{"status": "running", "step": "query"})

	job, ok, err := t.builder.Build(ctx, cfg.Filters)
	if err != nil {
		t.appendLog(ctx, "error", fmt.Sprintf("job build failed: %v", err))
		t.notify("scheduler.status", map[string]any{"status": "error", "message": err.Error()})
		return fmt.Errorf("building job: %w", err)
	}
	if !ok {
		t.appendLog(ctx, "info", "no eligible items, nothing to do")
		t.notify("scheduler.status", map[string]any{"status": "completed", "message": "no eligible items"})
		// A scheduled empty run still consumes the slot; a manual one never does.
		if slotKey != "" {
			t.consumeSlot(ctx, slotKey)
		}
		return nil
	}

	resourceIDs, err := t.resolveResources(ctx, cfg)
	if err != nil {
		t.appendLog(ctx, "error", fmt.Sprintf("resolving resources failed: %v", err))
		t.notify("scheduler.status", map[string]any{"status": "error", "message": err.Error()})
		return fmt.Errorf("resolving resources: %w", err)
	}
	if len(resourceIDs) == 0 {
		t.appendLog(ctx, "error", "no enabled resources available, slot left unconsumed")
		t.notify("scheduler.status", map[string]any{"status": "error", "message": "no enabled resources"})
		return engine.ErrNoResources
	}

	if t.preflight != nil && cfg.MinUploadMbps > 0 {
		if err := t.preflight.Check(ctx, cfg.MinUploadMbps); err != nil {
			// Warn-only: a slow link delays items, it doesn't invalidate them.
			t.appendLog(ctx, "warning", fmt.Sprintf("bandwidth preflight: %v", err))
		}
	}

	t.appendLog(ctx, "success", fmt.Sprintf("dispatching job %d on %d resources", job.ID, len(resourceIDs)))
	t.notify("scheduler.status", map[string]any{"status": "running", "step": "dispatch", "job_id": job.ID, "workers": len(resourceIDs)})

	// From here the fire counts as dispatched: success or failure, the slot
	// is consumed for clock-triggered runs.
	dispatchErr := t.controller.StartParallel(ctx, job, resourceIDs, t.proc)
	if slotKey != "" {
		t.consumeSlot(ctx, slotKey)
	}

	took := t.now().Sub(started)
	if dispatchErr != nil {
		t.appendLog(ctx, "error", fmt.Sprintf("job %d failed after %s: %v", job.ID, took.Round(time.Second), dispatchErr))
		t.notify("scheduler.status", map[string]any{"status": "error", "job_id": job.ID, "message": dispatchErr.Error()})
		return dispatchErr
	}
	t.appendLog(ctx, "success", fmt.Sprintf("job %d finished in %s", job.ID, took.Round(time.Second)))
	t.notify("scheduler.status", map[string]any{"status": "completed", "job_id": job.ID})
	return nil
}

func (t *Trigger) resolveResources(ctx context.Context, cfg ScheduleConfig) ([]string, error) {
	enabled, err := t.resources.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.SelectedResources) == 0 {
		return enabled, nil
	}
	allow := make(map[string]bool, len(cfg.SelectedResources))
	for _, id := range cfg.SelectedResources {
		allow[id] = true
	}
	out := make([]string, 0, len(enabled))
	for _, id := range enabled {
		if allow[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *Trigger) consumeSlot(ctx context.Context, key string) {
	t.mu.Lock()
	t.cfg.LastExecutionKey = key
	cfg := t.cfg
	t.mu.Unlock()
	t.saveConfig(ctx, cfg)
}

// Enable turns the schedule on and persists the change.
func (t *Trigger) Enable(ctx context.Context) ScheduleConfig {
	t.mu.Lock()
	t.cfg.Enabled = true
	cfg := t.cfg
	t.mu.Unlock()
	t.saveConfig(ctx, cfg)
	t.appendLog(ctx, "info", "schedule enabled")
	return cfg
}

func (t *Trigger) Disable(ctx context.Context) ScheduleConfig {
	t.mu.Lock()
	t.cfg.Enabled = false
	cfg := t.cfg
	t.mu.Unlock()
	t.saveConfig(ctx, cfg)
	t.appendLog(ctx, "info", "schedule disabled")
	return cfg
}

// UpdateConfig merges the supplied config over the current one.
// LastExecutionKey is owned by the trigger and cannot be set from outside.
func (t *Trigger) UpdateConfig(ctx context.Context, next ScheduleConfig) (ScheduleConfig, error) {
	if err := next.validate(); err != nil {
		return ScheduleConfig{}, err
	}
	t.mu.Lock()
	next.LastExecutionKey = t.cfg.LastExecutionKey
	t.cfg = next
	cfg := t.cfg
	t.mu.Unlock()
	t.saveConfig(ctx, cfg)
	t.appendLog(ctx, "info", fmt.Sprintf("config updated, execute time %s", cfg.ExecuteTime))
	return cfg, nil
}

func (t *Trigger) GetConfig() ScheduleConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Status reports the run state plus the next scheduled slot.
type Status struct {
	Enabled          bool       `json:"enabled"`
	Running          bool       `json:"running"`
	LastExecutionKey string     `json:"last_execution_key,omitempty"`
	NextExecution    *time.Time `json:"next_execution,omitempty"`
}

func (t *Trigger) Status() Status {
	t.mu.Lock()
	cfg := t.cfg
	running := t.running
	t.mu.Unlock()

	st := Status{Enabled: cfg.Enabled, Running: running, LastExecutionKey: cfg.LastExecutionKey}
	if next, ok := cfg.nextExecution(t.now()); ok {
		st.NextExecution = &next
	}
	return st
}

func (t *Trigger) Logs(limit int) []LogEntry {
	return t.elog.List(limit)
}

func (t *Trigger) ClearLogs(ctx context.Context) {
	t.elog.Clear()
	t.saveLogs(ctx)
	t.appendLog(ctx, "info", "logs cleared")
}

// appendLog records, persists and pushes one execution-log entry. Failures
// are recorded but never escalate: the trigger loop must not crash.
func (t *Trigger) appendLog(ctx context.Context, level, msg string) {
	e := LogEntry{Time: t.now(), Level: level, Message: msg}
	t.elog.Append(e)
	t.saveLogs(ctx)
	t.notify("scheduler.log", e)

	switch level {
	case "error":
		t.log.Error(msg)
	case "warning":
		t.log.Warn(msg)
	default:
		t.log.Info(msg)
	}
}

func (t *Trigger) notify(event string, payload any) {
	if t.notifier != nil {
		t.notifier.Emit(event, payload)
	}
}

func (t *Trigger) loadState(ctx context.Context) {
	raw, err := t.settings.Get(ctx, settingConfigKey)
	if err != nil {
		t.log.Warn("loading schedule config failed", logx.Err(err))
	} else if raw != "" {
		cfg := defaultScheduleConfig()
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			t.log.Warn("parsing schedule config failed", logx.Err(err))
		} else if err := cfg.validate(); err != nil {
			t.log.Warn("persisted schedule config invalid", logx.Err(err))
		} else {
			t.mu.Lock()
			t.cfg = cfg
			t.mu.Unlock()
		}
	}

	rawLogs, err := t.settings.Get(ctx, settingLogsKey)
	if err != nil {
		t.log.Warn("loading trigger logs failed", logx.Err(err))
	} else if rawLogs != "" {
		var entries []LogEntry
		if err := json.Unmarshal([]byte(rawLogs), &entries); err != nil {
			t.log.Warn("parsing trigger logs failed", logx.Err(err))
		} else {
			t.elog.Replace(entries)
		}
	}
}

func (t *Trigger) saveConfig(ctx context.Context, cfg ScheduleConfig) {
	b, err := json.Marshal(cfg)
	if err != nil {
		t.log.Warn("encoding schedule config failed", logx.Err(err))
		return
	}
	if err := t.settings.Set(ctx, settingConfigKey, string(b)); err != nil {
		t.log.Warn("persisting schedule config failed", logx.Err(err))
	}
}

func (t *Trigger) saveLogs(ctx context.Context) {
	b, err := json.Marshal(t.elog.Snapshot())
	if err != nil {
		t.log.Warn("encoding trigger logs failed", logx.Err(err))
		return
	}
	if err := t.settings.Set(ctx, settingLogsKey, string(b)); err != nil {
		t.log.Warn("persisting trigger logs failed", logx.Err(err))
	}
}
