package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskherd/internal/engine"
	logx "taskherd/pkg/logx"
)

// ---- fakes ----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type memSettings struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemSettings() *memSettings { return &memSettings{m: map[string]string{}} }

func (s *memSettings) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memSettings) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// taskStore is the minimal engine.TaskStore the controller needs here.
type taskStore struct {
	mu       sync.Mutex
	nextJob  int64
	nextItem int64
	items    map[int64]*engine.JobItem
	status   map[int64]engine.JobStatus
}

func newTaskStore() *taskStore {
	return &taskStore{items: map[int64]*engine.JobItem{}, status: map[int64]engine.JobStatus{}}
}

func (s *taskStore) CreateJob(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	s.status[s.nextJob] = engine.JobPending
	return s.nextJob, nil
}

func (s *taskStore) BulkInsertItems(_ context.Context, jobID int64, payloads [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		s.nextItem++
		s.items[s.nextItem] = &engine.JobItem{ID: s.nextItem, JobID: jobID, Payload: p, Status: engine.ItemPending}
	}
	return nil
}

func (s *taskStore) UpdateJobStatus(_ context.Context, jobID int64, status engine.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[jobID] = status
	return nil
}

func (s *taskStore) UpdateItemStatus(_ context.Context, itemID int64, status engine.ItemStatus, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[itemID]; ok {
		it.Status = status
		it.Result = result
		it.ErrorMessage = errMsg
	}
	return nil
}

func (s *taskStore) ListPendingOrFailedItems(_ context.Context, jobID int64) ([]engine.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.JobItem
	for id := int64(1); id <= s.nextItem; id++ {
		it, ok := s.items[id]
		if ok && it.JobID == jobID && (it.Status == engine.ItemPending || it.Status == engine.ItemFailed) {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *taskStore) CountItems(_ context.Context, jobID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *taskStore) jobStatus(jobID int64) engine.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[jobID]
}

type stubProvider struct{}

type stubHandle struct{ id string }

func (h *stubHandle) ID() string { return h.id }

func (stubProvider) Acquire(_ context.Context, resourceID string) (engine.ResourceHandle, error) {
	return &stubHandle{id: resourceID}, nil
}

func (stubProvider) Release(_ context.Context, _ engine.ResourceHandle) error { return nil }

type stubProc struct{}

func (stubProc) Process(_ context.Context, _ engine.JobItem, _ engine.ResourceHandle) ([]byte, error) {
	return []byte("ok"), nil
}

// countingBuilder seeds a one-item job per Build call.
type countingBuilder struct {
	store *taskStore

	mu    sync.Mutex
	calls int
	empty bool
	err   error
}

func (b *countingBuilder) Build(ctx context.Context, _ json.RawMessage) (engine.Job, bool, error) {
	b.mu.Lock()
	b.calls++
	empty, err := b.empty, b.err
	b.mu.Unlock()
	if err != nil {
		return engine.Job{}, false, err
	}
	if empty {
		return engine.Job{}, false, nil
	}
	id, cerr := b.store.CreateJob(ctx, "upload")
	if cerr != nil {
		return engine.Job{}, false, cerr
	}
	if cerr := b.store.BulkInsertItems(ctx, id, [][]byte{[]byte(`{}`)}); cerr != nil {
		return engine.Job{}, false, cerr
	}
	return engine.Job{ID: id, Kind: "upload", Status: engine.JobPending}, true, nil
}

func (b *countingBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type staticLister struct{ ids []string }

func (l staticLister) ListEnabled(_ context.Context) ([]string, error) { return l.ids, nil }

// ---- harness ----

type fixture struct {
	clock    *fakeClock
	store    *taskStore
	builder  *countingBuilder
	settings *memSettings
	trig     *Trigger
}

func newFixture(t *testing.T, resources []string) *fixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.Local))
	store := newTaskStore()
	builder := &countingBuilder{store: store}
	settings := newMemSettings()

	controller := engine.NewController(store, stubProvider{}, engine.NewAggregator(), nil, logx.Nop(),
		engine.Config{PaceDelay: time.Millisecond, FailureDelay: time.Millisecond})

	trig := New(controller, builder, staticLister{ids: resources}, stubProc{}, settings, nil,
		logx.Nop(), WithClock(clock.Now))

	return &fixture{clock: clock, store: store, builder: builder, settings: settings, trig: trig}
}

func (f *fixture) enableAt(t *testing.T, executeTime string) {
	t.Helper()
	if _, err := f.trig.UpdateConfig(context.Background(), ScheduleConfig{Enabled: true, ExecuteTime: executeTime}); err != nil {
		t.Fatalf("UpdateConfig() = %v", err)
	}
}

// ---- tests ----

func TestTickFiresOncePerSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	ctx := context.Background()

	// One minute early: nothing.
	f.clock.Set(time.Date(2026, 3, 10, 8, 59, 30, 0, time.Local))
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 0 {
		t.Fatalf("fired %d times before the slot", n)
	}

	// Inside the slot minute: exactly one fire, repeated ticks are no-ops.
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 5, 0, time.Local))
	f.trig.Tick(ctx)
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 45, 0, time.Local))
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 1 {
		t.Fatalf("fired %d times in the slot, want 1", n)
	}
	if key := f.trig.GetConfig().LastExecutionKey; key != "2026-03-10_09:00" {
		t.Fatalf("LastExecutionKey = %q", key)
	}

	// After the slot: nothing.
	f.clock.Set(time.Date(2026, 3, 10, 9, 1, 0, 0, time.Local))
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 1 {
		t.Fatalf("fired %d times after the slot, want 1", n)
	}

	// Next day, same wall-clock time: a fresh key, fires again.
	f.clock.Set(time.Date(2026, 3, 11, 9, 0, 10, 0, time.Local))
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 2 {
		t.Fatalf("fired %d times across two days, want 2", n)
	}
	if st := f.store.jobStatus(2); st != engine.JobCompleted {
		t.Fatalf("second job status = %s, want completed", st)
	}
}

func TestTickDisabledDoesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(context.Background())
	if n := f.builder.callCount(); n != 0 {
		t.Fatalf("disabled trigger fired %d times", n)
	}
}

func TestExecuteNowNeverConsumesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	if err := f.trig.ExecuteNow(ctx); err != nil {
		t.Fatalf("ExecuteNow() = %v", err)
	}
	if key := f.trig.GetConfig().LastExecutionKey; key != "" {
		t.Fatalf("manual run consumed slot: key = %q", key)
	}

	// The scheduled fire for the same slot still happens.
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 2 {
		t.Fatalf("builder calls = %d, want manual + scheduled", n)
	}
	if key := f.trig.GetConfig().LastExecutionKey; key != "2026-03-10_09:00" {
		t.Fatalf("LastExecutionKey = %q after scheduled fire", key)
	}
}

func TestScheduledEmptyRunConsumesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	f.builder.empty = true
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(ctx)
	if key := f.trig.GetConfig().LastExecutionKey; key != "2026-03-10_09:00" {
		t.Fatalf("empty scheduled run did not consume slot: key = %q", key)
	}
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 1 {
		t.Fatalf("builder calls = %d, want 1", n)
	}
}

func TestZeroResourcesLeavesSlotUnconsumed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.enableAt(t, "09:00")
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(ctx)
	if key := f.trig.GetConfig().LastExecutionKey; key != "" {
		t.Fatalf("failed run consumed slot: key = %q", key)
	}

	// The same slot can be retried while the minute lasts.
	f.trig.Tick(ctx)
	if n := f.builder.callCount(); n != 2 {
		t.Fatalf("builder calls = %d, want retry in same slot", n)
	}
}

func TestBuilderFailureLeavesSlotUnconsumed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	f.builder.err = errors.New("query failed")
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(ctx)
	if key := f.trig.GetConfig().LastExecutionKey; key != "" {
		t.Fatalf("build failure consumed slot: key = %q", key)
	}
}

func TestSelectedResourcesIntersectEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1", "p2", "p3"})
	cfg := ScheduleConfig{Enabled: true, ExecuteTime: "09:00", SelectedResources: []string{"p2", "p9"}}
	if _, err := f.trig.UpdateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpdateConfig() = %v", err)
	}

	ids, err := f.trig.resolveResources(context.Background(), f.trig.GetConfig())
	if err != nil {
		t.Fatalf("resolveResources() = %v", err)
	}
	if len(ids) != 1 || ids[0] != "p2" {
		t.Fatalf("resolveResources() = %v, want [p2]", ids)
	}
}

func TestUpdateConfigPreservesExecutionKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(ctx)
	key := f.trig.GetConfig().LastExecutionKey
	if key == "" {
		t.Fatal("expected consumed slot")
	}

	next := ScheduleConfig{Enabled: true, ExecuteTime: "10:30", LastExecutionKey: "2020-01-01_00:00"}
	got, err := f.trig.UpdateConfig(ctx, next)
	if err != nil {
		t.Fatalf("UpdateConfig() = %v", err)
	}
	if got.LastExecutionKey != key {
		t.Fatalf("LastExecutionKey = %q, want preserved %q", got.LastExecutionKey, key)
	}

	if _, err := f.trig.UpdateConfig(ctx, ScheduleConfig{ExecuteTime: "25:00"}); err == nil {
		t.Fatal("UpdateConfig() accepted an invalid time")
	}
}

func TestStateRoundTripsThroughSettings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	ctx := context.Background()
	cfg := ScheduleConfig{Enabled: true, ExecuteTime: "21:15", SelectedResources: []string{"p1"}}
	if _, err := f.trig.UpdateConfig(ctx, cfg); err != nil {
		t.Fatalf("UpdateConfig() = %v", err)
	}
	f.trig.appendLog(ctx, "info", "first entry")

	// A second trigger over the same settings store picks the state up.
	controller := engine.NewController(f.store, stubProvider{}, engine.NewAggregator(), nil, logx.Nop(), engine.Config{})
	fresh := New(controller, f.builder, staticLister{ids: []string{"p1"}}, stubProc{}, f.settings, nil,
		logx.Nop(), WithClock(f.clock.Now))
	fresh.loadState(ctx)

	got := fresh.GetConfig()
	if !got.Enabled || got.ExecuteTime != "21:15" {
		t.Fatalf("reloaded config = %+v", got)
	}
	logs := fresh.Logs(0)
	found := false
	for _, e := range logs {
		if e.Message == "first entry" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reloaded logs missing entry: %v", logs)
	}
}

func TestStatusReportsNextExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 10, 8, 0, 0, 0, time.Local))
	st := f.trig.Status()
	if st.NextExecution == nil {
		t.Fatal("NextExecution = nil")
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	if !st.NextExecution.Equal(want) {
		t.Fatalf("NextExecution = %v, want %v", st.NextExecution, want)
	}

	// Consume today's slot: the next one is tomorrow.
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local))
	f.trig.Tick(ctx)
	st = f.trig.Status()
	want = want.AddDate(0, 0, 1)
	if st.NextExecution == nil || !st.NextExecution.Equal(want) {
		t.Fatalf("NextExecution after fire = %v, want %v", st.NextExecution, want)
	}
}

func TestExecuteRejectsOverlappingRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"p1"})
	f.enableAt(t, "09:00")

	f.trig.mu.Lock()
	f.trig.running = true
	f.trig.mu.Unlock()

	if err := f.trig.ExecuteNow(context.Background()); !errors.Is(err, ErrExecuting) {
		t.Fatalf("ExecuteNow() during run = %v, want ErrExecuting", err)
	}
	if n := f.builder.callCount(); n != 0 {
		t.Fatalf("builder called %d times during overlap", n)
	}
}

func TestNextExecutionAcrossSlotMinute(t *testing.T) {
	t.Parallel()

	slot := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	cases := []struct {
		name     string
		now      time.Time
		consumed bool
		want     time.Time
	}{
		{name: "before the slot", now: slot.Add(-time.Hour), want: slot},
		// The slot minute is still live while its key is unconsumed, so the
		// slot it belongs to is the next one.
		{name: "at the slot exactly", now: slot, want: slot},
		{name: "inside the slot minute", now: slot.Add(30 * time.Second), want: slot},
		{name: "inside the slot minute, consumed", now: slot.Add(30 * time.Second), consumed: true, want: slot.AddDate(0, 0, 1)},
		{name: "after the slot minute", now: slot.Add(time.Minute), want: slot.AddDate(0, 0, 1)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := ScheduleConfig{Enabled: true, ExecuteTime: "09:00"}
			if tc.consumed {
				cfg.LastExecutionKey = cfg.executionKey(tc.now)
			}
			next, ok := cfg.nextExecution(tc.now)
			if !ok {
				t.Fatal("nextExecution() = not ok")
			}
			if !next.Equal(tc.want) {
				t.Fatalf("nextExecution(%v) = %v, want %v", tc.now, next, tc.want)
			}
		})
	}
}

func TestExecutionKeyFormat(t *testing.T) {
	t.Parallel()

	cfg := ScheduleConfig{ExecuteTime: "09:05"}
	now := time.Date(2026, 12, 3, 9, 5, 42, 0, time.Local)
	if got := cfg.executionKey(now); got != "2026-12-03_09:05" {
		t.Fatalf("executionKey() = %q", got)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "00:00"},
		{in: "23:59", h: 23, m: 59},
		{in: " 9:30 ", h: 9, m: 30},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			t.Parallel()
			h, m, err := parseHHMM(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseHHMM(%q) accepted", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHHMM(%q) = %v", tc.in, err)
			}
			if h != tc.h || m != tc.m {
				t.Fatalf("parseHHMM(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.h, tc.m)
			}
		})
	}
}
