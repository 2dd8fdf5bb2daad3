package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"reportsched/internal/eventbus"
	"reportsched/internal/sched"
	"reportsched/internal/storage"
	"reportsched/internal/trigger"
	logx "reportsched/pkg/logx"
)

type stubRunner struct{ calls int }

func (r *stubRunner) RenderAndSend(ctx context.Context, contentID string, renderDate time.Time) error {
	r.calls++
	return nil
}

type failingStore struct {
	storage.Store
	createErr error
}

func (f *failingStore) CreateTask(ctx context.Context, t storage.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.CreateTask(ctx, t)
}

type fixture struct {
	store storage.Store
	sched *sched.Service
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "tasks.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sc := sched.New(sched.Config{Enabled: true}, logx.Nop(), eventbus.New())
	mgr := NewManager(st, sc, &stubRunner{}, logx.Nop(), Options{
		Location:         time.UTC,
		SweepMinInterval: time.Hour,
	})
	return &fixture{store: st, sched: sc, mgr: mgr}
}

func cronDef(name string) Definition {
	return Definition{
		Name:         name,
		ContentID:    "content-1",
		Trigger:      trigger.Spec{Type: trigger.KindCron, Cron: "0 8 * * *"},
		Timeout:      30 * time.Second,
		Retries:      2,
		RetriesDelay: time.Minute,
	}
}

func TestCreateStartsPaused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.Enabled {
		t.Fatal("new task must be disabled")
	}
	if v.State != JobStatePaused {
		t.Fatalf("state = %s, want paused", v.State)
	}
	if v.NextRunTime != nil {
		t.Fatalf("paused task has next fire %v", v.NextRunTime)
	}
	if _, ok := f.sched.GetJob(v.JobID); !ok {
		t.Fatal("job not registered")
	}
	if _, err := f.store.GetTask(ctx, v.ID); err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	bad := cronDef("x")
	bad.Timeout = 2 * time.Minute // >= retries delay
	if _, err := f.mgr.Create(ctx, bad); err == nil {
		t.Fatal("expected timeout/retries_delay validation error")
	}

	bad = cronDef("x")
	bad.Trigger = trigger.Spec{Type: trigger.KindCron, Cron: "not a cron"}
	if _, err := f.mgr.Create(ctx, bad); err == nil {
		t.Fatal("expected trigger compile error")
	}

	bad = cronDef("")
	if _, err := f.mgr.Create(ctx, bad); err == nil {
		t.Fatal("expected name validation error")
	}
}

func TestCreateRollsBackJobOnPersistFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	boom := errors.New("disk full")
	f.mgr.store = &failingStore{Store: f.store, createErr: boom}

	if _, err := f.mgr.Create(ctx, cronDef("daily")); !errors.Is(err, boom) {
		t.Fatalf("Create error = %v, want wrapped disk full", err)
	}
	if jobs := f.sched.ListJobs(); len(jobs) != 0 {
		t.Fatalf("job leaked after failed persist: %+v", jobs)
	}
}

func TestGetReportsMissingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Get(ctx, v.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	f.sched.RemoveJob(v.JobID)
	if _, err := f.mgr.Get(ctx, v.ID); !errors.Is(err, ErrJobMissing) {
		t.Fatalf("Get error = %v, want ErrJobMissing", err)
	}
	// The job is not silently recreated.
	if _, ok := f.sched.GetJob(v.JobID); ok {
		t.Fatal("missing job must not be rebuilt on read")
	}
}

func TestResumeAndPause(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resumed, err := f.mgr.Resume(ctx, v.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed.Enabled || resumed.State != JobStateScheduled || resumed.NextRunTime == nil {
		t.Fatalf("resumed = %+v", resumed)
	}

	paused, err := f.mgr.Pause(ctx, v.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Enabled || paused.State != JobStatePaused || paused.NextRunTime != nil {
		t.Fatalf("paused = %+v", paused)
	}

	stored, err := f.store.GetTask(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Enabled {
		t.Fatal("enable flag not persisted")
	}
}

func TestUpdateTriggerChangeForcesPause(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Resume(ctx, v.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Name-only patch: enabled state survives the update.
	name := "daily renamed"
	updated, err := f.mgr.Update(ctx, v.ID, Patch{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.Enabled || updated.Name != "daily renamed" {
		t.Fatalf("updated = %+v", updated)
	}

	// Trigger change: rescheduled and forced paused.
	newTrigger := trigger.Spec{Type: trigger.KindCron, Cron: "30 6 * * *"}
	updated, err = f.mgr.Update(ctx, v.ID, Patch{Trigger: &newTrigger})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Enabled || updated.State != JobStatePaused {
		t.Fatalf("trigger change should force pause: %+v", updated)
	}
	stored, _ := f.store.GetTask(ctx, v.ID)
	if !stored.Trigger.Equal(newTrigger) {
		t.Fatalf("new trigger not persisted: %+v", stored.Trigger)
	}
}

func TestUpdateNextRunTimeOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	desc := "pushed forward by hand"
	updated, err := f.mgr.Update(ctx, v.ID, Patch{NextRunTime: &at, Description: &desc})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.NextRunTime == nil || !updated.NextRunTime.Equal(at) {
		t.Fatalf("next run = %v, want %v", updated.NextRunTime, at)
	}
	if updated.State != JobStateScheduled {
		t.Fatalf("state = %s, want scheduled after override", updated.State)
	}
	if updated.Description != desc {
		t.Fatalf("description = %q", updated.Description)
	}
	stored, _ := f.store.GetTask(ctx, v.ID)
	if !stored.Enabled || stored.Description != desc {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestDeleteToleratesAbsentJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.sched.RemoveJob(v.JobID)

	if err := f.mgr.Delete(ctx, v.ID); err != nil {
		t.Fatalf("Delete with absent job: %v", err)
	}
	if _, err := f.store.GetTask(ctx, v.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
	if err := f.mgr.Delete(ctx, v.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestReconcileRemovesOrphanJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Orphan: a job the store knows nothing about.
	start := time.Now().Add(-time.Hour)
	trg, err := trigger.Compile(trigger.Spec{
		Type: trigger.KindInterval, IntervalSeconds: 3600, StartTime: &start,
	}, time.UTC)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := f.sched.AddJob(sched.Job{ID: "orphan", Trigger: trg, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	// Create already consumed the sweep token; refill for an immediate scan.
	f.mgr.sweepLimit = rate.NewLimiter(rate.Every(time.Hour), 1)
	if removed := f.mgr.Reconcile(ctx); removed != 1 {
		t.Fatalf("Reconcile removed %d, want 1", removed)
	}
	if _, ok := f.sched.GetJob("orphan"); ok {
		t.Fatal("orphan job survived sweep")
	}
	if _, ok := f.sched.GetJob(v.JobID); !ok {
		t.Fatal("owned job must survive sweep")
	}

	// Second scan inside the rate window is a no-op even with a new orphan.
	if _, err := f.sched.AddJob(sched.Job{ID: "orphan2", Trigger: trg, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if removed := f.mgr.Reconcile(ctx); removed != 0 {
		t.Fatalf("rate-limited Reconcile removed %d, want 0", removed)
	}
}

type blockingStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) CreateTask(ctx context.Context, t storage.Task) error {
	close(b.entered)
	<-b.release
	return b.Store.CreateTask(ctx, t)
}

func TestSweepWaitsForInFlightCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	bs := &blockingStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	f.mgr.store = bs
	f.mgr.sweepLimit = rate.NewLimiter(rate.Every(time.Nanosecond), 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Create(ctx, cronDef("daily"))
		done <- err
	}()
	<-bs.entered

	// The job is registered but its record is not yet persisted. The sweep
	// must block behind the create instead of removing the job.
	swept := make(chan int, 1)
	go func() { swept <- f.mgr.Reconcile(ctx) }()
	select {
	case n := <-swept:
		t.Fatalf("sweep ran during create, removed %d", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(bs.release)
	if err := <-done; err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := <-swept; n != 0 {
		t.Fatalf("sweep removed %d job(s), want 0", n)
	}
	if jobs := f.sched.ListJobs(); len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
}

func TestListPaging(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := f.mgr.Create(ctx, cronDef(name)); err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
	}

	all, err := f.mgr.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List(0,0) = %d tasks, want 3", len(all))
	}
	if got, _ := f.mgr.List(ctx, 0, 2); len(got) != 2 {
		t.Fatalf("List(0,2) = %d tasks, want 2", len(got))
	}
	if got, _ := f.mgr.List(ctx, 2, 0); len(got) != 1 {
		t.Fatalf("List(2,0) = %d tasks, want 1", len(got))
	}
	if got, _ := f.mgr.List(ctx, 5, 1); len(got) != 0 {
		t.Fatalf("List(5,1) = %d tasks, want 0", len(got))
	}
}

func TestUpdateRejectsInvalidMerge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Patched timeout collides with the existing retries_delay.
	bad := 5 * time.Minute
	if _, err := f.mgr.Update(ctx, v.ID, Patch{Timeout: &bad}); err == nil {
		t.Fatal("expected merged-definition validation error")
	}
}

func TestRetryPushesDelayedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Resume(ctx, v.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	before := time.Now()
	f.mgr.handleFailure(ctx, eventbus.JobEvent{JobID: v.JobID, Error: "http=500"})

	info, ok := f.sched.GetJob(v.JobID)
	if !ok || info.NextRunTime == nil {
		t.Fatalf("job after retry = %+v", info)
	}
	gap := info.NextRunTime.Sub(before)
	if gap < 50*time.Second || gap > 70*time.Second {
		t.Fatalf("retry pushed %v out, want ~1m", gap)
	}

	stored, err := f.store.GetTask(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.FailedCount != 1 {
		t.Fatalf("failed_count = %d, want 1", stored.FailedCount)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.mgr.Create(ctx, cronDef("daily"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Resume(ctx, v.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Burn the budget (retries = 2).
	stored, _ := f.store.GetTask(ctx, v.ID)
	stored.FailedCount = stored.Retries
	if err := f.store.UpdateTask(ctx, stored); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	beforeInfo, _ := f.sched.GetJob(v.JobID)

	f.mgr.handleFailure(ctx, eventbus.JobEvent{JobID: v.JobID, Error: "http=500"})

	afterInfo, _ := f.sched.GetJob(v.JobID)
	if beforeInfo.NextRunTime == nil || afterInfo.NextRunTime == nil ||
		!beforeInfo.NextRunTime.Equal(*afterInfo.NextRunTime) {
		t.Fatalf("terminal failure must not reschedule: before=%v after=%v",
			beforeInfo.NextRunTime, afterInfo.NextRunTime)
	}
	stored, _ = f.store.GetTask(ctx, v.ID)
	if stored.FailedCount != stored.Retries {
		t.Fatalf("failed_count moved past budget: %d", stored.FailedCount)
	}
}

func TestRestoreRebuildsJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	enabled, err := f.mgr.Create(ctx, cronDef("enabled one"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Resume(ctx, enabled.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	pausedTask, err := f.mgr.Create(ctx, cronDef("paused one"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Fresh scheduler simulating a restart.
	f.sched = sched.New(sched.Config{Enabled: true}, logx.Nop(), eventbus.New())
	f.mgr.sched = f.sched
	if err := f.mgr.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	en, ok := f.sched.GetJob(enabled.JobID)
	if !ok || en.Paused || en.NextRunTime == nil {
		t.Fatalf("enabled job after restore = %+v", en)
	}
	pa, ok := f.sched.GetJob(pausedTask.JobID)
	if !ok || !pa.Paused {
		t.Fatalf("paused job after restore = %+v", pa)
	}
}
