// Package task owns the lifecycle of scheduled report tasks: the persisted
// record, the live scheduler job, and the glue keeping the two consistent.
//
// Every task maps to exactly one scheduler job via its job id. Tasks are
// always created paused; an operator resumes them explicitly. A sweep
// reconciles jobs whose task record has disappeared, and a retry controller
// reacts to job failures by pushing a bounded number of delayed re-runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reportsched/internal/sched"
	"reportsched/internal/storage"
	"reportsched/internal/trigger"
	logx "reportsched/pkg/logx"
)

var (
	// ErrNotFound mirrors the store's sentinel for callers that only import
	// this package.
	ErrNotFound = storage.ErrNotFound

	// ErrJobMissing flags a task whose scheduler job has disappeared. It is
	// a consistency fault: the task is unusable until recreated, and the
	// job is never silently rebuilt on read.
	ErrJobMissing = errors.New("task has no scheduler job")
)

// Runner delivers one report. The scheduler job for a task is a single
// Run call per fire.
type Runner interface {
	RenderAndSend(ctx context.Context, contentID string, renderDate time.Time) error
}

// Definition is the operator-supplied part of a task.
type Definition struct {
	Name        string
	Description string
	ContentID   string
	Trigger     trigger.Spec

	// Timeout bounds one delivery attempt; it must be shorter than
	// RetriesDelay so an attempt finishes before its retry is due.
	Timeout      time.Duration
	Retries      int
	RetriesDelay time.Duration
}

// JobState summarizes the live job joined to a task record.
type JobState string

const (
	JobStateScheduled JobState = "scheduled"
	JobStatePaused    JobState = "paused"
	JobStateRunning   JobState = "running"
	JobStateMissing   JobState = "missing"
)

// View is a task record joined with its live job.
type View struct {
	storage.Task

	NextRunTime *time.Time
	State       JobState
}

type Manager struct {
	log   logx.Logger
	store storage.Store
	sched *sched.Service
	run   Runner
	loc   *time.Location

	// sweepLimit caps how often the orphan sweep actually scans; extra
	// calls between permits are no-ops.
	sweepLimit *rate.Limiter

	// mu serializes mutating lifecycle operations and the orphan sweep, so
	// the register-then-persist sequence in Create cannot interleave with a
	// scan that would see the job before its record exists.
	mu sync.Mutex
}

// Options tunes manager behavior. Zero values get sane defaults.
type Options struct {
	Location *time.Location

	// SweepMinInterval is the minimum spacing between reconciliation scans.
	SweepMinInterval time.Duration
}

func NewManager(store storage.Store, scheduler *sched.Service, run Runner, log logx.Logger, opt Options) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}
	minGap := opt.SweepMinInterval
	if minGap <= 0 {
		minGap = 5 * time.Second
	}
	return &Manager{
		log:        log,
		store:      store,
		sched:      scheduler,
		run:        run,
		loc:        loc,
		sweepLimit: rate.NewLimiter(rate.Every(minGap), 1),
	}
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(d.ContentID) == "" {
		return errors.New("content id is required")
	}
	if d.Retries < 0 {
		return errors.New("retries must be >= 0")
	}
	if d.Retries > 0 {
		if d.RetriesDelay <= 0 {
			return errors.New("retries_delay must be > 0 when retries are set")
		}
		if d.Timeout >= d.RetriesDelay {
			return errors.New("timeout must be less than retries_delay")
		}
	}
	return nil
}

// Create registers the scheduler job first and persists the record second;
// a failed persist rolls the job back so no job outlives its task. The new
// task starts paused regardless of how it will eventually run.
func (m *Manager) Create(ctx context.Context, def Definition) (View, error) {
	if err := def.validate(); err != nil {
		return View{}, err
	}
	trg, err := trigger.Compile(def.Trigger, m.loc)
	if err != nil {
		return View{}, fmt.Errorf("trigger: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	now := time.Now().In(m.loc)
	t := storage.Task{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(def.Name),
		Description:  strings.TrimSpace(def.Description),
		ContentID:    strings.TrimSpace(def.ContentID),
		Trigger:      def.Trigger,
		Enabled:      false,
		JobID:        uuid.NewString(),
		Timeout:      def.Timeout,
		Retries:      def.Retries,
		RetriesDelay: def.RetriesDelay,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := m.sched.AddJob(m.jobFor(t, trg)); err != nil {
		return View{}, fmt.Errorf("register job: %w", err)
	}
	if err := m.sched.PauseJob(t.JobID); err != nil {
		m.sched.RemoveJob(t.JobID)
		return View{}, fmt.Errorf("pause new job: %w", err)
	}

	if err := m.store.CreateTask(ctx, t); err != nil {
		m.sched.RemoveJob(t.JobID)
		return View{}, fmt.Errorf("persist task: %w", err)
	}

	m.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("name", t.Name),
		logx.String("job", t.JobID))
	return m.viewOf(t), nil
}

// Get returns the task joined with its live job. A record whose job has
// vanished is reported as ErrJobMissing, never repaired here.
func (m *Manager) Get(ctx context.Context, id string) (View, error) {
	m.Reconcile(ctx)
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return View{}, err
	}
	if _, ok := m.sched.GetJob(t.JobID); !ok {
		m.log.Warn("task record has no live job",
			logx.String("task", t.ID), logx.String("job", t.JobID))
		return View{}, fmt.Errorf("%w: task %s", ErrJobMissing, t.ID)
	}
	return m.viewOf(t), nil
}

// List returns a page of tasks. Unlike Get, a missing job does not fail the
// whole listing; the task is surfaced with state "missing" so operators can
// see the fault. limit <= 0 means no limit.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]View, error) {
	m.Reconcile(ctx)
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return m.views(page(tasks, offset, limit)), nil
}

func page(tasks []storage.Task, offset, limit int) []storage.Task {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tasks) {
		return nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

// Search returns tasks whose name contains the given substring.
func (m *Manager) Search(ctx context.Context, name string) ([]View, error) {
	m.Reconcile(ctx)
	tasks, err := m.store.SearchTasks(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.views(tasks), nil
}

// Patch carries a partial update; nil fields keep their current value.
type Patch struct {
	Name         *string
	Description  *string
	ContentID    *string
	Trigger      *trigger.Spec
	Timeout      *time.Duration
	Retries      *int
	RetriesDelay *time.Duration

	// NextRunTime overrides the job's computed fire time without touching
	// the trigger. Applying it activates the job, so the persisted enable
	// flag is set to match. Ignored when the patch also changes the
	// trigger, since a rescheduled job always lands paused.
	NextRunTime *time.Time
}

func (p Patch) applyTo(t storage.Task) Definition {
	def := Definition{
		Name:         t.Name,
		Description:  t.Description,
		ContentID:    t.ContentID,
		Trigger:      t.Trigger,
		Timeout:      t.Timeout,
		Retries:      t.Retries,
		RetriesDelay: t.RetriesDelay,
	}
	if p.Name != nil {
		def.Name = *p.Name
	}
	if p.Description != nil {
		def.Description = *p.Description
	}
	if p.ContentID != nil {
		def.ContentID = *p.ContentID
	}
	if p.Trigger != nil {
		def.Trigger = *p.Trigger
	}
	if p.Timeout != nil {
		def.Timeout = *p.Timeout
	}
	if p.Retries != nil {
		def.Retries = *p.Retries
	}
	if p.RetriesDelay != nil {
		def.RetriesDelay = *p.RetriesDelay
	}
	return def
}

// Update applies a partial update. A trigger change rebuilds the schedule
// and forces the task paused so the new cadence is reviewed before it runs.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return View{}, err
	}
	if _, ok := m.sched.GetJob(t.JobID); !ok {
		return View{}, fmt.Errorf("%w: task %s", ErrJobMissing, t.ID)
	}

	def := patch.applyTo(t)
	if err := def.validate(); err != nil {
		return View{}, err
	}

	triggerChanged := !t.Trigger.Equal(def.Trigger)
	switch {
	case triggerChanged:
		trg, err := trigger.Compile(def.Trigger, m.loc)
		if err != nil {
			return View{}, fmt.Errorf("trigger: %w", err)
		}
		if _, err := m.sched.Reschedule(t.JobID, trg); err != nil {
			return View{}, fmt.Errorf("reschedule job: %w", err)
		}
		if err := m.sched.PauseJob(t.JobID); err != nil {
			return View{}, fmt.Errorf("pause rescheduled job: %w", err)
		}
		t.Enabled = false
	case patch.NextRunTime != nil:
		if err := m.sched.ModifyNextRunTime(t.JobID, *patch.NextRunTime); err != nil {
			return View{}, fmt.Errorf("override next run time: %w", err)
		}
		// ModifyNextRunTime leaves the job active.
		t.Enabled = true
	}

	t.Name = strings.TrimSpace(def.Name)
	t.Description = strings.TrimSpace(def.Description)
	t.ContentID = strings.TrimSpace(def.ContentID)
	t.Trigger = def.Trigger
	t.Timeout = def.Timeout
	t.Retries = def.Retries
	t.RetriesDelay = def.RetriesDelay
	t.UpdatedAt = time.Now().In(m.loc)

	if err := m.store.UpdateTask(ctx, t); err != nil {
		return View{}, fmt.Errorf("persist task: %w", err)
	}
	m.log.Info("task updated",
		logx.String("task", t.ID),
		logx.Bool("trigger_changed", triggerChanged))
	return m.viewOf(t), nil
}

// Delete removes the record and the job. A job that is already gone does
// not block deletion.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if !m.sched.RemoveJob(t.JobID) {
		m.log.Debug("task deleted without live job",
			logx.String("task", id), logx.String("job", t.JobID))
	}
	m.log.Info("task deleted", logx.String("task", id))
	return nil
}

// Pause disables the task and clears its next fire time.
func (m *Manager) Pause(ctx context.Context, id string) (View, error) {
	return m.setEnabled(ctx, id, false)
}

// Resume enables the task; the next fire time is recomputed from now, so
// fires missed while paused are not replayed.
func (m *Manager) Resume(ctx context.Context, id string) (View, error) {
	return m.setEnabled(ctx, id, true)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileLocked(ctx)

	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return View{}, err
	}
	if enabled {
		_, err = m.sched.ResumeJob(t.JobID)
	} else {
		err = m.sched.PauseJob(t.JobID)
	}
	if err != nil {
		if errors.Is(err, sched.ErrNoJob) {
			return View{}, fmt.Errorf("%w: task %s", ErrJobMissing, t.ID)
		}
		return View{}, err
	}

	t.Enabled = enabled
	t.UpdatedAt = time.Now().In(m.loc)
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return View{}, fmt.Errorf("persist task: %w", err)
	}
	m.log.Info("task toggled", logx.String("task", id), logx.Bool("enabled", enabled))
	return m.viewOf(t), nil
}

// Restore re-registers jobs for every persisted task. Called once at
// startup; records whose trigger no longer compiles are left paused in the
// store and logged, not dropped.
func (m *Manager) Restore(ctx context.Context) error {
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	restored := 0
	for _, t := range tasks {
		trg, err := trigger.Compile(t.Trigger, m.loc)
		if err != nil {
			m.log.Error("task restore skipped: bad trigger",
				logx.String("task", t.ID), logx.Any("err", err))
			continue
		}
		if _, err := m.sched.AddJob(m.jobFor(t, trg)); err != nil {
			m.log.Error("task restore skipped",
				logx.String("task", t.ID), logx.Any("err", err))
			continue
		}
		if !t.Enabled {
			_ = m.sched.PauseJob(t.JobID)
		}
		restored++
	}
	m.log.Info("tasks restored", logx.Int("count", restored), logx.Int("total", len(tasks)))
	return nil
}

func (m *Manager) jobFor(t storage.Task, trg *trigger.Trigger) sched.Job {
	contentID := t.ContentID
	loc := m.loc
	return sched.Job{
		ID:      t.JobID,
		Name:    t.Name,
		Trigger: trg,
		Timeout: t.Timeout,
		Run: func(ctx context.Context) error {
			return m.run.RenderAndSend(ctx, contentID, time.Now().In(loc))
		},
	}
}

func (m *Manager) viewOf(t storage.Task) View {
	v := View{Task: t, State: JobStateMissing}
	info, ok := m.sched.GetJob(t.JobID)
	if !ok {
		return v
	}
	v.NextRunTime = info.NextRunTime
	switch {
	case info.Running:
		v.State = JobStateRunning
	case info.Paused:
		v.State = JobStatePaused
	default:
		v.State = JobStateScheduled
	}
	return v
}

func (m *Manager) views(tasks []storage.Task) []View {
	out := make([]View, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, m.viewOf(t))
	}
	return out
}
