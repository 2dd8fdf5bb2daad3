package sched

import (
	"fmt"
	"strings"
	"time"

	"reportsched/internal/trigger"
	logx "reportsched/pkg/logx"
)

// AddJob registers a job and computes its first fire time from now. The job
// is active immediately; callers wanting a paused job follow up with
// PauseJob. Returns the first fire time (nil when the trigger is already
// exhausted).
func (s *Service) AddJob(j Job) (*time.Time, error) {
	if strings.TrimSpace(j.ID) == "" {
		return nil, fmt.Errorf("job id required")
	}
	if j.Trigger == nil {
		return nil, fmt.Errorf("job %s: trigger required", j.ID)
	}
	if j.Run == nil {
		return nil, fmt.Errorf("job %s: run func required", j.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	}
	next, err := j.Trigger.NextFire(nil, s.now())
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	s.jobs[j.ID] = &jobEntry{job: j, next: next}
	s.log.Debug("job registered",
		logx.String("job", j.ID),
		logx.String("name", j.Name),
		logx.Time("next", deref(next)))
	return copyTime(next), nil
}

// PauseJob clears the job's next fire time without touching its trigger.
func (s *Service) PauseJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoJob, id)
	}
	e.paused = true
	e.next = nil
	s.log.Debug("job paused", logx.String("job", id))
	return nil
}

// ResumeJob recomputes the next fire time from now. Fires missed while
// paused are not replayed.
func (s *Service) ResumeJob(id string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoJob, id)
	}
	next, err := e.job.Trigger.NextFire(e.prev, s.now())
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	e.paused = false
	e.next = next
	s.log.Debug("job resumed", logx.String("job", id), logx.Time("next", deref(next)))
	return copyTime(next), nil
}

// Reschedule swaps the job's trigger and recomputes the next fire time from
// now. The previous fire history is discarded; the paused flag is preserved.
func (s *Service) Reschedule(id string, trg *trigger.Trigger) (*time.Time, error) {
	if trg == nil {
		return nil, fmt.Errorf("job %s: trigger required", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoJob, id)
	}
	next, err := trg.NextFire(nil, s.now())
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	e.job.Trigger = trg
	e.prev = nil
	if e.paused {
		next = nil
	}
	e.next = next
	s.log.Debug("job rescheduled", logx.String("job", id), logx.Time("next", deref(next)))
	return copyTime(next), nil
}

// ModifyNextRunTime overrides the next fire time, bypassing the trigger for
// a single fire. Used to push a retry without disturbing the schedule.
func (s *Service) ModifyNextRunTime(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoJob, id)
	}
	t := at
	e.next = &t
	e.paused = false
	s.log.Debug("job next run overridden", logx.String("job", id), logx.Time("next", at))
	return nil
}

// RemoveJob deletes the job. Removing an absent job is a no-op; the return
// value reports whether anything was removed.
func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.log.Debug("job removed", logx.String("job", id))
	return true
}

// GetJob returns a snapshot of the job.
func (s *Service) GetJob(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return e.info(), true
}

// ListJobs returns a snapshot of every registered job.
func (s *Service) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.info())
	}
	return out
}

func (e *jobEntry) info() JobInfo {
	return JobInfo{
		ID:          e.job.ID,
		Name:        e.job.Name,
		NextRunTime: copyTime(e.next),
		Paused:      e.paused,
		Running:     e.running,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
