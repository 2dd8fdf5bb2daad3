package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"reportsched/internal/eventbus"
	logx "reportsched/pkg/logx"
)

func (s *Service) tickLoop(ctx context.Context, stopCh <-chan struct{}, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.dispatchDue(s.now())
		}
	}
}

// dispatchDue scans the job table and hands every due job to the worker
// pool. A job whose previous run is still in flight has its fire skipped,
// not queued, so slow runs cannot pile up behind each other.
func (s *Service) dispatchDue(now time.Time) {
	s.mu.Lock()
	queue := s.q
	var fired []firedJob
	var skipped []string
	for id, e := range s.jobs {
		if e.paused || e.next == nil || e.next.After(now) {
			continue
		}
		firedAt := *e.next
		e.prev = &firedAt

		next, err := e.job.Trigger.NextFire(&firedAt, now)
		if err != nil {
			// A trigger that cannot produce a fire time is parked rather
			// than retried every tick.
			e.paused = true
			e.next = nil
			s.log.Error("job trigger failed; job paused",
				logx.String("job", id), logx.Any("err", err))
			continue
		}
		e.next = next

		if e.running {
			skipped = append(skipped, id)
			continue
		}
		e.running = true
		fired = append(fired, firedJob{job: e.job, firedAt: firedAt})
	}
	s.mu.Unlock()

	for _, id := range skipped {
		s.log.Debug("job fire skipped: previous run still active", logx.String("job", id))
	}
	for _, fj := range fired {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Time: fj.firedAt,
				Data: eventbus.JobEvent{JobID: fj.job.ID, Started: fj.firedAt}})
		}
		select {
		case queue <- fj:
		default:
			s.jobDone(fj.job.ID)
			s.log.Warn("job fire dropped: queue full",
				logx.String("job", fj.job.ID), logx.Int("queue_cap", cap(queue)))
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan firedJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case fj, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, fj)
		}
	}
}

func (s *Service) execOne(ctx context.Context, fj firedJob) {
	start := s.now()
	defer s.jobDone(fj.job.ID)

	runCtx := ctx
	var cancel func()
	if fj.job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, fj.job.Timeout)
	}
	// Convert job panics to errors so one bad job cannot kill a worker.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job.panic",
					logx.String("job", fj.job.ID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		err = fj.job.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := s.now().Sub(start)
	if err != nil {
		s.log.Warn("job.failed",
			logx.String("job", fj.job.ID),
			logx.String("name", fj.job.Name),
			logx.Any("err", err),
			logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Time: s.now(),
				Data: eventbus.JobEvent{JobID: fj.job.ID, Started: start, Duration: dur, Error: err.Error(), Err: err}})
		}
		return
	}
	s.log.Debug("job.completed",
		logx.String("job", fj.job.ID),
		logx.String("name", fj.job.Name),
		logx.Duration("dur", dur))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: s.now(),
			Data: eventbus.JobEvent{JobID: fj.job.ID, Started: start, Duration: dur}})
	}
}

// jobDone clears the running flag and retires jobs whose trigger is
// exhausted, so a one-shot job disappears after its single run.
func (s *Service) jobDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return
	}
	e.running = false
	if e.next == nil && !e.paused {
		delete(s.jobs, id)
		s.log.Debug("job retired: trigger exhausted", logx.String("job", id))
	}
}
