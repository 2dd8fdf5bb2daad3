// Package sched runs the live job table: a tick loop scans registered jobs
// for due fire times and dispatches them to a supervised worker pool. Job
// outcomes are published on the event bus so other components can react
// without coupling to execution.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reportsched/internal/eventbus"
	rtsup "reportsched/internal/runtime/supervisor"
	logx "reportsched/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	jobs map[string]*jobEntry

	q chan firedJob

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// now is swappable so the tick scan is testable with a fixed clock.
	now func() time.Time
}

type jobEntry struct {
	job Job

	next    *time.Time
	prev    *time.Time
	paused  bool
	running bool
}

type firedJob struct {
	job     Job
	firedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		jobs: map[string]*jobEntry{},
		now:  time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates the runtime config. Worker or queue sizing changes take
// effect by restarting the pool; the job table is untouched.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled {
		s.Stop(ctx)
		if cfg.Enabled {
			s.Start(ctx)
		}
	}
}

// Start launches the tick loop and worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	s.q = make(chan firedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "sched"))),
		// Scheduler failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c, stopCh, cfg.TickInterval)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	})

	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("tick", cfg.TickInterval))
}

// Stop halts triggering and waits for in-flight runs, bounded by ctx.
// Registered jobs remain so Start can resume them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Any("err", ctx.Err()))
	}
}
