package sched

import (
	"context"
	"errors"
	"time"

	"reportsched/internal/trigger"
)

// Config controls the scheduler runtime.
type Config struct {
	Enabled bool

	// TickInterval is how often the job table is scanned for due jobs.
	TickInterval time.Duration

	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

var (
	ErrDisabled  = errors.New("scheduler disabled")
	ErrStopped   = errors.New("scheduler not started")
	ErrJobExists = errors.New("job already exists")
	ErrNoJob     = errors.New("job not found")
	ErrQueueFull = errors.New("job queue full")
)

// RunFunc is the work a job performs on each fire.
type RunFunc func(ctx context.Context) error

// Job describes a job to register. The trigger decides fire times; Run is
// executed on the worker pool with Timeout applied per invocation.
type Job struct {
	ID      string
	Name    string
	Trigger *trigger.Trigger
	Timeout time.Duration
	Run     RunFunc
}

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	ID          string
	Name        string
	NextRunTime *time.Time // nil when paused or exhausted
	Paused      bool
	Running     bool
}
