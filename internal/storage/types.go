package storage

import (
	"errors"
	"time"

	"reportsched/internal/trigger"
)

var (
	// ErrNotFound is returned when no task matches the given id or job id.
	ErrNotFound = errors.New("task not found")

	// ErrExists is returned when creating a task whose id is already stored.
	ErrExists = errors.New("task already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free file backend (jsonl journal + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Task is the persisted form of a scheduled report task.
//
// JobID links the record to its live scheduler job; exactly one job per task.
// FailedCount tracks consecutive retry attempts and is never reset on success.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	ContentID   string       `json:"content_id"`
	Trigger     trigger.Spec `json:"trigger"`

	Enabled bool   `json:"enabled"`
	JobID   string `json:"job_id"`

	Timeout      time.Duration `json:"timeout"`
	Retries      int           `json:"retries"`
	RetriesDelay time.Duration `json:"retries_delay"`
	FailedCount  int           `json:"failed_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
