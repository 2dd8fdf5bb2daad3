// Package storage persists report tasks across restarts.
//
// Two backends are provided: an SQLite database (default) and a
// dependency-free file backend (jsonl journal compacted into a snapshot).
// Both index tasks by job id so failure events can be resolved without a
// full scan.
package storage

import (
	"context"
	"errors"
	"strings"

	logx "reportsched/pkg/logx"
)

// Store is the persistence API used by the task manager.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	GetTaskByJobID(ctx context.Context, jobID string) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]Task, error)
	SearchTasks(ctx context.Context, name string) ([]Task, error)
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
