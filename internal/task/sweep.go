package task

import (
	"context"
	"errors"

	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

// Reconcile removes scheduler jobs whose task record no longer exists.
//
// The sweep runs in the job-to-task direction only: an orphaned job fires
// work nobody asked for, so it is dropped; a task without a job is a fault
// surfaced on read and never auto-repaired. Scans are rate limited, so
// calling this before every administrative operation is cheap.
//
// The scan holds the same lock as the lifecycle operations, so a job
// registered by an in-flight Create is never observed before its record
// is persisted.
func (m *Manager) Reconcile(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked(ctx)
}

func (m *Manager) reconcileLocked(ctx context.Context) int {
	if !m.sweepLimit.Allow() {
		return 0
	}
	removed := 0
	for _, job := range m.sched.ListJobs() {
		if ctx.Err() != nil {
			break
		}
		_, err := m.store.GetTaskByJobID(ctx, job.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("orphan sweep: store lookup failed",
				logx.String("job", job.ID), logx.Any("err", err))
			continue
		}
		if m.sched.RemoveJob(job.ID) {
			removed++
			m.log.Warn("orphan job removed",
				logx.String("job", job.ID), logx.String("name", job.Name))
		}
	}
	if removed > 0 {
		m.log.Info("orphan sweep finished", logx.Int("removed", removed))
	}
	return removed
}
