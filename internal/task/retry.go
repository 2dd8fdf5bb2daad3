package task

import (
	"context"
	"errors"
	"time"

	"reportsched/internal/eventbus"
	"reportsched/internal/storage"
	logx "reportsched/pkg/logx"
)

// RunRetryLoop consumes job failure events and pushes bounded retries.
//
// A failed task with budget left gets a one-off fire at now + retries_delay
// via ModifyNextRunTime; its failed count is bumped only after the push
// succeeds, so a push failure does not consume budget. Once the budget is
// spent the failure is terminal and only logged. The count survives
// successful runs on purpose: it records how unreliable the task has been
// over its lifetime.
func (m *Manager) RunRetryLoop(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	m.log.Debug("retry controller started")
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("retry controller stopped")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeJobFailed {
				continue
			}
			je, ok := ev.Data.(eventbus.JobEvent)
			if !ok {
				continue
			}
			m.handleFailure(ctx, je)
		}
	}
}

func (m *Manager) handleFailure(ctx context.Context, je eventbus.JobEvent) {
	t, err := m.store.GetTaskByJobID(ctx, je.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Job without a task: the sweep's problem, not ours.
			m.log.Warn("failure for unknown job", logx.String("job", je.JobID))
			return
		}
		m.log.Error("retry lookup failed", logx.String("job", je.JobID), logx.Any("err", err))
		return
	}

	if t.FailedCount >= t.Retries {
		m.log.Error("task failed; retry budget exhausted",
			logx.String("task", t.ID),
			logx.String("name", t.Name),
			logx.Int("failed_count", t.FailedCount),
			logx.Int("retries", t.Retries),
			logx.String("err", je.Error))
		return
	}

	at := time.Now().In(m.loc).Add(t.RetriesDelay)
	if err := m.sched.ModifyNextRunTime(t.JobID, at); err != nil {
		m.log.Error("retry push failed",
			logx.String("task", t.ID), logx.Any("err", err))
		return
	}

	t.FailedCount++
	t.UpdatedAt = time.Now().In(m.loc)
	if err := m.store.UpdateTask(ctx, t); err != nil {
		m.log.Error("retry count persist failed",
			logx.String("task", t.ID), logx.Any("err", err))
		return
	}
	m.log.Warn("task retry scheduled",
		logx.String("task", t.ID),
		logx.String("name", t.Name),
		logx.Int("attempt", t.FailedCount),
		logx.Int("retries", t.Retries),
		logx.Time("at", at),
		logx.String("err", je.Error))
}
