package persistence

import (
	"context"
	"fmt"
)

// SessionRepair ends one stale active session. When the session carried a
// task link, TaskID and TaskError describe the dispatch error to record on
// the task.
type SessionRepair struct {
	SessionID string
	TaskID    string
	TaskError string
}

// TaskFlag records a dispatch error on a task whose agent lost its session.
type TaskFlag struct {
	TaskID  string
	Message string
}

// SessionBackfill links an active session to the task it was running.
type SessionBackfill struct {
	SessionID string
	TaskID    string
}

// RepairPlan is the full set of drift corrections one reconcile pass decided
// on. The store applies it in a single transaction; the plan itself carries
// no ordering beyond the fixed end/flag/backfill/reset sequence.
type RepairPlan struct {
	EndSessions   []SessionRepair
	FlagTasks     []TaskFlag
	BackfillLinks []SessionBackfill
	ResetAgents   []string
}

func (p RepairPlan) Empty() bool {
	return len(p.EndSessions) == 0 &&
		len(p.FlagTasks) == 0 &&
		len(p.BackfillLinks) == 0 &&
		len(p.ResetAgents) == 0
}

// RepairCounts reports how many rows each repair category actually changed.
// Guarded updates mean a planned repair that raced with another writer counts
// zero, so the numbers reflect observed effects rather than intentions.
type RepairCounts struct {
	SessionsEnded      int
	TasksErrored       int
	AgentsReset        int
	SessionsBackfilled int

	// FlaggedTaskIDs lists tasks whose dispatch_error was newly set in this
	// batch, for post-commit notification. A task planned for flagging that
	// already carried an error is excluded.
	FlaggedTaskIDs []string
}

// ApplyRepairs executes a reconcile repair plan atomically. All updates are
// guarded so the batch is idempotent: ending an already-ended session,
// flagging a task that carries a dispatch error, or resetting a standby
// agent each affect zero rows. Any failure rolls back the whole batch.
//
// ApplyRepairs writes event rows but publishes nothing; the caller owns
// post-commit notification so bus traffic never happens under the
// transaction.
func (s *Store) ApplyRepairs(ctx context.Context, plan RepairPlan) (RepairCounts, error) {
	var counts RepairCounts
	if plan.Empty() {
		return counts, nil
	}

	err := retryOnBusy(ctx, 5, func() error {
		counts = RepairCounts{}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin repair tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// An empty dispatch_error is the only gate: a lost session flags its
		// linked task whatever board column the task sits in, and the first
		// recorded message wins.
		flagTask := func(taskID, message, reason string) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET dispatch_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?
				  AND (dispatch_error IS NULL OR dispatch_error = '');
			`, message, taskID)
			if err != nil {
				return fmt.Errorf("flag task %s: %w", taskID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("flag task rows affected: %w", err)
			}
			if affected != 1 {
				return nil
			}
			counts.TasksErrored++
			counts.FlaggedTaskIDs = append(counts.FlaggedTaskIDs, taskID)
			return s.appendEventTx(ctx, tx, "task", taskID, "task.dispatch_error", reason)
		}

		for _, r := range plan.EndSessions {
			res, err := tx.ExecContext(ctx, `
				UPDATE sessions
				SET status = ?, ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, SessionStatusEnded, r.SessionID, SessionStatusActive)
			if err != nil {
				return fmt.Errorf("end stale session %s: %w", r.SessionID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("end stale session rows affected: %w", err)
			}
			if affected == 1 {
				counts.SessionsEnded++
				if err := s.appendEventTx(ctx, tx, "session", r.SessionID, "session.lost", "no gateway match"); err != nil {
					return err
				}
			}
			if r.TaskID != "" {
				if err := flagTask(r.TaskID, r.TaskError, "session lost"); err != nil {
					return err
				}
			}
		}

		for _, f := range plan.FlagTasks {
			if err := flagTask(f.TaskID, f.Message, "agent session lost"); err != nil {
				return err
			}
		}

		for _, b := range plan.BackfillLinks {
			res, err := tx.ExecContext(ctx, `
				UPDATE sessions
				SET task_id = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ? AND (task_id IS NULL OR task_id = '');
			`, b.TaskID, b.SessionID, SessionStatusActive)
			if err != nil {
				return fmt.Errorf("backfill session %s: %w", b.SessionID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("backfill session rows affected: %w", err)
			}
			if affected == 1 {
				counts.SessionsBackfilled++
				if err := s.appendEventTx(ctx, tx, "session", b.SessionID, "session.task_linked", b.TaskID); err != nil {
					return err
				}
			}
		}

		for _, agentID := range plan.ResetAgents {
			res, err := tx.ExecContext(ctx, `
				UPDATE agents
				SET status = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, AgentStatusStandby, agentID, AgentStatusWorking)
			if err != nil {
				return fmt.Errorf("reset agent %s: %w", agentID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reset agent rows affected: %w", err)
			}
			if affected == 1 {
				counts.AgentsReset++
				if err := s.appendEventTx(ctx, tx, "agent", agentID, "agent.status_changed", "working -> standby"); err != nil {
					return err
				}
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return RepairCounts{}, err
	}
	return counts, nil
}
