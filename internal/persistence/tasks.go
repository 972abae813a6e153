package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/google/uuid"
)

const taskColumns = `id, title, description, status, COALESCE(agent_id, ''),
	COALESCE(dispatch_error, ''), COALESCE(parent_task_id, ''), depends_on,
	created_at, updated_at`

func scanTaskRow(scanFn func(dest ...any) error, task *Task) error {
	var deps string
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.AgentID,
		&task.DispatchError,
		&task.ParentTaskID,
		&deps,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.DependsOn = parseDeps(deps)
	return nil
}

// CreateTask inserts a new task. A missing ID is generated and a missing
// status defaults to inbox.
func (s *Store) CreateTask(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusInbox
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, status, agent_id, parent_task_id, depends_on, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, task.ID, task.Title, task.Description, task.Status, task.AgentID, task.ParentTaskID, serializeDeps(task.DependsOn)); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, "task", task.ID, "task.created", string(task.Status)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
		TaskID: task.ID, AgentID: task.AgentID, Status: string(task.Status), Reason: "created",
	})
	return task.ID, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTaskRow(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// ListTasksByStatus returns tasks in any of the given statuses, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTaskRow(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TransitionTask moves a task from an expected status to a new one. Returns
// false without error when the task is missing or no longer in `from`.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to TaskStatus) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, taskID, from)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "task", taskID, "task.status_changed",
			fmt.Sprintf("%s -> %s", from, to)); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
			TaskID: taskID, Status: string(to), Reason: "transition",
		})
	}
	return changed, nil
}

// AssignTask hands a task to an agent and moves it to assigned. Only inbox
// and planning tasks are eligible.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin assign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET agent_id = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, agentID, TaskStatusAssigned, taskID, TaskStatusInbox, TaskStatusPlanning)
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("assign rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "task", taskID, "task.assigned", agentID); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
			TaskID: taskID, AgentID: agentID, Status: string(TaskStatusAssigned), Reason: "assigned",
		})
	}
	return changed, nil
}

// SetDispatchError records why a task could not be handed to its agent.
// First writer wins: an existing error is never overwritten, and the call
// reports false so the caller knows nothing changed.
func (s *Store) SetDispatchError(ctx context.Context, taskID, message string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dispatch error tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET dispatch_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND (dispatch_error IS NULL OR dispatch_error = '');
		`, message, taskID)
		if err != nil {
			return fmt.Errorf("set dispatch error: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dispatch error rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "task", taskID, "task.dispatch_error", message); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
			TaskID: taskID, DispatchError: message, Reason: "dispatch_error",
		})
	}
	return changed, nil
}

// ClearDispatchError removes a task's dispatch error after a successful
// hand-off or an explicit restart.
func (s *Store) ClearDispatchError(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear dispatch error tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET dispatch_error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND dispatch_error IS NOT NULL AND dispatch_error != '';
		`, taskID)
		if err != nil {
			return fmt.Errorf("clear dispatch error: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear dispatch error rows affected: %w", err)
		}
		if affected == 1 {
			if err := s.appendEventTx(ctx, tx, "task", taskID, "task.dispatch_error_cleared", ""); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// CountTasksByStatus returns a board summary.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}
