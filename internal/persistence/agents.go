package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/clawdeck/internal/bus"
)

const agentColumns = `id, name, status, created_at, updated_at`

func scanAgentRow(scanFn func(dest ...any) error, agent *Agent) error {
	return scanFn(
		&agent.ID,
		&agent.Name,
		&agent.Status,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
}

// UpsertAgent registers an agent or refreshes its display name. Status is
// preserved for existing rows.
func (s *Store) UpsertAgent(ctx context.Context, agentID, name string) error {
	if agentID == "" {
		return fmt.Errorf("agent id required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = CURRENT_TIMESTAMP;
		`, agentID, name, AgentStatusStandby)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID)
	var agent Agent
	if err := scanAgentRow(row.Scan, &agent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &agent, nil
}

// ListAgentsByStatus returns agents in the given status, oldest first.
func (s *Store) ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE status = ?
		ORDER BY created_at ASC, id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var agent Agent
		if err := scanAgentRow(rows.Scan, &agent); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// SetAgentStatus transitions an agent between standby and working. Returns
// false when the agent is missing or already in the target status.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, to AgentStatus) (bool, error) {
	var changed bool
	var from AgentStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin agent status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, agentID).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				changed = false
				return tx.Commit()
			}
			return fmt.Errorf("read agent status: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status != ?;
		`, to, agentID, to)
		if err != nil {
			return fmt.Errorf("update agent status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("agent status rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "agent", agentID, "agent.status_changed",
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
		s.publish(bus.TopicAgentStatusChanged, bus.AgentStatusEvent{
			AgentID: agentID, OldStatus: string(from), NewStatus: string(to),
		})
	}
	return changed, nil
}

// CountAgentsByStatus returns agent counts for the status summary.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()

	out := make(map[AgentStatus]int)
	for rows.Next() {
		var status AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent count rows: %w", err)
	}
	return out, nil
}
