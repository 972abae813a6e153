package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, gateway_session_id, routing_key, status,
	COALESCE(task_id, ''), created_at, ended_at, updated_at`

func scanSessionRow(scanFn func(dest ...any) error, session *Session) error {
	var endedAt sql.NullTime
	if err := scanFn(
		&session.ID,
		&session.AgentID,
		&session.GatewaySessionID,
		&session.RoutingKey,
		&session.Status,
		&session.TaskID,
		&session.CreatedAt,
		&endedAt,
		&session.UpdatedAt,
	); err != nil {
		return err
	}
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	} else {
		session.EndedAt = nil
	}
	return nil
}

// CreateSession records a freshly started gateway session for an agent.
func (s *Store) CreateSession(ctx context.Context, session Session) (string, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.AgentID == "" {
		return "", fmt.Errorf("session agent id required")
	}
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_id, gateway_session_id, routing_key, status, task_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, session.ID, session.AgentID, session.GatewaySessionID, session.RoutingKey, session.Status, session.TaskID); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, "session", session.ID, "session.started", session.GatewaySessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicSessionStarted, bus.SessionStartedEvent{
		SessionID:        session.ID,
		AgentID:          session.AgentID,
		GatewaySessionID: session.GatewaySessionID,
		TaskID:           session.TaskID,
	})
	return session.ID, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
	var session Session
	if err := scanSessionRow(row.Scan, &session); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &session, nil
}

// ListSessionsByStatus returns sessions in the given status, oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = ?
		ORDER BY created_at ASC, id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var session Session
		if err := scanSessionRow(rows.Scan, &session); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// ActiveSessionForAgent returns the agent's active session, or ErrNotFound.
func (s *Store) ActiveSessionForAgent(ctx context.Context, agentID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE agent_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1;
	`, agentID, SessionStatusActive)
	var session Session
	if err := scanSessionRow(row.Scan, &session); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active session for agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("select active session: %w", err)
	}
	return &session, nil
}

// EndSession marks an active session ended with a timestamp. Returns false
// when the session is missing or already ended.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string) (bool, error) {
	var changed bool
	var agentID, gatewaySessionID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin end session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT agent_id, gateway_session_id FROM sessions WHERE id = ?;
		`, sessionID).Scan(&agentID, &gatewaySessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				changed = false
				return tx.Commit()
			}
			return fmt.Errorf("read session: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, SessionStatusEnded, sessionID, SessionStatusActive)
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("end session rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "session", sessionID, "session.ended", reason); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(bus.TopicSessionEnded, bus.SessionEndedEvent{
			SessionID: sessionID, AgentID: agentID, GatewaySessionID: gatewaySessionID, Reason: reason,
		})
	}
	return changed, nil
}

// LinkSessionTask points an active session at the task it is running. A
// session that already carries a task link keeps it.
func (s *Store) LinkSessionTask(ctx context.Context, sessionID, taskID string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin link session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET task_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND (task_id IS NULL OR task_id = '');
		`, taskID, sessionID, SessionStatusActive)
		if err != nil {
			return fmt.Errorf("link session task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("link session rows affected: %w", err)
		}
		if affected != 1 {
			changed = false
			return tx.Commit()
		}
		if err := s.appendEventTx(ctx, tx, "session", sessionID, "session.task_linked", taskID); err != nil {
			return err
		}
		changed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// PruneEndedSessions deletes ended sessions older than the retention window.
func (s *Store) PruneEndedSessions(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status = ?
		  AND ended_at IS NOT NULL
		  AND ended_at < datetime('now', ?);
	`, SessionStatusEnded, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions rows affected: %w", err)
	}
	return n, nil
}
