package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

const eventColumns = `id, entity_type, entity_id, event_type, COALESCE(trace_id, ''), detail, created_at`

func scanEventRow(scanFn func(dest ...any) error, ev *EventRecord) error {
	return scanFn(
		&ev.ID,
		&ev.EntityType,
		&ev.EntityID,
		&ev.EventType,
		&ev.TraceID,
		&ev.Detail,
		&ev.CreatedAt,
	)
}

// AppendEvent records one event outside any larger transaction.
func (s *Store) AppendEvent(ctx context.Context, entityType, entityID, eventType, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.appendEventTx(ctx, tx, entityType, entityID, eventType, detail); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListRecentEvents returns the newest events first, up to limit.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsForEntity returns an entity's events oldest first.
func (s *Store) ListEventsForEntity(ctx context.Context, entityType, entityID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id ASC;
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := scanEventRow(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// PruneEvents deletes events older than the retention window.
func (s *Store) PruneEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE created_at < datetime('now', ?);
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows affected: %w", err)
	}
	return n, nil
}
