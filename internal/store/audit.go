package store

import (
	"fmt"
	"time"
)

// AuditEvent is a totally-ordered (by monotonic insertion id) activity
// record, per spec.md §5 "Ordering guarantees".
type AuditEvent struct {
	ID        int64
	TaskID    string
	EventType string
	Details   string
	CreatedAt time.Time
}

// RecordAuditEvent appends an audit event. Best-effort per spec.md §7 —
// callers should log failures rather than abort the operation they're
// recording.
func (s *Store) RecordAuditEvent(taskID, eventType, details string) error {
	_, err := s.db.Exec(`INSERT INTO audit_events (task_id, event_type, details) VALUES (?, ?, ?)`, taskID, eventType, details)
	if err != nil {
		return fmt.Errorf("store: record audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events for a task in insertion order.
func (s *Store) ListAuditEvents(taskID string) ([]AuditEvent, error) {
	rows, err := s.db.Query(`SELECT id, task_id, event_type, details, created_at FROM audit_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit events: %w", err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
