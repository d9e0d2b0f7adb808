// Package audit records activity events to the task store and, when a NATS
// connection is configured, fans the same events out to a subject for
// external observers (dashboards, the GUI host process) without making
// their availability a dependency of the core.
package audit

import (
	"encoding/json"
	"log/slog"

	"github.com/antigravity-dev/aop/internal/store"
	"github.com/nats-io/nats.go"
)

// Subject is the NATS subject activity events are published to.
const Subject = "aop.audit.events"

// Recorder writes audit events to the store and, best-effort, to NATS.
type Recorder struct {
	store *store.Store
	nc    *nats.Conn
	log   *slog.Logger
}

// New builds a Recorder. nc may be nil, in which case events are recorded
// only to the store.
func New(s *store.Store, nc *nats.Conn, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: s, nc: nc, log: log}
}

type publishedEvent struct {
	TaskID    string `json:"taskId"`
	EventType string `json:"eventType"`
	Details   string `json:"details"`
}

// Record appends an event to the store and publishes it to NATS. Both
// operations are best-effort per spec.md §7: "audit-event writes
// (best-effort)" — failures are logged, never returned.
func (r *Recorder) Record(taskID, eventType, details string) {
	if err := r.store.RecordAuditEvent(taskID, eventType, details); err != nil {
		r.log.Warn("audit: failed to record event", "task_id", taskID, "event_type", eventType, "error", err)
	}
	r.publish(taskID, eventType, details)
}

func (r *Recorder) publish(taskID, eventType, details string) {
	if r.nc == nil {
		return
	}
	payload, err := json.Marshal(publishedEvent{TaskID: taskID, EventType: eventType, Details: details})
	if err != nil {
		r.log.Warn("audit: failed to marshal event for publish", "error", err)
		return
	}
	if err := r.nc.Publish(Subject, payload); err != nil {
		r.log.Warn("audit: failed to publish event", "error", err)
	}
}

// List returns the audit trail for a task, in insertion order.
func (r *Recorder) List(taskID string) ([]store.AuditEvent, error) {
	return r.store.ListAuditEvents(taskID)
}
