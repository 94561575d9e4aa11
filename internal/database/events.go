package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the core. Events are append-only audit
// records; payloads carry a timestamp and, when applicable, email_id.
const (
	EventEmailReceived   = "email.received"
	EventEmailClassified = "email.classified"
	EventDraftCreated    = "draft.created"
	EventDraftSent       = "draft.sent"
	EventGuardApproved   = "GUARD_APPROVED"
	EventEscalated       = "ESCALATED"
	EventEmailEscalated  = "EMAIL_ESCALATED"
	EventHoldsReleased   = "calendar.holds_released"
	EventHealthCheckFail = "health.check_failed"
	EventWatchdogTick    = "watchdog.tick"
	EventError           = "error"
)

// Event is an append-only audit record. Rows are never mutated after
// insert except for the one-way processed flip.
type Event struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Processed bool           `json:"processed"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventStore handles database operations for audit events
type EventStore struct {
	db DBTX
}

func NewEventStore(db DBTX) *EventStore {
	return &EventStore{db: db}
}

// Append inserts a new event. The payload always receives a timestamp.
func (s *EventStore) Append(ctx context.Context, eventType, source string, payload map[string]any) (int64, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	// created_at is bound from Go rather than left to the column
	// default so every row shares one timestamp format and the
	// created_at window comparisons stay exact.
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO events (event_type, source, payload, created_at) VALUES (?, ?, ?, ?)",
		eventType, source, string(payloadJSON), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return result.LastInsertId()
}

// ListByType returns events of the given types created within
// [start, end), oldest first.
func (s *EventStore) ListByType(ctx context.Context, start, end time.Time, types ...string) ([]Event, error) {
	if len(types) == 0 {
		return nil, nil
	}

	query := "SELECT id, event_type, source, payload, processed, created_at FROM events WHERE created_at >= ? AND created_at < ? AND event_type IN (?"
	args := []any{start, end, types[0]}
	for _, t := range types[1:] {
		query += ", ?"
		args = append(args, t)
	}
	query += ") ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.EventType, &event.Source, &payloadJSON, &event.Processed, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListByEmail returns every event whose payload references the email,
// in insertion order. This is the audit log of that email.
func (s *EventStore) ListByEmail(ctx context.Context, emailID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, source, payload, processed, created_at
		FROM events
		WHERE json_extract(payload, '$.email_id') = ?
		ORDER BY id ASC`,
		emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by email: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.EventType, &event.Source, &payloadJSON, &event.Processed, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkProcessed flips the processed flag. The flip is one-way.
func (s *EventStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE events SET processed = TRUE WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// PruneOlderThan deletes processed events created before the cutoff and
// returns how many were removed. Unprocessed events are never pruned.
func (s *EventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE processed = TRUE AND created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}
