package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Email states. An email only ever moves forward along the allowed
// edges; SENT, ESCALATED and FAILED are terminal.
const (
	StateIngested   = "INGESTED"
	StateClassified = "CLASSIFIED"
	StateDecided    = "DECIDED"
	StateDrafted    = "DRAFTED"
	StateSent       = "SENT"
	StateEscalated  = "ESCALATED"
	StateFailed     = "FAILED"
)

var (
	// ErrDuplicateMessage is returned when an insert would violate the
	// message_id or text_hash uniqueness constraints.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrInvalidTransition is returned for a state change that is not an
	// allowed forward edge of the email state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// allowedTransitions maps each state to the states reachable from it.
// FAILED is reachable from every non-terminal state.
var allowedTransitions = map[string][]string{
	StateIngested:   {StateClassified, StateFailed},
	StateClassified: {StateDecided, StateEscalated, StateFailed},
	StateDecided:    {StateDrafted, StateEscalated, StateFailed},
	StateDrafted:    {StateSent, StateFailed},
}

// TransitionAllowed reports whether from -> to is a legal edge.
func TransitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Email represents a single inbound message tracked by the core.
type Email struct {
	ID               int64          `json:"id"`
	MessageID        string         `json:"message_id"`
	Account          string         `json:"account"`
	From             string         `json:"from"`
	Subject          string         `json:"subject"`
	BodyText         string         `json:"body_text"`
	ReceivedAt       time.Time      `json:"received_at"`
	TextHash         string         `json:"text_hash,omitempty"`
	State            string         `json:"state"`
	Classification   string         `json:"classification,omitempty"`
	Confidence       float64        `json:"confidence,omitempty"`
	Flags            []string       `json:"flags"`
	Details          map[string]any `json:"details"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// EmailStore handles database operations for emails
type EmailStore struct {
	db DBTX
}

func NewEmailStore(db DBTX) *EmailStore {
	return &EmailStore{db: db}
}

const emailColumns = `id, message_id, account, sender, subject, body_text, received_at,
	COALESCE(text_hash, ''), state, COALESCE(classification, ''), COALESCE(confidence, 0),
	flags, details, COALESCE(escalation_reason, ''), created_at, updated_at`

func scanEmail(row interface{ Scan(...any) error }) (*Email, error) {
	var email Email
	var flagsJSON, detailsJSON string

	err := row.Scan(
		&email.ID, &email.MessageID, &email.Account, &email.From, &email.Subject,
		&email.BodyText, &email.ReceivedAt, &email.TextHash, &email.State,
		&email.Classification, &email.Confidence, &flagsJSON, &detailsJSON,
		&email.EscalationReason, &email.CreatedAt, &email.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(flagsJSON), &email.Flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	if err := json.Unmarshal([]byte(detailsJSON), &email.Details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal details: %w", err)
	}
	return &email, nil
}

// Create inserts a new email in INGESTED state. A message_id or
// text_hash collision returns ErrDuplicateMessage.
func (s *EmailStore) Create(ctx context.Context, email *Email) error {
	flagsJSON, detailsJSON, err := encodeFlagsDetails(email.Flags, email.Details)
	if err != nil {
		return err
	}

	var textHash any
	if email.TextHash != "" {
		textHash = email.TextHash
	}

	if email.State == "" {
		email.State = StateIngested
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO emails (message_id, account, sender, subject, body_text, received_at, text_hash, state, flags, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email.MessageID, email.Account, email.From, email.Subject, email.BodyText,
		email.ReceivedAt, textHash, email.State, flagsJSON, detailsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, email.MessageID)
		}
		return fmt.Errorf("failed to insert email: %w", err)
	}

	email.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get email id: %w", err)
	}
	return nil
}

// GetByID retrieves an email by its id.
func (s *EmailStore) GetByID(ctx context.Context, id int64) (*Email, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+emailColumns+" FROM emails WHERE id = ?", id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: email %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// GetByMessageID retrieves an email by its provider message id.
func (s *EmailStore) GetByMessageID(ctx context.Context, messageID string) (*Email, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+emailColumns+" FROM emails WHERE message_id = ?", messageID)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// FindIDByMessageID returns the id of the email with the given message
// id, or 0 if none exists.
func (s *EmailStore) FindIDByMessageID(ctx context.Context, messageID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM emails WHERE message_id = ?", messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up message id: %w", err)
	}
	return id, nil
}

// FindIDByTextHash returns the id of the email with the given content
// hash, or 0 if none exists.
func (s *EmailStore) FindIDByTextHash(ctx context.Context, textHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM emails WHERE text_hash = ?", textHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up text hash: %w", err)
	}
	return id, nil
}

// ListByState returns up to limit emails in the given state, oldest
// first. limit <= 0 returns an empty slice.
func (s *EmailStore) ListByState(ctx context.Context, state string, limit int) ([]Email, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+emailColumns+" FROM emails WHERE state = ? ORDER BY id ASC LIMIT ?",
		state, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails by state: %w", err)
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

// Transition moves an email to a new state, enforcing the forward-only
// state machine. The update is guarded by the expected current state so
// concurrent writers cannot race the same edge.
func (s *EmailStore) Transition(ctx context.Context, id int64, to string) error {
	email, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if !TransitionAllowed(email.State, to) {
		return fmt.Errorf("%w: %s -> %s (email %d)", ErrInvalidTransition, email.State, to, id)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE emails SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND state = ?",
		to, id, email.State,
	)
	if err != nil {
		return fmt.Errorf("failed to update email state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: email %d changed state concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// SetClassification records the classifier output on the email.
func (s *EmailStore) SetClassification(ctx context.Context, id int64, class string, confidence float64, flags []string, details map[string]any) error {
	flagsJSON, detailsJSON, err := encodeFlagsDetails(flags, details)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE emails SET classification = ?, confidence = ?, flags = ?, details = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		class, confidence, flagsJSON, detailsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set classification: %w", err)
	}
	return nil
}

// SetEscalationReason records why an email was routed to a human.
func (s *EmailStore) SetEscalationReason(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE emails SET escalation_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set escalation reason: %w", err)
	}
	return nil
}

// UpdateDetails replaces the details blob. Used by the pipeline to
// track retry attempt counters.
func (s *EmailStore) UpdateDetails(ctx context.Context, id int64, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE emails SET details = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(detailsJSON), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update details: %w", err)
	}
	return nil
}

// CountByState returns the number of emails per state.
func (s *EmailStore) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM emails GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count emails by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func encodeFlagsDetails(flags []string, details map[string]any) (string, string, error) {
	if flags == nil {
		flags = []string{}
	}
	if details == nil {
		details = map[string]any{}
	}

	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal flags: %w", err)
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal details: %w", err)
	}
	return string(flagsJSON), string(detailsJSON), nil
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
