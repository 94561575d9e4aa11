package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Draft statuses.
const (
	DraftStatusCreated = "created"
	DraftStatusSent    = "sent"
	DraftStatusFailed  = "failed"
)

// Draft is a rendered reply bound to an email. The draft id doubles as
// the idempotency correlation id for outbound send.
type Draft struct {
	ID           int64      `json:"id"`
	EmailID      int64      `json:"email_id"`
	TemplateID   string     `json:"template_id"`
	RenderedText string     `json:"rendered_text"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// DraftStore handles database operations for drafts
type DraftStore struct {
	db DBTX
}

func NewDraftStore(db DBTX) *DraftStore {
	return &DraftStore{db: db}
}

// Create inserts a draft in created status. The email must exist; the
// foreign key rejects orphans.
func (s *DraftStore) Create(ctx context.Context, draft *Draft) error {
	if draft.Status == "" {
		draft.Status = DraftStatusCreated
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO drafts (email_id, template_id, rendered_text, status) VALUES (?, ?, ?, ?)",
		draft.EmailID, draft.TemplateID, draft.RenderedText, draft.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert draft: %w", err)
	}

	draft.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get draft id: %w", err)
	}
	return nil
}

// GetByID retrieves a draft by id.
func (s *DraftStore) GetByID(ctx context.Context, id int64) (*Draft, error) {
	var draft Draft
	var sentAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		"SELECT id, email_id, template_id, rendered_text, status, created_at, sent_at FROM drafts WHERE id = ?",
		id,
	).Scan(&draft.ID, &draft.EmailID, &draft.TemplateID, &draft.RenderedText, &draft.Status, &draft.CreatedAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: draft %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	if sentAt.Valid {
		draft.SentAt = &sentAt.Time
	}
	return &draft, nil
}

// ListByEmail returns the drafts rendered for an email, oldest first.
func (s *DraftStore) ListByEmail(ctx context.Context, emailID int64) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email_id, template_id, rendered_text, status, created_at, sent_at FROM drafts WHERE email_id = ? ORDER BY id ASC",
		emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		var draft Draft
		var sentAt sql.NullTime
		if err := rows.Scan(&draft.ID, &draft.EmailID, &draft.TemplateID, &draft.RenderedText, &draft.Status, &draft.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		if sentAt.Valid {
			draft.SentAt = &sentAt.Time
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

// MarkSent records a successful send.
func (s *DraftStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE drafts SET status = ?, sent_at = ? WHERE id = ?",
		DraftStatusSent, sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark draft sent: %w", err)
	}
	return nil
}

// MarkFailed records a permanently failed send.
func (s *DraftStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE drafts SET status = ? WHERE id = ?",
		DraftStatusFailed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark draft failed: %w", err)
	}
	return nil
}
