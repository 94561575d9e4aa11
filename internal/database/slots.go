package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reservation kinds. A slot is FREE (nil reservation), HELD or CONFIRMED.
const (
	ReservationHold      = "hold"
	ReservationConfirmed = "confirmed"
)

// Reservation is the tagged variant embedded in a non-available slot.
// ExpiresAt is set for holds, ConfirmedAt for confirmed reservations.
type Reservation struct {
	Type        string    `json:"type"`
	EmailID     int64     `json:"email_id"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
}

// IsHold reports whether the reservation is a hold.
func (r *Reservation) IsHold() bool {
	return r != nil && r.Type == ReservationHold
}

// ExpiredAt reports whether a hold has expired at the given instant.
// A hold whose expires_at equals now is treated as expired.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.IsHold() && !r.ExpiresAt.After(now)
}

// CalendarSlot is a bookable window owned by the calendar coordinator.
// If IsAvailable is false the reservation is non-nil, and vice versa.
type CalendarSlot struct {
	ID          int64        `json:"id"`
	CalendarID  string       `json:"calendar_id"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	IsAvailable bool         `json:"is_available"`
	Reservation *Reservation `json:"reservation,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// SlotStore handles database operations for calendar slots
type SlotStore struct {
	db DBTX
}

func NewSlotStore(db DBTX) *SlotStore {
	return &SlotStore{db: db}
}

const slotColumns = "id, calendar_id, start_time, end_time, is_available, reservation, created_at, updated_at"

func scanSlot(row interface{ Scan(...any) error }) (*CalendarSlot, error) {
	var slot CalendarSlot
	var reservationJSON sql.NullString

	err := row.Scan(
		&slot.ID, &slot.CalendarID, &slot.StartTime, &slot.EndTime,
		&slot.IsAvailable, &reservationJSON, &slot.CreatedAt, &slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if reservationJSON.Valid && reservationJSON.String != "" {
		var reservation Reservation
		if err := json.Unmarshal([]byte(reservationJSON.String), &reservation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reservation: %w", err)
		}
		slot.Reservation = &reservation
	}
	return &slot, nil
}

// Upsert creates or updates a slot keyed by (calendar_id, start, end).
// A non-available slot is never disturbed: only the timestamps refresh.
func (s *SlotStore) Upsert(ctx context.Context, slot *CalendarSlot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_slots (calendar_id, start_time, end_time, is_available)
		VALUES (?, ?, ?, TRUE)
		ON CONFLICT(calendar_id, start_time, end_time) DO UPDATE SET
			updated_at = CURRENT_TIMESTAMP`,
		slot.CalendarID, slot.StartTime, slot.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert slot: %w", err)
	}

	// last_insert_rowid is not reliable on the conflict path, so resolve
	// the id through the natural key in both cases.
	existing, err := s.GetByKey(ctx, slot.CalendarID, slot.StartTime, slot.EndTime)
	if err != nil {
		return err
	}
	slot.ID = existing.ID
	return nil
}

// GetByID retrieves a slot by id.
func (s *SlotStore) GetByID(ctx context.Context, id int64) (*CalendarSlot, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+slotColumns+" FROM calendar_slots WHERE id = ?", id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: slot %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// GetByKey retrieves a slot by its natural key.
func (s *SlotStore) GetByKey(ctx context.Context, calendarID string, start, end time.Time) (*CalendarSlot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+slotColumns+" FROM calendar_slots WHERE calendar_id = ? AND start_time = ? AND end_time = ?",
		calendarID, start, end,
	)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: slot (%s, %s, %s)", ErrNotFound, calendarID, start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

// ListAvailable returns available slots whose start falls in [from, to],
// ordered by start ascending.
func (s *SlotStore) ListAvailable(ctx context.Context, calendarID string, from, to time.Time) ([]CalendarSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots
		WHERE calendar_id = ? AND is_available = TRUE AND start_time >= ? AND start_time <= ?
		ORDER BY start_time ASC`,
		calendarID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query available slots: %w", err)
	}
	defer rows.Close()

	return collectSlots(rows)
}

// ListReserved returns every non-available slot.
func (s *SlotStore) ListReserved(ctx context.Context) ([]CalendarSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+slotColumns+" FROM calendar_slots WHERE is_available = FALSE ORDER BY start_time ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reserved slots: %w", err)
	}
	defer rows.Close()

	return collectSlots(rows)
}

// ListByEmail returns the slots whose reservation references the email.
func (s *SlotStore) ListByEmail(ctx context.Context, emailID int64) ([]CalendarSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM calendar_slots
		WHERE is_available = FALSE AND json_extract(reservation, '$.email_id') = ?
		ORDER BY start_time ASC`,
		emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots by email: %w", err)
	}
	defer rows.Close()

	return collectSlots(rows)
}

// Reserve atomically transitions a FREE slot to the given reservation.
// Returns true iff the slot was still available at commit time.
func (s *SlotStore) Reserve(ctx context.Context, slotID int64, reservation *Reservation) (bool, error) {
	reservationJSON, err := json.Marshal(reservation)
	if err != nil {
		return false, fmt.Errorf("failed to marshal reservation: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE calendar_slots
		SET is_available = FALSE, reservation = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_available = TRUE`,
		string(reservationJSON), slotID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetReservation replaces the reservation on a non-available slot.
func (s *SlotStore) SetReservation(ctx context.Context, slotID int64, reservation *Reservation) error {
	reservationJSON, err := json.Marshal(reservation)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE calendar_slots
		SET reservation = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_available = FALSE`,
		string(reservationJSON), slotID,
	)
	if err != nil {
		return fmt.Errorf("failed to set reservation: %w", err)
	}
	return nil
}

// Release returns a slot to FREE, clearing its reservation.
func (s *SlotStore) Release(ctx context.Context, slotID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_slots
		SET is_available = TRUE, reservation = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		slotID,
	)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

// DeleteFreeInWindow removes available slots of a calendar whose start
// falls in [from, to]. Reserved slots are untouched.
func (s *SlotStore) DeleteFreeInWindow(ctx context.Context, calendarID string, from, to time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM calendar_slots
		WHERE calendar_id = ? AND is_available = TRUE AND start_time >= ? AND start_time <= ?`,
		calendarID, from, to,
	)
	if err != nil {
		return fmt.Errorf("failed to delete free slots: %w", err)
	}
	return nil
}

func collectSlots(rows *sql.Rows) ([]CalendarSlot, error) {
	var slots []CalendarSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}
