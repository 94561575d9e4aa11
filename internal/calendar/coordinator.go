// Package calendar manages slot availability with a three-state
// protocol per slot: FREE, HELD (with TTL) and CONFIRMED. Only the
// coordinator flips availability or writes reservations.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"praxismail/internal/clock"
	"praxismail/internal/database"
)

// SlotInput describes one slot for upsert or sync.
type SlotInput struct {
	CalendarID string
	StartTime  time.Time
	EndTime    time.Time
}

// Coordinator owns calendar slots. Each operation executes in a single
// transaction against the store.
type Coordinator struct {
	db     *database.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over the store.
func NewCoordinator(db *database.DB, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{db: db, clock: clk, logger: logger}
}

// CreateOrUpdateSlot upserts a slot by (calendar_id, start, end). A
// held or confirmed slot is not disturbed.
func (c *Coordinator) CreateOrUpdateSlot(ctx context.Context, input SlotInput) (*database.CalendarSlot, error) {
	slot := &database.CalendarSlot{
		CalendarID: input.CalendarID,
		StartTime:  input.StartTime,
		EndTime:    input.EndTime,
	}
	var out *database.CalendarSlot
	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Slots.Upsert(ctx, slot); err != nil {
			return err
		}
		stored, err := tx.Slots.GetByID(ctx, slot.ID)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert slot: %w", err)
	}
	return out, nil
}

// FindAvailable returns available slots of a calendar starting within
// [from, to], ordered by start ascending.
func (c *Coordinator) FindAvailable(ctx context.Context, calendarID string, from, to time.Time) ([]database.CalendarSlot, error) {
	return c.db.Slots.ListAvailable(ctx, calendarID, from, to)
}

// Hold atomically transitions a FREE slot to HELD with the given TTL.
// Returns true iff this caller won the slot; a concurrent holder or an
// already-reserved slot returns false.
func (c *Coordinator) Hold(ctx context.Context, slotID, emailID int64, ttl time.Duration) (bool, error) {
	reservation := &database.Reservation{
		Type:      database.ReservationHold,
		EmailID:   emailID,
		ExpiresAt: c.clock.Now().Add(ttl),
	}

	var won bool
	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		won, err = tx.Slots.Reserve(ctx, slotID, reservation)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to hold slot %d: %w", slotID, err)
	}

	if won {
		c.logger.Info("Slot held", "slot_id", slotID, "email_id", emailID, "expires_at", reservation.ExpiresAt)
	}
	return won, nil
}

// Confirm promotes a live hold to CONFIRMED. An expired hold, a free
// slot or an already-confirmed slot returns false.
func (c *Coordinator) Confirm(ctx context.Context, slotID int64) (bool, error) {
	now := c.clock.Now()

	var confirmed bool
	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		slot, err := tx.Slots.GetByID(ctx, slotID)
		if err != nil {
			return err
		}
		if !slot.Reservation.IsHold() || slot.Reservation.ExpiredAt(now) {
			return nil
		}

		if err := tx.Slots.SetReservation(ctx, slotID, &database.Reservation{
			Type:        database.ReservationConfirmed,
			EmailID:     slot.Reservation.EmailID,
			ConfirmedAt: now,
		}); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to confirm slot %d: %w", slotID, err)
	}

	if confirmed {
		c.logger.Info("Slot confirmed", "slot_id", slotID)
	}
	return confirmed, nil
}

// ReleaseExpiredHolds returns every expired hold to FREE and reports
// how many slots were released. Confirmed slots are never touched.
func (c *Coordinator) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	now := c.clock.Now()

	released := 0
	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		slots, err := tx.Slots.ListReserved(ctx)
		if err != nil {
			return err
		}
		for _, slot := range slots {
			if !slot.Reservation.ExpiredAt(now) {
				continue
			}
			if err := tx.Slots.Release(ctx, slot.ID); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release expired holds: %w", err)
	}

	if released > 0 {
		c.logger.Info("Released expired holds", "count", released)
	}
	return released, nil
}

// SlotsForEmail returns the slots reserved for the given email.
func (c *Coordinator) SlotsForEmail(ctx context.Context, emailID int64) ([]database.CalendarSlot, error) {
	return c.db.Slots.ListByEmail(ctx, emailID)
}

// HoldCountForEmail returns how many live holds reference the email.
func (c *Coordinator) HoldCountForEmail(ctx context.Context, emailID int64) (int, error) {
	slots, err := c.db.Slots.ListByEmail(ctx, emailID)
	if err != nil {
		return 0, err
	}

	now := c.clock.Now()
	count := 0
	for _, slot := range slots {
		if slot.Reservation.IsHold() && !slot.Reservation.ExpiredAt(now) {
			count++
		}
	}
	return count, nil
}

// SyncSlots replaces the FREE slots of a calendar within the window
// covered by the provided inputs. Held and confirmed slots survive the
// sync untouched.
func (c *Coordinator) SyncSlots(ctx context.Context, calendarID string, slots []SlotInput) error {
	if len(slots) == 0 {
		return nil
	}

	from, to := slots[0].StartTime, slots[0].StartTime
	for _, input := range slots {
		if input.StartTime.Before(from) {
			from = input.StartTime
		}
		if input.StartTime.After(to) {
			to = input.StartTime
		}
	}

	err := c.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Slots.DeleteFreeInWindow(ctx, calendarID, from, to); err != nil {
			return err
		}
		for _, input := range slots {
			slot := &database.CalendarSlot{
				CalendarID: calendarID,
				StartTime:  input.StartTime,
				EndTime:    input.EndTime,
			}
			if err := tx.Slots.Upsert(ctx, slot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync slots for %s: %w", calendarID, err)
	}
	return nil
}
