package calendar

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praxismail/internal/clock"
	"praxismail/internal/database"
)

var testTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func setupCoordinator(t *testing.T) (*Coordinator, *clock.Fake, *database.DB) {
	t.Helper()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(testTime)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(db, clk, logger), clk, db
}

func createSlot(t *testing.T, c *Coordinator, start time.Time) *database.CalendarSlot {
	t.Helper()

	slot, err := c.CreateOrUpdateSlot(context.Background(), SlotInput{
		CalendarID: "praxis",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	return slot
}

func TestHoldAndConfirm(t *testing.T) {
	c, _, db := setupCoordinator(t)
	ctx := context.Background()

	slot := createSlot(t, c, testTime.Add(24*time.Hour))

	won, err := c.Hold(ctx, slot.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	stored, err := db.Slots.GetByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAvailable)
	require.NotNil(t, stored.Reservation)
	assert.Equal(t, database.ReservationHold, stored.Reservation.Type)
	assert.True(t, stored.Reservation.ExpiresAt.Equal(testTime.Add(30*time.Minute)))

	confirmed, err := c.Confirm(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, confirmed)

	stored, err = db.Slots.GetByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ReservationConfirmed, stored.Reservation.Type)
	assert.Equal(t, int64(1), stored.Reservation.EmailID)

	// Confirming twice does not succeed again.
	confirmed, err = c.Confirm(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)
}

func TestHoldContention(t *testing.T) {
	c, _, _ := setupCoordinator(t)
	ctx := context.Background()

	slot := createSlot(t, c, testTime.Add(24*time.Hour))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(emailID int64) {
			defer wg.Done()
			won, err := c.Hold(ctx, slot.ID, emailID, 30*time.Minute)
			if err != nil {
				t.Errorf("Hold failed: %v", err)
				return
			}
			if won {
				winners.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one holder must win")
}

func TestConfirmExpiredHold(t *testing.T) {
	c, clk, _ := setupCoordinator(t)
	ctx := context.Background()

	slot := createSlot(t, c, testTime.Add(24*time.Hour))

	won, err := c.Hold(ctx, slot.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// A hold expiring exactly now is already expired.
	clk.Advance(30 * time.Minute)

	confirmed, err := c.Confirm(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, confirmed)
}

func TestReleaseExpiredHolds(t *testing.T) {
	c, clk, db := setupCoordinator(t)
	ctx := context.Background()

	expired := createSlot(t, c, testTime.Add(24*time.Hour))
	live := createSlot(t, c, testTime.Add(25*time.Hour))
	confirmed := createSlot(t, c, testTime.Add(26*time.Hour))

	for id, slot := range map[int64]*database.CalendarSlot{1: expired, 2: live, 3: confirmed} {
		won, err := c.Hold(ctx, slot.ID, id, 30*time.Minute)
		require.NoError(t, err)
		require.True(t, won)
	}

	// Promote one hold, extend another, let the first expire.
	ok, err := c.Confirm(ctx, confirmed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Slots.SetReservation(ctx, live.ID, &database.Reservation{
		Type:      database.ReservationHold,
		EmailID:   2,
		ExpiresAt: testTime.Add(2 * time.Hour),
	}))

	clk.Advance(time.Hour)

	released, err := c.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	freed, err := db.Slots.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)

	kept, err := db.Slots.GetByID(ctx, live.ID)
	require.NoError(t, err)
	assert.False(t, kept.IsAvailable)

	still, err := db.Slots.GetByID(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ReservationConfirmed, still.Reservation.Type)

	// The sweep is idempotent.
	released, err = c.ReleaseExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestHoldCountForEmail(t *testing.T) {
	c, clk, _ := setupCoordinator(t)
	ctx := context.Background()

	first := createSlot(t, c, testTime.Add(24*time.Hour))
	second := createSlot(t, c, testTime.Add(25*time.Hour))

	for _, slot := range []*database.CalendarSlot{first, second} {
		won, err := c.Hold(ctx, slot.ID, 7, 30*time.Minute)
		require.NoError(t, err)
		require.True(t, won)
	}

	count, err := c.HoldCountForEmail(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Expired holds no longer count.
	clk.Advance(time.Hour)
	count, err = c.HoldCountForEmail(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncSlotsPreservesReservations(t *testing.T) {
	c, _, db := setupCoordinator(t)
	ctx := context.Background()

	held := createSlot(t, c, testTime.Add(24*time.Hour))
	createSlot(t, c, testTime.Add(25*time.Hour))

	won, err := c.Hold(ctx, held.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// Re-sync with a different free slot set covering the same window.
	require.NoError(t, c.SyncSlots(ctx, "praxis", []SlotInput{
		{CalendarID: "praxis", StartTime: testTime.Add(24 * time.Hour), EndTime: testTime.Add(24*time.Hour + 30*time.Minute)},
		{CalendarID: "praxis", StartTime: testTime.Add(26 * time.Hour), EndTime: testTime.Add(26*time.Hour + 30*time.Minute)},
	}))

	stored, err := db.Slots.GetByID(ctx, held.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAvailable, "sync must not free a held slot")

	available, err := c.FindAvailable(ctx, "praxis", testTime, testTime.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.True(t, available[0].StartTime.Equal(testTime.Add(26*time.Hour)))
}
