package watchdog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praxismail/internal/calendar"
	"praxismail/internal/clock"
	"praxismail/internal/database"
	"praxismail/internal/health"
	"praxismail/internal/settings"
)

type staticProbe struct {
	name   string
	status string
	panics bool
}

func (p staticProbe) Name() string { return p.name }

func (p staticProbe) Check(ctx context.Context) health.Result {
	if p.panics {
		panic("probe blew up")
	}
	return health.Result{Status: p.status}
}

func setupWatchdog(t *testing.T, probes ...health.Probe) (*Watchdog, *clock.Fake, *calendar.Coordinator, *database.DB) {
	t.Helper()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := settings.NewRegistry(db.Settings)
	require.NoError(t, registry.InitializeDefaults(context.Background()))

	clk := clock.NewFake(time.Now().UTC())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := calendar.NewCoordinator(db, clk, logger)

	if len(probes) == 0 {
		probes = []health.Probe{staticProbe{name: "store_ping", status: health.StatusHealthy}}
	}
	checker := health.NewChecker(probes...)

	return New(0, db, checker, coordinator, registry, clk, logger), clk, coordinator, db
}

func eventsOfType(t *testing.T, db *database.DB, eventType string) []database.Event {
	t.Helper()

	now := time.Now().UTC()
	events, err := db.Events.ListByType(context.Background(), now.Add(-time.Hour), now.Add(time.Hour), eventType)
	require.NoError(t, err)
	return events
}

func TestTickRecordsWatchdogEvent(t *testing.T) {
	wd, _, _, db := setupWatchdog(t)

	wd.Tick(context.Background())

	events := eventsOfType(t, db, database.EventWatchdogTick)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Payload["run_id"])
	assert.Equal(t, float64(1), events[0].Payload["run_count"])
	assert.Nil(t, events[0].Payload["failed_tasks"])

	wd.Tick(context.Background())
	events = eventsOfType(t, db, database.EventWatchdogTick)
	require.Len(t, events, 2)
}

func TestHealthyBeforeFirstSweep(t *testing.T) {
	wd, _, _, _ := setupWatchdog(t)

	assert.True(t, wd.Healthy())
	assert.Nil(t, wd.LastReport())
}

func TestUnhealthyProbeFlipsGate(t *testing.T) {
	wd, _, _, db := setupWatchdog(t, staticProbe{name: "store_ping", status: health.StatusUnhealthy})

	wd.Tick(context.Background())

	assert.False(t, wd.Healthy())
	report := wd.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, health.StatusUnhealthy, report.Status)

	events := eventsOfType(t, db, database.EventHealthCheckFail)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Payload["failing_probes"], "store_ping")
}

func TestWarningDoesNotFlipGate(t *testing.T) {
	wd, _, _, _ := setupWatchdog(t, staticProbe{name: "classifier", status: health.StatusWarning})

	wd.Tick(context.Background())
	assert.True(t, wd.Healthy())
}

func TestPanickingTaskIsIsolated(t *testing.T) {
	wd, clk, coordinator, db := setupWatchdog(t, staticProbe{name: "store_ping", panics: true})
	ctx := context.Background()

	// Give the hold-release task real work so we can see it still ran.
	slot, err := coordinator.CreateOrUpdateSlot(ctx, calendar.SlotInput{
		CalendarID: "praxis",
		StartTime:  clk.Now().Add(24 * time.Hour),
		EndTime:    clk.Now().Add(24*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)
	won, err := coordinator.Hold(ctx, slot.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	clk.Advance(time.Hour)

	wd.Tick(ctx)

	freed, err := db.Slots.GetByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable, "remaining tasks run despite the panic")

	events := eventsOfType(t, db, database.EventWatchdogTick)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Payload["failed_tasks"], "health_probes")
}

func TestSweepReleasesExpiredHolds(t *testing.T) {
	wd, clk, coordinator, db := setupWatchdog(t)
	ctx := context.Background()

	slot, err := coordinator.CreateOrUpdateSlot(ctx, calendar.SlotInput{
		CalendarID: "praxis",
		StartTime:  clk.Now().Add(24 * time.Hour),
		EndTime:    clk.Now().Add(24*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)
	won, err := coordinator.Hold(ctx, slot.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	clk.Advance(time.Hour)
	wd.Tick(ctx)

	freed, err := db.Slots.GetByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, freed.IsAvailable)

	events := eventsOfType(t, db, database.EventHoldsReleased)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), events[0].Payload["count"])

	// A second sweep finds nothing to release.
	wd.Tick(ctx)
	events = eventsOfType(t, db, database.EventHoldsReleased)
	require.Len(t, events, 1)
}

type blockingProbe struct {
	gate <-chan struct{}
}

func (p blockingProbe) Name() string { return "store_ping" }

func (p blockingProbe) Check(ctx context.Context) health.Result {
	select {
	case <-p.gate:
	case <-ctx.Done():
	}
	return health.Result{Status: health.StatusHealthy}
}

func TestSweepTasksRunConcurrently(t *testing.T) {
	gate := make(chan struct{})
	wd, clk, coordinator, db := setupWatchdog(t, blockingProbe{gate: gate})
	ctx := context.Background()

	slot, err := coordinator.CreateOrUpdateSlot(ctx, calendar.SlotInput{
		CalendarID: "praxis",
		StartTime:  clk.Now().Add(24 * time.Hour),
		EndTime:    clk.Now().Add(24*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)
	won, err := coordinator.Hold(ctx, slot.ID, 1, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	clk.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		wd.Tick(ctx)
		close(done)
	}()

	// The expired hold is released while the health probe still blocks.
	require.Eventually(t, func() bool {
		stored, err := db.Slots.GetByID(ctx, slot.ID)
		return err == nil && stored.IsAvailable
	}, 2*time.Second, 10*time.Millisecond)

	close(gate)
	<-done
}

func TestSweepPrunesProcessedAuditEvents(t *testing.T) {
	wd, clk, _, db := setupWatchdog(t)
	ctx := context.Background()

	id, err := db.Events.Append(ctx, database.EventEmailReceived, "test", map[string]any{"email_id": 1})
	require.NoError(t, err)
	require.NoError(t, db.Events.MarkProcessed(ctx, id))

	// Default retention is 90 days; move the clock well past it.
	clk.Advance(100 * 24 * time.Hour)
	wd.Tick(ctx)

	events := eventsOfType(t, db, database.EventEmailReceived)
	assert.Empty(t, events)
}
