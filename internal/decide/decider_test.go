package decide

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praxismail/internal/database"
	"praxismail/internal/guard"
	"praxismail/internal/settings"
)

func setupDecider(t *testing.T) (*Decider, *database.DB, *settings.Registry) {
	t.Helper()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := settings.NewRegistry(db.Settings)
	require.NoError(t, registry.InitializeDefaults(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDecider(db, registry, logger), db, registry
}

func classifiedEmail(t *testing.T, db *database.DB, messageID string) *database.Email {
	t.Helper()
	ctx := context.Background()

	email := &database.Email{
		MessageID:  messageID,
		Account:    "praxis@example.de",
		From:       "patient@example.de",
		Subject:    "Anfrage",
		BodyText:   "text",
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Emails.Create(ctx, email))
	require.NoError(t, db.Emails.Transition(ctx, email.ID, database.StateClassified))
	return email
}

func TestDecideEscalatesPrescription(t *testing.T) {
	decider, db, _ := setupDecider(t)
	ctx := context.Background()

	email := classifiedEmail(t, db, "msg-rx")

	outcome := decider.Decide(ctx, EmailContext{
		EmailID:    email.ID,
		Class:      "rezept_anfrage",
		Confidence: 0.99,
	})

	assert.False(t, outcome.ShouldAutoReply)
	assert.Equal(t, "sensitive_rezept_anfrage", outcome.Reason)
	assert.Equal(t, []string{guard.FlagSensitiveCategory}, outcome.EscalationFlags)

	stored, err := db.Emails.GetByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StateEscalated, stored.State)
	assert.Equal(t, "sensitive_rezept_anfrage", stored.EscalationReason)

	// Exactly one ESCALATED and one EMAIL_ESCALATED event.
	events, err := db.Events.ListByEmail(ctx, email.ID)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, event := range events {
		counts[event.EventType]++
	}
	assert.Equal(t, 1, counts[database.EventEscalated])
	assert.Equal(t, 1, counts[database.EventEmailEscalated])
}

func TestDecideApproves(t *testing.T) {
	decider, db, registry := setupDecider(t)
	ctx := context.Background()

	require.NoError(t, registry.SetBool(ctx, settings.KeyAutoSendEnabled, true))
	require.NoError(t, registry.SetBool(ctx, settings.KeyRequireManualApproval, false))

	email := classifiedEmail(t, db, "msg-ok")

	outcome := decider.Decide(ctx, EmailContext{
		EmailID:    email.ID,
		Class:      "Termin",
		Confidence: 0.97,
	})

	assert.True(t, outcome.ShouldAutoReply)
	assert.Equal(t, guard.ReasonAllChecksPassed, outcome.Reason)
	assert.Empty(t, outcome.EscalationReason)

	stored, err := db.Emails.GetByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StateDecided, stored.State)

	events, err := db.Events.ListByEmail(ctx, email.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, database.EventGuardApproved, events[0].EventType)
}

func TestDecideDefaultsAreConservative(t *testing.T) {
	decider, db, _ := setupDecider(t)
	ctx := context.Background()

	email := classifiedEmail(t, db, "msg-defaults")

	// With stock settings even a confident, benign email escalates.
	outcome := decider.Decide(ctx, EmailContext{
		EmailID:    email.ID,
		Class:      "Termin",
		Confidence: 0.99,
	})

	assert.False(t, outcome.ShouldAutoReply)
	assert.Equal(t, "manual_approval", outcome.Reason)
}

func TestDecideStoreFailureBecomesGuardError(t *testing.T) {
	decider, db, registry := setupDecider(t)
	ctx := context.Background()

	require.NoError(t, registry.SetBool(ctx, settings.KeyAutoSendEnabled, true))
	require.NoError(t, registry.SetBool(ctx, settings.KeyRequireManualApproval, false))

	email := classifiedEmail(t, db, "msg-error")
	// Force the transition inside the approval path to fail.
	require.NoError(t, db.Emails.Transition(ctx, email.ID, database.StateDecided))

	outcome := decider.Decide(ctx, EmailContext{
		EmailID:    email.ID,
		Class:      "Termin",
		Confidence: 0.99,
	})

	assert.False(t, outcome.ShouldAutoReply)
	assert.Equal(t, ReasonGuardError, outcome.Reason)
	assert.Equal(t, []string{guard.FlagGuardError}, outcome.EscalationFlags)
	assert.Error(t, outcome.Err)

	// A guard error does not transition the email; terminal routing is
	// the caller's job.
	stored, err := db.Emails.GetByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StateDecided, stored.State)
}

func TestDecideBatchPreservesOrder(t *testing.T) {
	decider, db, _ := setupDecider(t)
	ctx := context.Background()

	contexts := make([]EmailContext, 0, 4)
	for i := range 4 {
		email := classifiedEmail(t, db, "msg-batch-"+string(rune('a'+i)))
		class := "Termin"
		if i%2 == 1 {
			class = "rezept_anfrage"
		}
		contexts = append(contexts, EmailContext{EmailID: email.ID, Class: class, Confidence: 0.99})
	}

	outcomes := decider.DecideBatch(ctx, contexts, 2)
	require.Len(t, outcomes, 4)

	assert.Equal(t, "manual_approval", outcomes[0].Reason)
	assert.Equal(t, "sensitive_rezept_anfrage", outcomes[1].Reason)
	assert.Equal(t, "manual_approval", outcomes[2].Reason)
	assert.Equal(t, "sensitive_rezept_anfrage", outcomes[3].Reason)
}

func TestStatsForWindow(t *testing.T) {
	decider, db, registry := setupDecider(t)
	ctx := context.Background()

	require.NoError(t, registry.SetBool(ctx, settings.KeyAutoSendEnabled, true))
	require.NoError(t, registry.SetBool(ctx, settings.KeyRequireManualApproval, false))

	approved := classifiedEmail(t, db, "msg-stats-1")
	decider.Decide(ctx, EmailContext{EmailID: approved.ID, Class: "Termin", Confidence: 0.99})

	for _, id := range []string{"msg-stats-2", "msg-stats-3"} {
		email := classifiedEmail(t, db, id)
		decider.Decide(ctx, EmailContext{EmailID: email.ID, Class: "rezept_anfrage", Confidence: 0.99})
	}

	now := time.Now().UTC()
	stats, err := decider.StatsForWindow(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 2, stats.Escalated)
	assert.InDelta(t, 1.0/3.0, stats.ApprovalRate, 0.001)
	assert.Equal(t, 2, stats.EscalationReasons["sensitive_rezept_anfrage"])
	assert.Equal(t, 2, stats.EscalationFlags[guard.FlagSensitiveCategory])
}
