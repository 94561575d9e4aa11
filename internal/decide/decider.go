// Package decide orchestrates guard evaluation per email: it takes the
// settings snapshot, runs the policy, persists the outcome as audit
// events and transitions escalated emails. Errors never fall through as
// auto-replies.
package decide

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"praxismail/internal/database"
	"praxismail/internal/guard"
	"praxismail/internal/settings"
)

const source = "decider"

// ReasonGuardError marks an outcome degraded by a guard panic or store
// failure. Unlike policy escalations the email is NOT transitioned; the
// caller owns retry and terminal routing.
const ReasonGuardError = "guard_error"

// EmailContext is the per-email input to a decision.
type EmailContext struct {
	EmailID    int64
	Class      string
	Confidence float64
	Flags      []string
	Details    map[string]any
	KBPolicy   *guard.KBPolicy
}

// Outcome is the persisted decision result. Err is non-nil only for
// guard_error outcomes.
type Outcome struct {
	ShouldAutoReply  bool
	Reason           string
	EscalationReason string
	EscalationFlags  []string
	Err              error
}

// Decider runs the guard and records its decisions.
type Decider struct {
	db       *database.DB
	settings *settings.Registry
	logger   *slog.Logger
}

// NewDecider creates a decider.
func NewDecider(db *database.DB, registry *settings.Registry, logger *slog.Logger) *Decider {
	return &Decider{db: db, settings: registry, logger: logger}
}

// snapshot reads the guard-relevant settings at evaluation time.
func (d *Decider) snapshot(ctx context.Context) guard.Snapshot {
	return guard.Snapshot{
		AutoSendEnabled:       d.settings.GetBool(ctx, settings.KeyAutoSendEnabled, false),
		ConfidenceThreshold:   d.settings.GetNumber(ctx, settings.KeyAutoSendConfidence, 0.95),
		RequireManualApproval: d.settings.GetBool(ctx, settings.KeyRequireManualApproval, true),
	}
}

// Decide evaluates one email. Any panic or store failure degrades to a
// guard_error escalation; the system never auto-replies under
// uncertainty.
func (d *Decider) Decide(ctx context.Context, email EmailContext) Outcome {
	outcome, err := d.decide(ctx, email)
	if err != nil {
		d.logger.Error("Guard decision failed, escalating", "email_id", email.EmailID, "error", err)
		d.recordGuardError(ctx, email.EmailID, err)
		return Outcome{
			ShouldAutoReply:  false,
			Reason:           ReasonGuardError,
			EscalationReason: ReasonGuardError,
			EscalationFlags:  []string{guard.FlagGuardError},
			Err:              err,
		}
	}
	return outcome
}

func (d *Decider) decide(ctx context.Context, email EmailContext) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("guard panicked: %v", p)
		}
	}()

	decision := guard.Evaluate(guard.Input{
		Class:      email.Class,
		Confidence: email.Confidence,
		Flags:      email.Flags,
		Details:    email.Details,
		KBPolicy:   email.KBPolicy,
	}, d.snapshot(ctx))

	if decision.Auto {
		err = d.db.WithTx(ctx, func(tx *database.Tx) error {
			if _, appendErr := tx.Events.Append(ctx, database.EventGuardApproved, source, map[string]any{
				"email_id":   email.EmailID,
				"class":      email.Class,
				"confidence": email.Confidence,
				"reason":     decision.Reason,
			}); appendErr != nil {
				return appendErr
			}
			return tx.Emails.Transition(ctx, email.EmailID, database.StateDecided)
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{ShouldAutoReply: true, Reason: decision.Reason, EscalationFlags: []string{}}, nil
	}

	err = d.db.WithTx(ctx, func(tx *database.Tx) error {
		payload := map[string]any{
			"email_id": email.EmailID,
			"class":    email.Class,
			"reason":   decision.Reason,
			"flags":    decision.EscalateFlags,
		}
		if _, appendErr := tx.Events.Append(ctx, database.EventEscalated, source, payload); appendErr != nil {
			return appendErr
		}
		if _, appendErr := tx.Events.Append(ctx, database.EventEmailEscalated, source, map[string]any{
			"email_id": email.EmailID,
			"reason":   decision.Reason,
		}); appendErr != nil {
			return appendErr
		}
		if transitionErr := tx.Emails.Transition(ctx, email.EmailID, database.StateEscalated); transitionErr != nil {
			return transitionErr
		}
		return tx.Emails.SetEscalationReason(ctx, email.EmailID, decision.Reason)
	})
	if err != nil {
		return Outcome{}, err
	}

	d.logger.Info("Email escalated",
		"email_id", email.EmailID,
		"reason", decision.Reason,
		"flags", decision.EscalateFlags)

	return Outcome{
		ShouldAutoReply:  false,
		Reason:           decision.Reason,
		EscalationReason: decision.Reason,
		EscalationFlags:  decision.EscalateFlags,
	}, nil
}

// recordGuardError persists the escalation audit trail for a failed
// decision. Best effort: a second failure is only logged.
func (d *Decider) recordGuardError(ctx context.Context, emailID int64, cause error) {
	_, err := d.db.Events.Append(ctx, database.EventEscalated, source, map[string]any{
		"email_id": emailID,
		"reason":   ReasonGuardError,
		"flags":    []string{guard.FlagGuardError},
		"error":    cause.Error(),
	})
	if err != nil {
		d.logger.Error("Failed to record guard error event", "email_id", emailID, "error", err)
	}
}

// DecideBatch runs independent decisions concurrently. Ordering is
// preserved only within each email; results come back in input order.
func (d *Decider) DecideBatch(ctx context.Context, emails []EmailContext, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = len(emails)
	}

	outcomes := make([]Outcome, len(emails))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for i, email := range emails {
		group.Go(func() error {
			outcomes[i] = d.Decide(groupCtx, email)
			return nil
		})
	}
	group.Wait()
	return outcomes
}

// Stats summarizes decisions within [start, end).
type Stats struct {
	Total             int            `json:"total"`
	Approved          int            `json:"approved"`
	Escalated         int            `json:"escalated"`
	ApprovalRate      float64        `json:"approval_rate"`
	EscalationRate    float64        `json:"escalation_rate"`
	EscalationReasons map[string]int `json:"escalation_reasons"`
	EscalationFlags   map[string]int `json:"escalation_flags"`
}

// StatsForWindow computes decision statistics from the audit log.
func (d *Decider) StatsForWindow(ctx context.Context, start, end time.Time) (Stats, error) {
	events, err := d.db.Events.ListByType(ctx, start, end, database.EventGuardApproved, database.EventEscalated)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load decision events: %w", err)
	}

	stats := Stats{
		EscalationReasons: make(map[string]int),
		EscalationFlags:   make(map[string]int),
	}
	for _, event := range events {
		switch event.EventType {
		case database.EventGuardApproved:
			stats.Approved++
		case database.EventEscalated:
			stats.Escalated++
			if reason, ok := event.Payload["reason"].(string); ok {
				stats.EscalationReasons[reason]++
			}
			if flags, ok := event.Payload["flags"].([]any); ok {
				for _, flag := range flags {
					if name, ok := flag.(string); ok {
						stats.EscalationFlags[name]++
					}
				}
			}
		}
	}

	stats.Total = stats.Approved + stats.Escalated
	if stats.Total > 0 {
		stats.ApprovalRate = float64(stats.Approved) / float64(stats.Total)
		stats.EscalationRate = float64(stats.Escalated) / float64(stats.Total)
	}
	return stats, nil
}
