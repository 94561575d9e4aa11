// Package pipeline drives each email through the bounded state
// machine: INGESTED -> CLASSIFIED -> DECIDED -> (DRAFTED -> SENT) or
// ESCALATED, with FAILED reachable after exhausted retries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"praxismail/internal/calendar"
	"praxismail/internal/classify"
	"praxismail/internal/clock"
	"praxismail/internal/database"
	"praxismail/internal/decide"
	"praxismail/internal/dedup"
	"praxismail/internal/guard"
	"praxismail/internal/mail"
	"praxismail/internal/settings"
	"praxismail/internal/template"
)

const source = "pipeline"

// Details keys used for retry bookkeeping.
const (
	detailAttempts   = "attempts"
	detailRetryAfter = "retry_after"
	detailKBPolicy   = "kb_policy"
)

// Config tunes the runner.
type Config struct {
	PollInterval      time.Duration
	MaxEmailsPerBatch int
	CalendarID        string
	SlotLookahead     time.Duration
	Practice          template.Settings
}

// HealthGate lets the runner pause intake while the system is
// unhealthy.
type HealthGate interface {
	Healthy() bool
}

// Runner owns emails after ingestion and moves them through the state
// machine. Emails are processed by a bounded worker pool; operations on
// the same email are serialized by a per-email lock.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *Config
	db         *database.DB
	filter     *dedup.Filter
	classifier classify.Classifier
	decider    *decide.Decider
	renderer   *template.Renderer
	sender     mail.Sender
	calendar   *calendar.Coordinator
	settings   *settings.Registry
	clock      clock.Clock
	gate       HealthGate
	logger     *slog.Logger

	paused atomic.Bool
	locks  *emailLocks
}

// NewRunner wires the pipeline. gate may be nil.
func NewRunner(
	config *Config,
	db *database.DB,
	classifier classify.Classifier,
	decider *decide.Decider,
	renderer *template.Renderer,
	sender mail.Sender,
	coordinator *calendar.Coordinator,
	registry *settings.Registry,
	clk clock.Clock,
	gate HealthGate,
	logger *slog.Logger,
) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.MaxEmailsPerBatch <= 0 {
		config.MaxEmailsPerBatch = 10
	}
	if config.CalendarID == "" {
		config.CalendarID = "praxis"
	}
	if config.SlotLookahead <= 0 {
		config.SlotLookahead = 14 * 24 * time.Hour
	}

	return &Runner{
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
		db:         db,
		filter:     dedup.NewFilter(db),
		classifier: classifier,
		decider:    decider,
		renderer:   renderer,
		sender:     sender,
		calendar:   coordinator,
		settings:   registry,
		clock:      clk,
		gate:       gate,
		logger:     logger,
		locks:      newEmailLocks(),
	}
}

// IncomingMessage is what the external mail ingestor delivers.
type IncomingMessage struct {
	MessageID  string
	Account    string
	From       string
	Subject    string
	BodyText   string
	ReceivedAt time.Time
}

// Ingest applies the idempotency filter and stores a new email in
// INGESTED state, recording email.received. Duplicates return the
// existing id.
func (r *Runner) Ingest(ctx context.Context, msg IncomingMessage) (dedup.Result, error) {
	return r.filter.Process(ctx, msg.MessageID, msg.BodyText, func(ctx context.Context, tx *database.Tx, textHash string) (int64, error) {
		email := &database.Email{
			MessageID:  msg.MessageID,
			Account:    msg.Account,
			From:       msg.From,
			Subject:    msg.Subject,
			BodyText:   msg.BodyText,
			ReceivedAt: msg.ReceivedAt,
			TextHash:   textHash,
		}
		if err := tx.Emails.Create(ctx, email); err != nil {
			return 0, err
		}
		if _, err := tx.Events.Append(ctx, database.EventEmailReceived, source, map[string]any{
			"email_id":   email.ID,
			"message_id": msg.MessageID,
			"account":    msg.Account,
		}); err != nil {
			return 0, err
		}
		return email.ID, nil
	})
}

// Start begins the background processing loop.
func (r *Runner) Start() {
	r.logger.Info("Starting pipeline runner",
		"poll_interval", r.config.PollInterval,
		"max_emails_per_batch", r.config.MaxEmailsPerBatch)
	go r.loop()
}

// Stop cancels the processing loop.
func (r *Runner) Stop() {
	r.logger.Info("Stopping pipeline runner")
	r.cancel()
}

// Pause temporarily pauses processing.
func (r *Runner) Pause() { r.paused.Store(true) }

// Resume resumes processing.
func (r *Runner) Resume() { r.paused.Store(false) }

// IsRunning reports whether the loop is still alive.
func (r *Runner) IsRunning() bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
		return true
	}
}

func (r *Runner) loop() {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Pipeline loop stopped")
			return
		case <-ticker.C:
			if r.paused.Load() {
				continue
			}
			if r.gate != nil && !r.gate.Healthy() {
				r.logger.Warn("System unhealthy, pausing pipeline work")
				continue
			}
			r.Tick(r.ctx)
		}
	}
}

// Tick performs one processing pass: classify the INGESTED batch, then
// decide and dispatch the CLASSIFIED batch. The DECIDED and DRAFTED
// stages only see emails left behind by an earlier failed dispatch; a
// zero batch is a no-op.
func (r *Runner) Tick(ctx context.Context) {
	start := r.clock.Now()

	classified := r.runStage(ctx, database.StateIngested, r.classifyEmail)
	decided := r.runStage(ctx, database.StateClassified, r.decideEmail)
	resumed := r.runStage(ctx, database.StateDecided, r.dispatchReply)
	resumed += r.runStage(ctx, database.StateDrafted, r.resumeDrafted)

	if classified > 0 || decided > 0 || resumed > 0 {
		r.logger.Info("Pipeline tick completed",
			"classified", classified,
			"decided", decided,
			"resumed", resumed,
			"duration", time.Since(start))
	}
}

// runStage fetches a bounded batch in the given state and runs fn for
// each email on the worker pool. Returns how many emails were handled.
func (r *Runner) runStage(ctx context.Context, state string, fn func(ctx context.Context, email *database.Email) error) int {
	emails, err := r.db.Emails.ListByState(ctx, state, r.config.MaxEmailsPerBatch)
	if err != nil {
		r.logger.Error("Failed to fetch batch", "state", state, "error", err)
		return 0
	}
	if len(emails) == 0 {
		return 0
	}

	now := r.clock.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.config.MaxEmailsPerBatch)

	handled := 0
	for i := range emails {
		email := emails[i]
		if !retryDue(&email, now) {
			continue
		}
		handled++

		group.Go(func() error {
			unlock := r.locks.lock(email.ID)
			defer unlock()

			if err := fn(groupCtx, &email); err != nil {
				r.logger.Error("Pipeline step failed", "email_id", email.ID, "state", state, "error", err)
			}
			return nil
		})
	}
	group.Wait()
	return handled
}

// retryDue reports whether the email's backoff window has elapsed.
func retryDue(email *database.Email, now time.Time) bool {
	raw, ok := email.Details[detailRetryAfter].(string)
	if !ok {
		return true
	}
	retryAfter, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return !now.Before(retryAfter)
}

// classifyEmail runs the classifier and advances INGESTED -> CLASSIFIED.
func (r *Runner) classifyEmail(ctx context.Context, email *database.Email) error {
	result, err := r.classifier.Classify(ctx, dedup.Normalize(email.BodyText))
	if err != nil {
		return r.recordFailure(ctx, email, "classify", err)
	}
	result = classify.NormalizeClass(result)

	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		details := email.Details
		if details == nil {
			details = map[string]any{}
		}
		for key, value := range result.Details {
			details[key] = value
		}

		if err := tx.Emails.SetClassification(ctx, email.ID, result.Class, result.Confidence, result.Flags, details); err != nil {
			return err
		}
		if _, err := tx.Events.Append(ctx, database.EventEmailClassified, source, map[string]any{
			"email_id":   email.ID,
			"class":      result.Class,
			"confidence": result.Confidence,
			"flags":      result.Flags,
		}); err != nil {
			return err
		}
		return tx.Emails.Transition(ctx, email.ID, database.StateClassified)
	})
	if err != nil {
		return r.recordFailure(ctx, email, "classify", err)
	}

	email.Classification = result.Class
	email.Confidence = result.Confidence
	email.Flags = result.Flags
	return nil
}

// decideEmail runs the guard via the decider and, when approved,
// renders and dispatches the reply.
func (r *Runner) decideEmail(ctx context.Context, email *database.Email) error {
	outcome := r.decider.Decide(ctx, decide.EmailContext{
		EmailID:    email.ID,
		Class:      email.Classification,
		Confidence: email.Confidence,
		Flags:      email.Flags,
		Details:    email.Details,
		KBPolicy:   kbPolicyFromDetails(email.Details),
	})

	if !outcome.ShouldAutoReply {
		if outcome.Reason == decide.ReasonGuardError {
			// The email was not transitioned; retry with a cap so a
			// persistent store fault cannot loop forever.
			err := outcome.Err
			if err == nil {
				err = fmt.Errorf("guard evaluation failed")
			}
			return r.recordFailure(ctx, email, "decide", err)
		}
		// The decider already transitioned and audited the escalation.
		return nil
	}
	return r.dispatchReply(ctx, email)
}

// dispatchReply renders the template, persists the draft and sends it.
func (r *Runner) dispatchReply(ctx context.Context, email *database.Email) error {
	templateID, vars, err := r.prepareReply(ctx, email)
	if err != nil {
		return r.recordFailure(ctx, email, "prepare", err)
	}
	if templateID == "" {
		// No bookable slot: route to a human instead of guessing.
		return r.escalateOperational(ctx, email, "no_slots_available")
	}

	rendered, err := r.renderer.Render(templateID, vars, r.config.Practice)
	if err != nil {
		return r.recordFailure(ctx, email, "render", err)
	}

	draft := &database.Draft{EmailID: email.ID, TemplateID: templateID, RenderedText: rendered}
	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Drafts.Create(ctx, draft); err != nil {
			return err
		}
		if _, err := tx.Events.Append(ctx, database.EventDraftCreated, source, map[string]any{
			"email_id":    email.ID,
			"draft_id":    draft.ID,
			"template_id": templateID,
		}); err != nil {
			return err
		}
		return tx.Emails.Transition(ctx, email.ID, database.StateDrafted)
	})
	if err != nil {
		return r.recordFailure(ctx, email, "draft", err)
	}

	return r.sendDraft(ctx, email, draft)
}

// resumeDrafted retries the send of an email whose draft exists but was
// never delivered. The idempotent sender absorbs a repeat of a send
// that did go out before the crash.
func (r *Runner) resumeDrafted(ctx context.Context, email *database.Email) error {
	drafts, err := r.db.Drafts.ListByEmail(ctx, email.ID)
	if err != nil {
		return r.recordFailure(ctx, email, "send", err)
	}

	var pending *database.Draft
	for i := range drafts {
		if drafts[i].SentAt == nil && drafts[i].Status != database.DraftStatusFailed {
			pending = &drafts[i]
		}
	}
	if pending == nil {
		return r.recordFailure(ctx, email, "send", fmt.Errorf("no pending draft for email %d", email.ID))
	}
	return r.sendDraft(ctx, email, pending)
}

// sendDraft delivers the draft and advances the email to SENT.
func (r *Runner) sendDraft(ctx context.Context, email *database.Email, draft *database.Draft) error {
	result, err := r.sender.Send(ctx, email.From, "Re: "+email.Subject, draft.RenderedText, draft.ID)
	if err != nil || !result.OK {
		if err == nil {
			err = fmt.Errorf("send rejected by provider")
		}
		return r.recordFailure(ctx, email, "send", err)
	}

	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Drafts.MarkSent(ctx, draft.ID, r.clock.Now()); err != nil {
			return err
		}
		if _, err := tx.Events.Append(ctx, database.EventDraftSent, source, map[string]any{
			"email_id":    email.ID,
			"draft_id":    draft.ID,
			"provider_id": result.ProviderID,
		}); err != nil {
			return err
		}
		return tx.Emails.Transition(ctx, email.ID, database.StateSent)
	})
	if err != nil {
		return r.recordFailure(ctx, email, "send", err)
	}

	r.logger.Info("Reply sent", "email_id", email.ID, "draft_id", draft.ID, "template_id", draft.TemplateID)
	return nil
}

// prepareReply picks the template and variables for an approved email.
// An appointment request additionally holds a slot; a missing slot
// returns an empty template id.
func (r *Runner) prepareReply(ctx context.Context, email *database.Email) (string, map[string]any, error) {
	vars := map[string]any{}

	// Only a fresh appointment request gets a slot hold. Cancellations
	// and confirmations also mention appointments but never book.
	switch email.Classification {
	case "Termin", "appointment_request":
		slot, err := r.holdSlot(ctx, email.ID)
		if err != nil {
			return "", nil, err
		}
		if slot == nil {
			return "", nil, nil
		}
		vars["slot_time"] = slot.StartTime.Format("02.01.2006 15:04")
		return template.TerminVorschlag, vars, nil

	case "Terminbestaetigung":
		if slot := r.confirmHeldSlot(ctx, email); slot != nil {
			vars["slot_time"] = slot.StartTime.Format("02.01.2006 15:04")
			return template.TerminBestaetigung, vars, nil
		}
		return "", nil, nil

	default:
		answer, _ := email.Details["answer"].(string)
		if answer == "" {
			answer = "Gerne beantworten wir Ihre Frage. Bei Rückfragen erreichen Sie uns telefonisch."
		}
		vars["answer"] = answer
		return template.FAQAntwort, vars, nil
	}
}

// confirmHeldSlot promotes the hold referenced by the confirmation, if
// the classifier linked one via related_email_id and it is still live.
func (r *Runner) confirmHeldSlot(ctx context.Context, email *database.Email) *database.CalendarSlot {
	related, ok := email.Details["related_email_id"].(float64)
	if !ok {
		return nil
	}

	slots, err := r.calendar.SlotsForEmail(ctx, int64(related))
	if err != nil {
		r.logger.Error("Failed to load held slots", "email_id", email.ID, "error", err)
		return nil
	}
	for i := range slots {
		confirmed, err := r.calendar.Confirm(ctx, slots[i].ID)
		if err != nil {
			r.logger.Error("Failed to confirm slot", "slot_id", slots[i].ID, "error", err)
			return nil
		}
		if confirmed {
			return &slots[i]
		}
	}
	return nil
}

// holdSlot finds the earliest bookable slot and holds it for the email,
// honoring max_holds_per_email. Returns nil when nothing could be held.
func (r *Runner) holdSlot(ctx context.Context, emailID int64) (*database.CalendarSlot, error) {
	maxHolds := int(r.settings.GetNumber(ctx, settings.KeyMaxHoldsPerEmail, 3))
	existing, err := r.calendar.HoldCountForEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if existing >= maxHolds {
		return nil, fmt.Errorf("hold cap reached for email %d", emailID)
	}

	now := r.clock.Now()
	candidates, err := r.calendar.FindAvailable(ctx, r.config.CalendarID, now, now.Add(r.config.SlotLookahead))
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(r.settings.GetNumber(ctx, settings.KeyHoldExpiryMinutes, 30)) * time.Minute
	for i := range candidates {
		won, err := r.calendar.Hold(ctx, candidates[i].ID, emailID, ttl)
		if err != nil {
			return nil, err
		}
		if won {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// escalateOperational routes an approved email to a human for an
// operational reason (distinct from guard escalation).
func (r *Runner) escalateOperational(ctx context.Context, email *database.Email, reason string) error {
	return r.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.Events.Append(ctx, database.EventEscalated, source, map[string]any{
			"email_id": email.ID,
			"reason":   reason,
			"flags":    []string{},
		}); err != nil {
			return err
		}
		if err := tx.Emails.Transition(ctx, email.ID, database.StateEscalated); err != nil {
			return err
		}
		return tx.Emails.SetEscalationReason(ctx, email.ID, reason)
	})
}

// recordFailure audits a failed side-effectful step, bumps the attempt
// counter and either schedules a retry or routes the email to FAILED.
func (r *Runner) recordFailure(ctx context.Context, email *database.Email, step string, cause error) error {
	maxRetries := int(r.settings.GetNumber(ctx, settings.KeyMaxRetries, 3))
	retryDelay := time.Duration(r.settings.GetNumber(ctx, settings.KeyRetryDelayMinutes, 15)) * time.Minute

	current, err := r.db.Emails.GetByID(ctx, email.ID)
	if err != nil {
		return err
	}

	attempts := 0
	if raw, ok := current.Details[detailAttempts].(float64); ok {
		attempts = int(raw)
	}
	attempts++

	details := current.Details
	if details == nil {
		details = map[string]any{}
	}
	details[detailAttempts] = attempts
	details[detailRetryAfter] = r.clock.Now().Add(retryDelay).Format(time.RFC3339)
	details["last_error"] = cause.Error()

	return r.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.Events.Append(ctx, database.EventError, source, map[string]any{
			"email_id": email.ID,
			"step":     step,
			"attempt":  attempts,
			"message":  cause.Error(),
		}); err != nil {
			return err
		}
		if err := tx.Emails.UpdateDetails(ctx, email.ID, details); err != nil {
			return err
		}
		if attempts >= maxRetries {
			// Drafts that will never be delivered are marked failed
			// alongside the email.
			drafts, err := tx.Drafts.ListByEmail(ctx, email.ID)
			if err != nil {
				return err
			}
			for _, draft := range drafts {
				if draft.Status == database.DraftStatusCreated {
					if err := tx.Drafts.MarkFailed(ctx, draft.ID); err != nil {
						return err
					}
				}
			}

			r.logger.Warn("Retries exhausted", "email_id", email.ID, "step", step, "attempts", attempts)
			return tx.Emails.Transition(ctx, email.ID, database.StateFailed)
		}
		return nil
	})
}

// kbPolicyFromDetails decodes an embedded kb_policy blob, if present.
func kbPolicyFromDetails(details map[string]any) *guard.KBPolicy {
	raw, ok := details[detailKBPolicy].(map[string]any)
	if !ok {
		return nil
	}

	policy := &guard.KBPolicy{}
	if v, ok := raw["requires_doctor"].(bool); ok {
		policy.RequiresDoctor = v
	}
	if v, ok := raw["requires_privacy_check"].(bool); ok {
		policy.RequiresPrivacyCheck = v
	}
	if v, ok := raw["complexity_score"].(float64); ok {
		policy.ComplexityScore = v
	}
	return policy
}
