// Package watchdog runs the periodic maintenance sweep: health probes,
// expired hold release and audit log retention. Ticks are single-flight
// and each task is isolated, so one failing task never blocks the rest.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"praxismail/internal/calendar"
	"praxismail/internal/clock"
	"praxismail/internal/database"
	"praxismail/internal/health"
	"praxismail/internal/settings"
)

const source = "watchdog"

// DefaultInterval is the sweep cadence.
const DefaultInterval = time.Minute

// Watchdog owns the background maintenance loop.
type Watchdog struct {
	ctx    context.Context
	cancel context.CancelFunc

	interval time.Duration
	db       *database.DB
	checker  *health.Checker
	calendar *calendar.Coordinator
	settings *settings.Registry
	clock    clock.Clock
	logger   *slog.Logger

	flight singleflight.Group

	mu         sync.RWMutex
	lastReport *health.Report
	runs       int64
}

// New creates a watchdog. interval <= 0 uses DefaultInterval.
func New(
	interval time.Duration,
	db *database.DB,
	checker *health.Checker,
	coordinator *calendar.Coordinator,
	registry *settings.Registry,
	clk clock.Clock,
	logger *slog.Logger,
) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
		db:       db,
		checker:  checker,
		calendar: coordinator,
		settings: registry,
		clock:    clk,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (w *Watchdog) Start() {
	w.logger.Info("Starting watchdog", "interval", w.interval)
	go w.loop()
}

// Stop cancels the sweep loop.
func (w *Watchdog) Stop() {
	w.logger.Info("Stopping watchdog")
	w.cancel()
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once at startup so health state exists before the first tick.
	w.Tick(w.ctx)

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Info("Watchdog loop stopped")
			return
		case <-ticker.C:
			w.Tick(w.ctx)
		}
	}
}

// Tick runs one maintenance sweep. Overlapping calls coalesce into a
// single run via singleflight.
func (w *Watchdog) Tick(ctx context.Context) {
	w.flight.Do("tick", func() (any, error) {
		w.sweep(ctx)
		return nil, nil
	})
}

// Healthy reports the latest aggregate health. Before the first sweep
// completes it reports true, since nothing is known to be broken yet.
func (w *Watchdog) Healthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport == nil || w.lastReport.Status != health.StatusUnhealthy
}

// LastReport returns the most recent health report, or nil before the
// first sweep.
func (w *Watchdog) LastReport() *health.Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Watchdog) sweep(ctx context.Context) {
	start := w.clock.Now()
	runID := uuid.NewString()

	w.mu.Lock()
	w.runs++
	runs := w.runs
	w.mu.Unlock()

	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"health_probes", w.runHealthProbes},
		{"release_expired_holds", w.releaseExpiredHolds},
		{"prune_audit_log", w.pruneAuditLog},
	}

	// Tasks run concurrently so a slow probe cannot delay hold release.
	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []string
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.runTask(ctx, task.name, task.fn); err != nil {
				failedMu.Lock()
				failed = append(failed, task.name)
				failedMu.Unlock()
				w.logger.Error("Watchdog task failed", "task", task.name, "run_id", runID, "error", err)
			}
		}()
	}
	wg.Wait()

	payload := map[string]any{
		"run_id":      runID,
		"run_count":   runs,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if len(failed) > 0 {
		payload["failed_tasks"] = failed
	}
	if _, err := w.db.Events.Append(ctx, database.EventWatchdogTick, source, payload); err != nil {
		w.logger.Error("Failed to record watchdog tick", "run_id", runID, "error", err)
	}
}

// runTask isolates a single task: a panic becomes an error.
func (w *Watchdog) runTask(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
	}()
	return fn(ctx)
}

func (w *Watchdog) runHealthProbes(ctx context.Context) error {
	report := w.checker.Run(ctx)

	w.mu.Lock()
	w.lastReport = &report
	w.mu.Unlock()

	if report.Status == health.StatusUnhealthy {
		var failing []string
		for _, result := range report.Results {
			if result.Status == health.StatusUnhealthy {
				failing = append(failing, result.Name)
			}
		}
		w.logger.Warn("Health check failed", "failing_probes", failing)
		if _, err := w.db.Events.Append(ctx, database.EventHealthCheckFail, source, map[string]any{
			"failing_probes": failing,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) releaseExpiredHolds(ctx context.Context) error {
	released, err := w.calendar.ReleaseExpiredHolds(ctx)
	if err != nil {
		return err
	}
	if released == 0 {
		return nil
	}

	w.logger.Info("Released expired calendar holds", "count", released)
	_, err = w.db.Events.Append(ctx, database.EventHoldsReleased, source, map[string]any{
		"count": released,
	})
	return err
}

func (w *Watchdog) pruneAuditLog(ctx context.Context) error {
	retentionDays := int(w.settings.GetNumber(ctx, settings.KeyAuditRetentionDays, 90))
	if retentionDays <= 0 {
		return nil
	}

	cutoff := w.clock.Now().AddDate(0, 0, -retentionDays)
	pruned, err := w.db.Events.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		w.logger.Info("Pruned audit events", "count", pruned, "cutoff", cutoff)
	}
	return nil
}
