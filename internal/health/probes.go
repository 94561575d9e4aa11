// Package health provides read-only probes over the system's
// dependencies and an aggregate report. Warnings never fail overall
// health; only an unhealthy probe does.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"praxismail/internal/database"
)

// Probe statuses.
const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusUnhealthy = "unhealthy"
)

// Result is a single probe outcome.
type Result struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
}

// Probe is a read-only health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) Result
}

// Report is the aggregate of all probe results. Unhealthy iff any
// probe is unhealthy.
type Report struct {
	Status    string    `json:"status"`
	Results   []Result  `json:"results"`
	CheckedAt time.Time `json:"checked_at"`
}

// DefaultProbeTimeout bounds each probe.
const DefaultProbeTimeout = 5 * time.Second

// Checker runs a set of probes.
type Checker struct {
	probes  []Probe
	timeout time.Duration
}

// NewChecker creates a checker over the given probes.
func NewChecker(probes ...Probe) *Checker {
	return &Checker{probes: probes, timeout: DefaultProbeTimeout}
}

// Run executes every probe and aggregates the report.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{Status: StatusHealthy, CheckedAt: time.Now().UTC()}

	for _, probe := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result := probe.Check(probeCtx)
		cancel()

		result.Name = probe.Name()
		report.Results = append(report.Results, result)
		if result.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

// StorePingProbe checks database connectivity and schema presence.
type StorePingProbe struct {
	db *database.DB
}

func NewStorePingProbe(db *database.DB) *StorePingProbe {
	return &StorePingProbe{db: db}
}

func (p *StorePingProbe) Name() string { return "store_ping" }

func (p *StorePingProbe) Check(ctx context.Context) Result {
	start := time.Now()

	var one int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("store ping failed: %v", err), Duration: time.Since(start)}
	}

	var tables int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('emails', 'events', 'calendar_slots', 'drafts', 'settings')",
	).Scan(&tables)
	if err != nil {
		return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("schema check failed: %v", err), Duration: time.Since(start)}
	}
	if tables < 5 {
		return Result{
			Status:   StatusUnhealthy,
			Message:  "core tables missing",
			Details:  map[string]any{"tables_found": tables},
			Duration: time.Since(start),
		}
	}

	return Result{Status: StatusHealthy, Message: "store reachable", Duration: time.Since(start)}
}

// FilesystemProbe verifies the data directory is writable by creating,
// reading and deleting a probe file beside the store.
type FilesystemProbe struct {
	dir string
}

func NewFilesystemProbe(dbPath string) *FilesystemProbe {
	return &FilesystemProbe{dir: filepath.Dir(dbPath)}
}

func (p *FilesystemProbe) Name() string { return "filesystem" }

func (p *FilesystemProbe) Check(ctx context.Context) Result {
	start := time.Now()

	probePath := filepath.Join(p.dir, ".healthprobe-"+uuid.NewString())
	payload := []byte("probe")

	if err := os.WriteFile(probePath, payload, 0o644); err != nil {
		return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("write failed: %v", err), Duration: time.Since(start)}
	}
	read, err := os.ReadFile(probePath)
	if err != nil {
		os.Remove(probePath)
		return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("read failed: %v", err), Duration: time.Since(start)}
	}
	if string(read) != string(payload) {
		os.Remove(probePath)
		return Result{Status: StatusUnhealthy, Message: "probe file corrupted", Duration: time.Since(start)}
	}
	if err := os.Remove(probePath); err != nil {
		return Result{Status: StatusUnhealthy, Message: fmt.Sprintf("delete failed: %v", err), Duration: time.Since(start)}
	}

	return Result{Status: StatusHealthy, Message: "data directory writable", Duration: time.Since(start)}
}

// EnvProbe checks that the environment carries every key the enabled
// features require.
type EnvProbe struct {
	required map[string]string
}

// NewEnvProbe takes a map of required key -> current value; empty
// values are reported missing.
func NewEnvProbe(required map[string]string) *EnvProbe {
	return &EnvProbe{required: required}
}

func (p *EnvProbe) Name() string { return "environment" }

func (p *EnvProbe) Check(ctx context.Context) Result {
	start := time.Now()

	var missing []string
	for key, value := range p.required {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Result{
			Status:   StatusUnhealthy,
			Message:  "required configuration missing",
			Details:  map[string]any{"missing": missing},
			Duration: time.Since(start),
		}
	}
	return Result{Status: StatusHealthy, Message: "configuration complete", Duration: time.Since(start)}
}

// Pinger is the reachability surface of the classifier client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClassifierProbe checks classifier reachability. A timeout or refusal
// degrades to warning, not unhealthy: the assistant can still escalate
// everything to a human without AI.
type ClassifierProbe struct {
	pinger Pinger
}

func NewClassifierProbe(pinger Pinger) *ClassifierProbe {
	return &ClassifierProbe{pinger: pinger}
}

func (p *ClassifierProbe) Name() string { return "classifier" }

func (p *ClassifierProbe) Check(ctx context.Context) Result {
	start := time.Now()

	if p.pinger == nil {
		return Result{Status: StatusWarning, Message: "classifier not configured", Duration: time.Since(start)}
	}
	if err := p.pinger.Ping(ctx); err != nil {
		return Result{Status: StatusWarning, Message: fmt.Sprintf("classifier unreachable: %v", err), Duration: time.Since(start)}
	}
	return Result{Status: StatusHealthy, Message: "classifier reachable", Duration: time.Since(start)}
}
