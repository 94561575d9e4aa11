package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praxismail/internal/database"
)

type staticProbe struct {
	name   string
	status string
}

func (p staticProbe) Name() string                      { return p.name }
func (p staticProbe) Check(ctx context.Context) Result { return Result{Status: p.status} }

func TestCheckerAggregation(t *testing.T) {
	checker := NewChecker(
		staticProbe{name: "a", status: StatusHealthy},
		staticProbe{name: "b", status: StatusWarning},
	)

	report := checker.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status, "warnings alone do not fail health")
	require.Len(t, report.Results, 2)
	assert.Equal(t, "a", report.Results[0].Name)
	assert.Equal(t, "b", report.Results[1].Name)
}

func TestCheckerUnhealthyProbeFailsReport(t *testing.T) {
	checker := NewChecker(
		staticProbe{name: "a", status: StatusHealthy},
		staticProbe{name: "b", status: StatusUnhealthy},
		staticProbe{name: "c", status: StatusHealthy},
	)

	report := checker.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Results, 3, "remaining probes still run")
}

func TestStorePingProbe(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	result := NewStorePingProbe(db).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestStorePingProbeClosedStore(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	db.Close()

	result := NewStorePingProbe(db).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestFilesystemProbe(t *testing.T) {
	dir := t.TempDir()

	result := NewFilesystemProbe(filepath.Join(dir, "praxismail.db")).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestFilesystemProbeMissingDir(t *testing.T) {
	result := NewFilesystemProbe("/nonexistent-praxismail-dir/praxismail.db").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestEnvProbe(t *testing.T) {
	healthy := NewEnvProbe(map[string]string{
		"DB_PATH":       "./praxismail.db",
		"PRACTICE_NAME": "Praxis Dr. Weber",
	}).Check(context.Background())
	assert.Equal(t, StatusHealthy, healthy.Status)

	broken := NewEnvProbe(map[string]string{
		"DB_PATH":       "./praxismail.db",
		"PRACTICE_NAME": "",
	}).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, broken.Status)
	assert.Contains(t, broken.Details["missing"], "PRACTICE_NAME")
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestClassifierProbeDegradesToWarning(t *testing.T) {
	down := NewClassifierProbe(fakePinger{err: errors.New("connection refused")}).Check(context.Background())
	assert.Equal(t, StatusWarning, down.Status, "an unreachable classifier must not fail health")

	up := NewClassifierProbe(fakePinger{}).Check(context.Background())
	assert.Equal(t, StatusHealthy, up.Status)

	unconfigured := NewClassifierProbe(nil).Check(context.Background())
	assert.Equal(t, StatusWarning, unconfigured.Status)
}
