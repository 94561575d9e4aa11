package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "localhost", cfg.ServerHost)
	assert.Equal(t, "./praxismail.db", cfg.DBPath)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.WatchdogInterval)
	assert.Equal(t, 10, cfg.MaxEmailsPerBatch)
	assert.Equal(t, "praxis", cfg.CalendarID)
	assert.Equal(t, 14, cfg.SlotLookaheadDays)
	assert.False(t, cfg.ClassifierEnabled)
	assert.Equal(t, "Praxis", cfg.PracticeName)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_PATH", "/data/praxis.db")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("MAX_EMAILS_PER_BATCH", "25")
	t.Setenv("CLASSIFIER_ENABLED", "true")
	t.Setenv("CLASSIFIER_URL", "http://ollama:11434")
	t.Setenv("PRACTICE_NAME", "Praxis Dr. Weber")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "/data/praxis.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.MaxEmailsPerBatch)
	assert.True(t, cfg.ClassifierEnabled)
	assert.Equal(t, "http://ollama:11434", cfg.ClassifierURL)
	assert.Equal(t, "Praxis Dr. Weber", cfg.PracticeName)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}

func TestLoadBatchSizeBounds(t *testing.T) {
	t.Setenv("MAX_EMAILS_PER_BATCH", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("MAX_EMAILS_PER_BATCH", "101")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadInvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLoadUnparsableValueFallsBack(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("MAX_EMAILS_PER_BATCH", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxEmailsPerBatch)
}

func TestAddress(t *testing.T) {
	cfg := &Config{ServerHost: "0.0.0.0", ServerPort: "8080"}
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestSlotLookahead(t *testing.T) {
	cfg := &Config{SlotLookaheadDays: 7}
	assert.Equal(t, 7*24*time.Hour, cfg.SlotLookahead())
}

func TestRequiredKeys(t *testing.T) {
	cfg := &Config{DBPath: "./praxismail.db", PracticeName: "Praxis"}
	required := cfg.RequiredKeys()
	assert.Len(t, required, 2)

	cfg.ClassifierEnabled = true
	cfg.ClassifierURL = "http://localhost:11434"
	cfg.ClassifierModel = "llama3.2"
	required = cfg.RequiredKeys()
	assert.Len(t, required, 4)
	assert.Equal(t, "http://localhost:11434", required["CLASSIFIER_URL"])
}
