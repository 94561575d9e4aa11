package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerPort string
	ServerHost string

	// Database configuration
	DBPath string

	// Processing intervals
	PollInterval     time.Duration
	WatchdogInterval time.Duration

	// Pipeline configuration
	MaxEmailsPerBatch int
	CalendarID        string
	SlotLookaheadDays int

	// Classifier (AI) configuration
	ClassifierEnabled    bool
	ClassifierURL        string
	ClassifierModel      string
	ClassifierTimeout    time.Duration
	ClassifierRetryCount int

	// Practice identity used in outgoing replies
	PracticeName  string
	PracticePhone string
	OpeningHours  string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables with defaults.
// If a .env file exists, it will be loaded first.
func Load() (*Config, error) {
	loadEnvFile(".env")
	config := &Config{
		// Server defaults
		ServerPort: getEnvOrDefault("SERVER_PORT", "8080"),
		ServerHost: getEnvOrDefault("SERVER_HOST", "localhost"),

		// Database defaults
		DBPath: getEnvOrDefault("DB_PATH", "./praxismail.db"),

		// Interval defaults
		PollInterval:     getEnvDurationOrDefault("POLL_INTERVAL", "1m"),
		WatchdogInterval: getEnvDurationOrDefault("WATCHDOG_INTERVAL", "1m"),

		// Pipeline defaults
		MaxEmailsPerBatch: getEnvIntOrDefault("MAX_EMAILS_PER_BATCH", 10),
		CalendarID:        getEnvOrDefault("CALENDAR_ID", "praxis"),
		SlotLookaheadDays: getEnvIntOrDefault("SLOT_LOOKAHEAD_DAYS", 14),

		// Classifier configuration (optional)
		ClassifierEnabled:    getEnvBoolOrDefault("CLASSIFIER_ENABLED", false),
		ClassifierURL:        getEnvOrDefault("CLASSIFIER_URL", "http://localhost:11434"),
		ClassifierModel:      getEnvOrDefault("CLASSIFIER_MODEL", "llama3.2"),
		ClassifierTimeout:    getEnvDurationOrDefault("CLASSIFIER_TIMEOUT", "120s"),
		ClassifierRetryCount: getEnvIntOrDefault("CLASSIFIER_RETRY_COUNT", 2),

		// Practice identity
		PracticeName:  getEnvOrDefault("PRACTICE_NAME", "Praxis"),
		PracticePhone: os.Getenv("PRACTICE_PHONE"),
		OpeningHours:  getEnvOrDefault("OPENING_HOURS", "Mo-Fr 08:00-18:00"),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if _, err := strconv.Atoi(c.ServerPort); err != nil {
		return fmt.Errorf("invalid server port: %s", c.ServerPort)
	}

	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}

	if c.MaxEmailsPerBatch < 1 || c.MaxEmailsPerBatch > 100 {
		return fmt.Errorf("max emails per batch must be between 1 and 100")
	}
	if c.SlotLookaheadDays < 1 {
		return fmt.Errorf("slot lookahead days must be positive")
	}

	if c.ClassifierEnabled {
		if c.ClassifierURL == "" {
			return fmt.Errorf("classifier URL cannot be empty when classifier is enabled")
		}
		if c.ClassifierTimeout <= 0 {
			return fmt.Errorf("classifier timeout must be positive")
		}
		if c.ClassifierRetryCount < 0 {
			return fmt.Errorf("classifier retry count must be non-negative")
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	isValidLogLevel := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			isValidLogLevel = true
			break
		}
	}
	if !isValidLogLevel {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// Address returns the full server address
func (c *Config) Address() string {
	return c.ServerHost + ":" + c.ServerPort
}

// SlotLookahead returns the calendar search window as a duration.
func (c *Config) SlotLookahead() time.Duration {
	return time.Duration(c.SlotLookaheadDays) * 24 * time.Hour
}

// RequiredKeys returns the configuration values the environment probe
// verifies. Only keys required by enabled features are included.
func (c *Config) RequiredKeys() map[string]string {
	required := map[string]string{
		"DB_PATH":       c.DBPath,
		"PRACTICE_NAME": c.PracticeName,
	}
	if c.ClassifierEnabled {
		required["CLASSIFIER_URL"] = c.ClassifierURL
		required["CLASSIFIER_MODEL"] = c.ClassifierModel
	}
	return required
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDurationOrDefault returns environment variable as duration or default
func getEnvDurationOrDefault(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	duration, err := time.ParseDuration(defaultValue)
	if err != nil {
		return time.Minute
	}
	return duration
}

// getEnvBoolOrDefault returns environment variable as boolean or default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns environment variable as integer or default
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// loadEnvFile loads environment variables from a .env file if it exists
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		// .env file doesn't exist or can't be opened, which is fine
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}

		// Only set if not already set in environment
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
