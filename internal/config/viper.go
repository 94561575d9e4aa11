package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LoadWithViper loads configuration using a Viper instance: defaults,
// then an optional praxismail.{yaml,toml,json} config file, then
// PRAXISMAIL_* environment variables.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	setupEnvBinding(v)

	if err := loadConfigFile(v); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	config := &Config{}
	if err := unmarshalConfig(v, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadViper loads configuration using a fresh Viper instance.
func LoadViper() (*Config, error) {
	return LoadWithViper(viper.New())
}

// LoadViperWithFile loads configuration from a specific file.
func LoadViperWithFile(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	return LoadWithViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "localhost")

	v.SetDefault("database.path", "./praxismail.db")

	v.SetDefault("pipeline.poll_interval", "1m")
	v.SetDefault("pipeline.max_emails_per_batch", 10)
	v.SetDefault("pipeline.calendar_id", "praxis")
	v.SetDefault("pipeline.slot_lookahead_days", 14)

	v.SetDefault("watchdog.interval", "1m")

	v.SetDefault("classifier.enabled", false)
	v.SetDefault("classifier.url", "http://localhost:11434")
	v.SetDefault("classifier.model", "llama3.2")
	v.SetDefault("classifier.timeout", "120s")
	v.SetDefault("classifier.retry_count", 2)

	v.SetDefault("practice.name", "Praxis")
	v.SetDefault("practice.phone", "")
	v.SetDefault("practice.opening_hours", "Mo-Fr 08:00-18:00")

	v.SetDefault("log.level", "info")
}

func setupEnvBinding(v *viper.Viper) {
	v.SetEnvPrefix("PRAXISMAIL")
	v.AutomaticEnv()

	envBindings := map[string]string{
		"server.port":   "SERVER_PORT",
		"server.host":   "SERVER_HOST",
		"database.path": "DB_PATH",

		"pipeline.poll_interval":        "POLL_INTERVAL",
		"pipeline.max_emails_per_batch": "MAX_EMAILS_PER_BATCH",
		"pipeline.calendar_id":          "CALENDAR_ID",
		"pipeline.slot_lookahead_days":  "SLOT_LOOKAHEAD_DAYS",

		"watchdog.interval": "WATCHDOG_INTERVAL",

		"classifier.enabled":     "CLASSIFIER_ENABLED",
		"classifier.url":         "CLASSIFIER_URL",
		"classifier.model":       "CLASSIFIER_MODEL",
		"classifier.timeout":     "CLASSIFIER_TIMEOUT",
		"classifier.retry_count": "CLASSIFIER_RETRY_COUNT",

		"practice.name":          "PRACTICE_NAME",
		"practice.phone":         "PRACTICE_PHONE",
		"practice.opening_hours": "OPENING_HOURS",

		"log.level": "LOG_LEVEL",
	}

	for configKey, envVar := range envBindings {
		v.BindEnv(configKey, envVar)
	}
}

// loadConfigFile reads an optional config file from the usual places.
func loadConfigFile(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.praxismail")
		v.SetConfigName("praxismail")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return err
		}
	}

	return nil
}

func unmarshalConfig(v *viper.Viper, config *Config) error {
	config.ServerPort = v.GetString("server.port")
	config.ServerHost = v.GetString("server.host")
	config.DBPath = v.GetString("database.path")

	var err error
	config.PollInterval, err = time.ParseDuration(v.GetString("pipeline.poll_interval"))
	if err != nil {
		return fmt.Errorf("invalid poll interval: %w", err)
	}
	config.MaxEmailsPerBatch = v.GetInt("pipeline.max_emails_per_batch")
	config.CalendarID = v.GetString("pipeline.calendar_id")
	config.SlotLookaheadDays = v.GetInt("pipeline.slot_lookahead_days")

	config.WatchdogInterval, err = time.ParseDuration(v.GetString("watchdog.interval"))
	if err != nil {
		return fmt.Errorf("invalid watchdog interval: %w", err)
	}

	config.ClassifierEnabled = v.GetBool("classifier.enabled")
	config.ClassifierURL = v.GetString("classifier.url")
	config.ClassifierModel = v.GetString("classifier.model")
	config.ClassifierTimeout, err = time.ParseDuration(v.GetString("classifier.timeout"))
	if err != nil {
		return fmt.Errorf("invalid classifier timeout: %w", err)
	}
	config.ClassifierRetryCount = v.GetInt("classifier.retry_count")

	config.PracticeName = v.GetString("practice.name")
	config.PracticePhone = v.GetString("practice.phone")
	config.OpeningHours = v.GetString("practice.opening_hours")

	config.LogLevel = v.GetString("log.level")

	return nil
}
