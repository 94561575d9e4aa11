// Copyright 2024 Praxismail
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"praxismail/internal/config"
)

const (
	// Version information
	Version   = "1.0.0"
	BuildDate = "development"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "praxismail",
	Short: "Email assistant service for medical practices",
	Long: `Praxismail v1.0.0

DESCRIPTION:
    Ingests patient emails, classifies them, and either auto-replies
    with a drafted answer or escalates them to the practice team. A
    conservative guard policy decides which emails may ever be answered
    automatically; everything uncertain goes to a human.

CONFIGURATION:
    Configuration is done via environment variables, .env files, or a
    praxismail.{yaml,toml,json} config file:

    SERVER_HOST / SERVER_PORT   - HTTP API bind address (default: localhost:8080)
    DB_PATH                     - SQLite database path (default: ./praxismail.db)
    POLL_INTERVAL               - Pipeline tick cadence (default: 1m)
    WATCHDOG_INTERVAL           - Maintenance sweep cadence (default: 1m)
    MAX_EMAILS_PER_BATCH        - Emails processed per tick (default: 10)
    CALENDAR_ID                 - Calendar used for appointment slots (default: praxis)
    SLOT_LOOKAHEAD_DAYS         - How far ahead to offer slots (default: 14)
    CLASSIFIER_ENABLED          - Enable the external classifier (default: false)
    CLASSIFIER_URL              - Classifier endpoint (default: http://localhost:11434)
    CLASSIFIER_MODEL            - Classifier model name (default: llama3.2)
    PRACTICE_NAME               - Practice name used in replies
    PRACTICE_PHONE              - Practice phone used in replies
    OPENING_HOURS               - Opening hours shown in the signature
    LOG_LEVEL                   - debug, info, warn, error (default: info)

EXAMPLES:
    # Run the service with defaults
    praxismail dev

    # With a custom configuration file
    praxismail dev --config=praxismail.yaml

    # One-shot health check (exit 0 healthy, 1 warning, 2 unhealthy)
    praxismail health`,
	Version: Version,
	RunE:    runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	fang.Execute(context.Background(), rootCmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is praxismail.{yaml,toml,json} or .env)")
}

// loadConfiguration loads configuration from files and environment variables
func loadConfiguration() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		if strings.HasSuffix(configFile, ".env") {
			// The env loader handles .env files itself.
			cfg, err = config.Load()
		} else {
			cfg, err = config.LoadViperWithFile(configFile)
		}
	} else {
		cfg, err = config.LoadViper()
		if err != nil {
			cfg, err = config.Load()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// newLogger builds the process logger: human-readable text on a
// terminal, JSON otherwise.
func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
