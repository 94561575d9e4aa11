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
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"praxismail/internal/calendar"
	"praxismail/internal/classify"
	"praxismail/internal/clock"
	"praxismail/internal/database"
	"praxismail/internal/decide"
	"praxismail/internal/health"
	"praxismail/internal/mail"
	"praxismail/internal/pipeline"
	"praxismail/internal/server"
	"praxismail/internal/settings"
	"praxismail/internal/template"
	"praxismail/internal/watchdog"
)

var serveCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"serve"},
	Short:   "Run the email assistant service",
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("Starting praxismail service",
		"version", Version,
		"build_date", BuildDate,
		"db_path", cfg.DBPath,
		"classifier_enabled", cfg.ClassifierEnabled)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	logger.Info("Database initialized", "path", cfg.DBPath)

	registry := settings.NewRegistry(db.Settings)
	if err := registry.InitializeDefaults(context.Background()); err != nil {
		logger.Error("Failed to seed default settings", "error", err)
		return fmt.Errorf("failed to seed default settings: %w", err)
	}

	clk := clock.System{}
	coordinator := calendar.NewCoordinator(db, clk, logger)
	decider := decide.NewDecider(db, registry, logger)
	renderer := template.NewRenderer()
	sender := mail.NewIdempotentSender(mail.NewLogSender(logger))

	var classifier classify.Classifier
	var pinger health.Pinger
	if cfg.ClassifierEnabled {
		httpClassifier := classify.NewHTTPClassifier(classify.HTTPConfig{
			BaseURL:    cfg.ClassifierURL,
			Model:      cfg.ClassifierModel,
			Timeout:    cfg.ClassifierTimeout,
			RetryCount: uint64(cfg.ClassifierRetryCount),
		})
		classifier = httpClassifier
		pinger = httpClassifier
		logger.Info("Classifier enabled", "url", cfg.ClassifierURL, "model", cfg.ClassifierModel)
	} else {
		// Without a classifier nothing can be understood, so every
		// email escalates to a human.
		classifier = classify.Func(func(ctx context.Context, text string) (classify.Result, error) {
			return classify.Result{Class: classify.ClassUnclear, Confidence: 0}, nil
		})
		logger.Info("Classifier disabled, all emails will be escalated")
	}

	checker := health.NewChecker(
		health.NewStorePingProbe(db),
		health.NewFilesystemProbe(cfg.DBPath),
		health.NewEnvProbe(cfg.RequiredKeys()),
		health.NewClassifierProbe(pinger),
	)

	wd := watchdog.New(cfg.WatchdogInterval, db, checker, coordinator, registry, clk, logger)
	wd.Start()
	defer wd.Stop()

	runner := pipeline.NewRunner(
		&pipeline.Config{
			PollInterval:      cfg.PollInterval,
			MaxEmailsPerBatch: cfg.MaxEmailsPerBatch,
			CalendarID:        cfg.CalendarID,
			SlotLookahead:     cfg.SlotLookahead(),
			Practice: template.Settings{
				PracticeName:  cfg.PracticeName,
				PracticePhone: cfg.PracticePhone,
				OpeningHours:  cfg.OpeningHours,
			},
		},
		db, classifier, decider, renderer, sender, coordinator, registry, clk, wd, logger,
	)
	runner.Start()
	defer runner.Stop()

	api := server.New(db, decider, registry, wd, logger)
	srv := &http.Server{
		Addr:    cfg.Address(),
		Handler: api.Router(),

		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	// Block until SIGINT/SIGTERM, then drain the HTTP server. The
	// deferred stops shut down the pipeline and watchdog afterwards, so
	// intake stops before the store closes.
	server.NewSignalHandler(srv, 30*time.Second, logger).WaitForShutdown()

	return nil
}
