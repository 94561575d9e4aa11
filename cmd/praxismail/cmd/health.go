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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"praxismail/internal/classify"
	"praxismail/internal/database"
	"praxismail/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run health probes once and report the result",
	Long: `Runs the store, filesystem, environment and classifier probes
once and prints the aggregate report as JSON.

Exit codes: 0 healthy (warnings included), 1 unhealthy, 2 the probe run
itself failed.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	report, err := collectHealthReport()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	if code := healthExitCode(*report); code != 0 {
		os.Exit(code)
	}
	return nil
}

func collectHealthReport() (*health.Report, error) {
	cfg, err := loadConfiguration()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var pinger health.Pinger
	if cfg.ClassifierEnabled {
		pinger = classify.NewHTTPClassifier(classify.HTTPConfig{
			BaseURL: cfg.ClassifierURL,
			Model:   cfg.ClassifierModel,
			Timeout: cfg.ClassifierTimeout,
		})
	}

	checker := health.NewChecker(
		health.NewStorePingProbe(db),
		health.NewFilesystemProbe(cfg.DBPath),
		health.NewEnvProbe(cfg.RequiredKeys()),
		health.NewClassifierProbe(pinger),
	)

	report := checker.Run(context.Background())
	return &report, nil
}

// healthExitCode maps the aggregate report to the CLI exit code.
// Warnings do not fail the check.
func healthExitCode(report health.Report) int {
	if report.Status == health.StatusUnhealthy {
		return 1
	}
	return 0
}
