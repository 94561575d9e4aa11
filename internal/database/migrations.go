package database

import (
	"embed"
	"fmt"
	"sort"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate applies all pending migration files in lexical order inside a
// single transaction and records each in the migrations ledger. A file
// already present in the ledger is never re-run.
func (db *DB) migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			filename TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations ledger: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		var applied int
		if err := tx.QueryRow("SELECT COUNT(*) FROM migrations WHERE filename = ?", name).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration ledger for %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		script, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := tx.Exec(string(script)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// AppliedMigrations returns the ledger contents in application order.
func (db *DB) AppliedMigrations() ([]string, error) {
	rows, err := db.Query("SELECT filename FROM migrations ORDER BY filename")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations ledger: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
