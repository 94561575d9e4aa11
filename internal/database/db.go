// Copyright 2025 Praxismail
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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DBTX is the subset of database/sql operations shared by *sql.DB and
// *sql.Tx. Stores are written against it so the same store code runs
// both standalone and inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the sql.DB connection and provides access to stores
type DB struct {
	*sql.DB
	path string

	Emails   *EmailStore
	Events   *EventStore
	Slots    *SlotStore
	Drafts   *DraftStore
	Settings *SettingStore
}

// Tx exposes the same stores bound to a single transaction.
type Tx struct {
	Emails   *EmailStore
	Events   *EventStore
	Slots    *SlotStore
	Drafts   *DraftStore
	Settings *SettingStore
}

// Open opens the database, applies durability pragmas, runs pending
// migrations and initializes the stores. The parent directory is created
// if it does not exist.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite is a single-writer store; one connection avoids lock churn
	// between the pipeline workers and the watchdog.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -65536", // 64 MB
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	database := &DB{
		DB:       db,
		path:     dbPath,
		Emails:   NewEmailStore(db),
		Events:   NewEventStore(db),
		Slots:    NewSlotStore(db),
		Drafts:   NewDraftStore(db),
		Settings: NewSettingStore(db),
	}

	// Run migrations
	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn inside a transaction. Any error (or panic) from fn
// rolls the transaction back and is returned to the caller.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	tx := &Tx{
		Emails:   NewEmailStore(sqlTx),
		Events:   NewEventStore(sqlTx),
		Slots:    NewSlotStore(sqlTx),
		Drafts:   NewDraftStore(sqlTx),
		Settings: NewSettingStore(sqlTx),
	}

	if err = fn(tx); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsHealthy checks if the database connection is healthy
func (db *DB) IsHealthy() error {
	return db.Ping()
}
