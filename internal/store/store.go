// Package store is the embedded SQLite layer: four tables (properties,
// signals, normalization_issues, pipeline_runs) with idempotent upsert
// primitives and the read-side queries external collaborators use.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS properties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address_raw TEXT,
    address_norm TEXT UNIQUE NOT NULL,
    zip_code TEXT,
    latitude REAL,
    longitude REAL,
    property_type TEXT DEFAULT 'unknown',
    total_score REAL DEFAULT 0,
    tier TEXT DEFAULT 'C',
    first_seen TEXT NOT NULL,
    last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    property_id INTEGER NOT NULL REFERENCES properties(id),
    source TEXT NOT NULL,
    source_record_id TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    signal_weight REAL DEFAULT 0,
    detail TEXT,
    event_date TEXT,
    fetched_at TEXT NOT NULL,
    UNIQUE(source, source_record_id)
);

CREATE INDEX IF NOT EXISTS idx_signals_property ON signals(property_id);
CREATE INDEX IF NOT EXISTS idx_signals_source ON signals(source);

CREATE TABLE IF NOT EXISTS normalization_issues (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    address_raw TEXT,
    address_norm TEXT,
    source TEXT,
    latitude REAL,
    longitude REAL,
    nearest_property_id INTEGER,
    distance_meters REAL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    sources TEXT,
    properties_count INTEGER,
    signals_count INTEGER,
    status TEXT DEFAULT 'running'
);
`

// Store wraps the SQLite database handle. SQLite allows a single writer,
// so the connection pool is capped at one open connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, enables WAL and
// foreign-key enforcement, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Batch wraps a transaction covering one fetcher page.
type Batch struct {
	tx *sql.Tx
}

// Begin starts a page-level batch transaction.
func (s *Store) Begin() (*Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// Commit commits the batch.
func (b *Batch) Commit() error {
	return b.tx.Commit()
}

// Rollback aborts the batch. Safe to call after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
