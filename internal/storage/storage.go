// Package storage provides the pipeline's durable state: cursor,
// processed-event dedup set, intents, results, safety state, audit log,
// and baseline snapshots, all backed by a single embedded SQLite file.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/watchedcopy/copytrader/pkg/logging"
)

// SchemaVersion is the current schema generation. A mismatch against the
// stored value forces HALT (§4.1/§7 SCHEMA_VERSION_MISMATCH).
const SchemaVersion = "4"

// Storage is the sole shared mutable resource in the pipeline (§5). All
// writes go through its API and commit atomically per logical operation.
type Storage struct {
	db *sql.DB
	mu sync.RWMutex
	log *logging.Logger
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if absent) the SQLite-backed store at
// <DataDir>/copytrader.db and initializes its schema.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "copytrader.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:  db,
		log: logging.GetDefault().Component("storage"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for components (such as
// a future operator CLI) that need to compose additional queries.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- Dedup gate: presence of a row means the event has already been
	-- admitted. TTL cleanup permitted via created_at_ms.
	CREATE TABLE IF NOT EXISTS processed_txs (
		tx_hash TEXT NOT NULL,
		event_index INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		is_replay INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (tx_hash, event_index, symbol)
	);

	CREATE INDEX IF NOT EXISTS idx_processed_created ON processed_txs(created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_processed_ts ON processed_txs(timestamp_ms);

	-- Order intents, keyed by correlation_id, immutable after first write
	-- except for client_order_id backfill.
	CREATE TABLE IF NOT EXISTS order_intents (
		correlation_id TEXT PRIMARY KEY,
		intent_payload TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	-- Order results, 1:1 with intents.
	CREATE TABLE IF NOT EXISTS order_results (
		correlation_id TEXT PRIMARY KEY,
		exchange_order_id TEXT,
		status TEXT NOT NULL,
		filled_qty REAL NOT NULL DEFAULT 0,
		avg_price REAL,
		error_code TEXT,
		error_message TEXT,
		contract_version TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_status ON order_results(status);
	CREATE INDEX IF NOT EXISTS idx_results_updated ON order_results(updated_at_ms);

	-- Singleton key/value system state: cursor, safety mode, config hash,
	-- schema/contract versions, adapter liveness, etc.
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at_ms INTEGER NOT NULL
	);

	-- Append-only audit trail for safety/execution/baseline transitions.
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		category TEXT NOT NULL,
		entity_id TEXT,
		from_state TEXT,
		to_state TEXT,
		reason_code TEXT,
		reason_message TEXT,
		event_id TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_log(category);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp_ms);

	-- Operator-installed reference snapshots; at most one active=1.
	CREATE TABLE IF NOT EXISTS baseline_snapshots (
		baseline_id TEXT PRIMARY KEY,
		created_at_ms INTEGER NOT NULL,
		operator TEXT,
		reason_message TEXT,
		active INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_baseline_active ON baseline_snapshots(active);

	CREATE TABLE IF NOT EXISTS baseline_positions (
		baseline_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		qty REAL NOT NULL,
		PRIMARY KEY (baseline_id, symbol),
		FOREIGN KEY (baseline_id) REFERENCES baseline_snapshots(baseline_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
