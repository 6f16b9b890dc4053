// Package storage provides persistent wallet state using SQLite.
//
// Layout mirrors the engine's ownership: per (wallet, network, address type)
// derived addresses and index pointers; per (wallet, network) utxos,
// transactions, unconfirmed and boosted sets; plus activity items, channel
// orders and small settings such as UI markers. Balances are never stored.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the wallet daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// DBName is the database file name inside the data directory.
const DBName = "wallet.db"

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
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

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Derived addresses per (wallet, network, address type, branch)
	CREATE TABLE IF NOT EXISTS wallet_addresses (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		address_type TEXT NOT NULL,
		is_change INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		path TEXT NOT NULL,
		address TEXT NOT NULL,
		script_hash TEXT NOT NULL,
		public_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, network, address_type, is_change, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_addresses_script_hash
		ON wallet_addresses(wallet_id, network, script_hash);

	-- Index pointers; -1 means unset
	CREATE TABLE IF NOT EXISTS wallet_address_index (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		address_type TEXT NOT NULL,
		address_index INTEGER NOT NULL DEFAULT -1,
		change_address_index INTEGER NOT NULL DEFAULT -1,
		last_used_address_index INTEGER NOT NULL DEFAULT -1,
		last_used_change_address_index INTEGER NOT NULL DEFAULT -1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, network, address_type)
	);

	CREATE TABLE IF NOT EXISTS wallet_utxos (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		script_hash TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		tx_pos INTEGER NOT NULL,
		value INTEGER NOT NULL,
		height INTEGER NOT NULL,
		address TEXT NOT NULL,
		path TEXT NOT NULL,
		address_type TEXT NOT NULL,
		public_key TEXT NOT NULL,
		PRIMARY KEY (wallet_id, network, script_hash, tx_hash, tx_pos)
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		txid TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		value INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		height INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		confirm_timestamp INTEGER,
		address TEXT,
		vin TEXT,
		exists_on_chain INTEGER NOT NULL DEFAULT 1,
		is_transfer INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (wallet_id, network, txid)
	);

	-- Transactions below the confirmation target, with the last known height
	CREATE TABLE IF NOT EXISTS wallet_unconfirmed (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		txid TEXT NOT NULL,
		height INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, network, txid)
	);

	-- Fee bump lineage, keyed by the replaced (parent) transaction
	CREATE TABLE IF NOT EXISTS wallet_boosted (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		parent_txid TEXT NOT NULL,
		child_txid TEXT NOT NULL,
		kind TEXT NOT NULL,
		fee INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (wallet_id, network, parent_txid)
	);

	CREATE TABLE IF NOT EXISTS activity_items (
		wallet_id TEXT NOT NULL,
		network TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		value INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		address TEXT,
		message TEXT,
		timestamp INTEGER NOT NULL,
		confirmed INTEGER NOT NULL DEFAULT 0,
		exists_on_chain INTEGER NOT NULL DEFAULT 1,
		is_transfer INTEGER NOT NULL DEFAULT 0,
		status TEXT,
		data TEXT,
		PRIMARY KEY (wallet_id, network, activity_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_activity_timestamp
		ON activity_items(wallet_id, network, timestamp DESC);

	CREATE TABLE IF NOT EXISTS activity_tags (
		wallet_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (wallet_id, activity_id, tag)
	);

	CREATE TABLE IF NOT EXISTS channel_orders (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payment_state TEXT,
		data TEXT NOT NULL,
		watching INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channel_orders_state ON channel_orders(state);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE channel_orders ADD COLUMN lsp_node_id TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
