// Package shardstore is the durable local state of one limiter shard: a
// small key/value namespace plus two append-only record logs, backed by an
// embedded sqlite database that survives hibernation.
package shardstore

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"

	ierr "github.com/flexprice/usagegate/internal/errors"
	_ "modernc.org/sqlite"
)

// Store owns one shard's sqlite database. SQLite works best with a single
// writer, so the pool is pinned to one connection; serialization above it is
// the shard mailbox's job.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or reopens the shard database at
// {dataDir}/{region}/{customerID}.db and applies outstanding migrations.
func Open(dataDir, region, customerID string) (*Store, error) {
	dir := filepath.Join(dataDir, region)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to create shard data directory").
			Mark(ierr.ErrShardStore)
	}

	path := filepath.Join(dir, customerID+".db")
	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to open shard database").
			Mark(ierr.ErrShardStore)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrations are applied in order; each entry runs at most once per shard.
// A migration that refuses to apply leaves the shard unusable, which is the
// only fatal condition in the system.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entitlement_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		feature_slug TEXT NOT NULL,
		usage TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		idempotence_key TEXT NOT NULL,
		request_id TEXT NOT NULL,
		feature_plan_version_id TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		subscription_phase_id TEXT NOT NULL DEFAULT '',
		subscription_item_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS verifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entitlement_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		feature_slug TEXT NOT NULL,
		request_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		success INTEGER NOT NULL,
		latency TEXT NOT NULL,
		denied_reason TEXT NOT NULL DEFAULT '',
		feature_plan_version_id TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		subscription_phase_id TEXT NOT NULL DEFAULT '',
		subscription_item_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_feature ON usage_records(feature_slug, id)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_feature ON verifications(feature_slug, id)`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to create migrations table").
			Mark(ierr.ErrShardStore)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to read migration state").
			Mark(ierr.ErrShardStore)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return ierr.WithError(err).
				WithHintf("Schema migration %d refused to apply", i+1).
				Mark(ierr.ErrShardStore)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, i+1); err != nil {
			_ = tx.Rollback()
			return ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
		if err := tx.Commit(); err != nil {
			return ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
	}
	return nil
}

// Path returns the database file path, used by tests and diagnostics.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- key/value namespace ---

func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, ierr.WithError(err).
			WithHint("Failed to read shard key").
			Mark(ierr.ErrShardStore)
	}
	return value, true, nil
}

func (s *Store) PutKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to write shard key").
			Mark(ierr.ErrShardStore)
	}
	return nil
}

func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to delete shard key").
			Mark(ierr.ErrShardStore)
	}
	return nil
}

// ListKV returns every key/value pair whose key starts with prefix.
func (s *Store) ListKV(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff")
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list shard keys").
			Mark(ierr.ErrShardStore)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrShardStore)
	}
	return result, nil
}

// WipeKV deletes every key in the namespace. Used by shard reset after the
// record logs have been verified empty.
func (s *Store) WipeKV(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to wipe shard keys").
			Mark(ierr.ErrShardStore)
	}
	return nil
}
