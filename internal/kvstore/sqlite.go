package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a local database file. It is the fallback
// backend for deployments without a shared Redis: single-process semantics
// are acceptable there because the singleton poller lock degrades to a file
// lock in the same configuration.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the store at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS kv_sets (
		set_name TEXT NOT NULL,
		member   TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		PRIMARY KEY (set_name, member)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	if expiresAt.Valid && time.Now().Unix() >= expiresAt.Int64 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite setnx %s: %w", key, err)
	}
	defer tx.Rollback()

	// Expired rows must not block acquisition.
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// free
	case err != nil:
		return false, fmt.Errorf("sqlite setnx %s: %w", key, err)
	case expiresAt.Valid && time.Now().Unix() >= expiresAt.Int64:
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return false, fmt.Errorf("sqlite setnx %s: %w", key, err)
		}
	default:
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiry(ttl),
	); err != nil {
		return false, fmt.Errorf("sqlite setnx %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite setnx %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) SAdd(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_sets (set_name, member, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(set_name, member) DO NOTHING`,
		set, member, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite sadd %s: %w", set, err)
	}
	return nil
}

func (s *SQLite) SIsMember(ctx context.Context, set, member string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM kv_sets WHERE set_name = ? AND member = ?`, set, member,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite sismember %s: %w", set, err)
	}
	return true, nil
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).Unix()
}
