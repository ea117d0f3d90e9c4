package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite keeps all keys in a single table of an embedded database file.
type SQLite struct {
	db       *sql.DB
	pageSize int
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, pageSize int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY away.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, pageSize: pageSizeOrDefault(pageSize)}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get returns the value stored at key.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get: %w", err)
	}
	return v, nil
}

// Put stores value at key.
func (s *SQLite) Put(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// List returns one page of keys starting with prefix in key order.
func (s *SQLite) List(ctx context.Context, prefix, cursor string) (Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv
		WHERE substr(key, 1, ?) = ? AND key > ?
		ORDER BY key
		LIMIT ?
	`, len(prefix), prefix, cursor, s.pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return Page{}, fmt.Errorf("sqlite scan: %w", err)
		}
		page.Keys = append(page.Keys, k)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("sqlite rows: %w", err)
	}

	if len(page.Keys) > s.pageSize {
		page.Keys = page.Keys[:s.pageSize]
		page.Next = page.Keys[len(page.Keys)-1]
	}
	return page, nil
}
