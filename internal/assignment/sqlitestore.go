package assignment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/officeflow/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assignment_memory (
	key        TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER
)`

// SQLiteStore is a file-backed Store for single-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a private in-memory database.
func OpenSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	dsn := "file:" + path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps in-memory databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create assignment_memory table: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Load returns the memory stored under key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (model.AssignmentMemory, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM assignment_memory WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)",
		key, s.now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EmptyAssignmentMemory(), false, nil
	}
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("query assignment memory: %w", err)
	}

	mem, err := decode([]byte(data))
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("unmarshal assignment memory: %w", err)
	}
	return mem, true, nil
}

// Save upserts the memory stored under key.
func (s *SQLiteStore) Save(ctx context.Context, key string, mem model.AssignmentMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("marshal assignment memory: %w", err)
	}

	now := s.now()
	var expiresAt sql.NullInt64
	if s.ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(s.ttl).UnixMilli(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO assignment_memory (key, data, updated_at, expires_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, expires_at = excluded.expires_at",
		key, string(data), now.UnixMilli(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert assignment memory: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM assignment_memory WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete assignment memory: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
