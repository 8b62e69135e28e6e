package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/officeflow/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS assignment_memory (
	key        TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPgStore creates a new PostgreSQL store. Call EnsureSchema once before
// use.
func NewPgStore(pool *pgxpool.Pool, ttl time.Duration) *PgStore {
	return &PgStore{pool: pool, ttl: ttl}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create assignment_memory table: %w", err)
	}
	return nil
}

// Load returns the memory stored under key.
func (s *PgStore) Load(ctx context.Context, key string) (model.AssignmentMemory, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM assignment_memory
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EmptyAssignmentMemory(), false, nil
	}
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("query assignment memory: %w", err)
	}

	mem, err := decode(data)
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("unmarshal assignment memory: %w", err)
	}
	return mem, true, nil
}

// Save upserts the memory stored under key.
func (s *PgStore) Save(ctx context.Context, key string, mem model.AssignmentMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("marshal assignment memory: %w", err)
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if s.ttl > 0 {
		t := now.Add(s.ttl)
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO assignment_memory (key, data, updated_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		key, data, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert assignment memory: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *PgStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM assignment_memory WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete assignment memory: %w", err)
	}
	return nil
}

// DeleteExpired removes expired rows and returns how many were removed.
func (s *PgStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assignment_memory WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired assignment memory: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
