package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/officeflow/model"
)

// RedisStore is a Redis-backed Store. Keys expire after the session
// lifetime so memories do not outlive the login they belong to.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Load returns the memory stored under key.
func (s *RedisStore) Load(ctx context.Context, key string) (model.AssignmentMemory, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EmptyAssignmentMemory(), false, nil
	}
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("redis get %q: %w", key, err)
	}
	mem, err := decode(raw)
	if err != nil {
		return model.EmptyAssignmentMemory(), false, fmt.Errorf("decode %q: %w", key, err)
	}
	return mem, true, nil
}

// Save replaces the memory stored under key and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, key string, mem model.AssignmentMemory) error {
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("marshal assignment memory: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// decode unmarshals a stored document, tolerating a null assignee list.
func decode(raw []byte) (model.AssignmentMemory, error) {
	var mem model.AssignmentMemory
	if err := json.Unmarshal(raw, &mem); err != nil {
		return model.EmptyAssignmentMemory(), err
	}
	if mem.LastAssignee == nil {
		mem.LastAssignee = []model.Assignee{}
	}
	return mem, nil
}
