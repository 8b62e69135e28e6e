package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/officeflow/model"
)

// IdempotencyStore de-duplicates repeated submissions of the same form.
// Keys have the form "officeflow:idem:{subject}:{key}".
type IdempotencyStore interface {
	// Check looks up a previous outcome by key. If the key exists and the
	// fingerprint matches, it returns the stored outcome. If the key exists
	// but the fingerprint differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, fp Fingerprint) (outcome *Outcome, found bool, err error)

	// Store saves an outcome keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, fp Fingerprint, outcome Outcome, ttl time.Duration) error
}

// Fingerprint identifies a submit request by the session it submits and
// the digest of that session's payload. Input is empty when the session is
// gone because an earlier submission with the key completed it.
type Fingerprint struct {
	Session string `json:"session"`
	Input   string `json:"input"`
}

// Matches reports whether fp identifies the same request as stored.
func (fp Fingerprint) Matches(stored Fingerprint) bool {
	if fp.Session != stored.Session {
		return false
	}
	return fp.Input == "" || fp.Input == stored.Input
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Outcome     Outcome     `json:"outcome"`
}

// FormatIdempotencyKey builds the store key of a client-supplied key.
func FormatIdempotencyKey(subject, key string) string {
	return fmt.Sprintf("officeflow:idem:%s:%s", subject, key)
}

type payloadDigest struct {
	Payload model.SubmissionPayload `json:"payload"`
	Files   []fileDigest            `json:"files"`
}

type fileDigest struct {
	Slot   string `json:"slot"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// HashRequest fingerprints the submission of payload from the session
// stored under sessionKey. Field values, staged files, node, assignees and
// comment all contribute.
func HashRequest(sessionKey string, p model.SubmissionPayload) (Fingerprint, error) {
	d := payloadDigest{Payload: p, Files: make([]fileDigest, 0, len(p.Files))}
	for _, f := range p.Files {
		sum := sha256.Sum256(f.Data)
		d.Files = append(d.Files, fileDigest{
			Slot:   f.Slot,
			Name:   f.FileName,
			Size:   f.Size(),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("hash submission payload: %w", err)
	}
	sum := sha256.Sum256(append([]byte(sessionKey+"\x00"), raw...))
	return Fingerprint{Session: sessionKey, Input: hex.EncodeToString(sum[:])}, nil
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a stored outcome.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, fp Fingerprint) (*Outcome, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && s.now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	if !fp.Matches(entry.data.Fingerprint) {
		return nil, true, conflict(key)
	}

	outcome := entry.data.Outcome
	return &outcome, true, nil
}

// Store saves an outcome with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, fp Fingerprint, outcome Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{Fingerprint: fp, Outcome: outcome},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a stored outcome in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, fp Fingerprint) (*Outcome, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if !fp.Matches(entry.Fingerprint) {
		return nil, true, conflict(key)
	}
	return &entry.Outcome, true, nil
}

// Store saves an outcome in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, fp Fingerprint, outcome Outcome, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{Fingerprint: fp, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
