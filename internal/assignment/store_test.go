package assignment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/officeflow/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func newTestSQLite(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "assignment.db"), ttl)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleMemory() model.AssignmentMemory {
	return model.AssignmentMemory{
		LastSelectedNodeID: 12,
		LastAssignee: []model.Assignee{
			{Type: model.AssigneeOrg, Org: &model.Org{ID: 3, Name: "Finance"}},
			{Type: model.AssigneeUser, User: &model.User{ID: 9, FullName: "Lan Pham"}},
		},
		LastAssigneeName: "Finance, Lan Pham",
	}
}

// Every Store implementation must pass the same contract.
func TestStoreContract(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore(0) },
		"redis": func(t *testing.T) Store {
			_, client := newTestRedis(t)
			return NewRedisStore(client, time.Hour)
		},
		"sqlite": func(t *testing.T) Store { return newTestSQLite(t, time.Hour) },
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			ctx := context.Background()
			key := StorageKey("t1:u1")

			mem, found, err := store.Load(ctx, key)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if found {
				t.Error("found = true, want false")
			}
			if mem.LastAssignee == nil || len(mem.LastAssignee) != 0 {
				t.Errorf("empty memory assignees = %v, want empty non-nil", mem.LastAssignee)
			}

			if err := store.Save(ctx, key, sampleMemory()); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			mem, found, err = store.Load(ctx, key)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !found {
				t.Fatal("found = false, want true")
			}
			if mem.LastSelectedNodeID != 12 || len(mem.LastAssignee) != 2 || mem.LastAssigneeName != "Finance, Lan Pham" {
				t.Errorf("memory = %+v", mem)
			}
			if mem.LastAssignee[1].User == nil || mem.LastAssignee[1].User.FullName != "Lan Pham" {
				t.Errorf("user assignee = %+v", mem.LastAssignee[1])
			}

			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("second Delete() error = %v", err)
			}
			if _, found, _ := store.Load(ctx, key); found {
				t.Error("found after delete")
			}
			if err := store.HealthCheck(ctx); err != nil {
				t.Errorf("HealthCheck() error = %v", err)
			}
		})
	}
}

func TestStorageKey(t *testing.T) {
	if got := StorageKey("t1:u1"); got != "officeflow:assignment:t1:u1" {
		t.Errorf("StorageKey() = %q", got)
	}
}

func TestMemoryStore_expiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "k", sampleMemory()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	now = now.Add(2 * time.Minute)

	if _, found, _ := store.Load(ctx, "k"); found {
		t.Error("expired entry should not be found")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestMemoryStore_evictKeepsNewerSave(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Save(ctx, "k", sampleMemory())
	now = now.Add(2 * time.Minute)

	// A Save between the expired read and the eviction wins.
	fresh := sampleMemory()
	fresh.LastSelectedNodeID = 99
	store.Save(ctx, "k", fresh)
	store.evict("k")

	mem, found, _ := store.Load(ctx, "k")
	if !found || mem.LastSelectedNodeID != 99 {
		t.Errorf("Load() = %+v, %v; want the newer save", mem, found)
	}
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	store.Save(ctx, "k", sampleMemory())

	mem, _, _ := store.Load(ctx, "k")
	mem.LastAssignee[0].Org.Name = "mutated"

	again, _, _ := store.Load(ctx, "k")
	if again.LastAssignee[0].Org.Name != "Finance" {
		t.Errorf("stored memory was mutated: %q", again.LastAssignee[0].Org.Name)
	}
}

func TestRedisStore_ttl(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, 30*time.Minute)
	ctx := context.Background()
	key := StorageKey("u1")

	if err := store.Save(ctx, key, sampleMemory()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ttl := mr.TTL(key); ttl != 30*time.Minute {
		t.Errorf("TTL = %v, want 30m", ttl)
	}

	mr.FastForward(31 * time.Minute)
	if _, found, _ := store.Load(ctx, key); found {
		t.Error("key should have expired")
	}
}

func TestRedisStore_unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, time.Minute)
	mr.Close()

	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail when redis is down")
	}
	if _, _, err := store.Load(context.Background(), "k"); err == nil {
		t.Error("Load() should fail when redis is down")
	}
}

func TestSQLiteStore_expiry(t *testing.T) {
	store := newTestSQLite(t, time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, "k", sampleMemory()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	now = now.Add(2 * time.Minute)

	if _, found, err := store.Load(ctx, "k"); err != nil || found {
		t.Errorf("Load() = found %v, err %v; want expired", found, err)
	}
}

func TestSQLiteStore_persistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignment.db")
	ctx := context.Background()

	first, err := OpenSQLiteStore(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	if err := first.Save(ctx, "k", sampleMemory()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first.Close()

	second, err := OpenSQLiteStore(path, 0)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	defer second.Close()

	mem, found, err := second.Load(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}
	if mem.LastSelectedNodeID != 12 {
		t.Errorf("LastSelectedNodeID = %d, want 12", mem.LastSelectedNodeID)
	}
}
