package assignment

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/model"
)

// lockStripes bounds the number of mutexes guarding read-modify-write
// cycles on stored memories.
const lockStripes = 64

// Service hands out per-subject Memory handles over a shared Store.
type Service struct {
	store  Store
	logger *zap.Logger
	locks  [lockStripes]sync.Mutex
}

// NewService creates a Service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}
}

// For returns the memory of subject.
func (s *Service) For(subject string) *Memory {
	return &Memory{svc: s, key: StorageKey(subject)}
}

// HealthCheck verifies the underlying store.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

func (s *Service) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Memory is the assignment memory of one subject.
type Memory struct {
	svc *Service
	key string
}

// Key returns the storage key.
func (m *Memory) Key() string {
	return m.key
}

// Get returns the current memory; an unknown subject has the empty memory.
func (m *Memory) Get(ctx context.Context) (model.AssignmentMemory, error) {
	mem, _, err := m.svc.store.Load(ctx, m.key)
	return mem, err
}

// SetLastSelectedNodeID remembers the node picked on the last transfer.
func (m *Memory) SetLastSelectedNodeID(ctx context.Context, nodeID int64) (model.AssignmentMemory, error) {
	return m.update(ctx, func(mem *model.AssignmentMemory) {
		mem.LastSelectedNodeID = nodeID
	})
}

// SetLastAssignee remembers the assignees picked on the last transfer. A
// nil name derives the display name from the list.
func (m *Memory) SetLastAssignee(ctx context.Context, list []model.Assignee, name *string) (model.AssignmentMemory, error) {
	return m.update(ctx, func(mem *model.AssignmentMemory) {
		mem.LastAssignee = model.CloneAssignees(list)
		if name != nil {
			mem.LastAssigneeName = *name
		} else {
			mem.LastAssigneeName = model.DeriveAssigneeName(list)
		}
	})
}

// RememberTransfer stores the node and assignees of a completed transfer in
// one write, deriving the display name from the list.
func (m *Memory) RememberTransfer(ctx context.Context, nodeID int64, list []model.Assignee) (model.AssignmentMemory, error) {
	return m.update(ctx, func(mem *model.AssignmentMemory) {
		mem.LastSelectedNodeID = nodeID
		mem.LastAssignee = model.CloneAssignees(list)
		mem.LastAssigneeName = model.DeriveAssigneeName(list)
	})
}

// ClearLastAssignee resets the memory to its initial state. Clearing an
// already empty memory succeeds.
func (m *Memory) ClearLastAssignee(ctx context.Context) error {
	mu := m.svc.lock(m.key)
	mu.Lock()
	defer mu.Unlock()

	if err := m.svc.store.Delete(ctx, m.key); err != nil {
		m.svc.logger.Error("failed to clear assignment memory",
			zap.String("key", m.key),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (m *Memory) update(ctx context.Context, fn func(*model.AssignmentMemory)) (model.AssignmentMemory, error) {
	mu := m.svc.lock(m.key)
	mu.Lock()
	defer mu.Unlock()

	mem, _, err := m.svc.store.Load(ctx, m.key)
	if err != nil {
		m.svc.logger.Error("failed to load assignment memory",
			zap.String("key", m.key),
			zap.Error(err),
		)
		return model.EmptyAssignmentMemory(), err
	}
	fn(&mem)
	if err := m.svc.store.Save(ctx, m.key, mem); err != nil {
		m.svc.logger.Error("failed to save assignment memory",
			zap.String("key", m.key),
			zap.Error(err),
		)
		return model.EmptyAssignmentMemory(), err
	}
	return mem.Clone(), nil
}
