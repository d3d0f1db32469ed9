package store

import (
	"context"
	"sync"

	"github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// MemoryStore keeps operations in process memory. It implements the same
// single-writer semantics as the durable backends and exists for tests and
// ephemeral runs; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	ops       map[models.UUID]*models.SyncOperation
	conflicts []*models.ConflictLog
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{ops: make(map[models.UUID]*models.SyncOperation)}
}

func cloneOp(op *models.SyncOperation) *models.SyncOperation {
	cp := *op
	cp.Data = op.CloneData()
	return &cp
}

// Put inserts a new operation.
func (s *MemoryStore) Put(_ context.Context, op *models.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ops[op.ID]; exists {
		return errors.New(errors.ErrStorage, "duplicate operation id "+op.ID.String())
	}
	s.ops[op.ID] = cloneOp(op)
	return nil
}

// Get returns the operation with the given id.
func (s *MemoryStore) Get(_ context.Context, id models.UUID) (*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	return cloneOp(op), nil
}

// Update applies fn to the stored operation under the write lock.
func (s *MemoryStore) Update(_ context.Context, id models.UUID, fn func(*models.SyncOperation) error) (*models.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.ops[id]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}

	next := cloneOp(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID // id is immutable
	s.ops[id] = next
	return cloneOp(next), nil
}

// Delete removes the operation with the given id.
func (s *MemoryStore) Delete(_ context.Context, id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[id]; !ok {
		return errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	delete(s.ops, id)
	return nil
}

// List returns all stored operations.
func (s *MemoryStore) List(_ context.Context) ([]*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.SyncOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, cloneOp(op))
	}
	return out, nil
}

// PutConflict appends a conflict resolution record.
func (s *MemoryStore) PutConflict(_ context.Context, c *models.ConflictLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.conflicts = append(s.conflicts, &cp)
	return nil
}

// Conflicts returns up to limit conflict records, newest first.
func (s *MemoryStore) Conflicts(_ context.Context, limit int) ([]*models.ConflictLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.conflicts)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*models.ConflictLog, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.conflicts[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error {
	return nil
}
