// Package store provides durable persistence for queued sync operations.
//
// The queue is the sole writer of its own persisted representation; every
// implementation serializes mutations so enqueue and flush bookkeeping never
// interleave mid-write. Backends: sqlite (default, survives restart), memory
// (tests and ephemeral runs), redis, and mysql via GORM.
package store

import (
	"context"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// Store is the persistence boundary for sync operations and conflict
// records. Get and Update report ErrNotFound for unknown ids; everything
// else that goes wrong is an ErrStorage.
type Store interface {
	// Put inserts a new operation. Operation ids are never reused, so a
	// duplicate insert is a storage error, not an upsert.
	Put(ctx context.Context, op *models.SyncOperation) error

	// Get returns the operation with the given id.
	Get(ctx context.Context, id models.UUID) (*models.SyncOperation, error)

	// Update applies fn to the stored operation atomically and persists
	// the result. fn runs under the store's write lock; if it returns an
	// error the stored operation is left untouched.
	Update(ctx context.Context, id models.UUID, fn func(*models.SyncOperation) error) (*models.SyncOperation, error)

	// Delete removes the operation with the given id. Deleting an unknown
	// id reports ErrNotFound.
	Delete(ctx context.Context, id models.UUID) error

	// List returns all stored operations in no particular order.
	List(ctx context.Context) ([]*models.SyncOperation, error)

	// PutConflict appends a conflict resolution record.
	PutConflict(ctx context.Context, c *models.ConflictLog) error

	// Conflicts returns up to limit conflict records, newest first.
	Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)

	Close() error
}

// Open constructs the store selected by the configuration.
func Open(cfg *config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return OpenRedis(cfg.Redis)
	case "mysql":
		return OpenGorm(cfg.MySQLDSN)
	default:
		return nil, errors.New(errors.ErrConfig, "unknown store driver: "+cfg.Driver)
	}
}
