package store

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

// GormStore persists the queue in MySQL through GORM, for deployments where
// the host application already keeps its local cache there. Transitions run
// in row-locked transactions to get the same single-writer guarantee the
// sqlite backend gets from its lone connection.
type GormStore struct {
	db *gorm.DB
}

// operationRow mirrors models.SyncOperation with explicit column names so
// GORM's timestamp conventions stay out of the queue's bookkeeping.
type operationRow struct {
	ID            string `gorm:"column:id;primaryKey"`
	OperationType string `gorm:"column:operation_type"`
	ModelName     string `gorm:"column:model_name;index:idx_sync_operations_record"`
	RecordID      string `gorm:"column:record_id;index:idx_sync_operations_record"`
	Data          string `gorm:"column:data;type:text"`
	Priority      int    `gorm:"column:priority"`
	RetryCount    int    `gorm:"column:retry_count"`
	Status        string `gorm:"column:status;index"`
	LastError     string `gorm:"column:last_error"`
	NextRetryMS   int64  `gorm:"column:next_retry_at"`
	CreatedMS     int64  `gorm:"column:created_at"`
	UpdatedMS     int64  `gorm:"column:updated_at"`
}

func (operationRow) TableName() string { return "sync_operations" }

type conflictRow struct {
	ID              string `gorm:"column:id;primaryKey"`
	OperationID     string `gorm:"column:operation_id"`
	ModelName       string `gorm:"column:model_name"`
	RecordID        string `gorm:"column:record_id"`
	LocalTimestamp  int64  `gorm:"column:local_timestamp"`
	RemoteTimestamp int64  `gorm:"column:remote_timestamp"`
	Resolution      string `gorm:"column:resolution"`
	DetectedMS      int64  `gorm:"column:detected_at;index"`
}

func (conflictRow) TableName() string { return "conflict_log" }

// OpenGorm connects to MySQL and migrates the queue tables.
func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "open mysql", err)
	}

	if err := db.AutoMigrate(&operationRow{}, &conflictRow{}); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "migrate schema", err)
	}
	return &GormStore{db: db}, nil
}

func toRow(op *models.SyncOperation) (*operationRow, error) {
	data, err := encodeData(op)
	if err != nil {
		return nil, err
	}
	return &operationRow{
		ID:            op.ID.String(),
		OperationType: op.Type,
		ModelName:     op.Model,
		RecordID:      op.RecordID,
		Data:          data,
		Priority:      op.Priority,
		RetryCount:    op.RetryCount,
		Status:        op.Status,
		LastError:     op.LastError,
		NextRetryMS:   op.NextRetryAt,
		CreatedMS:     op.CreatedAt,
		UpdatedMS:     op.UpdatedAt,
	}, nil
}

func fromRow(row *operationRow) (*models.SyncOperation, error) {
	op := &models.SyncOperation{
		ID:          models.UUID(row.ID),
		Type:        row.OperationType,
		Model:       row.ModelName,
		RecordID:    row.RecordID,
		Priority:    row.Priority,
		RetryCount:  row.RetryCount,
		Status:      row.Status,
		LastError:   row.LastError,
		NextRetryAt: row.NextRetryMS,
		CreatedAt:   row.CreatedMS,
		UpdatedAt:   row.UpdatedMS,
	}
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &op.Data); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "decode operation data", err)
		}
	}
	return op, nil
}

// Put inserts a new operation.
func (s *GormStore) Put(ctx context.Context, op *models.SyncOperation) error {
	row, err := toRow(op)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(errors.ErrStorage, "insert operation", err)
	}
	return nil
}

// Get returns the operation with the given id.
func (s *GormStore) Get(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	var row operationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "query operation", err)
	}
	return fromRow(&row)
}

// Update applies fn inside a transaction with the row locked for update.
func (s *GormStore) Update(ctx context.Context, id models.UUID, fn func(*models.SyncOperation) error) (*models.SyncOperation, error) {
	var updated *models.SyncOperation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row operationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", id.String()).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.New(errors.ErrNotFound, "operation "+id.String())
		}
		if err != nil {
			return errors.Wrap(errors.ErrStorage, "query operation", err)
		}

		op, err := fromRow(&row)
		if err != nil {
			return err
		}
		if err := fn(op); err != nil {
			return err
		}
		op.ID = id // id is immutable

		next, err := toRow(op)
		if err != nil {
			return err
		}
		// Save writes every column; Updates would skip zero values and
		// drop legitimate transitions like a retry count reset.
		if err := tx.Save(next).Error; err != nil {
			return errors.Wrap(errors.ErrStorage, "update operation", err)
		}
		updated = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the operation with the given id.
func (s *GormStore) Delete(ctx context.Context, id models.UUID) error {
	res := s.db.WithContext(ctx).Delete(&operationRow{}, "id = ?", id.String())
	if res.Error != nil {
		return errors.Wrap(errors.ErrStorage, "delete operation", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	return nil
}

// List returns all stored operations.
func (s *GormStore) List(ctx context.Context) ([]*models.SyncOperation, error) {
	var rows []operationRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list operations", err)
	}

	out := make([]*models.SyncOperation, 0, len(rows))
	for i := range rows {
		op, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// PutConflict appends a conflict resolution record.
func (s *GormStore) PutConflict(ctx context.Context, c *models.ConflictLog) error {
	row := &conflictRow{
		ID:              c.ID.String(),
		OperationID:     c.OperationID.String(),
		ModelName:       c.Model,
		RecordID:        c.RecordID,
		LocalTimestamp:  c.LocalTimestamp,
		RemoteTimestamp: c.RemoteTimestamp,
		Resolution:      c.Resolution,
		DetectedMS:      c.DetectedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(errors.ErrStorage, "insert conflict record", err)
	}
	return nil
}

// Conflicts returns up to limit conflict records, newest first.
func (s *GormStore) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	q := s.db.WithContext(ctx).Order("detected_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []conflictRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list conflicts", err)
	}

	out := make([]*models.ConflictLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.ConflictLog{
			ID:              models.UUID(row.ID),
			OperationID:     models.UUID(row.OperationID),
			Model:           row.ModelName,
			RecordID:        row.RecordID,
			LocalTimestamp:  row.LocalTimestamp,
			RemoteTimestamp: row.RemoteTimestamp,
			Resolution:      row.Resolution,
			DetectedAt:      row.DetectedMS,
		})
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
