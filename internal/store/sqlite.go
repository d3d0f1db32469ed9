package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/caregohq/carego-sync/internal/errors"
	"github.com/caregohq/carego-sync/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema (sync_operations + conflict_log)
const currentSchemaVersion = 1

// SQLiteStore persists the queue in a single SQLite database file using the
// pure-Go driver. Opened with WAL mode and a single connection: SQLite
// supports one writer at a time, and the single connection doubles as the
// store-level write lock between enqueue and flush bookkeeping.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements are cached on first use to avoid repeated
	// SQL parsing on the hot enqueue/transition paths.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// OpenSQLite creates or opens the database at path and applies pragmas and
// schema migrations. Safe to call repeatedly on the same file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "create data directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrap(errors.ErrStorage, "apply "+pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(errors.ErrStorage, "apply schema", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(errors.ErrStorage, "read user_version", err)
	}

	// Future migrations slot in here, keyed on version checks, before the
	// version stamp is advanced.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return errors.Wrap(errors.ErrStorage, "set user_version", err)
		}
	}
	return nil
}

// prepare gets or creates a cached prepared statement.
func (s *SQLiteStore) prepare(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

const opColumns = `id, operation_type, model_name, record_id, data, priority,
	retry_count, status, last_error, next_retry_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var data string

	err := row.Scan(&op.ID, &op.Type, &op.Model, &op.RecordID, &data,
		&op.Priority, &op.RetryCount, &op.Status, &op.LastError,
		&op.NextRetryAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if data != "" {
		if err := json.Unmarshal([]byte(data), &op.Data); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "decode operation data", err)
		}
	}
	return &op, nil
}

func encodeData(op *models.SyncOperation) (string, error) {
	if op.Data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(op.Data)
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "encode operation data", err)
	}
	return string(raw), nil
}

// Put inserts a new operation.
func (s *SQLiteStore) Put(ctx context.Context, op *models.SyncOperation) error {
	data, err := encodeData(op)
	if err != nil {
		return err
	}

	stmt, err := s.prepare(`INSERT INTO sync_operations (` + opColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, op.ID, op.Type, op.Model, op.RecordID,
		data, op.Priority, op.RetryCount, op.Status, op.LastError,
		op.NextRetryAt, op.CreatedAt, op.UpdatedAt); err != nil {
		return errors.Wrap(errors.ErrStorage, "insert operation", err)
	}
	return nil
}

// Get returns the operation with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id models.UUID) (*models.SyncOperation, error) {
	stmt, err := s.prepare(`SELECT ` + opColumns + ` FROM sync_operations WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	op, err := scanOperation(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return nil, appErr
		}
		return nil, errors.Wrap(errors.ErrStorage, "query operation", err)
	}
	return op, nil
}

// Update applies fn to the stored operation inside a transaction. The single
// connection serializes this against every other store call.
func (s *SQLiteStore) Update(ctx context.Context, id models.UUID, fn func(*models.SyncOperation) error) (*models.SyncOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "begin update", err)
	}
	defer tx.Rollback()

	op, err := scanOperation(tx.QueryRowContext(ctx,
		`SELECT `+opColumns+` FROM sync_operations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "query operation", err)
	}

	if err := fn(op); err != nil {
		return nil, err
	}
	op.ID = id // id is immutable

	data, err := encodeData(op)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_operations SET
		operation_type = ?, model_name = ?, record_id = ?, data = ?,
		priority = ?, retry_count = ?, status = ?, last_error = ?,
		next_retry_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		op.Type, op.Model, op.RecordID, data, op.Priority, op.RetryCount,
		op.Status, op.LastError, op.NextRetryAt, op.CreatedAt, op.UpdatedAt,
		id); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "update operation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "commit update", err)
	}
	return op, nil
}

// Delete removes the operation with the given id.
func (s *SQLiteStore) Delete(ctx context.Context, id models.UUID) error {
	stmt, err := s.prepare(`DELETE FROM sync_operations WHERE id = ?`)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "delete operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "operation "+id.String())
	}
	return nil
}

// List returns all stored operations.
func (s *SQLiteStore) List(ctx context.Context) ([]*models.SyncOperation, error) {
	stmt, err := s.prepare(`SELECT ` + opColumns + ` FROM sync_operations`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list operations", err)
	}
	defer rows.Close()

	var out []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan operation", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate operations", err)
	}
	return out, nil
}

// PutConflict appends a conflict resolution record.
func (s *SQLiteStore) PutConflict(ctx context.Context, c *models.ConflictLog) error {
	stmt, err := s.prepare(`INSERT INTO conflict_log
		(id, operation_id, model_name, record_id, local_timestamp,
		 remote_timestamp, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, c.ID, c.OperationID, c.Model,
		c.RecordID, c.LocalTimestamp, c.RemoteTimestamp, c.Resolution,
		c.DetectedAt); err != nil {
		return errors.Wrap(errors.ErrStorage, "insert conflict record", err)
	}
	return nil
}

// Conflicts returns up to limit conflict records, newest first.
func (s *SQLiteStore) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	stmt, err := s.prepare(`SELECT id, operation_id, model_name, record_id,
		local_timestamp, remote_timestamp, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC, id LIMIT ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.OperationID, &c.Model, &c.RecordID,
			&c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution,
			&c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan conflict record", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate conflicts", err)
	}
	return out, nil
}

// Close closes cached statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.stmtCache.Range(func(_, value any) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}
