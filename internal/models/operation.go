// Package models provides data model definitions for the CareGo sync core.
package models

import "time"

// Operation types accepted by the queue.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation statuses.
const (
	StatusPending         = "pending"
	StatusInFlight        = "in_flight"
	StatusFailedRetryable = "failed_retryable"
	StatusFailedTerminal  = "failed_terminal"
)

// ValidType reports whether t is a known operation type.
func ValidType(t string) bool {
	return t == OpCreate || t == OpUpdate || t == OpDelete
}

// ValidStatus reports whether s is a known operation status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInFlight, StatusFailedRetryable, StatusFailedTerminal:
		return true
	}
	return false
}

// SyncOperation is a single deferred mutation awaiting remote application.
// The id is assigned at enqueue time and stays stable across retries; the
// server uses it as an idempotency key.
type SyncOperation struct {
	ID          UUID           `db:"id" json:"id"`
	Type        string         `db:"operation_type" json:"operation_type"` // create, update, delete
	Model       string         `db:"model_name" json:"model_name"`
	RecordID    string         `db:"record_id" json:"record_id"`
	Data        map[string]any `db:"data" json:"data"`
	Priority    int            `db:"priority" json:"priority"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	Status      string         `db:"status" json:"status"` // pending, in_flight, failed_retryable, failed_terminal
	LastError   string         `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt int64          `db:"next_retry_at" json:"next_retry_at"` // unix milliseconds
	CreatedAt   int64          `db:"created_at" json:"created_at"`       // unix milliseconds
	UpdatedAt   int64          `db:"updated_at" json:"updated_at"`       // unix milliseconds
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// GroupKey identifies the record an operation targets. Operations sharing a
// group key are dispatched sequentially to keep per-record ordering.
func (o *SyncOperation) GroupKey() string {
	return o.Model + "/" + o.RecordID
}

// Dispatchable reports whether the operation may be sent at the given time.
// Retryable failures become dispatchable again once their backoff expires.
func (o *SyncOperation) Dispatchable(now int64) bool {
	switch o.Status {
	case StatusPending:
		return true
	case StatusFailedRetryable:
		return o.NextRetryAt <= now
	default:
		return false
	}
}

// Unsettled reports whether the operation counts toward the user-visible
// pending indicator: not yet sent successfully and not terminally failed.
func (o *SyncOperation) Unsettled() bool {
	return o.Status == StatusPending || o.Status == StatusFailedRetryable
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *SyncOperation) CreatedAtTime() time.Time {
	return time.UnixMilli(o.CreatedAt)
}

// CloneData returns a shallow copy of the mutation payload so callers can
// rewrite fields without mutating the queued operation.
func (o *SyncOperation) CloneData() map[string]any {
	if o.Data == nil {
		return nil
	}
	out := make(map[string]any, len(o.Data))
	for k, v := range o.Data {
		out[k] = v
	}
	return out
}

// NewOperation is the caller-supplied input to enqueue. The queue assigns
// id, timestamps, priority, and status.
type NewOperation struct {
	Type     string         `json:"operation_type"`
	Model    string         `json:"model_name"`
	RecordID string         `json:"record_id"`
	Data     map[string]any `json:"data"`
}
