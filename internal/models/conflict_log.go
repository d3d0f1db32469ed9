// Package models provides data model definitions for the CareGo sync core.
package models

import "time"

// Conflict resolutions.
const (
	ResolutionLastWriteWins = "last_write_wins"
	ResolutionFieldMerge    = "field_merge"
	ResolutionRejected      = "rejected"
)

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	OperationID     UUID   `db:"operation_id" json:"operation_id"`
	Model           string `db:"model_name" json:"model_name"`
	RecordID        string `db:"record_id" json:"record_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`   // unix milliseconds
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"` // unix milliseconds
	Resolution      string `db:"resolution" json:"resolution"`             // last_write_wins, field_merge, rejected
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
