// Package models provides data model definitions for the CareGo sync core.
package models

// AppliedRecord is the gateway's description of a successfully persisted
// mutation: the authoritative record identity and version after the write.
type AppliedRecord struct {
	RecordID  string         `json:"record_id"`
	Version   int64          `json:"version"`
	UpdatedAt int64          `json:"updated_at"` // unix milliseconds, server clock
	Data      map[string]any `json:"data,omitempty"`
}
