// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

// TestUUID_Value verifies the Value() method returns the raw string.
func TestUUID_Value(t *testing.T) {
	id := UUID("123e4567-e89b-42d3-a456-426614174000")

	val, err := id.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	if val != "123e4567-e89b-42d3-a456-426614174000" {
		t.Errorf("Value() = %v, want '123e4567-e89b-42d3-a456-426614174000'", val)
	}
}

// TestUUID_Scan verifies nil, string, []byte, and invalid type handling.
func TestUUID_Scan(t *testing.T) {
	var id UUID

	if err := id.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error = %v", err)
	}
	if id != "" {
		t.Errorf("Scan(nil) = %q, want empty string", id)
	}

	if err := id.Scan("abc-def"); err != nil {
		t.Fatalf("Scan(string) error = %v", err)
	}
	if id != "abc-def" {
		t.Errorf("Scan(string) = %q, want 'abc-def'", id)
	}

	if err := id.Scan([]byte("byte-id")); err != nil {
		t.Fatalf("Scan([]byte) error = %v", err)
	}
	if id != "byte-id" {
		t.Errorf("Scan([]byte) = %q, want 'byte-id'", id)
	}

	if err := id.Scan(12345); err == nil {
		t.Error("Scan(int) should return error")
	}
}

// =====================================================
// SyncOperation Tests
// =====================================================

// TestSyncOperation_GroupKey verifies the record grouping key.
func TestSyncOperation_GroupKey(t *testing.T) {
	op := &SyncOperation{Model: "Message", RecordID: "m1"}

	if got := op.GroupKey(); got != "Message/m1" {
		t.Errorf("GroupKey() = %q, want 'Message/m1'", got)
	}
}

// TestSyncOperation_Dispatchable verifies dispatch eligibility per status.
func TestSyncOperation_Dispatchable(t *testing.T) {
	now := time.Now().UnixMilli()

	tests := []struct {
		name string
		op   SyncOperation
		want bool
	}{
		{"pending", SyncOperation{Status: StatusPending}, true},
		{"in_flight", SyncOperation{Status: StatusInFlight}, false},
		{"terminal", SyncOperation{Status: StatusFailedTerminal}, false},
		{"retryable backoff expired", SyncOperation{Status: StatusFailedRetryable, NextRetryAt: now - 1000}, true},
		{"retryable backoff pending", SyncOperation{Status: StatusFailedRetryable, NextRetryAt: now + 60000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op.Dispatchable(now); got != tt.want {
				t.Errorf("Dispatchable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSyncOperation_Unsettled verifies the pending-indicator statuses.
func TestSyncOperation_Unsettled(t *testing.T) {
	unsettled := []string{StatusPending, StatusFailedRetryable}
	settled := []string{StatusInFlight, StatusFailedTerminal}

	for _, s := range unsettled {
		op := SyncOperation{Status: s}
		if !op.Unsettled() {
			t.Errorf("Unsettled() for %s = false, want true", s)
		}
	}
	for _, s := range settled {
		op := SyncOperation{Status: s}
		if op.Unsettled() {
			t.Errorf("Unsettled() for %s = true, want false", s)
		}
	}
}

// TestSyncOperation_CloneData verifies the clone is independent.
func TestSyncOperation_CloneData(t *testing.T) {
	op := &SyncOperation{Data: map[string]any{"title": "nap time", "duration": 45}}

	clone := op.CloneData()
	clone["title"] = "changed"

	if op.Data["title"] != "nap time" {
		t.Error("CloneData() mutation leaked into original payload")
	}

	var nilOp SyncOperation
	if nilOp.CloneData() != nil {
		t.Error("CloneData() on nil payload should return nil")
	}
}

// TestValidType verifies operation type validation.
func TestValidType(t *testing.T) {
	for _, valid := range []string{OpCreate, OpUpdate, OpDelete} {
		if !ValidType(valid) {
			t.Errorf("ValidType(%q) = false, want true", valid)
		}
	}
	if ValidType("upsert") {
		t.Error("ValidType('upsert') = true, want false")
	}
}

// =====================================================
// QueueCounts Tests
// =====================================================

// TestQueueCounts_PendingTotal verifies the user-visible pending indicator.
func TestQueueCounts_PendingTotal(t *testing.T) {
	c := QueueCounts{Pending: 3, InFlight: 1, FailedRetryable: 2, FailedTerminal: 4}

	if got := c.PendingTotal(); got != 5 {
		t.Errorf("PendingTotal() = %d, want 5", got)
	}

	if got := c.Total(); got != 10 {
		t.Errorf("Total() = %d, want 10", got)
	}
}

// =====================================================
// FlushReport Tests
// =====================================================

// TestFlushReport_Empty verifies empty and attempted accounting.
func TestFlushReport_Empty(t *testing.T) {
	var r FlushReport
	if !r.Empty() {
		t.Error("zero report should be Empty()")
	}

	r.Succeeded = append(r.Succeeded, UUID("op-1"))
	r.RetryableFailures = append(r.RetryableFailures, FlushFailure{OperationID: "op-2"})

	if r.Empty() {
		t.Error("report with outcomes should not be Empty()")
	}
	if got := r.Attempted(); got != 2 {
		t.Errorf("Attempted() = %d, want 2", got)
	}

	skipped := FlushReport{Skipped: 1}
	if skipped.Empty() {
		t.Error("report with skipped operations should not be Empty()")
	}
}
