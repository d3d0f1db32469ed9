// Package conflict tests for conflict resolution policy.
package conflict

import (
	"testing"
	"time"

	"github.com/caregohq/carego-sync/internal/config"
	"github.com/caregohq/carego-sync/internal/models"
)

func modeAll(mode string) func(string) string {
	return func(string) string { return mode }
}

func makeConflictOp() *models.SyncOperation {
	return &models.SyncOperation{
		ID:        "op-1",
		Type:      models.OpUpdate,
		Model:     "Observation",
		RecordID:  "o1",
		Data:      map[string]any{"note": "slept well", "duration": 45},
		CreatedAt: 1000,
	}
}

// TestResolve_disjointFieldsMerge verifies disjoint server changes are
// preserved field-by-field and recorded as a merge.
func TestResolve_disjointFieldsMerge(t *testing.T) {
	r := NewResolver(modeAll(config.ModeLastWriteWins))

	server := &ServerState{
		Version:       7,
		UpdatedAt:     2000,
		Data:          map[string]any{"note": "initial", "duration": 30, "mood": "happy"},
		ChangedFields: []string{"mood"},
	}

	res, err := r.Resolve(makeConflictOp(), server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Action != ActionApply {
		t.Fatalf("Action = %q, want apply", res.Action)
	}
	if !res.Merged {
		t.Error("disjoint fields should be reported as merged")
	}
	if res.BaseVersion != 7 {
		t.Errorf("BaseVersion = %d, want 7", res.BaseVersion)
	}

	// Client fields win; the server's disjoint change survives.
	if res.Data["note"] != "slept well" {
		t.Errorf("merged note = %v, want client value", res.Data["note"])
	}
	if res.Data["duration"] != 45 {
		t.Errorf("merged duration = %v, want client value 45", res.Data["duration"])
	}
	if res.Data["mood"] != "happy" {
		t.Errorf("merged mood = %v, want server value preserved", res.Data["mood"])
	}

	if res.Log == nil {
		t.Fatal("Resolve() should produce a conflict log entry")
	}
	if res.Log.Resolution != models.ResolutionFieldMerge {
		t.Errorf("log resolution = %q, want field_merge", res.Log.Resolution)
	}
	if res.Log.LocalTimestamp != 1000 || res.Log.RemoteTimestamp != 2000 {
		t.Errorf("log timestamps = %d/%d, want 1000/2000",
			res.Log.LocalTimestamp, res.Log.RemoteTimestamp)
	}
}

// TestResolve_overlappingFieldsLastWriteWins verifies the client's value
// wins for every field the client touched.
func TestResolve_overlappingFieldsLastWriteWins(t *testing.T) {
	r := NewResolver(modeAll(config.ModeLastWriteWins))

	server := &ServerState{
		Version:       3,
		UpdatedAt:     2000,
		Data:          map[string]any{"note": "server edit", "mood": "calm"},
		ChangedFields: []string{"note"},
	}

	res, err := r.Resolve(makeConflictOp(), server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Action != ActionApply {
		t.Fatalf("Action = %q, want apply", res.Action)
	}
	if res.Merged {
		t.Error("overlapping fields should not be reported as a disjoint merge")
	}
	if res.Data["note"] != "slept well" {
		t.Errorf("note = %v, want client overwrite", res.Data["note"])
	}
	if res.Data["mood"] != "calm" {
		t.Errorf("mood = %v, want untouched server value kept", res.Data["mood"])
	}
	if res.Log.Resolution != models.ResolutionLastWriteWins {
		t.Errorf("log resolution = %q, want last_write_wins", res.Log.Resolution)
	}
}

// TestResolve_unknownChangedFields verifies that without changed-field
// information the resolver falls back to plain last-write-wins.
func TestResolve_unknownChangedFields(t *testing.T) {
	r := NewResolver(modeAll(config.ModeLastWriteWins))

	server := &ServerState{
		Version:   2,
		UpdatedAt: 2000,
		Data:      map[string]any{"mood": "happy"},
	}

	res, err := r.Resolve(makeConflictOp(), server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Merged {
		t.Error("disjointness cannot be proven without changed fields")
	}
	if res.Log.Resolution != models.ResolutionLastWriteWins {
		t.Errorf("log resolution = %q, want last_write_wins", res.Log.Resolution)
	}
}

// TestResolve_rejectMode verifies reject-on-conflict produces no payload.
func TestResolve_rejectMode(t *testing.T) {
	r := NewResolver(modeAll(config.ModeReject))

	server := &ServerState{Version: 2, UpdatedAt: 2000}
	res, err := r.Resolve(makeConflictOp(), server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if res.Action != ActionReject {
		t.Errorf("Action = %q, want reject", res.Action)
	}
	if res.Data != nil {
		t.Error("reject resolution should carry no payload")
	}
	if res.Log.Resolution != models.ResolutionRejected {
		t.Errorf("log resolution = %q, want rejected", res.Log.Resolution)
	}
}

// TestResolve_perModelMode verifies the mode function is consulted per model.
func TestResolve_perModelMode(t *testing.T) {
	r := NewResolver(func(model string) string {
		if model == "Observation" {
			return config.ModeReject
		}
		return config.ModeLastWriteWins
	})
	r.now = func() time.Time { return time.UnixMilli(5000) }

	server := &ServerState{Version: 2, UpdatedAt: 2000}

	res, err := r.Resolve(makeConflictOp(), server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Action != ActionReject {
		t.Errorf("Observation action = %q, want reject", res.Action)
	}
	if res.Log.DetectedAt != 5000 {
		t.Errorf("DetectedAt = %d, want injected clock 5000", res.Log.DetectedAt)
	}

	msg := makeConflictOp()
	msg.Model = "Message"
	res, err = r.Resolve(msg, server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Action != ActionApply {
		t.Errorf("Message action = %q, want apply", res.Action)
	}
}

// TestResolve_invalidInput verifies nil arguments are rejected.
func TestResolve_invalidInput(t *testing.T) {
	r := NewResolver(modeAll(config.ModeLastWriteWins))

	if _, err := r.Resolve(nil, &ServerState{}); !IsConflictError(err) {
		t.Errorf("Resolve(nil op) error = %v, want ConflictError", err)
	}
	if _, err := r.Resolve(makeConflictOp(), nil); !IsConflictError(err) {
		t.Errorf("Resolve(nil server) error = %v, want ConflictError", err)
	}
}
