// Package models provides data model definitions for the CareGo sync core.
package models

// FlushFailure describes one operation that failed during a flush pass.
type FlushFailure struct {
	OperationID UUID   `json:"operation_id"`
	Model       string `json:"model_name"`
	RecordID    string `json:"record_id"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// FlushReport summarizes a single flush pass. A pass that found nothing to
// send returns an empty report; a partial failure lists every outcome so
// callers can notify the user without re-reading the queue.
type FlushReport struct {
	StartedAt         int64          `json:"started_at"` // unix milliseconds
	DurationMS        int64          `json:"duration_ms"`
	Succeeded         []UUID         `json:"succeeded"`
	RetryableFailures []FlushFailure `json:"retryable_failures"`
	TerminalFailures  []FlushFailure `json:"terminal_failures"`
	ConflictsResolved int            `json:"conflicts_resolved"`
	Skipped           int            `json:"skipped"` // dispatchable later: backoff not yet expired
}

// Empty reports whether the pass attempted nothing and skipped nothing.
func (r *FlushReport) Empty() bool {
	return r.Attempted() == 0 && r.Skipped == 0
}

// Attempted returns the number of operations sent to the gateway.
func (r *FlushReport) Attempted() int {
	return len(r.Succeeded) + len(r.RetryableFailures) + len(r.TerminalFailures)
}
