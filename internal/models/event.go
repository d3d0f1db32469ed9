// Package models provides data model definitions for the CareGo sync core.
package models

// Event kinds broadcast to queue and status subscribers.
const (
	EventEnqueued         = "queue.enqueued"
	EventUpdated          = "queue.updated"
	EventRemoved          = "queue.removed"
	EventFlushStarted     = "flush.started"
	EventFlushCompleted   = "flush.completed"
	EventNetworkChanged   = "network.changed"
	EventConflictResolved = "conflict.resolved"

	// Sent once to each websocket client on connect, carrying current
	// queue counts.
	EventSnapshot = "status.snapshot"
)

// QueueCounts summarizes queue occupancy by status.
type QueueCounts struct {
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	FailedRetryable int `json:"failed_retryable"`
	FailedTerminal  int `json:"failed_terminal"`
}

// PendingTotal is the user-visible pending indicator: operations awaiting a
// successful send, including retryable failures waiting out their backoff.
func (c QueueCounts) PendingTotal() int {
	return c.Pending + c.FailedRetryable
}

// Total returns the number of operations currently held by the queue.
func (c QueueCounts) Total() int {
	return c.Pending + c.InFlight + c.FailedRetryable + c.FailedTerminal
}

// QueueEvent describes one change to the queue or engine state. Operation is
// set for per-operation events, Report for flush completion.
type QueueEvent struct {
	Kind      string         `json:"kind"`
	Operation *SyncOperation `json:"operation,omitempty"`
	Report    *FlushReport   `json:"report,omitempty"`
	Counts    QueueCounts    `json:"counts"`
	At        int64          `json:"at"` // unix milliseconds
}
