package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal returns true once no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid returns true if the status is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// RUNNING may revert to PENDING when dispatch fails or the assigned node dies.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusPending
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// Job is a unit of inference work tied to one capability.
type Job struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	NodeID     string          `json:"node_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Cost       decimal.Decimal `json:"cost"`
	// Attempts counts how many times the job has been assigned to a node.
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
