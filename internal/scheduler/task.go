package scheduler

import (
	"encoding/json"
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// normalizePriority maps absent or unknown priorities to normal.
func normalizePriority(p string) string {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p
	default:
		return PriorityNormal
	}
}

// priorityRank orders routing within one tick; lower goes first.
func priorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Task is one ephemeral unit of work brokered between fleet agents.
type Task struct {
	TaskID        string          `json:"task_id"`
	FleetID       string          `json:"fleet_id"`
	RequesterID   string          `json:"requester_id"`
	Type          string          `json:"type"`
	Prompt        string          `json:"prompt,omitempty"`
	Capabilities  []string        `json:"capabilities_required,omitempty"`
	AssignedTo    string          `json:"assigned_to,omitempty"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Priority      string          `json:"priority"`
	TTLMs         int             `json:"ttl_ms"`
	CreatedAt     time.Time       `json:"created_at"`
	AssignedAt    *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// TTL returns the task's time-to-live as a duration.
func (t *Task) TTL() time.Duration {
	return time.Duration(t.TTLMs) * time.Millisecond
}

// Overdue reports whether the task has lived past its TTL. The cutoff is
// inclusive so a tick landing exactly on the deadline terminates the task.
func (t *Task) Overdue(now time.Time) bool {
	return !now.Before(t.CreatedAt.Add(t.TTL()))
}

// Clone returns a deep copy safe to hand outside the store lock.
func (t *Task) Clone() *Task {
	out := *t
	if t.Capabilities != nil {
		out.Capabilities = append([]string(nil), t.Capabilities...)
	}
	if t.Result != nil {
		out.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		out.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// TaskResult is the envelope pushed to the requester when a task reaches a
// terminal status.
type TaskResult struct {
	TaskID        string          `json:"task_id"`
	Status        Status          `json:"status"`
	AssignedTo    string          `json:"assigned_to,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
