package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one execution instance of a definition for a session. It is the only
// durable record of task progress and the unit of resumption. Terminal runs
// are immutable.
type Run struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id" validate:"required"`
	SessionID    string          `json:"session_id"    validate:"required"`
	CurrentState string          `json:"current_state"`
	Context      json.RawMessage `json:"context,omitempty"`
	Status       RunStatus       `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the run reached a final status and must not be
// mutated again.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Finish marks the run terminal with the given status.
func (r *Run) Finish(status RunStatus, errMessage string) {
	now := time.Now().UTC()
	r.Status = status
	r.Error = errMessage
	r.UpdatedAt = now
	r.CompletedAt = &now
}
