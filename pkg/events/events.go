// Package events defines the run lifecycle notifications published on the bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "colloquy.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent   EventType = "run.started"
	RunPausedEvent    EventType = "run.paused"
	RunResumedEvent   EventType = "run.resumed"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"
	RunSuspendedEvent EventType = "run.suspended"

	// CycleDetectedEvent flags a definition whose auto-advance hit the
	// iteration cap, an authoring defect worth alerting on.
	CycleDetectedEvent EventType = "run.cycle_detected"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	DefinitionID string         `json:"definition_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, definitionID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		DefinitionID: definitionID,
		Metadata:     make(map[string]any),
	}
}

type RunStarted struct {
	BaseEvent

	RunID        string `json:"run_id"`
	InitialState string `json:"initial_state"`
	Intent       string `json:"intent,omitempty"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunPaused is published when auto-advance parks at a wait state.
type RunPaused struct {
	BaseEvent

	RunID     string `json:"run_id"`
	WaitState string `json:"wait_state"`
}

func (e RunPaused) GetType() EventType {
	return RunPausedEvent
}

type RunResumed struct {
	BaseEvent

	RunID string `json:"run_id"`
	State string `json:"state"`
	Event string `json:"event"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID      string `json:"run_id"`
	FinalState string `json:"final_state"`
	DurationMs int64  `json:"duration_ms"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID string `json:"run_id"`
	State string `json:"state"`
	Error string `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	RunID  string `json:"run_id"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

// RunSuspended is published when an interrupting intent parks the active task.
type RunSuspended struct {
	BaseEvent

	RunID         string `json:"run_id"`
	State         string `json:"state"`
	InterruptedBy string `json:"interrupted_by,omitempty"`
}

func (e RunSuspended) GetType() EventType {
	return RunSuspendedEvent
}

type CycleDetected struct {
	BaseEvent

	RunID      string   `json:"run_id"`
	State      string   `json:"state"`
	Iterations int      `json:"iterations"`
	Trail      []string `json:"trail,omitempty"`
}

func (e CycleDetected) GetType() EventType {
	return CycleDetectedEvent
}
