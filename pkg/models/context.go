package models

import (
	"encoding/json"
	"time"
)

// Error-history entries are capped so a retry loop cannot grow a context
// snapshot without bound.
const maxErrorHistory = 20

// ResponseKey is the context data slot handlers write the user-facing reply
// into. The orchestrator extracts and clears it when assembling a response.
const ResponseKey = "_response"

// ErrorEntry is one line of the in-context error ledger.
type ErrorEntry struct {
	State     string    `json:"state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemContext is the engine-owned bookkeeping threaded through a run.
type SystemContext struct {
	DefinitionID   string       `json:"definition_id"`
	RunID          string       `json:"run_id"`
	SessionID      string       `json:"session_id"`
	CurrentState   string       `json:"current_state"`
	PreviousStates []string     `json:"previous_states,omitempty"`
	AttemptCount   int          `json:"attempt_count"`
	ErrorHistory   []ErrorEntry `json:"error_history,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TaskContext is the mutable data threaded through one run: user/task data
// plus system bookkeeping. It is owned exclusively by the active run and is
// never shared across sessions.
type TaskContext struct {
	Data   map[string]any `json:"data"`
	System SystemContext  `json:"system"`
}

// NewTaskContext creates an empty context bound to a run.
func NewTaskContext(definitionID, runID, sessionID string) *TaskContext {
	now := time.Now().UTC()

	return &TaskContext{
		Data: make(map[string]any),
		System: SystemContext{
			DefinitionID: definitionID,
			RunID:        runID,
			SessionID:    sessionID,
			StartedAt:    now,
			UpdatedAt:    now,
		},
	}
}

// RecordError appends to the error ledger, evicting the oldest entry past the
// cap.
func (c *TaskContext) RecordError(state, message string) {
	c.System.ErrorHistory = append(c.System.ErrorHistory, ErrorEntry{
		State:     state,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})

	if len(c.System.ErrorHistory) > maxErrorHistory {
		c.System.ErrorHistory = c.System.ErrorHistory[len(c.System.ErrorHistory)-maxErrorHistory:]
	}
}

// EnterState moves the state pointer, keeping the visited trail.
func (c *TaskContext) EnterState(name string) {
	if c.System.CurrentState != "" && c.System.CurrentState != name {
		c.System.PreviousStates = append(c.System.PreviousStates, c.System.CurrentState)
	}

	c.System.CurrentState = name
	c.System.UpdatedAt = time.Now().UTC()
}

// VisitedStates counts distinct states seen so far, current included.
func (c *TaskContext) VisitedStates() int {
	seen := make(map[string]struct{}, len(c.System.PreviousStates)+1)
	for _, s := range c.System.PreviousStates {
		seen[s] = struct{}{}
	}

	if c.System.CurrentState != "" {
		seen[c.System.CurrentState] = struct{}{}
	}

	return len(seen)
}

// Response extracts the reply a handler wrote into the response slot and
// clears it so a stale reply can never be replayed on a later turn.
func (c *TaskContext) Response() map[string]any {
	raw, ok := c.Data[ResponseKey]
	if !ok {
		return nil
	}

	delete(c.Data, ResponseKey)

	resp, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	return resp
}

// Clone deep-copies the context. Callers that hand a context to code they may
// abandon work on a clone and sync back only on orderly completion.
func (c *TaskContext) Clone() *TaskContext {
	clone := &TaskContext{
		Data:   cloneDataMap(c.Data),
		System: c.System,
	}
	clone.System.PreviousStates = append([]string(nil), c.System.PreviousStates...)
	clone.System.ErrorHistory = append([]ErrorEntry(nil), c.System.ErrorHistory...)

	return clone
}

func cloneDataMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneDataValue(v)
	}

	return out
}

func cloneDataValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneDataMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneDataValue(item)
		}

		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)

		return out
	default:
		return v
	}
}

// Snapshot serializes the context for durable storage on the run record.
func (c *TaskContext) Snapshot() (json.RawMessage, error) {
	return json.Marshal(c)
}

// ContextFromSnapshot restores a context persisted by Snapshot.
func ContextFromSnapshot(raw json.RawMessage) (*TaskContext, error) {
	var taskCtx TaskContext

	err := json.Unmarshal(raw, &taskCtx)
	if err != nil {
		return nil, err
	}

	if taskCtx.Data == nil {
		taskCtx.Data = make(map[string]any)
	}

	return &taskCtx, nil
}
