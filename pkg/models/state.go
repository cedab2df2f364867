package models

// StateType discriminates how a state behaves when the engine enters it.
type StateType string

const (
	StateTypeAction   StateType = "action"   // Runs its actions, transitions on the emitted event
	StateTypeDecision StateType = "decision" // No side effects; routes on the first true condition
	StateTypeWait     StateType = "wait"     // Prompts and pauses until the next inbound turn
	StateTypeEnd      StateType = "end"      // Terminal; may run final actions
)

// Valid reports whether the state type is one of the known discriminators.
func (t StateType) Valid() bool {
	switch t {
	case StateTypeAction, StateTypeDecision, StateTypeWait, StateTypeEnd:
		return true
	default:
		return false
	}
}

// Condition is one ordered (expression, event) pair evaluated by decision
// states. The first expression that evaluates true emits its event.
type Condition struct {
	Expr  string `json:"expr"  validate:"required"`
	Event string `json:"event" validate:"required"`
}

// InputValidator constrains the inbound message a wait state will accept.
// A failing validation re-prompts without transitioning.
type InputValidator struct {
	Type    string `json:"type,omitempty"`    // "number", "text" or empty for any
	Pattern string `json:"pattern,omitempty"` // Anchored regular expression
	MinLen  int    `json:"min_len,omitempty"`
}

// State is one node of a definition's machine.
type State struct {
	Type        StateType         `json:"type" validate:"required"`
	Actions     []*Action         `json:"actions,omitempty"`
	OnEntry     []*Action         `json:"on_entry,omitempty"`
	OnExit      []*Action         `json:"on_exit,omitempty"`
	Conditions  []Condition       `json:"conditions,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty"`
	Validator   *InputValidator   `json:"validator,omitempty"`
}

// AllActions returns entry, main and exit actions in execution order.
func (s *State) AllActions() []*Action {
	all := make([]*Action, 0, len(s.OnEntry)+len(s.Actions)+len(s.OnExit))
	all = append(all, s.OnEntry...)
	all = append(all, s.Actions...)
	all = append(all, s.OnExit...)

	return all
}

// NextState resolves the transition for an event, falling back to "default".
// The second return is false when neither the event nor a default matches.
func (s *State) NextState(event string) (string, bool) {
	if target, ok := s.Transitions[event]; ok {
		return target, true
	}

	if target, ok := s.Transitions[EventDefault]; ok {
		return target, true
	}

	return "", false
}

// Reserved event names used by transition resolution.
const (
	EventDefault     = "default"
	EventSuccess     = "success"
	EventError       = "error"
	EventUserMessage = "user_message"
)
