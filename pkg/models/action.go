package models

import "encoding/json"

// ErrorStrategy controls what the engine does when a handler fails.
type ErrorStrategy string

const (
	ErrorStrategyFail     ErrorStrategy = "fail"     // Abort the state and propagate
	ErrorStrategyContinue ErrorStrategy = "continue" // Record and proceed as if successful
	ErrorStrategyRetry    ErrorStrategy = "retry"    // Backoff retries, then fail semantics
)

// CanonicalErrorStrategy folds the aliases accepted at the definition-loading
// boundary ("skip", "abort", "stop", "ignore") onto the canonical enum. The
// engine only ever sees canonical values.
func CanonicalErrorStrategy(raw string) ErrorStrategy {
	switch raw {
	case "continue", "skip", "ignore":
		return ErrorStrategyContinue
	case "retry":
		return ErrorStrategyRetry
	case "fail", "abort", "stop", "":
		return ErrorStrategyFail
	default:
		return ErrorStrategyFail
	}
}

// Action binds one registered handler invocation to a state. Config values are
// templates re-rendered against the live context immediately before execution.
type Action struct {
	Handler       string         `json:"handler" validate:"required"`
	Config        map[string]any `json:"config,omitempty"`
	Output        string         `json:"output,omitempty"` // Context data key the result is stored under
	ErrorStrategy ErrorStrategy  `json:"error_strategy,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
}

// UnmarshalJSON folds error-strategy aliases while decoding so persisted and
// authored definitions agree on one vocabulary in memory.
func (a *Action) UnmarshalJSON(data []byte) error {
	type alias Action

	var raw struct {
		alias

		ErrorStrategy string `json:"error_strategy"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = Action(raw.alias)
	a.ErrorStrategy = CanonicalErrorStrategy(raw.ErrorStrategy)

	return nil
}
