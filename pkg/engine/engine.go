// Package engine executes one state of a task definition: entry and exit
// actions, the state body, and transition resolution for the emitted event.
// The engine performs no I/O itself; all side effects go through the handler
// registry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/colloquy/colloquy/pkg/expr"
	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/registry"
	"github.com/colloquy/colloquy/pkg/template"
)

// DefaultBackoffBase is the first retry delay; attempt n waits base * 2^(n-1).
const DefaultBackoffBase = 500 * time.Millisecond

// ValidationErrorKey is the context data slot the engine writes a wait-state
// input validation failure into so the caller can re-prompt.
const ValidationErrorKey = "_validation_error"

// StateResult reports what executing one state produced and where the run
// goes next.
type StateResult struct {
	State     string // State that was executed
	Event     string // Event the state resolved to
	NextState string // Empty when the run pauses, stalls or completes in place
	Completed bool   // Final state reached or no outgoing transitions
	Paused    bool   // Wait state parked for external input
	Stalled   bool   // Event matched no transition; state pointer unchanged
}

type Engine struct {
	registry *registry.Registry
	logger   *slog.Logger

	backoffBase time.Duration
	sleep       func(time.Duration) // Injectable for tests
}

func NewEngine(reg *registry.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		registry:    reg,
		logger:      logger,
		backoffBase: DefaultBackoffBase,
		sleep:       time.Sleep,
	}
}

// WithBackoff overrides the retry backoff base.
func (e *Engine) WithBackoff(base time.Duration) *Engine {
	e.backoffBase = base
	return e
}

// WithSleep overrides the sleep function used between retries.
func (e *Engine) WithSleep(sleep func(time.Duration)) *Engine {
	e.sleep = sleep
	return e
}

// ExecuteState runs the context's current state. inboundEvent is empty on a
// fresh entry (auto-advance) and carries the external event on resumption of
// a wait state. The context is mutated in place; the caller persists it.
func (e *Engine) ExecuteState(ctx context.Context, def *models.Definition, taskCtx *models.TaskContext, inboundEvent string) (*StateResult, error) {
	stateName := taskCtx.System.CurrentState

	state := def.State(stateName)
	if state == nil {
		return nil, &StateNotFoundError{Definition: def.ID, State: stateName}
	}

	logger := e.logger.With("definition_id", def.ID, "run_id", taskCtx.System.RunID, "state", stateName)

	fresh := inboundEvent == ""

	event, failure, err := e.runStateBody(ctx, state, taskCtx, stateName, inboundEvent, fresh, logger)
	if err != nil {
		return nil, err
	}

	result := &StateResult{State: stateName, Event: event}

	// A wait state pauses on fresh entry; resumption falls through to
	// transition resolution. A failed input validation re-parks the state.
	if state.Type == models.StateTypeWait && (fresh || event == eventRevalidate) {
		result.Paused = true
		result.Event = ""

		return result, nil
	}

	if state.Type == models.StateTypeEnd || len(state.Transitions) == 0 {
		// No outgoing transitions: the run is implicitly complete, unless a
		// failing action had nowhere to route.
		if failure != nil {
			return nil, failure
		}

		result.Completed = true

		return result, nil
	}

	next, ok := state.NextState(event)
	if !ok {
		if failure != nil {
			return nil, failure
		}

		logger.Warn("No transition for event, stalling", "event", event)
		result.Stalled = true

		return result, nil
	}

	e.runHooks(ctx, state.OnExit, taskCtx, stateName, logger)

	taskCtx.EnterState(next)
	result.NextState = next
	result.Completed = def.IsFinal(next)

	return result, nil
}

// eventRevalidate is an internal marker for a wait state whose input failed
// validation; it never reaches transition resolution.
const eventRevalidate = "\x00revalidate"

func (e *Engine) runStateBody(ctx context.Context, state *models.State, taskCtx *models.TaskContext, stateName, inboundEvent string, fresh bool, logger *slog.Logger) (string, error, error) {
	switch state.Type {
	case models.StateTypeDecision:
		return e.decide(state, taskCtx, logger), nil, nil

	case models.StateTypeWait:
		if fresh {
			e.runHooks(ctx, state.OnEntry, taskCtx, stateName, logger)

			_, failure := e.runActions(ctx, state.Actions, taskCtx, stateName, logger)

			return "", nil, failure
		}

		if !validateInput(state.Validator, taskCtx) {
			logger.Info("Wait state input rejected by validator")
			return eventRevalidate, nil, nil
		}

		delete(taskCtx.Data, ValidationErrorKey)

		emitted, failure := e.runActions(ctx, state.Actions, taskCtx, stateName, logger)
		if failure != nil {
			return models.EventError, failure, nil
		}

		// The resumption event drives the transition unless an action
		// emitted something more specific than "default".
		if emitted != "" && emitted != models.EventDefault {
			return emitted, nil, nil
		}

		return inboundEvent, nil, nil

	case models.StateTypeAction, models.StateTypeEnd:
		if fresh {
			e.runHooks(ctx, state.OnEntry, taskCtx, stateName, logger)
		}

		emitted, failure := e.runActions(ctx, state.Actions, taskCtx, stateName, logger)
		if failure != nil {
			return models.EventError, failure, nil
		}

		if emitted != "" && emitted != models.EventDefault {
			return emitted, nil, nil
		}

		return models.EventSuccess, nil, nil

	default:
		return "", nil, fmt.Errorf("state %q has unsupported type %q", stateName, state.Type)
	}
}

// decide evaluates the ordered conditions; the first true expression emits
// its event. Evaluation failures count as false and are recorded, never
// propagated.
func (e *Engine) decide(state *models.State, taskCtx *models.TaskContext, logger *slog.Logger) string {
	for _, condition := range state.Conditions {
		ok, err := expr.Evaluate(condition.Expr, taskCtx)
		if err != nil {
			logger.Warn("Condition evaluation failed, treating as false", "expr", condition.Expr, "error", err)
			taskCtx.RecordError(taskCtx.System.CurrentState, fmt.Sprintf("condition %q: %v", condition.Expr, err))

			continue
		}

		if ok {
			return condition.Event
		}
	}

	return models.EventDefault
}

// runActions executes a state's actions sequentially. Each action's config is
// re-templated against the live context immediately before execution, so later
// actions see earlier actions' outputs. The last non-default event emitted by
// an action wins. The second return carries the aborting error of a
// fail-strategy action, nil otherwise.
func (e *Engine) runActions(ctx context.Context, actions []*models.Action, taskCtx *models.TaskContext, stateName string, logger *slog.Logger) (string, error) {
	var emitted string

	for _, action := range actions {
		result := e.runAction(ctx, action, taskCtx, logger)

		if !result.Success {
			taskCtx.RecordError(stateName, fmt.Sprintf("handler %s: %s", action.Handler, result.Error))

			switch action.ErrorStrategy {
			case models.ErrorStrategyContinue:
				logger.Warn("Handler failed, continuing", "handler", action.Handler, "error", result.Error)
				continue
			default:
				return emitted, &ActionError{State: stateName, Handler: action.Handler, Message: result.Error}
			}
		}

		if action.Output != "" {
			taskCtx.Data[action.Output] = result.Output
		}

		if result.Event != "" && result.Event != models.EventDefault {
			emitted = result.Event
		}
	}

	return emitted, nil
}

// runAction executes one action, applying the retry strategy with exponential
// backoff before falling through to fail semantics.
func (e *Engine) runAction(ctx context.Context, action *models.Action, taskCtx *models.TaskContext, logger *slog.Logger) *models.ExecutionResult {
	attempts := 1
	if action.ErrorStrategy == models.ErrorStrategyRetry && action.MaxRetries > 0 {
		attempts += action.MaxRetries
	}

	var result *models.ExecutionResult

	for attempt := 1; attempt <= attempts; attempt++ {
		config := template.RenderConfig(action.Config, taskCtx)

		result = e.registry.Execute(ctx, action.Handler, config, taskCtx)
		if result.Success {
			return result
		}

		taskCtx.System.AttemptCount++

		if attempt < attempts {
			delay := e.backoffBase * time.Duration(1<<(attempt-1))
			logger.Warn("Handler failed, retrying",
				"handler", action.Handler,
				"attempt", attempt,
				"delay", delay,
				"error", result.Error)
			e.sleep(delay)
		}
	}

	return result
}

// runHooks executes entry/exit actions. Hook failures are recorded but never
// block the state lifecycle.
func (e *Engine) runHooks(ctx context.Context, hooks []*models.Action, taskCtx *models.TaskContext, stateName string, logger *slog.Logger) {
	for _, hook := range hooks {
		result := e.runAction(ctx, hook, taskCtx, logger)
		if !result.Success {
			logger.Warn("Hook action failed", "handler", hook.Handler, "error", result.Error)
			taskCtx.RecordError(stateName, fmt.Sprintf("hook %s: %s", hook.Handler, result.Error))

			continue
		}

		if hook.Output != "" {
			taskCtx.Data[hook.Output] = result.Output
		}
	}
}

func validateInput(validator *models.InputValidator, taskCtx *models.TaskContext) bool {
	if validator == nil {
		return true
	}

	message, _ := taskCtx.Data["message"].(string)

	reason, ok := checkInput(validator, message)
	if !ok {
		taskCtx.Data[ValidationErrorKey] = reason
	}

	return ok
}
