package engine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/pkg/engine"
	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/registry"
)

type scriptedHandler struct {
	fn    func(config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error)
	calls int
}

func (h *scriptedHandler) Execute(_ context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	h.calls++
	return h.fn(config, taskCtx)
}

func succeedWith(event string) *scriptedHandler {
	return &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Success: true, Event: event}, nil
	}}
}

func newEngine(t *testing.T, handlers map[string]*scriptedHandler) *engine.Engine {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	for name, handler := range handlers {
		reg.Register(name, handler)
	}

	return engine.NewEngine(reg, slog.Default()).WithSleep(func(time.Duration) {})
}

func newContext(def *models.Definition) *models.TaskContext {
	taskCtx := models.NewTaskContext(def.ID, "run-1", "sess-1")
	taskCtx.System.CurrentState = def.InitialState

	return taskCtx
}

func TestActionStateTransitionsOnEmittedEvent(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "order",
		InitialState: "check",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"check": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{{Handler: "probe"}},
				Transitions: map[string]string{"found": "done", "default": "ask"},
			},
			"ask":  {Type: models.StateTypeWait},
			"done": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"probe": succeedWith("found")})
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)

	assert.Equal(t, "found", result.Event)
	assert.Equal(t, "done", result.NextState)
	assert.True(t, result.Completed, "transition into a final state completes the run")
	assert.Equal(t, "done", taskCtx.System.CurrentState)
	assert.Equal(t, []string{"check"}, taskCtx.System.PreviousStates)
}

func TestActionStateImplicitSuccessEvent(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "a",
		States: map[string]*models.State{
			"a": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{{Handler: "noop"}},
				Transitions: map[string]string{"success": "b"},
			},
			"b": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"noop": succeedWith("")})
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.Equal(t, "b", result.NextState)
}

func TestLaterActionsSeeEarlierOutputs(t *testing.T) {
	t.Parallel()

	var seen string

	first := &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		return models.Succeed("totals-42"), nil
	}}
	second := &scriptedHandler{fn: func(config map[string]any, _ *models.TaskContext) (*models.ExecutionResult, error) {
		seen, _ = config["ref"].(string)
		return models.Succeed(nil), nil
	}}

	def := &models.Definition{
		ID:           "d",
		InitialState: "s",
		States: map[string]*models.State{
			"s": {
				Type: models.StateTypeAction,
				Actions: []*models.Action{
					{Handler: "first", Output: "quote"},
					{Handler: "second", Config: map[string]any{"ref": "{{quote}}"}},
				},
			},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"first": first, "second": second})

	_, err := eng.ExecuteState(context.Background(), def, newContext(def), "")
	require.NoError(t, err)
	assert.Equal(t, "totals-42", seen, "config must be re-templated against the live context")
}

func TestDecisionStateRouting(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "gate",
		States: map[string]*models.State{
			"gate": {
				Type:        models.StateTypeDecision,
				Conditions:  []models.Condition{{Expr: "age >= 18", Event: "adult"}},
				Transitions: map[string]string{"adult": "x", "default": "y"},
			},
			"x": {Type: models.StateTypeEnd},
			"y": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, nil)

	adult := newContext(def)
	adult.Data["age"] = float64(20)
	result, err := eng.ExecuteState(context.Background(), def, adult, "")
	require.NoError(t, err)
	assert.Equal(t, "x", result.NextState)

	minor := newContext(def)
	minor.Data["age"] = float64(10)
	result, err = eng.ExecuteState(context.Background(), def, minor, "")
	require.NoError(t, err)
	assert.Equal(t, "y", result.NextState)
}

func TestDecisionBrokenExpressionIsFalse(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "gate",
		States: map[string]*models.State{
			"gate": {
				Type:        models.StateTypeDecision,
				Conditions:  []models.Condition{{Expr: "age >=", Event: "adult"}},
				Transitions: map[string]string{"adult": "x", "default": "y"},
			},
			"x": {Type: models.StateTypeEnd},
			"y": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, nil)
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.Equal(t, "y", result.NextState)
	require.NotEmpty(t, taskCtx.System.ErrorHistory, "eval failure must land in the ledger")
}

func TestWaitStatePausesOnFreshEntryOnly(t *testing.T) {
	t.Parallel()

	entry := succeedWith("")
	prompt := succeedWith("")

	def := &models.Definition{
		ID:           "d",
		InitialState: "ask",
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				OnEntry:     []*models.Action{{Handler: "entry"}},
				Actions:     []*models.Action{{Handler: "prompt"}},
				Transitions: map[string]string{"user_message": "next"},
			},
			"next": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"entry": entry, "prompt": prompt})
	taskCtx := newContext(def)

	// Fresh entry: prompt once, pause, no transition.
	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.True(t, result.Paused)
	assert.Empty(t, result.NextState)
	assert.Equal(t, 1, entry.calls)
	assert.Equal(t, 1, prompt.calls)

	// Resumption: actions re-run to process input, onEntry must not.
	result, err = eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.False(t, result.Paused)
	assert.Equal(t, "next", result.NextState)
	assert.Equal(t, 1, entry.calls, "onEntry must not run on resumption")
	assert.Equal(t, 2, prompt.calls)
}

func TestWaitStateActionOverridesResumptionEvent(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "ask",
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Actions:     []*models.Action{{Handler: "classify"}},
				Transitions: map[string]string{"user_message": "a", "invalid": "b"},
			},
			"a": {Type: models.StateTypeEnd},
			"b": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"classify": succeedWith("invalid")})
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.Equal(t, "b", result.NextState, "a non-default action event overrides the resumption event")
}

func TestWaitStateInputValidatorReparks(t *testing.T) {
	t.Parallel()

	prompt := succeedWith("")

	def := &models.Definition{
		ID:           "d",
		InitialState: "ask",
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Actions:     []*models.Action{{Handler: "prompt"}},
				Validator:   &models.InputValidator{Type: "number"},
				Transitions: map[string]string{"user_message": "next"},
			},
			"next": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"prompt": prompt})
	taskCtx := newContext(def)
	taskCtx.Data["message"] = "not a number"

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.True(t, result.Paused, "rejected input re-parks the wait state")
	assert.Equal(t, "ask", taskCtx.System.CurrentState)
	assert.NotEmpty(t, taskCtx.Data[engine.ValidationErrorKey])

	taskCtx.Data["message"] = "42"
	result, err = eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.Equal(t, "next", result.NextState)
	assert.NotContains(t, taskCtx.Data, engine.ValidationErrorKey)
}

func TestRetryStrategyBacksOffExponentially(t *testing.T) {
	t.Parallel()

	failures := 2
	flaky := &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		if failures > 0 {
			failures--
			return models.Failure("transient"), nil
		}
		return models.Succeed("ok"), nil
	}}

	reg := registry.NewRegistry(slog.Default())
	reg.Register("flaky", flaky)

	var delays []time.Duration

	eng := engine.NewEngine(reg, slog.Default()).
		WithBackoff(100 * time.Millisecond).
		WithSleep(func(d time.Duration) { delays = append(delays, d) })

	def := &models.Definition{
		ID:           "d",
		InitialState: "s",
		States: map[string]*models.State{
			"s": {
				Type: models.StateTypeAction,
				Actions: []*models.Action{{
					Handler:       "flaky",
					Output:        "result",
					ErrorStrategy: models.ErrorStrategyRetry,
					MaxRetries:    2,
				}},
			},
		},
	}

	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, "ok", taskCtx.Data["result"])
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestRetryExhaustionFails(t *testing.T) {
	t.Parallel()

	broken := &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		return models.Failure("down"), nil
	}}

	def := &models.Definition{
		ID:           "d",
		InitialState: "s",
		States: map[string]*models.State{
			"s": {
				Type: models.StateTypeAction,
				Actions: []*models.Action{{
					Handler:       "broken",
					ErrorStrategy: models.ErrorStrategyRetry,
					MaxRetries:    1,
				}},
				Transitions: map[string]string{"success": "t"},
			},
			"t": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"broken": broken})
	taskCtx := newContext(def)

	_, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.Error(t, err)
	assert.True(t, engine.IsActionError(err))
	assert.Equal(t, 2, broken.calls)
}

func TestContinueStrategyProceeds(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "s",
		States: map[string]*models.State{
			"s": {
				Type: models.StateTypeAction,
				Actions: []*models.Action{
					{Handler: "broken", ErrorStrategy: models.ErrorStrategyContinue},
					{Handler: "after"},
				},
			},
		},
	}

	broken := &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		return models.Failure("down"), nil
	}}
	after := succeedWith("")

	eng := newEngine(t, map[string]*scriptedHandler{"broken": broken, "after": after})
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 1, after.calls, "continue strategy must not abort the state")
	assert.Len(t, taskCtx.System.ErrorHistory, 1)
}

func TestFailureRoutesThroughErrorTransition(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "s",
		States: map[string]*models.State{
			"s": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{{Handler: "broken", ErrorStrategy: models.ErrorStrategyFail}},
				Transitions: map[string]string{"error": "apologize", "success": "t"},
			},
			"apologize": {Type: models.StateTypeEnd},
			"t":         {Type: models.StateTypeEnd},
		},
	}

	broken := &scriptedHandler{fn: func(map[string]any, *models.TaskContext) (*models.ExecutionResult, error) {
		return models.Failure("down"), nil
	}}

	eng := newEngine(t, map[string]*scriptedHandler{"broken": broken})
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err, "an authored error transition absorbs the failure")
	assert.Equal(t, "apologize", result.NextState)
}

func TestStallWhenNoTransitionMatches(t *testing.T) {
	t.Parallel()

	def := &models.Definition{
		ID:           "d",
		InitialState: "ask",
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Transitions: map[string]string{"confirm": "next"},
			},
			"next": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, nil)
	taskCtx := newContext(def)

	result, err := eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.True(t, result.Stalled)
	assert.Equal(t, "ask", taskCtx.System.CurrentState, "stalling must not move the state pointer")
}

func TestStateNotFound(t *testing.T) {
	t.Parallel()

	def := &models.Definition{ID: "d", InitialState: "a", States: map[string]*models.State{
		"a": {Type: models.StateTypeEnd},
	}}

	eng := newEngine(t, nil)
	taskCtx := newContext(def)
	taskCtx.System.CurrentState = "ghost"

	_, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.Error(t, err)
	assert.True(t, engine.IsStateNotFound(err))
}

func TestOnExitRunsOnlyOnTransition(t *testing.T) {
	t.Parallel()

	exit := succeedWith("")

	def := &models.Definition{
		ID:           "d",
		InitialState: "ask",
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				OnExit:      []*models.Action{{Handler: "exit"}},
				Transitions: map[string]string{"user_message": "next"},
			},
			"next": {Type: models.StateTypeEnd},
		},
	}

	eng := newEngine(t, map[string]*scriptedHandler{"exit": exit})
	taskCtx := newContext(def)

	_, err := eng.ExecuteState(context.Background(), def, taskCtx, "")
	require.NoError(t, err)
	assert.Zero(t, exit.calls, "onExit must not run while parked")

	_, err = eng.ExecuteState(context.Background(), def, taskCtx, models.EventUserMessage)
	require.NoError(t, err)
	assert.Equal(t, 1, exit.calls)
}
