package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/pkg/engine"
	"github.com/colloquy/colloquy/pkg/eventbus"
	"github.com/colloquy/colloquy/pkg/events"
	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/orchestrator"
	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/persistence/file"
	"github.com/colloquy/colloquy/pkg/registry"
	"github.com/colloquy/colloquy/pkg/session"
	"github.com/colloquy/colloquy/pkg/session/memory"
)

// replyHandler writes a templated message into the response slot.
type replyHandler struct{}

func (replyHandler) Execute(_ context.Context, config map[string]any, taskCtx *models.TaskContext) (*models.ExecutionResult, error) {
	msg, _ := config["message"].(string)
	taskCtx.Data[models.ResponseKey] = map[string]any{"message": msg}

	return models.Succeed(msg), nil
}

type staticDefs struct {
	defs []*models.Definition
}

func (s staticDefs) Get(_ context.Context, id string) (*models.Definition, error) {
	for _, def := range s.defs {
		if def.ID == id {
			return def, nil
		}
	}

	return nil, persistence.ErrDefinitionNotFound
}

func (s staticDefs) All(context.Context) ([]*models.Definition, error) {
	return s.defs, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) Publish(_ context.Context, _ string, event eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *eventRecorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.GetType())
	}

	return types
}

func reply(message string) *models.Action {
	return &models.Action{Handler: "reply", Config: map[string]any{"message": message}}
}

func orderDefinition() *models.Definition {
	return &models.Definition{
		ID:           "order_food",
		Module:       "food",
		Trigger:      "order_food|reorder",
		Version:      1,
		Enabled:      true,
		InitialState: "greet",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"greet": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{reply("Welcome to the food service.")},
				Transitions: map[string]string{"default": "wait_dish"},
			},
			"wait_dish": {
				Type:        models.StateTypeWait,
				Actions:     []*models.Action{reply("Which dish would you like?")},
				Transitions: map[string]string{"user_message": "confirm"},
			},
			"confirm": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{reply("Got it: {{message}}")},
				Transitions: map[string]string{"default": "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

func balanceDefinition() *models.Definition {
	return &models.Definition{
		ID:           "check_balance",
		Module:       "bank",
		Trigger:      "check_balance|balance*",
		Version:      1,
		Enabled:      true,
		InitialState: "show",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"show": {
				Type:        models.StateTypeAction,
				Actions:     []*models.Action{reply("Your balance is $10.")},
				Transitions: map[string]string{"default": "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

func loopDefinition() *models.Definition {
	return &models.Definition{
		ID:           "loop_forever",
		Module:       "broken",
		Trigger:      "loop_forever",
		Version:      1,
		Enabled:      true,
		InitialState: "a",
		FinalStates:  []string{},
		States: map[string]*models.State{
			"a": {Type: models.StateTypeAction, Transitions: map[string]string{"default": "b"}},
			"b": {Type: models.StateTypeAction, Transitions: map[string]string{"default": "a"}},
		},
	}
}

func quantityDefinition() *models.Definition {
	return &models.Definition{
		ID:           "pick_quantity",
		Module:       "food",
		Trigger:      "pick_quantity",
		Version:      1,
		Enabled:      true,
		InitialState: "ask",
		FinalStates:  []string{"done"},
		States: map[string]*models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Actions:     []*models.Action{reply("How many?")},
				Validator:   &models.InputValidator{Type: "number"},
				Transitions: map[string]string{"user_message": "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

type fixture struct {
	orch     *orchestrator.Orchestrator
	runs     persistence.RunRepository
	sessions *memory.Store
	recorder *eventRecorder
}

func newFixture(t *testing.T, defs ...*models.Definition) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewRegistry(logger)
	reg.Register("reply", replyHandler{})

	eng := engine.NewEngine(reg, logger)

	p := file.NewPersistence(t.TempDir())
	sessions := memory.NewStore()
	recorder := &eventRecorder{}

	orch := orchestrator.New(logger, eng, reg, p.Runs(), staticDefs{defs: defs}, sessions).
		WithEventBus(recorder)

	return &fixture{orch: orch, runs: p.Runs(), sessions: sessions, recorder: recorder}
}

func TestStartAdvancesToWaitState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition(), balanceDefinition())
	ctx := context.Background()

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "I want food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	assert.Equal(t, "Which dish would you like?", resp.Message)
	assert.False(t, resp.Completed)
	assert.Less(t, resp.Progress, 1.0)

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	ptr, active := sess.ActiveTask()
	require.True(t, active)
	assert.Equal(t, "wait_dish", ptr.CurrentState)
	assert.Equal(t, "order_food", ptr.DefinitionID)

	run, err := f.runs.GetByID(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "wait_dish", run.CurrentState)

	assert.Equal(t,
		[]events.EventType{events.RunStartedEvent, events.RunPausedEvent},
		f.recorder.types())
}

func TestResumeCompletesRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food please",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "ramen"})
	require.NoError(t, err)

	assert.Equal(t, "Got it: ramen", resp.Message)
	assert.True(t, resp.Completed)
	assert.InDelta(t, 1.0, resp.Progress, 0.001)
	assert.Equal(t, started.RunID, resp.RunID)

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, active := sess.ActiveTask()
	assert.False(t, active, "completion must clear the active pointer")
	assert.Contains(t, sess.History(), "user: ramen")
	assert.Contains(t, sess.History(), "bot: Got it: ramen")

	run, err := f.runs.GetByID(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestCompletionFoldsHistoryWithoutDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	_, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food please",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	_, err = f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "ramen"})
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"user: order food please",
		"bot: Which dish would you like?",
		"user: ramen",
		"bot: Got it: ramen",
	}, sess.History(), "the fold must skip turns seeded from the session")
}

func TestInvalidInputReparksWaitState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, quantityDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "quantity time",
		Intent:  "pick_quantity",
	})
	require.NoError(t, err)
	assert.Equal(t, "How many?", started.Message)

	rejected, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "lots"})
	require.NoError(t, err)
	assert.False(t, rejected.Completed)

	run, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ask", run.CurrentState, "rejected input must not move the state pointer")

	accepted, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "42"})
	require.NoError(t, err)
	assert.True(t, accepted.Completed)
}

func TestKeywordInterruptSuspends(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "stop"})
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "paused")

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, active := sess.ActiveTask()
	assert.False(t, active)

	snap, suspended := sess.Suspended()
	require.True(t, suspended)
	assert.Equal(t, "order_food", snap.DefinitionID)
	assert.Equal(t, started.RunID, snap.RunID)
	assert.Equal(t, "wait_dish", snap.CurrentState)

	run, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status,
		"suspension detaches the pointer but leaves the run running")
}

func TestResumeSuspendedTaskRestoresSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	_, err = f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "stop"})
	require.NoError(t, err)

	resumed, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "resume"})
	require.NoError(t, err)
	assert.Equal(t, "Which dish would you like?", resumed.Message,
		"the restored run re-enters the parked wait state")
	assert.Equal(t, started.RunID, resumed.RunID, "the offer reattaches the same run")

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, suspended := sess.Suspended()
	assert.False(t, suspended, "accepting the offer consumes the snapshot")

	ptr, active := sess.ActiveTask()
	require.True(t, active)
	assert.Equal(t, "order_food", ptr.DefinitionID)
	assert.Equal(t, started.RunID, ptr.RunID)
	assert.Equal(t, "wait_dish", ptr.CurrentState)

	done, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "ramen"})
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, started.RunID, done.RunID)
}

func TestResumeAfterSnapshotRunSweptStartsFresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	_, err = f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "stop"})
	require.NoError(t, err)

	// The janitor failed the parked run while it sat suspended.
	run, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	run.Finish(models.RunStatusFailed, "swept: no activity")
	require.NoError(t, f.runs.Update(ctx, run))

	resumed, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "resume"})
	require.NoError(t, err)
	assert.Equal(t, "Which dish would you like?", resumed.Message)
	assert.NotEqual(t, started.RunID, resumed.RunID,
		"a terminal run is rebuilt from the snapshot, not reattached")

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	ptr, active := sess.ActiveTask()
	require.True(t, active)
	assert.Equal(t, "wait_dish", ptr.CurrentState)
}

func TestDiscardSuspendedTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	_, err = f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "stop"})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{Message: "discard"})
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "discarded")

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, suspended := sess.Suspended()
	assert.False(t, suspended)

	run, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status,
		"declining the offer cancels the parked run")
	assert.Equal(t, "discarded", run.Error)
}

func TestCrossTopicIntentInterrupts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition(), balanceDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message:    "what is my balance",
		Intent:     "check_balance",
		Confidence: 0.95,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Message, "Your balance is $10.")
	assert.True(t, resp.Completed)
	assert.Equal(t, "order_food", resp.Metadata["suspended_task"],
		"completing the interrupting task offers the parked one back")
	assert.Contains(t, resp.Message, "resume")

	interrupted, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, interrupted.Status,
		"the interrupted run stays running while parked")
}

func TestLowConfidenceIntentDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition(), balanceDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message:    "maybe the balance bowl",
		Intent:     "check_balance",
		Confidence: 0.4,
	})
	require.NoError(t, err)

	assert.Equal(t, started.RunID, resp.RunID, "low confidence feeds the turn into the active task")

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, suspended := sess.Suspended()
	assert.False(t, suspended)
}

func TestCancelClearsActiveTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	started, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "order food",
		Intent:  "order_food",
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, "s-1", "user request"))

	run, err := f.runs.GetByID(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Equal(t, "user request", run.Error)

	err = f.orch.Cancel(ctx, "s-1", "again")
	assert.ErrorIs(t, err, orchestrator.ErrNoActiveTask)
}

func TestAutoAdvanceCapReportsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, loopDefinition())
	ctx := context.Background()

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "go loop",
		Intent:  "loop_forever",
	})
	require.NoError(t, err, "a cycle is a reported defect, not a crash")

	assert.Equal(t, string(orchestrator.CategoryGeneric), resp.Metadata["error_category"])

	run, err := f.runs.GetByID(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "auto-advance")

	assert.Contains(t, f.recorder.types(), events.CycleDetectedEvent)
}

func TestNoMatchingDefinition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "sing me a song",
		Intent:  "sing_song",
	})
	require.NoError(t, err)

	assert.Equal(t, false, resp.Metadata["matched"])
	assert.Empty(t, resp.RunID)
}

func TestKeywordHeuristicMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition(), balanceDefinition())
	ctx := context.Background()

	// No usable intent, but the raw text contains the trigger phrase.
	resp, err := f.orch.HandleMessage(ctx, "s-1", orchestrator.Inbound{
		Message: "hey can I order food here",
	})
	require.NoError(t, err)

	assert.Equal(t, "Which dish would you like?", resp.Message)
}

func TestStalePointerToTerminalRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, orderDefinition())
	ctx := context.Background()

	run := &models.Run{
		ID:           "dead-run",
		DefinitionID: "order_food",
		SessionID:    "s-1",
		CurrentState: "done",
		Status:       models.RunStatusCompleted,
	}
	require.NoError(t, f.runs.Create(ctx, run))

	sess, err := f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)
	sess.SetActiveTask(session.TaskPointer{
		DefinitionID: "order_food",
		RunID:        "dead-run",
		CurrentState: "done",
	})
	require.NoError(t, f.sessions.Save(ctx, sess))

	_, err = f.orch.Resume(ctx, "s-1", orchestrator.Inbound{Message: "hello"})
	assert.ErrorIs(t, err, orchestrator.ErrNoActiveTask)

	sess, err = f.sessions.Get(ctx, "s-1")
	require.NoError(t, err)

	_, active := sess.ActiveTask()
	assert.False(t, active, "a stale pointer must be cleaned up")
}
