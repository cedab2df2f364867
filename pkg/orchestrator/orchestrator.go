// Package orchestrator drives task runs across inbound conversation turns:
// starting tasks for detected intents, resuming parked runs, auto-advancing
// through non-interactive states, and suspending tasks when a more urgent
// intent interrupts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/colloquy/colloquy/pkg/engine"
	"github.com/colloquy/colloquy/pkg/eventbus"
	"github.com/colloquy/colloquy/pkg/events"
	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/otelhelper"
	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/registry"
	"github.com/colloquy/colloquy/pkg/session"
)

// DefaultAutoAdvanceCap bounds synchronous state execution per inbound turn.
// Hitting it means the definition has a cycle; it is reported, not crashed on.
const DefaultAutoAdvanceCap = 20

// progressCeiling keeps reported progress below 100% until the run actually
// completes.
const progressCeiling = 0.95

// historyKey is the context data slot carrying the task-local conversation
// buffer, seeded from the session and folded back on completion.
const historyKey = "conversation_history"

// DefinitionSource supplies definitions for starting and resuming runs;
// satisfied by definitions.Cache.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (*models.Definition, error)
	All(ctx context.Context) ([]*models.Definition, error)
}

// Inbound is one classified user turn. Intent, confidence and entities come
// from the upstream NLU as already-computed inputs.
type Inbound struct {
	Message    string
	Event      string // Overrides the user_message resumption event when set
	Intent     string
	Confidence float64
	Entities   map[string]any
}

// Response is what a channel adapter relays back to the user.
type Response struct {
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id"`
	Message   string         `json:"message,omitempty"`
	Buttons   []any          `json:"buttons,omitempty"`
	Cards     []any          `json:"cards,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Progress  float64        `json:"progress"`
	Completed bool           `json:"completed"`
}

type Orchestrator struct {
	engine   *engine.Engine
	registry *registry.Registry
	runs     persistence.RunRepository
	defs     DefinitionSource
	sessions session.Store
	logger   *slog.Logger

	bus        eventbus.EventPublisher
	tracer     trace.Tracer
	policy     InterruptPolicy
	locks      *keyedMutex
	advanceCap int
}

func New(
	logger *slog.Logger,
	eng *engine.Engine,
	reg *registry.Registry,
	runs persistence.RunRepository,
	defs DefinitionSource,
	sessions session.Store,
) *Orchestrator {
	return &Orchestrator{
		engine:     eng,
		registry:   reg,
		runs:       runs,
		defs:       defs,
		sessions:   sessions,
		logger:     logger,
		tracer:     noop.NewTracerProvider().Tracer("orchestrator"),
		policy:     DefaultInterruptPolicy(),
		locks:      newKeyedMutex(),
		advanceCap: DefaultAutoAdvanceCap,
	}
}

// WithEventBus enables run lifecycle event publishing.
func (o *Orchestrator) WithEventBus(bus eventbus.EventPublisher) *Orchestrator {
	o.bus = bus
	return o
}

func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

func (o *Orchestrator) WithInterruptPolicy(policy InterruptPolicy) *Orchestrator {
	o.policy = policy
	return o
}

func (o *Orchestrator) WithAutoAdvanceCap(limit int) *Orchestrator {
	if limit > 0 {
		o.advanceCap = limit
	}

	return o
}

// HandleMessage processes one inbound turn for a session: resumes the active
// task, suspends it for an interrupting intent, or matches a definition and
// starts a new task. Turns for the same session are serialized.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID string, in Inbound) (*Response, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.handle_message",
		attribute.String(otelhelper.SessionIDKey, sessionID),
		attribute.String(otelhelper.IntentKey, in.Intent),
	)
	defer span.End()

	o.locks.Lock(sessionID)
	defer o.locks.Unlock(sessionID)

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	sess.AppendHistory("user: " + in.Message)
	sess.MergeEntities(in.Entities)

	if in.Intent != "" {
		sess.SetLastIntent(in.Intent)
	}

	if ptr, active := sess.ActiveTask(); active {
		return o.handleActive(ctx, sess, ptr, in)
	}

	return o.handleIdle(ctx, sess, in)
}

// Start begins a run of the given definition for a session.
func (o *Orchestrator) Start(ctx context.Context, definitionID, sessionID string, in Inbound) (*Response, error) {
	o.locks.Lock(sessionID)
	defer o.locks.Unlock(sessionID)

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	def, err := o.defs.Get(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	return o.startLocked(ctx, sess, def, in, nil, "")
}

// Resume feeds an inbound turn into the session's active run.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, in Inbound) (*Response, error) {
	o.locks.Lock(sessionID)
	defer o.locks.Unlock(sessionID)

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	ptr, active := sess.ActiveTask()
	if !active {
		return nil, ErrNoActiveTask
	}

	return o.resumeLocked(ctx, sess, ptr, in)
}

// Cancel marks the session's active run cancelled and clears the pointer.
// In-flight handler calls are not force-aborted.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, reason string) error {
	o.locks.Lock(sessionID)
	defer o.locks.Unlock(sessionID)

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	ptr, active := sess.ActiveTask()
	if !active {
		return ErrNoActiveTask
	}

	run, err := o.runs.GetByID(ctx, ptr.RunID)
	if err != nil {
		return err
	}

	if !run.IsTerminal() {
		run.Finish(models.RunStatusCancelled, reason)

		if err := o.runs.Update(ctx, run); err != nil {
			return err
		}
	}

	sess.ClearActiveTask()

	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}

	cancelled := events.RunCancelled{
		BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, run.DefinitionID),
		RunID:     run.ID,
		State:     run.CurrentState,
		Reason:    reason,
	}
	cancelled.SessionID = sess.ID
	o.publish(ctx, sess.ID, cancelled)

	return nil
}

func (o *Orchestrator) handleActive(ctx context.Context, sess *session.Session, ptr session.TaskPointer, in Inbound) (*Response, error) {
	activeDef, err := o.defs.Get(ctx, ptr.DefinitionID)
	if err != nil {
		// Definition vanished mid-run; fail the run rather than wedge the
		// session forever.
		return o.failActive(ctx, sess, ptr, "definition no longer available")
	}

	if o.policy.MatchesKeyword(in.Message) {
		if err := o.suspendActive(ctx, sess, ptr, in.Message); err != nil {
			return nil, err
		}

		return o.respondSuspended(sess, ptr), nil
	}

	if in.Intent != "" && !matchesPattern(activeDef.Trigger, strings.ToLower(in.Intent)) {
		target := o.matchIntent(ctx, in, activeDef.Module)
		if target != nil && target.ID != activeDef.ID && o.policy.ShouldInterrupt(in.Confidence, target.Module) {
			if err := o.suspendActive(ctx, sess, ptr, in.Intent); err != nil {
				return nil, err
			}

			return o.startLocked(ctx, sess, target, in, nil, "")
		}
	}

	return o.resumeLocked(ctx, sess, ptr, in)
}

func (o *Orchestrator) handleIdle(ctx context.Context, sess *session.Session, in Inbound) (*Response, error) {
	if snap, suspended := sess.Suspended(); suspended {
		switch resumeChoice(in.Message) {
		case choiceAccept:
			return o.resumeSnapshot(ctx, sess, snap, in)

		case choiceDecline:
			sess.ClearSuspended()

			if err := o.sessions.Save(ctx, sess); err != nil {
				return nil, err
			}

			o.discardRun(ctx, sess, snap.RunID)

			return o.respond(sess, &Response{Message: "Okay, I've discarded the paused task."}), nil
		}
	}

	var activeModule string
	if snap, ok := sess.Suspended(); ok {
		if def, err := o.defs.Get(ctx, snap.DefinitionID); err == nil {
			activeModule = def.Module
		}
	}

	target := o.matchIntent(ctx, in, activeModule)
	if target == nil {
		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}

		return o.respond(sess, &Response{
			Message:  "I'm not sure how to help with that yet.",
			Metadata: map[string]any{"matched": false},
		}), nil
	}

	return o.startLocked(ctx, sess, target, in, nil, "")
}

// startLocked creates and advances a new run. seed and resumeState restore a
// suspended snapshot; both are empty for a fresh start.
func (o *Orchestrator) startLocked(ctx context.Context, sess *session.Session, def *models.Definition, in Inbound, seed map[string]any, resumeState string) (*Response, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.start",
		attribute.String(otelhelper.DefinitionIDKey, def.ID),
		attribute.String(otelhelper.SessionIDKey, sess.ID),
	)
	defer span.End()

	if problems := def.Validate(o.registry.Has); len(problems) > 0 {
		return nil, fmt.Errorf("definition %s is invalid: %v", def.ID, problems)
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	taskCtx := models.NewTaskContext(def.ID, runID.String(), sess.ID)
	o.seedContext(taskCtx, sess, in)

	for k, v := range seed {
		taskCtx.Data[k] = v
	}

	initial := def.InitialState
	if resumeState != "" && def.State(resumeState) != nil {
		initial = resumeState
	}

	taskCtx.EnterState(initial)

	snapshot, err := taskCtx.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot context: %w", err)
	}

	run := &models.Run{
		ID:           runID.String(),
		DefinitionID: def.ID,
		SessionID:    sess.ID,
		CurrentState: initial,
		Context:      snapshot,
		Status:       models.RunStatusRunning,
	}

	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	sess.SetActiveTask(session.TaskPointer{
		DefinitionID: def.ID,
		RunID:        run.ID,
		CurrentState: initial,
	})

	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	started := events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent, def.ID),
		RunID:        run.ID,
		InitialState: initial,
		Intent:       in.Intent,
	}
	started.SessionID = sess.ID
	o.publish(ctx, sess.ID, started)

	return o.advance(ctx, def, run, taskCtx, sess, "")
}

func (o *Orchestrator) resumeLocked(ctx context.Context, sess *session.Session, ptr session.TaskPointer, in Inbound) (*Response, error) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.resume",
		attribute.String(otelhelper.RunIDKey, ptr.RunID),
		attribute.String(otelhelper.SessionIDKey, sess.ID),
	)
	defer span.End()

	run, err := o.runs.GetByID(ctx, ptr.RunID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			sess.ClearActiveTask()

			if saveErr := o.sessions.Save(ctx, sess); saveErr != nil {
				return nil, saveErr
			}

			return nil, ErrNoActiveTask
		}

		return nil, err
	}

	if run.IsTerminal() {
		// A stale pointer to a finished run; clean it up instead of trying
		// to mutate an immutable run.
		sess.ClearActiveTask()

		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}

		return nil, ErrNoActiveTask
	}

	def, err := o.defs.Get(ctx, run.DefinitionID)
	if err != nil {
		return o.failActive(ctx, sess, ptr, "definition no longer available")
	}

	taskCtx, err := models.ContextFromSnapshot(run.Context)
	if err != nil {
		return o.failActive(ctx, sess, ptr, fmt.Sprintf("corrupt context snapshot: %v", err))
	}

	// Session-derived fields may have changed mid-task.
	o.seedContext(taskCtx, sess, in)

	event := in.Event
	if event == "" {
		event = models.EventUserMessage
	}

	resumed := events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, def.ID),
		RunID:     run.ID,
		State:     taskCtx.System.CurrentState,
		Event:     event,
	}
	resumed.SessionID = sess.ID
	o.publish(ctx, sess.ID, resumed)

	return o.advance(ctx, def, run, taskCtx, sess, event)
}

// advance synchronously executes consecutive states until a wait state, a
// terminal state, a stall, or the iteration cap.
func (o *Orchestrator) advance(ctx context.Context, def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session, event string) (*Response, error) {
	for i := 0; i < o.advanceCap; i++ {
		result, err := o.engine.ExecuteState(ctx, def, taskCtx, event)
		event = ""

		if err != nil {
			return o.failRun(ctx, def, run, taskCtx, sess, err)
		}

		if result.Paused || result.Stalled {
			return o.parkRun(ctx, def, run, taskCtx, sess, result.Stalled)
		}

		if result.Completed {
			return o.completeRun(ctx, def, run, taskCtx, sess)
		}

		// A transition resolved; the run record tracks every hop.
		if err := o.persistRun(ctx, run, taskCtx); err != nil {
			return nil, err
		}
	}

	return o.reportCycle(ctx, def, run, taskCtx, sess)
}

func (o *Orchestrator) parkRun(ctx context.Context, def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session, stalled bool) (*Response, error) {
	if stalled {
		o.logger.Warn("Run stalled, holding state for next turn",
			"definition_id", def.ID, "run_id", run.ID, "state", taskCtx.System.CurrentState)
	}

	// Extract the reply before snapshotting so the cleared slot is what gets
	// persisted; a redelivered message can never replay a stale reply.
	resp := o.assemble(def, run, taskCtx, sess, false)

	if err := o.persistRun(ctx, run, taskCtx); err != nil {
		return nil, err
	}

	sess.SetActiveTask(session.TaskPointer{
		DefinitionID: def.ID,
		RunID:        run.ID,
		CurrentState: taskCtx.System.CurrentState,
	})

	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	paused := events.RunPaused{
		BaseEvent: events.NewBaseEvent(events.RunPausedEvent, def.ID),
		RunID:     run.ID,
		WaitState: taskCtx.System.CurrentState,
	}
	paused.SessionID = sess.ID
	o.publish(ctx, sess.ID, paused)

	return resp, nil
}

func (o *Orchestrator) completeRun(ctx context.Context, def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session) (*Response, error) {
	resp := o.assemble(def, run, taskCtx, sess, true)

	run.Finish(models.RunStatusCompleted, "")

	if err := o.persistRun(ctx, run, taskCtx); err != nil {
		return nil, err
	}

	o.foldHistory(taskCtx, sess)
	sess.ClearActiveTask()

	// Offer the parked task back once the interrupting one is done.
	if snap, suspended := sess.Suspended(); suspended {
		if resp.Metadata == nil {
			resp.Metadata = make(map[string]any)
		}

		resp.Metadata["suspended_task"] = snap.DefinitionID
		resp.Message = strings.TrimSpace(resp.Message +
			"\n\nYou still have a paused task. Say \"resume\" to pick it back up or \"discard\" to drop it.")
	}

	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	completed := events.RunCompleted{
		BaseEvent:  events.NewBaseEvent(events.RunCompletedEvent, def.ID),
		RunID:      run.ID,
		FinalState: taskCtx.System.CurrentState,
		DurationMs: time.Since(taskCtx.System.StartedAt).Milliseconds(),
	}
	completed.SessionID = sess.ID
	o.publish(ctx, sess.ID, completed)

	return resp, nil
}

// failRun maps an internal failure to the user-facing taxonomy. The raw error
// is logged and stored on the run, never surfaced.
func (o *Orchestrator) failRun(ctx context.Context, def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session, cause error) (*Response, error) {
	category := categorize(cause.Error())

	o.logger.Error("Run failed",
		"definition_id", def.ID,
		"run_id", run.ID,
		"state", taskCtx.System.CurrentState,
		"category", string(category),
		"error", cause)

	run.Finish(models.RunStatusFailed, cause.Error())

	if err := o.persistRun(ctx, run, taskCtx); err != nil {
		o.logger.Error("Failed to persist failed run", "run_id", run.ID, "error", err)
	}

	o.foldHistory(taskCtx, sess)
	sess.ClearActiveTask()

	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	failed := events.RunFailed{
		BaseEvent: events.NewBaseEvent(events.RunFailedEvent, def.ID),
		RunID:     run.ID,
		State:     taskCtx.System.CurrentState,
		Error:     cause.Error(),
	}
	failed.SessionID = sess.ID
	o.publish(ctx, sess.ID, failed)

	return &Response{
		RunID:     run.ID,
		SessionID: sess.ID,
		Message:   userMessage(category),
		Metadata:  map[string]any{"error_category": string(category)},
		Completed: true,
	}, nil
}

func (o *Orchestrator) reportCycle(ctx context.Context, def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session) (*Response, error) {
	o.logger.Error("Auto-advance cap exceeded, definition likely has a cycle",
		"definition_id", def.ID,
		"run_id", run.ID,
		"state", taskCtx.System.CurrentState,
		"cap", o.advanceCap)

	cycle := events.CycleDetected{
		BaseEvent:  events.NewBaseEvent(events.CycleDetectedEvent, def.ID),
		RunID:      run.ID,
		State:      taskCtx.System.CurrentState,
		Iterations: o.advanceCap,
		Trail:      taskCtx.System.PreviousStates,
	}
	cycle.SessionID = sess.ID
	o.publish(ctx, sess.ID, cycle)

	return o.failRun(ctx, def, run, taskCtx, sess,
		fmt.Errorf("auto-advance exceeded %d iterations at state %q", o.advanceCap, taskCtx.System.CurrentState))
}

// suspendActive snapshots the active run into the session's suspended slot
// and detaches the pointer. The run itself stays running in the ledger so the
// resume offer can reattach it; an abandoned one is eventually swept. A newer
// interruption overwrites an older snapshot.
func (o *Orchestrator) suspendActive(ctx context.Context, sess *session.Session, ptr session.TaskPointer, interruptedBy string) error {
	run, err := o.runs.GetByID(ctx, ptr.RunID)
	if err != nil {
		return err
	}

	taskCtx, err := models.ContextFromSnapshot(run.Context)
	if err != nil {
		return fmt.Errorf("corrupt context snapshot for run %s: %w", run.ID, err)
	}

	sess.SetSuspended(session.Snapshot{
		DefinitionID: run.DefinitionID,
		RunID:        run.ID,
		CurrentState: run.CurrentState,
		Data:         taskCtx.Data,
	})
	sess.ClearActiveTask()

	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}

	suspended := events.RunSuspended{
		BaseEvent:     events.NewBaseEvent(events.RunSuspendedEvent, run.DefinitionID),
		RunID:         run.ID,
		State:         run.CurrentState,
		InterruptedBy: interruptedBy,
	}
	suspended.SessionID = sess.ID
	o.publish(ctx, sess.ID, suspended)

	return nil
}

// resumeSnapshot reattaches the session to its suspended run. The run was
// left running at its wait state, so re-entering the state fresh replays the
// prompt. A run swept or lost while parked is rebuilt from the snapshot data.
func (o *Orchestrator) resumeSnapshot(ctx context.Context, sess *session.Session, snap session.Snapshot, in Inbound) (*Response, error) {
	def, err := o.defs.Get(ctx, snap.DefinitionID)
	if err != nil {
		sess.ClearSuspended()

		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}

		return o.respond(sess, &Response{Message: userMessage(CategoryGeneric)}), nil
	}

	sess.ClearSuspended()

	run, err := o.runs.GetByID(ctx, snap.RunID)
	if err != nil || run.IsTerminal() {
		return o.startLocked(ctx, sess, def, in, snap.Data, snap.CurrentState)
	}

	taskCtx, err := models.ContextFromSnapshot(run.Context)
	if err != nil {
		return o.startLocked(ctx, sess, def, in, snap.Data, snap.CurrentState)
	}

	o.seedContext(taskCtx, sess, in)

	sess.SetActiveTask(session.TaskPointer{
		DefinitionID: def.ID,
		RunID:        run.ID,
		CurrentState: run.CurrentState,
	})

	resumed := events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, def.ID),
		RunID:     run.ID,
		State:     run.CurrentState,
	}
	resumed.SessionID = sess.ID
	o.publish(ctx, sess.ID, resumed)

	return o.advance(ctx, def, run, taskCtx, sess, "")
}

// discardRun cancels a suspended run whose owner declined the resume offer.
func (o *Orchestrator) discardRun(ctx context.Context, sess *session.Session, runID string) {
	if runID == "" {
		return
	}

	run, err := o.runs.GetByID(ctx, runID)
	if err != nil || run.IsTerminal() {
		return
	}

	run.Finish(models.RunStatusCancelled, "discarded")

	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Error("Failed to cancel discarded run", "run_id", runID, "error", err)
		return
	}

	cancelled := events.RunCancelled{
		BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, run.DefinitionID),
		RunID:     run.ID,
		State:     run.CurrentState,
		Reason:    "discarded",
	}
	cancelled.SessionID = sess.ID
	o.publish(ctx, sess.ID, cancelled)
}

func (o *Orchestrator) failActive(ctx context.Context, sess *session.Session, ptr session.TaskPointer, reason string) (*Response, error) {
	o.logger.Error("Failing active run", "run_id", ptr.RunID, "reason", reason)

	run, err := o.runs.GetByID(ctx, ptr.RunID)
	if err == nil && !run.IsTerminal() {
		run.Finish(models.RunStatusFailed, reason)

		if err := o.runs.Update(ctx, run); err != nil {
			o.logger.Error("Failed to persist failed run", "run_id", run.ID, "error", err)
		}
	}

	sess.ClearActiveTask()

	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	return &Response{
		SessionID: sess.ID,
		Message:   userMessage(CategoryGeneric),
		Metadata:  map[string]any{"error_category": string(CategoryGeneric)},
		Completed: true,
	}, nil
}

// seedContext copies session-level continuity into the task context: history,
// auth, location, channel, remembered entities, and the inbound turn itself.
func (o *Orchestrator) seedContext(taskCtx *models.TaskContext, sess *session.Session, in Inbound) {
	taskCtx.Data[historyKey] = sess.History()
	taskCtx.Data["authenticated"] = sess.Authenticated()

	if loc := sess.Location(); loc != "" {
		taskCtx.Data["location"] = loc
	}

	if ch := sess.Channel(); ch != "" {
		taskCtx.Data["channel"] = ch
	}

	for k, v := range sess.Entities() {
		if _, exists := taskCtx.Data[k]; !exists {
			taskCtx.Data[k] = v
		}
	}

	for k, v := range in.Entities {
		taskCtx.Data[k] = v
	}

	taskCtx.Data["message"] = in.Message

	if in.Intent != "" {
		taskCtx.Data["intent"] = in.Intent
	}
}

// foldHistory merges the task-local conversation buffer back into the session
// so later unrelated tasks keep continuity. The buffer was seeded from the
// session itself, so only turns the task added are folded; everything already
// in the session buffer is skipped.
func (o *Orchestrator) foldHistory(taskCtx *models.TaskContext, sess *session.Session) {
	raw, ok := taskCtx.Data[historyKey]
	if !ok {
		return
	}

	seen := make(map[string]struct{})
	for _, turn := range sess.History() {
		seen[turn] = struct{}{}
	}

	fold := func(turn string) {
		if _, dup := seen[turn]; dup {
			return
		}

		seen[turn] = struct{}{}
		sess.AppendHistory(turn)
	}

	switch turns := raw.(type) {
	case []string:
		for _, t := range turns {
			fold(t)
		}
	case []any:
		for _, t := range turns {
			if s, ok := t.(string); ok {
				fold(s)
			}
		}
	}
}

// assemble builds the channel response from the context's response slot,
// clearing it, and computes progress.
func (o *Orchestrator) assemble(def *models.Definition, run *models.Run, taskCtx *models.TaskContext, sess *session.Session, completed bool) *Response {
	resp := &Response{
		RunID:     run.ID,
		SessionID: sess.ID,
		Completed: completed,
		Progress:  progress(def, taskCtx, completed),
	}

	slot := taskCtx.Response()
	if slot != nil {
		resp.Message, _ = slot["message"].(string)
		resp.Buttons, _ = slot["buttons"].([]any)
		resp.Cards, _ = slot["cards"].([]any)
		resp.Metadata, _ = slot["metadata"].(map[string]any)
	}

	if reason, ok := taskCtx.Data[engine.ValidationErrorKey].(string); ok && resp.Message == "" {
		resp.Message = reason
	}

	if resp.Message != "" {
		sess.AppendHistory("bot: " + resp.Message)
	}

	return resp
}

// respond finishes a turn that never touched a run.
func (o *Orchestrator) respond(sess *session.Session, resp *Response) *Response {
	resp.SessionID = sess.ID

	if resp.Message != "" {
		sess.AppendHistory("bot: " + resp.Message)
	}

	return resp
}

func (o *Orchestrator) respondSuspended(sess *session.Session, ptr session.TaskPointer) *Response {
	return o.respond(sess, &Response{
		Message: "Okay, I've paused that. Say \"resume\" when you want to pick it back up.",
		Metadata: map[string]any{
			"suspended_task": ptr.DefinitionID,
		},
	})
}

func (o *Orchestrator) persistRun(ctx context.Context, run *models.Run, taskCtx *models.TaskContext) error {
	snapshot, err := taskCtx.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot context: %w", err)
	}

	run.CurrentState = taskCtx.System.CurrentState
	run.Context = snapshot

	return o.runs.Update(ctx, run)
}

func (o *Orchestrator) matchIntent(ctx context.Context, in Inbound, activeModule string) *models.Definition {
	defs, err := o.defs.All(ctx)
	if err != nil {
		o.logger.Error("Failed to list definitions for matching", "error", err)
		return nil
	}

	return matchDefinition(defs, in.Intent, in.Message, activeModule)
}

func (o *Orchestrator) publish(ctx context.Context, key string, event eventbus.Event) {
	if o.bus == nil {
		return
	}

	if err := o.bus.Publish(ctx, key, event); err != nil {
		o.logger.Error("Failed to publish event", "type", string(event.GetType()), "error", err)
	}
}

// progress approximates completion as visited states over total states.
func progress(def *models.Definition, taskCtx *models.TaskContext, completed bool) float64 {
	if completed {
		return 1.0
	}

	total := len(def.States)
	if total == 0 {
		return 0
	}

	p := float64(taskCtx.VisitedStates()) / float64(total)
	if p > progressCeiling {
		p = progressCeiling
	}

	return p
}

type choice int

const (
	choiceNone choice = iota
	choiceAccept
	choiceDecline
)

// resumeChoice interprets a short reply to the resume/discard offer.
func resumeChoice(message string) choice {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(message)))
	if len(words) == 0 || len(words) > 2 {
		return choiceNone
	}

	switch words[0] {
	case "resume", "yes", "continue", "y":
		return choiceAccept
	case "discard", "no", "drop", "n":
		return choiceDecline
	default:
		return choiceNone
	}
}
