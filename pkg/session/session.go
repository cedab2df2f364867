// Package session holds the cross-task conversational state for one user.
// A session never owns a run's context; it keeps only a lightweight pointer to
// the active run, an optional suspended-task snapshot, and the durable
// conversation memory that outlives individual tasks.
package session

import (
	"context"

	"github.com/mitchellh/mapstructure"
)

// HistoryCap bounds the cross-task conversation buffer. Older turns fall off
// the front.
const HistoryCap = 40

// Well-known keys inside Session.Data. Everything under Data is plain JSON so
// any Store backend can persist a session without schema knowledge.
const (
	keyActiveTask = "active_task"
	keySuspended  = "suspended_task"
	keyHistory    = "conversation_history"
	keyAuth       = "authenticated"
	keyLocation   = "location"
	keyChannel    = "channel"
	keyEntities   = "entities"
	keyLastIntent = "last_intent"
)

// TaskPointer locates the run a session is currently driving.
type TaskPointer struct {
	DefinitionID string `json:"definition_id" mapstructure:"definition_id"`
	RunID        string `json:"run_id"        mapstructure:"run_id"`
	CurrentState string `json:"current_state" mapstructure:"current_state"`
}

// Snapshot parks an interrupted task so it can be resumed after the
// interrupting task finishes. Only one snapshot is held; a newer interruption
// overwrites an older one.
type Snapshot struct {
	DefinitionID string         `json:"definition_id" mapstructure:"definition_id"`
	RunID        string         `json:"run_id"        mapstructure:"run_id"`
	CurrentState string         `json:"current_state" mapstructure:"current_state"`
	Data         map[string]any `json:"data"          mapstructure:"data"`
}

// Store persists sessions. Update is the atomic read-modify-write primitive;
// closely spaced turns for the same session must never lose writes.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
}

// Session is the unit the Store persists. Data is the single source of truth;
// the typed accessors below read and write well-known keys inside it.
type Session struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

func New(id string) *Session {
	return &Session{ID: id, Data: make(map[string]any)}
}

// Clone returns a deep copy so callers can mutate freely without racing the
// store's internal state.
func (s *Session) Clone() *Session {
	return &Session{ID: s.ID, Data: cloneMap(s.Data)}
}

// ActiveTask returns the pointer to the run this session is driving, if any.
func (s *Session) ActiveTask() (TaskPointer, bool) {
	var ptr TaskPointer
	if !s.decode(keyActiveTask, &ptr) || ptr.RunID == "" {
		return TaskPointer{}, false
	}

	return ptr, true
}

func (s *Session) SetActiveTask(ptr TaskPointer) {
	s.Data[keyActiveTask] = map[string]any{
		"definition_id": ptr.DefinitionID,
		"run_id":        ptr.RunID,
		"current_state": ptr.CurrentState,
	}
}

func (s *Session) ClearActiveTask() {
	delete(s.Data, keyActiveTask)
}

// Suspended returns the parked snapshot of an interrupted task, if any.
func (s *Session) Suspended() (Snapshot, bool) {
	var snap Snapshot
	if !s.decode(keySuspended, &snap) || snap.DefinitionID == "" {
		return Snapshot{}, false
	}

	return snap, true
}

func (s *Session) SetSuspended(snap Snapshot) {
	s.Data[keySuspended] = map[string]any{
		"definition_id": snap.DefinitionID,
		"run_id":        snap.RunID,
		"current_state": snap.CurrentState,
		"data":          snap.Data,
	}
}

func (s *Session) ClearSuspended() {
	delete(s.Data, keySuspended)
}

// History returns the cross-task conversation buffer, oldest first.
func (s *Session) History() []string {
	raw, ok := s.Data[keyHistory].([]any)
	if !ok {
		// Freshly built sessions store []string before a serialization
		// round-trip turns it into []any.
		if turns, ok := s.Data[keyHistory].([]string); ok {
			return turns
		}

		return nil
	}

	turns := make([]string, 0, len(raw))

	for _, t := range raw {
		if str, ok := t.(string); ok {
			turns = append(turns, str)
		}
	}

	return turns
}

// AppendHistory merges turns into the buffer, dropping consecutive duplicates
// and trimming to HistoryCap.
func (s *Session) AppendHistory(turns ...string) {
	merged := s.History()

	for _, turn := range turns {
		if turn == "" {
			continue
		}

		if len(merged) > 0 && merged[len(merged)-1] == turn {
			continue
		}

		merged = append(merged, turn)
	}

	if len(merged) > HistoryCap {
		merged = merged[len(merged)-HistoryCap:]
	}

	s.Data[keyHistory] = merged
}

func (s *Session) Authenticated() bool {
	auth, _ := s.Data[keyAuth].(bool)
	return auth
}

func (s *Session) SetAuthenticated(auth bool) {
	s.Data[keyAuth] = auth
}

func (s *Session) Location() string {
	loc, _ := s.Data[keyLocation].(string)
	return loc
}

func (s *Session) SetLocation(loc string) {
	s.Data[keyLocation] = loc
}

func (s *Session) Channel() string {
	ch, _ := s.Data[keyChannel].(string)
	return ch
}

func (s *Session) SetChannel(ch string) {
	s.Data[keyChannel] = ch
}

func (s *Session) LastIntent() string {
	intent, _ := s.Data[keyLastIntent].(string)
	return intent
}

func (s *Session) SetLastIntent(intent string) {
	s.Data[keyLastIntent] = intent
}

// Entities returns the entities extracted on earlier turns so a new task can
// reuse them without re-asking.
func (s *Session) Entities() map[string]any {
	ents, _ := s.Data[keyEntities].(map[string]any)
	return ents
}

// MergeEntities overlays newly extracted entities onto the remembered set.
func (s *Session) MergeEntities(entities map[string]any) {
	if len(entities) == 0 {
		return
	}

	merged, ok := s.Data[keyEntities].(map[string]any)
	if !ok {
		merged = make(map[string]any, len(entities))
	}

	for k, v := range entities {
		merged[k] = v
	}

	s.Data[keyEntities] = merged
}

func (s *Session) decode(key string, out any) bool {
	raw, ok := s.Data[key]
	if !ok {
		return false
	}

	return mapstructure.Decode(raw, out) == nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))

	for k, v := range in {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
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
