package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence/file"
	"github.com/colloquy/colloquy/pkg/session"
	"github.com/colloquy/colloquy/pkg/session/memory"
)

func newTestSweeper(t *testing.T, ttl time.Duration) (*Sweeper, *file.Persistence, session.Store) {
	t.Helper()

	pers := file.NewPersistence(t.TempDir())
	sessions := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewSweeper(pers.Runs(), sessions, logger, ttl), pers, sessions
}

func TestSweepOnceFailsStaleRuns(t *testing.T) {
	ctx := context.Background()
	sweeper, pers, sessions := newTestSweeper(t, time.Nanosecond)

	run := &models.Run{
		ID:           "run-1",
		DefinitionID: "order_food",
		SessionID:    "s-1",
		CurrentState: "wait_dish",
		Status:       models.RunStatusRunning,
	}
	require.NoError(t, pers.Runs().Create(ctx, run))

	sess, err := sessions.Get(ctx, "s-1")
	require.NoError(t, err)
	sess.SetActiveTask(session.TaskPointer{DefinitionID: "order_food", RunID: "run-1", CurrentState: "wait_dish"})
	require.NoError(t, sessions.Save(ctx, sess))

	time.Sleep(5 * time.Millisecond)

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	failed, err := pers.Runs().GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "swept")

	sess, err = sessions.Get(ctx, "s-1")
	require.NoError(t, err)
	_, active := sess.ActiveTask()
	assert.False(t, active)
}

func TestSweepOnceSkipsFreshRuns(t *testing.T) {
	ctx := context.Background()
	sweeper, pers, _ := newTestSweeper(t, time.Hour)

	run := &models.Run{
		ID:           "run-2",
		DefinitionID: "order_food",
		SessionID:    "s-2",
		Status:       models.RunStatusRunning,
	}
	require.NoError(t, pers.Runs().Create(ctx, run))

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	fresh, err := pers.Runs().GetByID(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, fresh.Status)
}

func TestSweepOnceLeavesForeignPointerAlone(t *testing.T) {
	ctx := context.Background()
	sweeper, pers, sessions := newTestSweeper(t, time.Nanosecond)

	run := &models.Run{
		ID:           "run-3",
		DefinitionID: "order_food",
		SessionID:    "s-3",
		Status:       models.RunStatusRunning,
	}
	require.NoError(t, pers.Runs().Create(ctx, run))

	// The session has already moved on to a newer run.
	sess, err := sessions.Get(ctx, "s-3")
	require.NoError(t, err)
	sess.SetActiveTask(session.TaskPointer{DefinitionID: "order_food", RunID: "run-9", CurrentState: "ask"})
	require.NoError(t, sessions.Save(ctx, sess))

	time.Sleep(5 * time.Millisecond)

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	sess, err = sessions.Get(ctx, "s-3")
	require.NoError(t, err)
	ptr, active := sess.ActiveTask()
	require.True(t, active)
	assert.Equal(t, "run-9", ptr.RunID)
}
