package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy/colloquy/pkg/channels/gochannel"
	"github.com/colloquy/colloquy/pkg/eventbus"
	"github.com/colloquy/colloquy/pkg/events"
)

func newBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestPublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)
	received := make(chan *events.RunStarted, 1)

	require.NoError(t, bus.Handle(events.RunStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.RunStarted)
		require.True(t, ok)
		received <- started

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	started := events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent, "order_food"),
		RunID:        "run-1",
		InitialState: "greet",
	}
	started.SessionID = "s-1"

	require.NoError(t, bus.Publish(ctx, "s-1", started))

	select {
	case got := <-received:
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "order_food", got.DefinitionID)
		assert.Equal(t, "greet", got.InitialState)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnhandledEventIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)
	completed := make(chan struct{}, 1)

	require.NoError(t, bus.Handle(events.RunCompletedEvent, func(context.Context, any) error {
		completed <- struct{}{}
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for run.paused; it must be acked, not wedge the
	// subscription.
	paused := events.RunPaused{
		BaseEvent: events.NewBaseEvent(events.RunPausedEvent, "order_food"),
		RunID:     "run-1",
		WaitState: "ask_address",
	}
	require.NoError(t, bus.Publish(ctx, "s-1", paused))

	done := events.RunCompleted{
		BaseEvent:  events.NewBaseEvent(events.RunCompletedEvent, "order_food"),
		RunID:      "run-1",
		FinalState: "done",
	}
	require.NoError(t, bus.Publish(ctx, "s-1", done))

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestGenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
