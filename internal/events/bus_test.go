package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-ai/neon/internal/types"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, cleanup := bus.Subscribe(context.Background(), Filter{}, 10)
	defer cleanup()

	runID := types.NewID()
	require.NoError(t, bus.Publish(context.Background(), Event{
		Type:  EventRunStarted,
		RunID: runID,
	}))

	select {
	case ev := <-sub:
		assert.Equal(t, EventRunStarted, ev.Type)
		assert.Equal(t, runID, ev.RunID)
		assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFilterByTypeAndRun(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	wantRun := types.NewID()
	sub, cleanup := bus.Subscribe(context.Background(), Filter{
		Types: []EventType{EventCaseCompleted},
		RunID: wantRun,
	}, 10)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Event{Type: EventCaseStarted, RunID: wantRun}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventCaseCompleted, RunID: types.NewID()}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventCaseCompleted, RunID: wantRun}))

	select {
	case ev := <-sub:
		assert.Equal(t, EventCaseCompleted, ev.Type)
		assert.Equal(t, wantRun, ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event delivered: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Buffer of one and nobody reading.
	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 1)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = bus.Publish(context.Background(), Event{Type: EventRunProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "close is idempotent")

	err := bus.Publish(context.Background(), Event{Type: EventRunStarted})
	assert.Error(t, err)
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cleanup := bus.Subscribe(context.Background(), Filter{}, 1)
	assert.Equal(t, 1, bus.SubscriberCount())

	cleanup()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestFilterMatches(t *testing.T) {
	runID := types.NewID()

	assert.True(t, Filter{}.Matches(Event{Type: EventRunStarted}))
	assert.True(t, Filter{Types: []EventType{EventRunStarted}}.Matches(Event{Type: EventRunStarted}))
	assert.False(t, Filter{Types: []EventType{EventRunStarted}}.Matches(Event{Type: EventRunCompleted}))
	assert.True(t, Filter{RunID: runID}.Matches(Event{Type: EventRunStarted, RunID: runID}))
	assert.False(t, Filter{RunID: runID}.Matches(Event{Type: EventRunStarted, RunID: types.NewID()}))
}
