package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandworks/strand/pkg/schema"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestMemoryHubPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		RunID:     "run-1",
		StepID:    "fetch",
		EventType: schema.EventStepStarted,
	}))

	e := recv(t, ch)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, schema.EventStepStarted, e.EventType)
}

func TestMemoryHubFiltersByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: schema.EventRunStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", EventType: schema.EventRunStarted}))

	e := recv(t, ch)
	assert.Equal(t, "run-2", e.RunID)
	assert.Empty(t, ch)
}

func TestMemoryHubFiltersByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventBudgetExceeded}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventBudgetExceeded}))

	e := recv(t, ch)
	assert.Equal(t, schema.EventBudgetExceeded, e.EventType)
}

func TestMemoryHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventStepStarted}))
	}
	assert.Len(t, ch, subscriberBuffer, "overflow must be dropped, not block")
}

func TestMemoryHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventRunStarted}))

	_, open := <-ch
	assert.False(t, open, "unsubscribing closes the channel")
}

func TestMemoryHubIndependentSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()

	one, cancelOne, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	cancelOne()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: schema.EventRunStarted}))

	e := recv(t, all)
	assert.Equal(t, "run-1", e.RunID)
	_, open := <-one
	assert.False(t, open)
}
