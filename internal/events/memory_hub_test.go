package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, Event{Type: "task_scheduled", TaskID: "t1"}))

	got := receive(t, ch)
	assert.Equal(t, "task_scheduled", got.Type)
	assert.Equal(t, "t1", got.TaskID)
}

func TestMemoryHub_FilterByTypeAndTask(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{TaskID: "t1", Types: []string{"task_completed"}})
	require.NoError(t, err)
	defer cancel()

	_ = h.Publish(ctx, Event{Type: "task_completed", TaskID: "other"})
	_ = h.Publish(ctx, Event{Type: "task_scheduled", TaskID: "t1"})
	_ = h.Publish(ctx, Event{Type: "task_completed", TaskID: "t1"})

	got := receive(t, ch)
	assert.Equal(t, "task_completed", got.Type)
	assert.Equal(t, "t1", got.TaskID)

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestMemoryHub_CancelUnsubscribes(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, Event{Type: "task_scheduled"}))

	select {
	case e := <-ch:
		t.Fatalf("event after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Publish past the buffer without reading; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelBuffer+10; i++ {
			_ = h.Publish(ctx, Event{Type: "task_scheduled"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.LessOrEqual(t, len(ch), defaultChannelBuffer)
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	h := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()

	_, _, err := h.Subscribe(ctx, Filter{})
	assert.Error(t, err)
	assert.Error(t, h.Publish(ctx, Event{Type: "x"}))
}
