package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthgen/dispatcher/internal/event"
)

func mustLine() event.Line {
	return event.Line{
		CustomID: "req-1",
		Method:   "POST",
		URL:      "/v1/chat/completions",
		Body:     map[string]any{"model": "gpt", "messages": []any{"hi"}},
	}
}

func TestFakeTransitionCAS(t *testing.T) {
	ctx := context.Background()
	store := NewFake()

	e, err := event.NewPending("msg-1", "batch-1", mustLine(), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{e}))

	err = store.Transition(ctx, "msg-1", event.StatusPending, event.StatusProcessing, Patch{"attempt": 1})
	require.NoError(t, err)

	got, err := store.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempt)

	// A transition from the wrong expected status loses the race.
	err = store.Transition(ctx, "msg-1", event.StatusPending, event.StatusCompleted, Patch{})
	assert.Error(t, err)

	err = store.Transition(ctx, "does-not-exist", event.StatusPending, event.StatusProcessing, Patch{})
	assert.Error(t, err)
}

func TestFakeFindCachedCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewFake()

	line := mustLine()
	e1, _ := event.NewPending("msg-1", "batch-1", line, time.Now().Add(-time.Hour))
	e1.Status = event.StatusCompleted
	e1.Cached = false
	e2, _ := event.NewPending("msg-2", "batch-1", line, time.Now())
	e2.Status = event.StatusCompleted
	e2.Cached = false

	require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{e1, e2}))

	cached, err := store.FindCachedCompletion(ctx, e1.BodyHash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "msg-1", cached.MessageID, "expected the earliest matching completion")

	miss, err := store.FindCachedCompletion(ctx, "nonexistent-hash")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestFakeAggregateBatch(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	line := mustLine()

	now := time.Now()
	completed, _ := event.NewPending("msg-1", "batch-1", line, now)
	completed.Status = event.StatusCompleted
	completed.TotalTokens = 100
	completedAt := now.Add(time.Second)
	completed.CompletedAt = &completedAt

	pending, _ := event.NewPending("msg-2", "batch-1", line, now)

	require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{completed, pending}))

	stats, err := store.AggregateBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, event.StatusPending, stats.Status)
	assert.EqualValues(t, 100, stats.TotalTokens)

	_, err = store.AggregateBatch(ctx, "no-such-batch")
	assert.Error(t, err)
}

func TestFakeDeleteByHash(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	line := mustLine()
	e, _ := event.NewPending("msg-1", "batch-1", line, time.Now())

	require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{e}))
	n, err := store.DeleteByHash(ctx, e.BodyHash)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "msg-1")
	assert.Error(t, err)
}

func TestFakeScrollTasks(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	line := mustLine()

	for i := 0; i < 3; i++ {
		e, _ := event.NewPending(string(rune('a'+i)), "batch-1", line, time.Now())
		require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{e}))
	}

	cursor, err := store.ScrollTasks(ctx, "batch-1", nil)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	tasks, total, ok, err := cursor.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, total)
	assert.Len(t, tasks, 3)

	_, _, ok, err = cursor.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cursor should be exhausted after the first page")
}

func TestFakeCountPending(t *testing.T) {
	ctx := context.Background()
	store := NewFake()
	line := mustLine()

	e1, _ := event.NewPending("msg-1", "batch-1", line, time.Now())
	e2, _ := event.NewPending("msg-2", "batch-1", line, time.Now())
	e2.Status = event.StatusProcessing

	require.NoError(t, store.CreatePendingBulk(ctx, []event.Event{e1, e2}))

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
