package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
)

func newTestReaper(t *testing.T) (*Reaper, *eventstore.Fake, *broker.Fake, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{}
	cfg.Execution.MaxRetries = 2
	cfg.Broker.TasksQueue = "tasks"

	es := eventstore.NewFake()
	b := broker.NewFake()
	return New(&cfg, rdb, es, b, zap.NewNop()), es, b, rdb
}

func mustLine() event.Line {
	return event.Line{CustomID: "c1", Method: "POST", URL: "/v1/chat", Body: map[string]any{"model": "gpt"}}
}

func TestScanRequeuesTaskWithoutHeartbeat(t *testing.T) {
	r, es, b, _ := newTestReaper(t)
	ctx := context.Background()

	e, err := event.NewPending("m1", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	e.Status = event.StatusProcessing
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{e}))

	r.scanOnce(ctx)

	got, err := es.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, event.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempt)

	depth, err := b.QueueDepth(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestScanLeavesHealthyTaskAlone(t *testing.T) {
	r, es, b, rdb := newTestReaper(t)
	ctx := context.Background()

	e, err := event.NewPending("m2", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	e.Status = event.StatusProcessing
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{e}))
	require.NoError(t, rdb.Set(ctx, "dispatcher:hb:m2", "1", time.Minute).Err())

	r.scanOnce(ctx)

	got, err := es.Get(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, got.Status, "a live heartbeat must protect the task from recovery")

	_, err = b.QueueDepth(ctx, "tasks")
	assert.Error(t, err, "nothing should have been republished")
}

func TestScanFailsTaskAfterRetriesExhausted(t *testing.T) {
	r, es, _, _ := newTestReaper(t)
	ctx := context.Background()

	e, err := event.NewPending("m3", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	e.Status = event.StatusProcessing
	e.Attempt = 2 // already at MaxRetries
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{e}))

	r.scanOnce(ctx)

	got, err := es.Get(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, got.Status)
}

func TestScanIgnoresPendingAndCompletedTasks(t *testing.T) {
	r, es, _, _ := newTestReaper(t)
	ctx := context.Background()

	pending, err := event.NewPending("m4", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	completed, err := event.NewPending("m5", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	completed.Status = event.StatusCompleted
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{pending, completed}))

	r.scanOnce(ctx)

	got, err := es.Get(ctx, "m4")
	require.NoError(t, err)
	assert.Equal(t, event.StatusPending, got.Status)
}
