package aggregation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
)

func mustLine() event.Line {
	return event.Line{CustomID: "c1", Method: "POST", URL: "/v1/chat", Body: map[string]any{"model": "gpt"}}
}

func TestListTasksPageValidatesBounds(t *testing.T) {
	svc := New(eventstore.NewFake())
	ctx := context.Background()

	_, err := svc.ListTasksPage(ctx, "b1", nil, 1, 0)
	assert.Error(t, err)
	_, err = svc.ListTasksPage(ctx, "b1", nil, 1, 10001)
	assert.Error(t, err)
	_, err = svc.ListTasksPage(ctx, "b1", nil, 0, 10)
	assert.Error(t, err)
}

func TestUsageTimeSeriesValidatesTimeRangeAndInterval(t *testing.T) {
	svc := New(eventstore.NewFake())
	ctx := context.Background()

	_, err := svc.UsageTimeSeries(ctx, "b1", "not-a-range", "1h")
	assert.Error(t, err)
	_, err = svc.UsageTimeSeries(ctx, "b1", "30m", "3m")
	assert.Error(t, err)
	_, err = svc.UsageTimeSeries(ctx, "b1", "1441m", "1h")
	assert.Error(t, err)
	_, err = svc.UsageTimeSeries(ctx, "b1", "721h", "1h")
	assert.Error(t, err)
	_, err = svc.UsageTimeSeries(ctx, "b1", "366d", "1h")
	assert.Error(t, err)

	_, err = svc.UsageTimeSeries(ctx, "b1", "30m", "1h")
	assert.NoError(t, err)
}

func TestExportTasksStreamsNDJSON(t *testing.T) {
	es := eventstore.NewFake()
	ctx := context.Background()
	e1, err := event.NewPending("m1", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	e2, err := event.NewPending("m2", "b1", mustLine(), time.Now())
	require.NoError(t, err)
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{e1, e2}))

	svc := New(es)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, svc.ExportTasks(ctx, w, "b1", nil))

	scanner := bufio.NewScanner(&buf)
	lines := 0
	for scanner.Scan() {
		var page struct {
			Tasks []event.Event `json:"tasks"`
			Total int           `json:"total"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &page))
		assert.Equal(t, 2, page.Total)
		lines++
	}
	assert.Equal(t, 1, lines, "two tasks fit in a single scroll page")
}

func TestQueuePosition(t *testing.T) {
	es := eventstore.NewFake()
	ctx := context.Background()
	now := time.Now()
	first, err := event.NewPending("m1", "b1", mustLine(), now.Add(-time.Minute))
	require.NoError(t, err)
	second, err := event.NewPending("m2", "b1", mustLine(), now)
	require.NoError(t, err)
	require.NoError(t, es.CreatePendingBulk(ctx, []event.Event{first, second}))

	svc := New(es)
	n, err := svc.QueuePosition(ctx, &second)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both pending events were created at or before the second one")
}
