// Package dispatcher is the end-to-end harness for spec scenarios 1-6: it
// drives internal/ingest and internal/executor, wired to in-memory fakes,
// the same way worker_breaker_integration_test.go drives a real worker
// against miniredis instead of unit-testing each method in isolation.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/aggregation"
	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/executor"
	"github.com/synthgen/dispatcher/internal/ingest"
	"github.com/synthgen/dispatcher/internal/objectstore"
	"github.com/synthgen/dispatcher/internal/upstream/stub"
)

// harness wires the ingest and execution workers to the same fakes, so
// running both Run calls in sequence reproduces the full batch_jobs ->
// tasks -> terminal-event pipeline without a broker, OpenSearch cluster,
// or real upstream.
type harness struct {
	cfg  *config.Config
	rdb  *redis.Client
	es   *eventstore.Fake
	objs *objectstore.Fake
	b    *broker.Fake
	up   *stub.Client
	ing  *ingest.Worker
	exec *executor.Worker
	agg  *aggregation.Service
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Broker.BatchJobsQueue = "batch_jobs"
	cfg.Broker.TasksQueue = "tasks"
	cfg.ObjectStore.Bucket = "uploads"
	cfg.Ingestion.ChunkSize = 500
	cfg.Ingestion.MaxRetries = 3
	cfg.Ingestion.Backoff.Base = time.Millisecond
	cfg.Ingestion.Backoff.Max = 2 * time.Millisecond
	cfg.Ingestion.LockTTL = time.Minute
	cfg.Execution.MaxParallelTasks = 1 // keep tasks-queue draining order deterministic
	cfg.Execution.MaxRetries = maxRetries
	cfg.Execution.Backoff.Base = time.Millisecond
	cfg.Execution.Backoff.Max = 2 * time.Millisecond
	cfg.Execution.LLMTimeout = time.Second
	cfg.Execution.HeartbeatTTL = time.Minute
	cfg.CircuitBreaker = config.CircuitBreaker{
		FailureThreshold: 0.99,
		Window:           time.Minute,
		CooldownPeriod:   time.Millisecond,
		MinSamples:       1 << 20, // effectively disabled: these scenarios aren't about the breaker
	}

	es := eventstore.NewFake()
	objs := objectstore.NewFake()
	b := broker.NewFake()
	up := stub.New()
	log := zap.NewNop()

	return &harness{
		cfg:  cfg,
		rdb:  rdb,
		es:   es,
		objs: objs,
		b:    b,
		up:   up,
		ing:  ingest.New(cfg, rdb, es, objs, b, log),
		exec: executor.New(cfg, rdb, es, up, b, log),
		agg:  aggregation.New(es),
	}
}

// submitBatch stages lines as a JSONL blob and publishes the batch_jobs
// message internal/ingest expects, mirroring what internal/api's
// UploadBatch handler does on the wire.
func (h *harness) submitBatch(t *testing.T, ctx context.Context, batchID string, lines []string) {
	t.Helper()
	objectName := batchID + ".jsonl"
	require.NoError(t, h.objs.Put(ctx, objectName, strings.NewReader(strings.Join(lines, "\n"))))

	msg := event.BatchJobMessage{BatchID: batchID, ObjectName: objectName, BucketName: h.cfg.ObjectStore.Bucket}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, h.b.Publish(ctx, h.cfg.Broker.BatchJobsQueue, body))
}

// run drains batch_jobs then tasks, end to end; broker.Fake.Consume only
// drains what's already queued, so both calls return as soon as the
// pipeline catches up — no goroutines or timing coordination needed.
func (h *harness) run(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, h.ing.Run(ctx))
	require.NoError(t, h.exec.Run(ctx))
}

func line(customID, model string) string {
	return fmt.Sprintf(`{"custom_id":%q,"method":"POST","url":"/v1/chat","body":{"model":%q}}`, customID, model)
}

// Scenario 1: happy path, 3 tasks.
func TestScenarioHappyPathThreeTasks(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	h.submitBatch(t, ctx, "batch-1", []string{line("a", "A"), line("b", "B"), line("c", "C")})
	h.run(t, ctx)

	stats, err := h.agg.BatchRollup(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCount)
	assert.Equal(t, 3, stats.CompletedCount)
	assert.Equal(t, 0, stats.FailedCount)
	assert.Equal(t, 0, stats.CachedCount)

	page, err := h.agg.ListTasksPage(ctx, "batch-1", nil, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 3)
	for _, task := range page.Tasks {
		assert.NotEmpty(t, task.Completions, "completions should carry the stubbed upstream echo")
		require.NotNil(t, task.DurationMS)
		// The stub invokes in-process with no real latency, so duration can
		// legitimately round down to 0ms; a live upstream always takes >0.
		assert.GreaterOrEqual(t, *task.DurationMS, int64(0))
	}
}

// Scenario 2: cache hit.
func TestScenarioCacheHit(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	h.submitBatch(t, ctx, "batch-2", []string{line("a1", "A"), line("a2", "A"), line("b1", "B")})
	h.run(t, ctx)

	page, err := h.agg.ListTasksPage(ctx, "batch-2", nil, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 3)

	var cachedA, freshA int
	for _, task := range page.Tasks {
		switch task.CustomID {
		case "a1", "a2":
			if task.Cached {
				cachedA++
				assert.Zero(t, task.TotalTokens)
			} else {
				freshA++
				assert.NotZero(t, task.TotalTokens)
			}
		case "b1":
			assert.False(t, task.Cached)
			assert.NotZero(t, task.TotalTokens)
		}
	}
	assert.Equal(t, 1, cachedA, "exactly one of the two A bodies should be the cache source")
	assert.Equal(t, 1, freshA)
}

// Scenario 3: invalid line skipped.
func TestScenarioInvalidLineSkipped(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	h.submitBatch(t, ctx, "batch-3", []string{line("a", "A"), line("b", "B"), "not-json", line("c", "C")})
	require.NoError(t, h.ing.Run(ctx))

	stats, err := h.agg.BatchRollup(ctx, "batch-3")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCount)
	assert.Contains(t, h.b.Acked(), h.cfg.Broker.BatchJobsQueue)
}

// Scenario 4: upstream failure becomes FAILED.
func TestScenarioUpstreamFailureBecomesFailed(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	require.NoError(t, h.up.FailNTimes(map[string]any{"model": "D"}, 4))

	h.submitBatch(t, ctx, "batch-4", []string{line("d", "D")})
	h.run(t, ctx)

	page, err := h.agg.ListTasksPage(ctx, "batch-4", nil, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)

	task := page.Tasks[0]
	assert.Equal(t, event.StatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempt)
	assert.NotEmpty(t, task.Result)
	assert.NotNil(t, task.CompletedAt)
}

// Scenario 5: delete propagates.
func TestScenarioDeletePropagates(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	h.submitBatch(t, ctx, "batch-5", []string{line("a", "A")})
	h.run(t, ctx)

	page, err := h.agg.ListTasksPage(ctx, "batch-5", nil, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	messageID := page.Tasks[0].MessageID

	require.NoError(t, h.agg.DeleteBatch(ctx, "batch-5"))

	var nf *derrors.NotFoundError
	_, err = h.agg.BatchRollup(ctx, "batch-5")
	assert.ErrorAs(t, err, &nf)

	_, err = h.agg.GetTask(ctx, messageID)
	assert.ErrorAs(t, err, &nf)
}

// Scenario 6: streamed export.
func TestScenarioStreamedExportChunks(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	const total = 25000
	h.cfg.Ingestion.ChunkSize = 5000
	lines := make([]string, total)
	for i := 0; i < total; i++ {
		lines[i] = line(fmt.Sprintf("c%d", i), "A")
	}
	h.submitBatch(t, ctx, "batch-6", lines)
	require.NoError(t, h.ing.Run(ctx))

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, h.agg.ExportTasks(ctx, w, "batch-6", nil))

	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 64*1024), 64<<20)
	chunks, sum := 0, 0
	seen := make(map[string]bool, total)
	for scanner.Scan() {
		var page struct {
			Tasks []event.Event `json:"tasks"`
			Total int           `json:"total"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &page))
		assert.LessOrEqual(t, len(page.Tasks), eventstore.ScrollPageSize)
		for _, task := range page.Tasks {
			assert.False(t, seen[task.MessageID], "duplicate message_id %s", task.MessageID)
			seen[task.MessageID] = true
		}
		sum += len(page.Tasks)
		chunks++
	}
	require.NoError(t, scanner.Err())
	assert.GreaterOrEqual(t, chunks, 3)
	assert.Equal(t, total, sum)
}
