// Package eventstore persists Events to OpenSearch and answers the
// aggregation/export queries the API surface needs, mirroring the
// original Python service's Elasticsearch session
// (original_source/src/database/elastic_session.py) one method at a time.
package eventstore

import (
	"context"

	"github.com/synthgen/dispatcher/internal/event"
)

// ScrollPageSize is the scroll/page size both Client and Fake return tasks
// in, matching the real store's `"size": 10000` scroll query.
const ScrollPageSize = 10000

// Patch is a set of fields applied to an event document during a
// Transition; keys are the event's own JSON field names.
type Patch map[string]any

// BatchStats mirrors _process_batch_stats's output shape.
type BatchStats struct {
	BatchID          string     `json:"batch_id"`
	Status           event.Status `json:"batch_status"`
	CreatedAt        *string    `json:"created_at,omitempty"`
	StartedAt        *string    `json:"started_at,omitempty"`
	CompletedAt      *string    `json:"completed_at,omitempty"`
	DurationSeconds  *int64     `json:"duration,omitempty"`
	TotalCount       int        `json:"total_count"`
	CompletedCount   int        `json:"completed_count"`
	FailedCount      int        `json:"failed_count"`
	PendingCount     int        `json:"pending_count"`
	ProcessingCount  int        `json:"processing_count"`
	CachedCount      int        `json:"cached_count"`
	TotalTokens      int64      `json:"total_tokens"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
}

// TaskPage is a bounded from/size page of task documents.
type TaskPage struct {
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Tasks    []event.Event `json:"tasks"`
}

// UsageBucket is one date_histogram bucket of UsageStats.
type UsageBucket struct {
	Timestamp        string  `json:"timestamp"`
	TotalTasks       int     `json:"total_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	CachedTasks      int     `json:"cached_tasks"`
	TotalTokens      int64   `json:"total_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	AvgDurationMS    int64   `json:"avg_duration_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// UsageSummary is the overall roll-up alongside the UsageStats time series.
type UsageSummary struct {
	TotalTasks             int     `json:"total_tasks"`
	CompletedTasks         int     `json:"completed_tasks"`
	FailedTasks            int     `json:"failed_tasks"`
	CachedTasks            int     `json:"cached_tasks"`
	ProcessingTasks        int     `json:"processing_tasks"`
	TotalPromptTokens      int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens  int64   `json:"total_completion_tokens"`
	TotalTokens            int64   `json:"total_tokens"`
	AverageResponseTimeMS  int64   `json:"average_response_time"`
	TokensPerSecond        float64 `json:"tokens_per_second"`
	CacheHitRatePercent    float64 `json:"cache_hit_rate"`
}

// UsageStats is the response of UsageTimeSeries.
type UsageStats struct {
	TimeRange   string        `json:"time_range"`
	Interval    string        `json:"interval"`
	CurrentTime string        `json:"current_time"`
	TimeSeries  []UsageBucket `json:"time_series"`
	Summary     UsageSummary  `json:"summary"`
}

// TaskStats mirrors get_tasks_usage_stats's global roll-up.
type TaskStats struct {
	TotalTasks       int   `json:"total_tasks"`
	CompletedTasks   int   `json:"completed_tasks"`
	FailedTasks      int   `json:"failed_tasks"`
	CachedTasks      int   `json:"cached_tasks"`
	ProcessingTasks  int   `json:"processing_tasks"`
	PendingTasks     int   `json:"pending_tasks"`
	TotalTokens      int64 `json:"total_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// ScrollCursor pages through a batch's tasks without loading them all into
// memory at once. Close is idempotent and must be called exactly once the
// caller is done, whether it exhausted the cursor or abandoned it early
// (client disconnect).
type ScrollCursor interface {
	// Next returns the next chunk of tasks and the total hit count known at
	// scroll-open time. ok is false once the cursor is exhausted.
	Next(ctx context.Context) (tasks []event.Event, total int, ok bool, err error)
	Close(ctx context.Context) error
}

// Store is the Event Store contract. Client (OpenSearch-backed) and Fake
// (in-memory) both implement it; pipeline-level tests in internal/ingest,
// internal/executor and internal/reaper are written against the interface.
type Store interface {
	EnsureIndex(ctx context.Context) error
	CreatePendingBulk(ctx context.Context, events []event.Event) error
	Transition(ctx context.Context, messageID string, fromExpected, to event.Status, patch Patch) error
	FindCachedCompletion(ctx context.Context, bodyHash string) (*event.Event, error)
	Get(ctx context.Context, messageID string) (*event.Event, error)
	Delete(ctx context.Context, messageID string) error
	DeleteByBatch(ctx context.Context, batchID string) error
	DeleteByHash(ctx context.Context, bodyHash string) (int, error)
	AggregateBatch(ctx context.Context, batchID string) (*BatchStats, error)
	ListBatches(ctx context.Context) ([]BatchStats, error)
	// ScrollTasks pages through every task matching batchID (or every batch,
	// if batchID is empty — used by internal/reaper's cross-batch scan)
	// and, optionally, status.
	ScrollTasks(ctx context.Context, batchID string, status *event.Status) (ScrollCursor, error)
	UsageTimeSeries(ctx context.Context, batchID, timeRange, interval string) (*UsageStats, error)
	ListTasksPage(ctx context.Context, batchID string, status *event.Status, page, pageSize int) (*TaskPage, error)
	GlobalTaskStats(ctx context.Context) (*TaskStats, error)
	CountPendingBefore(ctx context.Context, createdAt string) (int, error)
	// CountPending satisfies obs.PendingCounter for the queue-depth gauge.
	CountPending(ctx context.Context) (int, error)
}
