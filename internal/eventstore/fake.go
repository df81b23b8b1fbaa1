package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/event"
)

// Fake is an in-memory Store used by pipeline-level tests in
// internal/ingest, internal/executor and internal/reaper, so those
// packages don't need a live OpenSearch cluster to exercise their logic.
type Fake struct {
	mu     sync.Mutex
	events map[string]event.Event
}

// NewFake returns an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{events: map[string]event.Event{}}
}

func (f *Fake) EnsureIndex(ctx context.Context) error { return nil }

func (f *Fake) CreatePendingBulk(ctx context.Context, events []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		f.events[e.MessageID] = e
	}
	return nil
}

func (f *Fake) Transition(ctx context.Context, messageID string, fromExpected, to event.Status, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[messageID]
	if !ok {
		return derrors.NewNotFound("event", messageID)
	}
	if e.Status != fromExpected {
		return derrors.NewConflict("event", messageID, string(fromExpected))
	}
	e.Status = to
	applyPatch(&e, patch)
	f.events[messageID] = e
	return nil
}

func applyPatch(e *event.Event, patch Patch) {
	for k, v := range patch {
		switch k {
		case "attempt":
			if n, ok := toInt(v); ok {
				e.Attempt = n
			}
		case "cached":
			if b, ok := v.(bool); ok {
				e.Cached = b
			}
		case "result":
			if m, ok := v.(map[string]any); ok {
				e.Result = m
			}
		case "completions":
			if m, ok := v.(map[string]any); ok {
				e.Completions = m
			}
		case "prompt_tokens":
			if n, ok := toInt(v); ok {
				e.PromptTokens = n
			}
		case "completion_tokens":
			if n, ok := toInt(v); ok {
				e.CompletionTokens = n
			}
		case "total_tokens":
			if n, ok := toInt(v); ok {
				e.TotalTokens = n
			}
		case "started_at":
			if t, ok := v.(time.Time); ok {
				e.StartedAt = &t
			}
		case "completed_at":
			if t, ok := v.(time.Time); ok {
				e.CompletedAt = &t
				e.DurationMS = e.Duration()
			}
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (f *Fake) FindCachedCompletion(ctx context.Context, bodyHash string) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *event.Event
	for _, e := range f.events {
		if e.BodyHash != bodyHash || e.Status != event.StatusCompleted || e.Cached {
			continue
		}
		e := e
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = &e
		}
	}
	return best, nil
}

func (f *Fake) Get(ctx context.Context, messageID string) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[messageID]
	if !ok {
		return nil, derrors.NewNotFound("event", messageID)
	}
	return &e, nil
}

func (f *Fake) Delete(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[messageID]; !ok {
		return derrors.NewNotFound("event", messageID)
	}
	delete(f.events, messageID)
	return nil
}

func (f *Fake) DeleteByBatch(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.events {
		if e.BatchID == batchID {
			delete(f.events, id)
		}
	}
	return nil
}

func (f *Fake) DeleteByHash(ctx context.Context, bodyHash string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, e := range f.events {
		if e.BodyHash == bodyHash {
			delete(f.events, id)
			n++
		}
	}
	return n, nil
}

func (f *Fake) AggregateBatch(ctx context.Context, batchID string) (*BatchStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := f.batchEvents(batchID)
	if len(matched) == 0 {
		return nil, derrors.NewNotFound("batch", batchID)
	}
	stats := rollup(batchID, matched)
	return &stats, nil
}

func (f *Fake) ListBatches(ctx context.Context) ([]BatchStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byBatch := map[string][]event.Event{}
	for _, e := range f.events {
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e)
	}
	out := make([]BatchStats, 0, len(byBatch))
	for batchID, evs := range byBatch {
		out = append(out, rollup(batchID, evs))
	}
	sort.Slice(out, func(i, j int) bool {
		return latestCreatedAt(out[i].CreatedAt) > latestCreatedAt(out[j].CreatedAt)
	})
	return out, nil
}

func latestCreatedAt(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (f *Fake) batchEvents(batchID string) []event.Event {
	var out []event.Event
	for _, e := range f.events {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out
}

func rollup(batchID string, evs []event.Event) BatchStats {
	var completed, failed, processing, pending, cached int
	var totalTokens, promptTokens, completionTokens int64
	var minCreated, maxCompleted *time.Time
	for _, e := range evs {
		switch e.Status {
		case event.StatusCompleted:
			completed++
		case event.StatusFailed:
			failed++
		case event.StatusProcessing:
			processing++
		case event.StatusPending:
			pending++
		}
		if e.Cached {
			cached++
		} else if e.Status == event.StatusCompleted {
			totalTokens += int64(e.TotalTokens)
			promptTokens += int64(e.PromptTokens)
			completionTokens += int64(e.CompletionTokens)
		}
		if minCreated == nil || e.CreatedAt.Before(*minCreated) {
			c := e.CreatedAt
			minCreated = &c
		}
		if e.CompletedAt != nil && (maxCompleted == nil || e.CompletedAt.After(*maxCompleted)) {
			maxCompleted = e.CompletedAt
		}
	}

	var createdAt, completedAt *string
	var duration *int64
	if minCreated != nil {
		s := minCreated.Format(time.RFC3339)
		createdAt = &s
	}
	if maxCompleted != nil {
		s := maxCompleted.Format(time.RFC3339)
		completedAt = &s
	}
	if minCreated != nil && maxCompleted != nil {
		d := int64(maxCompleted.Sub(*minCreated).Seconds())
		duration = &d
	}

	status := event.BatchStatus(map[event.Status]int{
		event.StatusProcessing: processing,
		event.StatusPending:    pending,
		event.StatusFailed:     failed,
		event.StatusCompleted:  completed,
	})

	return BatchStats{
		BatchID:          batchID,
		Status:           status,
		CreatedAt:        createdAt,
		CompletedAt:      completedAt,
		DurationSeconds:  duration,
		TotalCount:       len(evs),
		CompletedCount:   completed - cached,
		FailedCount:      failed,
		PendingCount:     pending,
		ProcessingCount:  processing,
		CachedCount:      cached,
		TotalTokens:      totalTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
}

func (f *Fake) ScrollTasks(ctx context.Context, batchID string, status *event.Status) (ScrollCursor, error) {
	f.mu.Lock()
	var matched []event.Event
	if batchID == "" {
		for _, e := range f.events {
			matched = append(matched, e)
		}
	} else {
		matched = f.batchEvents(batchID)
	}
	f.mu.Unlock()
	if status != nil {
		filtered := matched[:0]
		for _, e := range matched {
			if e.Status == *status {
				filtered = append(filtered, e)
			}
		}
		matched = filtered
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return &fakeCursor{events: matched, total: len(matched)}, nil
}

// fakeCursor pages through events ScrollPageSize at a time, mirroring the
// real store's scroll query instead of handing back everything in one Next.
type fakeCursor struct {
	events []event.Event
	total  int
	offset int
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) ([]event.Event, int, bool, error) {
	if c.offset >= len(c.events) {
		return nil, c.total, false, nil
	}
	end := c.offset + ScrollPageSize
	if end > len(c.events) {
		end = len(c.events)
	}
	page := c.events[c.offset:end]
	c.offset = end
	return page, c.total, true, nil
}

func (c *fakeCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func (f *Fake) ListTasksPage(ctx context.Context, batchID string, status *event.Status, page, pageSize int) (*TaskPage, error) {
	f.mu.Lock()
	matched := f.batchEvents(batchID)
	f.mu.Unlock()
	if status != nil {
		filtered := matched[:0]
		for _, e := range matched {
			if e.Status == *status {
				filtered = append(filtered, e)
			}
		}
		matched = filtered
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = len(matched)
	}
	start := pageSize * (page - 1)
	end := start + pageSize
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}
	return &TaskPage{Total: len(matched), Page: page, PageSize: pageSize, Tasks: matched[start:end]}, nil
}

func (f *Fake) UsageTimeSeries(ctx context.Context, batchID, timeRange, interval string) (*UsageStats, error) {
	f.mu.Lock()
	matched := f.batchEvents(batchID)
	f.mu.Unlock()
	var completed, failed, cached, processing int
	var totalTokens, promptTokens, completionTokens int64
	for _, e := range matched {
		switch e.Status {
		case event.StatusCompleted:
			completed++
		case event.StatusFailed:
			failed++
		case event.StatusProcessing:
			processing++
		}
		if e.Cached {
			cached++
		}
		totalTokens += int64(e.TotalTokens)
		promptTokens += int64(e.PromptTokens)
		completionTokens += int64(e.CompletionTokens)
	}
	hitRate := 0.0
	if len(matched) > 0 {
		hitRate = round2(float64(cached) / float64(len(matched)) * 100)
	}
	return &UsageStats{
		TimeRange:   timeRange,
		Interval:    interval,
		CurrentTime: time.Now().UTC().Format(timeLayout),
		TimeSeries:  nil,
		Summary: UsageSummary{
			TotalTasks:            len(matched),
			CompletedTasks:        completed - cached,
			FailedTasks:           failed,
			CachedTasks:           cached,
			ProcessingTasks:       processing,
			TotalPromptTokens:     promptTokens,
			TotalCompletionTokens: completionTokens,
			TotalTokens:           totalTokens,
			CacheHitRatePercent:   hitRate,
		},
	}, nil
}

func (f *Fake) GlobalTaskStats(ctx context.Context) (*TaskStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &TaskStats{}
	for _, e := range f.events {
		stats.TotalTasks++
		switch e.Status {
		case event.StatusCompleted:
			stats.CompletedTasks++
		case event.StatusFailed:
			stats.FailedTasks++
		case event.StatusProcessing:
			stats.ProcessingTasks++
		case event.StatusPending:
			stats.PendingTasks++
		}
		if e.Cached {
			stats.CachedTasks++
		}
		stats.TotalTokens += int64(e.TotalTokens)
		stats.PromptTokens += int64(e.PromptTokens)
		stats.CompletionTokens += int64(e.CompletionTokens)
	}
	return stats, nil
}

func (f *Fake) CountPendingBefore(ctx context.Context, createdAt string) (int, error) {
	cutoff, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0, derrors.NewValidation("invalid created_at: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Status == event.StatusPending && !e.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) CountPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Status == event.StatusPending || e.Status == event.StatusProcessing {
			n++
		}
	}
	return n, nil
}

var _ Store = (*Fake)(nil)
