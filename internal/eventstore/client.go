package eventstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/synthgen/dispatcher/internal/config"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/event"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Client is the OpenSearch-backed Event Store, grounded on
// original_source/src/database/elastic_session.py method-for-method.
type Client struct {
	es    *opensearch.Client
	index string
}

// New builds a Client from dispatcher configuration.
func New(cfg *config.Config) (*Client, error) {
	transport := http.DefaultTransport
	if cfg.EventStore.InsecureSkipVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	es, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.EventStore.Addresses,
		Username:  cfg.EventStore.Username,
		Password:  cfg.EventStore.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, derrors.NewFatal("opensearch client init", err)
	}
	return &Client{es: es, index: cfg.EventStore.Index}, nil
}

// EnsureIndex creates the events index with the mapping used by the
// original Python service (keyword fields for exact-match keys, date
// fields for the three timestamps, object for the dynamic JSON blobs).
func (c *Client) EnsureIndex(ctx context.Context) error {
	existsRes, err := opensearchapi.IndicesExistsRequest{Index: []string{c.index}}.Do(ctx, c.es)
	if err != nil {
		return derrors.NewTransient("eventstore.EnsureIndex exists", err)
	}
	defer existsRes.Body.Close()
	if existsRes.StatusCode == http.StatusOK {
		return nil
	}

	mapping := map[string]any{
		"settings": map[string]any{
			"number_of_replicas": 0,
			"number_of_shards":   1,
			"refresh_interval":   "5s",
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"batch_id":          map[string]any{"type": "keyword"},
				"message_id":        map[string]any{"type": "keyword"},
				"custom_id":         map[string]any{"type": "keyword"},
				"method":            map[string]any{"type": "keyword"},
				"url":               map[string]any{"type": "keyword"},
				"body":              map[string]any{"type": "object"},
				"body_hash":         map[string]any{"type": "keyword"},
				"result":            map[string]any{"type": "object"},
				"status":            map[string]any{"type": "keyword"},
				"created_at":        map[string]any{"type": "date"},
				"started_at":        map[string]any{"type": "date"},
				"completed_at":      map[string]any{"type": "date"},
				"duration_ms":       map[string]any{"type": "long"},
				"cached":            map[string]any{"type": "boolean"},
				"attempt":           map[string]any{"type": "integer"},
				"dataset":           map[string]any{"type": "keyword"},
				"source":            map[string]any{"type": "object"},
				"completions":       map[string]any{"type": "object"},
				"prompt_tokens":     map[string]any{"type": "integer"},
				"completion_tokens": map[string]any{"type": "integer"},
				"total_tokens":      map[string]any{"type": "integer"},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	res, err := opensearchapi.IndicesCreateRequest{Index: c.index, Body: bytes.NewReader(body)}.Do(ctx, c.es)
	if err != nil {
		return derrors.NewTransient("eventstore.EnsureIndex create", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return derrors.NewTransient("eventstore.EnsureIndex create", fmt.Errorf("status %s", res.Status()))
	}
	return nil
}

// CreatePendingBulk indexes a chunk of freshly-allocated pending events via
// the _bulk API, one "index" action per document keyed by message_id so a
// retried chunk upserts rather than duplicates.
func (c *Client) CreatePendingBulk(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range events {
		action := map[string]any{"index": map[string]any{"_index": c.index, "_id": e.MessageID}}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return err
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')
		docLine, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Body: bytes.NewReader(buf.Bytes()), Refresh: "true"}.Do(ctx, c.es)
	if err != nil {
		return derrors.NewTransient("eventstore.CreatePendingBulk", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return derrors.NewTransient("eventstore.CreatePendingBulk", fmt.Errorf("status %s", res.Status()))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  any `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return derrors.NewTransient("eventstore.CreatePendingBulk decode", err)
	}
	if parsed.Errors {
		return derrors.NewTransient("eventstore.CreatePendingBulk", fmt.Errorf("one or more documents failed to index"))
	}
	return nil
}

// Transition performs a compare-and-set status change via a scripted
// update: the script no-ops (rather than applying the patch) unless the
// document's current status matches fromExpected. A noop result surfaces
// as a *derrors.ConflictError, a missing document as a *derrors.NotFoundError.
func (c *Client) Transition(ctx context.Context, messageID string, fromExpected, to event.Status, patch Patch) error {
	params := map[string]any{
		"from":  string(fromExpected),
		"to":    string(to),
		"patch": patch,
	}
	script := map[string]any{
		"source": `if (ctx._source.status != params.from) { ctx.op = 'none'; } ` +
			`else { ctx._source.status = params.to; ` +
			`for (entry in params.patch.entrySet()) { ctx._source[entry.getKey()] = entry.getValue(); } }`,
		"lang":   "painless",
		"params": params,
	}
	body, err := json.Marshal(map[string]any{"script": script})
	if err != nil {
		return err
	}

	res, err := opensearchapi.UpdateRequest{
		Index:      c.index,
		DocumentID: messageID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, c.es)
	if err != nil {
		return derrors.NewTransient("eventstore.Transition", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return derrors.NewNotFound("event", messageID)
	}
	if res.IsError() {
		return derrors.NewTransient("eventstore.Transition", fmt.Errorf("status %s", res.Status()))
	}

	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return derrors.NewTransient("eventstore.Transition decode", err)
	}
	if parsed.Result == "noop" {
		return derrors.NewConflict("event", messageID, string(fromExpected))
	}
	return nil
}

// FindCachedCompletion returns the earliest non-cached COMPLETED event with
// a matching body_hash, or nil if none exists.
func (c *Client) FindCachedCompletion(ctx context.Context, bodyHash string) (*event.Event, error) {
	query := map[string]any{
		"size": 1,
		"sort": []any{map[string]any{"created_at": "asc"}},
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"body_hash": bodyHash}},
					map[string]any{"term": map[string]any{"status": string(event.StatusCompleted)}},
					map[string]any{"term": map[string]any{"cached": false}},
				},
			},
		},
	}
	hits, _, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &hits[0], nil
}

// Get retrieves a single event by message_id.
func (c *Client) Get(ctx context.Context, messageID string) (*event.Event, error) {
	query := map[string]any{"query": map[string]any{"term": map[string]any{"message_id": messageID}}}
	hits, _, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, derrors.NewNotFound("event", messageID)
	}
	return &hits[0], nil
}

// Delete removes a single event by message_id.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	query := map[string]any{"query": map[string]any{"term": map[string]any{"message_id": messageID}}}
	n, err := c.deleteByQuery(ctx, query)
	if err != nil {
		return err
	}
	if n == 0 {
		return derrors.NewNotFound("event", messageID)
	}
	return nil
}

// DeleteByBatch removes every event belonging to batchID.
func (c *Client) DeleteByBatch(ctx context.Context, batchID string) error {
	query := map[string]any{"query": map[string]any{"term": map[string]any{"batch_id": batchID}}}
	_, err := c.deleteByQuery(ctx, query)
	return err
}

// DeleteByHash is the supplemented cache-bust operation: removes every
// event whose body_hash matches, returning the number deleted.
func (c *Client) DeleteByHash(ctx context.Context, bodyHash string) (int, error) {
	query := map[string]any{"query": map[string]any{"term": map[string]any{"body_hash": bodyHash}}}
	return c.deleteByQuery(ctx, query)
}

func (c *Client) deleteByQuery(ctx context.Context, query map[string]any) (int, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return 0, err
	}
	refresh := true
	res, err := opensearchapi.DeleteByQueryRequest{
		Index:   []string{c.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, c.es)
	if err != nil {
		return 0, derrors.NewTransient("eventstore.deleteByQuery", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, derrors.NewTransient("eventstore.deleteByQuery", fmt.Errorf("status %s", res.Status()))
	}
	var parsed struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, derrors.NewTransient("eventstore.deleteByQuery decode", err)
	}
	return parsed.Deleted, nil
}

// AggregateBatch ports get_batch_stats/_process_batch_stats.
func (c *Client) AggregateBatch(ctx context.Context, batchID string) (*BatchStats, error) {
	query := map[string]any{
		"size":  0,
		"query": map[string]any{"term": map[string]any{"batch_id": batchID}},
		"aggs":  batchStatsAggs(),
	}
	aggs, total, err := c.aggregate(ctx, query)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, derrors.NewNotFound("batch", batchID)
	}
	stats := processBatchAggs(aggs, batchID)
	return &stats, nil
}

// ListBatches ports list_batches/_process_batch_list.
func (c *Client) ListBatches(ctx context.Context) ([]BatchStats, error) {
	query := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"unique_batches": map[string]any{
				"terms": map[string]any{
					"field": "batch_id",
					"size":  10000,
					"order": map[string]any{"latest_created": "desc"},
				},
				"aggs": mergeAggs(map[string]any{
					"latest_created": map[string]any{"max": map[string]any{"field": "created_at"}},
				}, batchStatsAggs()),
			},
		},
	}
	aggs, _, err := c.aggregate(ctx, query)
	if err != nil {
		return nil, err
	}
	unique, _ := aggs["unique_batches"].(map[string]any)
	buckets, _ := unique["buckets"].([]any)
	out := make([]BatchStats, 0, len(buckets))
	for _, b := range buckets {
		bucket, ok := b.(map[string]any)
		if !ok {
			continue
		}
		batchID, _ := bucket["key"].(string)
		out = append(out, processBatchAggs(bucket, batchID))
	}
	return out, nil
}

// ListTasksPage ports get_batch_tasks_with_pagination.
func (c *Client) ListTasksPage(ctx context.Context, batchID string, status *event.Status, page, pageSize int) (*TaskPage, error) {
	must := []any{map[string]any{"term": map[string]any{"batch_id": batchID}}}
	if status != nil {
		must = append(must, map[string]any{"term": map[string]any{"status": string(*status)}})
	}
	query := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"sort":  []any{map[string]any{"created_at": "desc"}},
		"size":  10000,
	}
	hits, total, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = len(hits)
	}
	start := pageSize * (page - 1)
	end := start + pageSize
	if start > len(hits) {
		start = len(hits)
	}
	if end > len(hits) {
		end = len(hits)
	}
	return &TaskPage{Total: total, Page: page, PageSize: pageSize, Tasks: hits[start:end]}, nil
}

// ScrollTasks ports get_batch_tasks's scroll loop.
func (c *Client) ScrollTasks(ctx context.Context, batchID string, status *event.Status) (ScrollCursor, error) {
	var must []any
	if batchID != "" {
		must = append(must, map[string]any{"term": map[string]any{"batch_id": batchID}})
	}
	if status != nil {
		must = append(must, map[string]any{"term": map[string]any{"status": string(*status)}})
	}
	var queryClause any = map[string]any{"match_all": map[string]any{}}
	if len(must) > 0 {
		queryClause = map[string]any{"bool": map[string]any{"must": must}}
	}
	query := map[string]any{
		"query": queryClause,
		"sort":  []any{map[string]any{"created_at": "desc"}},
		"size":  10000,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	res, err := opensearchapi.SearchRequest{
		Index:  []string{c.index},
		Body:   bytes.NewReader(body),
		Scroll: 60 * time.Minute,
	}.Do(ctx, c.es)
	if err != nil {
		return nil, derrors.NewTransient("eventstore.ScrollTasks", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, derrors.NewTransient("eventstore.ScrollTasks", fmt.Errorf("status %s", res.Status()))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, derrors.NewTransient("eventstore.ScrollTasks decode", err)
	}

	cur := &scrollCursor{
		es:       c.es,
		scrollID: parsed.ScrollID,
		total:    parsed.Hits.Total.Value,
	}
	cur.pending, err = hitsToEvents(parsed.Hits.Hits)
	if err != nil {
		return nil, err
	}
	cur.firstServed = false
	return cur, nil
}

type scrollCursor struct {
	es          *opensearch.Client
	scrollID    string
	total       int
	pending     []event.Event
	firstServed bool
	done        bool
	closed      bool
}

func (s *scrollCursor) Next(ctx context.Context) ([]event.Event, int, bool, error) {
	if !s.firstServed {
		s.firstServed = true
		if len(s.pending) == 0 {
			s.done = true
			return nil, s.total, false, nil
		}
		return s.pending, s.total, true, nil
	}
	if s.done {
		return nil, s.total, false, nil
	}

	res, err := opensearchapi.ScrollRequest{ScrollID: s.scrollID, Scroll: 2 * time.Minute}.Do(ctx, s.es)
	if err != nil {
		return nil, s.total, false, derrors.NewTransient("eventstore.ScrollCursor.Next", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, s.total, false, derrors.NewTransient("eventstore.ScrollCursor.Next", fmt.Errorf("status %s", res.Status()))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, s.total, false, derrors.NewTransient("eventstore.ScrollCursor.Next decode", err)
	}
	s.scrollID = parsed.ScrollID
	if len(parsed.Hits.Hits) == 0 {
		s.done = true
		return nil, s.total, false, nil
	}
	events, err := hitsToEvents(parsed.Hits.Hits)
	if err != nil {
		return nil, s.total, false, err
	}
	return events, s.total, true, nil
}

func (s *scrollCursor) Close(ctx context.Context) error {
	if s.closed || s.scrollID == "" {
		return nil
	}
	s.closed = true
	res, err := opensearchapi.ClearScrollRequest{ScrollID: []string{s.scrollID}}.Do(ctx, s.es)
	if err != nil {
		return derrors.NewTransient("eventstore.ScrollCursor.Close", err)
	}
	defer res.Body.Close()
	return nil
}

// UsageTimeSeries ports get_batch_usage_stats.
func (c *Client) UsageTimeSeries(ctx context.Context, batchID, timeRange, interval string) (*UsageStats, error) {
	now := time.Now().UTC().Format(timeLayout)
	query := map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"range": map[string]any{
						"completed_at": map[string]any{"gte": "now-" + timeRange, "lte": "now"},
					}},
					map[string]any{"term": map[string]any{"batch_id": batchID}},
				},
			},
		},
		"aggs": map[string]any{
			"tasks_over_time": map[string]any{
				"date_histogram": map[string]any{
					"field":             "completed_at",
					"calendar_interval": interval,
					"format":            "yyyy-MM-dd HH:mm:ss",
				},
				"aggs": map[string]any{
					"completed_tasks":   map[string]any{"filter": map[string]any{"term": map[string]any{"status": "COMPLETED"}}},
					"failed_tasks":      map[string]any{"filter": map[string]any{"term": map[string]any{"status": "FAILED"}}},
					"cached_tasks":      map[string]any{"filter": map[string]any{"term": map[string]any{"cached": true}}},
					"total_tokens":      map[string]any{"sum": map[string]any{"field": "total_tokens"}},
					"prompt_tokens":     map[string]any{"sum": map[string]any{"field": "prompt_tokens"}},
					"completion_tokens": map[string]any{"sum": map[string]any{"field": "completion_tokens"}},
					"avg_duration":      map[string]any{"avg": map[string]any{"field": "duration_ms"}},
					"sum_duration":      map[string]any{"sum": map[string]any{"field": "duration_ms"}},
				},
			},
			"total_completed":         map[string]any{"filter": map[string]any{"term": map[string]any{"status": "COMPLETED"}}},
			"total_failed":            map[string]any{"filter": map[string]any{"term": map[string]any{"status": "FAILED"}}},
			"total_processing":        map[string]any{"filter": map[string]any{"term": map[string]any{"status": "PROCESSING"}}},
			"total_cached":            map[string]any{"filter": map[string]any{"term": map[string]any{"cached": true}}},
			"total_tokens_used":       map[string]any{"sum": map[string]any{"field": "total_tokens"}},
			"total_completion_tokens": map[string]any{"sum": map[string]any{"field": "completion_tokens"}},
			"total_prompt_tokens":     map[string]any{"sum": map[string]any{"field": "prompt_tokens"}},
			"sum_duration": map[string]any{
				"filter": map[string]any{"term": map[string]any{"status": "COMPLETED"}},
				"aggs":   map[string]any{"value": map[string]any{"sum": map[string]any{"field": "duration_ms"}}},
			},
			"avg_response_time": map[string]any{"avg": map[string]any{"field": "duration_ms"}},
		},
	}

	aggs, total, err := c.aggregate(ctx, query)
	if err != nil {
		return nil, err
	}

	buckets, _ := aggs["tasks_over_time"].(map[string]any)["buckets"].([]any)
	series := make([]UsageBucket, 0, len(buckets))
	for _, b := range buckets {
		bucket, ok := b.(map[string]any)
		if !ok {
			continue
		}
		cached := aggDocCount(bucket["cached_tasks"])
		completed := aggDocCount(bucket["completed_tasks"])
		failed := aggDocCount(bucket["failed_tasks"])
		totalTasks := int(numberOr(bucket["doc_count"], 0))
		completionTokens := int64(aggValue(bucket["completion_tokens"]))
		sumDurationMS := aggValue(bucket["sum_duration"])
		if sumDurationMS <= 0 {
			sumDurationMS = 1
		}
		durationSeconds := sumDurationMS / 1000
		if durationSeconds <= 0 {
			durationSeconds = 1
		}
		tps := float64(completionTokens) / durationSeconds
		series = append(series, UsageBucket{
			Timestamp:        stringOr(bucket["key_as_string"]),
			TotalTasks:       totalTasks,
			CompletedTasks:   completed - cached,
			FailedTasks:      failed,
			CachedTasks:      cached,
			TotalTokens:      int64(aggValue(bucket["total_tokens"])),
			PromptTokens:     int64(aggValue(bucket["prompt_tokens"])),
			CompletionTokens: completionTokens,
			AvgDurationMS:    int64(aggValue(bucket["avg_duration"])),
			TokensPerSecond:  round2(tps),
		})
	}

	totalCached := aggDocCount(aggs["total_cached"])
	totalCompleted := aggDocCount(aggs["total_completed"])
	totalDurationMS := nestedAggValue(aggs["sum_duration"])
	if totalDurationMS <= 0 {
		totalDurationMS = 1
	}
	totalDurationSeconds := totalDurationMS / 1000
	if totalDurationSeconds <= 0 {
		totalDurationSeconds = 1
	}
	totalCompletionTokens := int64(aggValue(aggs["total_completion_tokens"]))
	overallTPS := float64(totalCompletionTokens) / totalDurationSeconds

	cacheHitRate := 0.0
	if total > 0 {
		cacheHitRate = round2(float64(totalCached) / float64(total) * 100)
	}

	return &UsageStats{
		TimeRange:   timeRange,
		Interval:    interval,
		CurrentTime: now,
		TimeSeries:  series,
		Summary: UsageSummary{
			TotalTasks:            total,
			CompletedTasks:        totalCompleted - totalCached,
			FailedTasks:           aggDocCount(aggs["total_failed"]),
			CachedTasks:           totalCached,
			ProcessingTasks:       aggDocCount(aggs["total_processing"]),
			TotalPromptTokens:     int64(aggValue(aggs["total_prompt_tokens"])),
			TotalCompletionTokens: totalCompletionTokens,
			TotalTokens:           int64(aggValue(aggs["total_tokens_used"])),
			AverageResponseTimeMS: int64(aggValue(aggs["avg_response_time"])),
			TokensPerSecond:       round2(overallTPS),
			CacheHitRatePercent:   cacheHitRate,
		},
	}, nil
}

// GlobalTaskStats ports get_tasks_usage_stats.
func (c *Client) GlobalTaskStats(ctx context.Context) (*TaskStats, error) {
	query := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"total_tasks":      map[string]any{"value_count": map[string]any{"field": "message_id"}},
			"completed_tasks":  map[string]any{"filter": map[string]any{"term": map[string]any{"status": "COMPLETED"}}},
			"failed_tasks":     map[string]any{"filter": map[string]any{"term": map[string]any{"status": "FAILED"}}},
			"cached_tasks":     map[string]any{"filter": map[string]any{"term": map[string]any{"cached": true}}},
			"processing_tasks": map[string]any{"filter": map[string]any{"term": map[string]any{"status": "PROCESSING"}}},
			"pending_tasks":    map[string]any{"filter": map[string]any{"term": map[string]any{"status": "PENDING"}}},
			"total_tokens":     map[string]any{"sum": map[string]any{"field": "total_tokens"}},
			"prompt_tokens":    map[string]any{"sum": map[string]any{"field": "prompt_tokens"}},
			"completion_tokens": map[string]any{"sum": map[string]any{"field": "completion_tokens"}},
		},
	}
	aggs, _, err := c.aggregate(ctx, query)
	if err != nil {
		return nil, err
	}
	return &TaskStats{
		TotalTasks:       int(aggValue(aggs["total_tasks"])),
		CompletedTasks:   aggDocCount(aggs["completed_tasks"]),
		FailedTasks:      aggDocCount(aggs["failed_tasks"]),
		CachedTasks:      aggDocCount(aggs["cached_tasks"]),
		ProcessingTasks:  aggDocCount(aggs["processing_tasks"]),
		PendingTasks:     aggDocCount(aggs["pending_tasks"]),
		TotalTokens:      int64(aggValue(aggs["total_tokens"])),
		PromptTokens:     int64(aggValue(aggs["prompt_tokens"])),
		CompletionTokens: int64(aggValue(aggs["completion_tokens"])),
	}, nil
}

// CountPendingBefore ports count_pending_tasks_before, backing the
// supplemented queue-position feature.
func (c *Client) CountPendingBefore(ctx context.Context, createdAt string) (int, error) {
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"status": string(event.StatusPending)}},
					map[string]any{"range": map[string]any{"created_at": map[string]any{"lte": createdAt}}},
				},
			},
		},
	}
	return c.count(ctx, query)
}

// CountPending counts events currently in PENDING or PROCESSING status, for
// the queue-depth gauge (obs.PendingCounter).
func (c *Client) CountPending(ctx context.Context) (int, error) {
	query := map[string]any{
		"query": map[string]any{
			"terms": map[string]any{"status": []any{string(event.StatusPending), string(event.StatusProcessing)}},
		},
	}
	return c.count(ctx, query)
}

func (c *Client) count(ctx context.Context, query map[string]any) (int, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return 0, err
	}
	res, err := opensearchapi.CountRequest{Index: []string{c.index}, Body: bytes.NewReader(body)}.Do(ctx, c.es)
	if err != nil {
		return 0, derrors.NewTransient("eventstore.count", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, derrors.NewTransient("eventstore.count", fmt.Errorf("status %s", res.Status()))
	}
	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, derrors.NewTransient("eventstore.count decode", err)
	}
	return parsed.Count, nil
}

// search runs a query and returns the decoded event documents plus the
// total hit count.
func (c *Client) search(ctx context.Context, query map[string]any) ([]event.Event, int, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, 0, err
	}
	res, err := opensearchapi.SearchRequest{Index: []string{c.index}, Body: bytes.NewReader(body)}.Do(ctx, c.es)
	if err != nil {
		return nil, 0, derrors.NewTransient("eventstore.search", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, 0, derrors.NewTransient("eventstore.search", fmt.Errorf("status %s", res.Status()))
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, derrors.NewTransient("eventstore.search decode", err)
	}
	events, err := hitsToEvents(parsed.Hits.Hits)
	if err != nil {
		return nil, 0, err
	}
	return events, parsed.Hits.Total.Value, nil
}

// aggregate runs an aggregation-only query and returns the raw aggs map.
func (c *Client) aggregate(ctx context.Context, query map[string]any) (map[string]any, int, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, 0, err
	}
	res, err := opensearchapi.SearchRequest{Index: []string{c.index}, Body: bytes.NewReader(body)}.Do(ctx, c.es)
	if err != nil {
		return nil, 0, derrors.NewTransient("eventstore.aggregate", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, 0, derrors.NewTransient("eventstore.aggregate", fmt.Errorf("status %s", res.Status()))
	}
	var parsed struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
		} `json:"hits"`
		Aggregations map[string]any `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, derrors.NewTransient("eventstore.aggregate decode", err)
	}
	return parsed.Aggregations, parsed.Hits.Total.Value, nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func hitsToEvents(hits []struct {
	Source json.RawMessage `json:"_source"`
}) ([]event.Event, error) {
	out := make([]event.Event, 0, len(hits))
	for _, h := range hits {
		var e event.Event
		if err := json.Unmarshal(h.Source, &e); err != nil {
			return nil, derrors.NewTransient("eventstore.hitsToEvents decode", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func batchStatsAggs() map[string]any {
	return map[string]any{
		"batch_stats": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": false}},
			"aggs":   map[string]any{"stats": map[string]any{"stats": map[string]any{"field": "total_tokens"}}},
		},
		"prompt_stats": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": false}},
			"aggs":   map[string]any{"stats": map[string]any{"stats": map[string]any{"field": "prompt_tokens"}}},
		},
		"completion_stats": map[string]any{
			"filter": map[string]any{"term": map[string]any{"cached": false}},
			"aggs":   map[string]any{"stats": map[string]any{"stats": map[string]any{"field": "completion_tokens"}}},
		},
		"status_counts":   map[string]any{"terms": map[string]any{"field": "status"}},
		"cached_count":    map[string]any{"filter": map[string]any{"term": map[string]any{"cached": true}}},
		"time_stats":      map[string]any{"min": map[string]any{"field": "created_at"}},
		"started_stats":   map[string]any{"min": map[string]any{"field": "started_at"}},
		"completed_stats": map[string]any{"max": map[string]any{"field": "completed_at"}},
		"total_tasks":     map[string]any{"value_count": map[string]any{"field": "message_id"}},
	}
}

func mergeAggs(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// processBatchAggs ports _process_batch_stats/_process_batch_list: both
// read the same shape of sub-aggregations (batchStatsAggs), taking
// total_count from the total_tasks value_count agg and falling back to the
// bucket's doc_count only when that agg is absent.
func processBatchAggs(aggs map[string]any, batchID string) BatchStats {
	statusBuckets := map[string]int{}
	if sc, ok := aggs["status_counts"].(map[string]any); ok {
		if buckets, ok := sc["buckets"].([]any); ok {
			for _, b := range buckets {
				bucket, ok := b.(map[string]any)
				if !ok {
					continue
				}
				key, _ := bucket["key"].(string)
				statusBuckets[key] = int(numberOr(bucket["doc_count"], 0))
			}
		}
	}

	completed := statusBuckets["COMPLETED"]
	failed := statusBuckets["FAILED"]
	processing := statusBuckets["PROCESSING"]

	var total int
	if tt, ok := aggs["total_tasks"]; ok {
		total = int(aggValue(tt))
	} else {
		total = int(numberOr(aggs["doc_count"], 0))
	}
	pending := total - (completed + failed + processing)
	cached := aggDocCount(aggs["cached_count"])

	createdAt := strPtr(minMaxValueString(aggs["time_stats"]))
	startedAt := strPtr(minMaxValueString(aggs["started_stats"]))
	completedAt := strPtr(minMaxValueString(aggs["completed_stats"]))

	var duration *int64
	if createdAt != nil && completedAt != nil {
		if c, err := time.Parse(time.RFC3339, *createdAt); err == nil {
			if d, err := time.Parse(time.RFC3339, *completedAt); err == nil {
				sec := int64(d.Sub(c).Seconds())
				duration = &sec
			}
		}
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
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
		DurationSeconds:  duration,
		TotalCount:       total,
		CompletedCount:   completed - cached,
		FailedCount:      failed,
		PendingCount:     pending,
		ProcessingCount:  processing,
		CachedCount:      cached,
		TotalTokens:      int64(nestedStatsSum(aggs["batch_stats"])),
		PromptTokens:     int64(nestedStatsSum(aggs["prompt_stats"])),
		CompletionTokens: int64(nestedStatsSum(aggs["completion_stats"])),
	}
}

func aggDocCount(v any) int {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	return int(numberOr(m["doc_count"], 0))
}

func aggValue(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	return numberOr(m["value"], 0)
}

func nestedAggValue(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	inner, ok := m["value"].(map[string]any)
	if !ok {
		return 0
	}
	return numberOr(inner["value"], 0)
}

func nestedStatsSum(v any) float64 {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	stats, ok := m["stats"].(map[string]any)
	if !ok {
		return 0
	}
	return numberOr(stats["sum"], 0)
}

func minMaxValueString(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	if m["value"] == nil {
		return ""
	}
	return stringOr(m["value_as_string"])
}

func numberOr(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

var _ Store = (*Client)(nil)
