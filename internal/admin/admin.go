// Package admin implements the operator CLI surface: thin functions over
// the same event store, broker, and reaper the long-running services use,
// mirroring the teacher's internal/admin shape (one function per
// operation, no state of its own) re-keyed to this domain's stores.
package admin

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/reaper"
)

// StatsResult is the output of Stats.
type StatsResult struct {
	Tasks          eventstore.TaskStats `json:"tasks"`
	BatchJobsDepth int                  `json:"batch_jobs_queue_depth"`
	TasksDepth     int                  `json:"tasks_queue_depth"`
}

// queueDepther is the subset of broker.Client/Fake Stats needs.
type queueDepther interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// Stats reports the global task roll-up plus both queues' current depth.
func Stats(ctx context.Context, cfg *config.Config, events eventstore.Store, b queueDepther) (StatsResult, error) {
	tasks, err := events.GlobalTaskStats(ctx)
	if err != nil {
		return StatsResult{}, err
	}

	res := StatsResult{Tasks: *tasks}
	if depth, err := b.QueueDepth(ctx, cfg.Broker.BatchJobsQueue); err == nil {
		res.BatchJobsDepth = depth
	}
	if depth, err := b.QueueDepth(ctx, cfg.Broker.TasksQueue); err == nil {
		res.TasksDepth = depth
	}
	return res, nil
}

// BatchStats reports the rollup for a single batch.
func BatchStats(ctx context.Context, events eventstore.Store, batchID string) (*eventstore.BatchStats, error) {
	return events.AggregateBatch(ctx, batchID)
}

// PurgeCache deletes every event sharing the given body_hash, forcing the
// next matching task to invoke the upstream LLM instead of reusing a cached
// completion. Returns the number of events removed.
func PurgeCache(ctx context.Context, events eventstore.Store, bodyHash string) (int, error) {
	return events.DeleteByHash(ctx, bodyHash)
}

// RequeueStuck triggers one immediate reaper pass instead of waiting for
// its ticker, for operators who don't want to wait out the cadence.
func RequeueStuck(ctx context.Context, cfg *config.Config, rdb *redis.Client, events eventstore.Store, pub broker.Publisher, log *zap.Logger) {
	r := reaper.New(cfg, rdb, events, pub, log)
	r.ScanOnce(ctx)
}
