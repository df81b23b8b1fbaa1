// Copyright 2025 James Ross
// Package reaper recovers tasks stuck in PROCESSING after their execution
// worker crashed or was killed mid-task: it scans for heartbeat keys that
// have expired while the matching event is still PROCESSING and either
// requeues the task or, once retries are exhausted, fails it outright.
// Re-grounded from the teacher's processing-list scanner, which performed
// the analogous recovery for its Redis job queues.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/obs"
)

const heartbeatPrefix = "dispatcher:hb:"

type Reaper struct {
	cfg    *config.Config
	rdb    *redis.Client
	events eventstore.Store
	pub    broker.Publisher
	log    *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, events eventstore.Store, pub broker.Publisher, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, events: events, pub: pub, log: log}
}

// Run scans on a fixed ticker cadence until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

// ScanOnce runs a single recovery pass immediately, for the admin CLI's
// on-demand "requeue-stuck" command (normally Run drives this on its own
// ticker cadence).
func (r *Reaper) ScanOnce(ctx context.Context) {
	r.scanOnce(ctx)
}

// scanOnce looks for PROCESSING events whose heartbeat key has expired.
// A heartbeat key naturally disappears from Redis on TTL expiry, so "the
// worker died" shows up as "the event is PROCESSING but no hb key exists" —
// we find candidates by diffing PROCESSING events in the store against
// live heartbeat keys, rather than waiting on a Redis keyspace notification.
func (r *Reaper) scanOnce(ctx context.Context) {
	stats, err := r.events.GlobalTaskStats(ctx)
	if err != nil {
		r.log.Warn("reaper: global stats failed", obs.Err(err))
		return
	}
	if stats.ProcessingTasks == 0 {
		return
	}

	live := map[string]bool{}
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, heartbeatPrefix+"*", 200).Result()
		if err != nil {
			r.log.Warn("reaper: hb scan failed", obs.Err(err))
			return
		}
		for _, k := range keys {
			live[strings.TrimPrefix(k, heartbeatPrefix)] = true
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}

	stuck, err := r.findStuckProcessing(ctx, live)
	if err != nil {
		r.log.Warn("reaper: scroll processing events failed", obs.Err(err))
		return
	}
	for _, e := range stuck {
		r.recover(ctx, e)
	}
}

// findStuckProcessing scrolls all PROCESSING events and returns those with
// no live heartbeat key.
func (r *Reaper) findStuckProcessing(ctx context.Context, live map[string]bool) ([]event.Event, error) {
	processing := event.StatusProcessing
	cursor, err := r.events.ScrollTasks(ctx, "", &processing)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var stuck []event.Event
	for {
		tasks, _, ok, err := cursor.Next(ctx)
		if err != nil {
			return stuck, err
		}
		if !ok {
			break
		}
		for _, e := range tasks {
			if !live[e.MessageID] {
				stuck = append(stuck, e)
			}
		}
	}
	return stuck, nil
}

func (r *Reaper) recover(ctx context.Context, e event.Event) {
	if e.Attempt < r.cfg.Execution.MaxRetries {
		body, err := json.Marshal(event.TaskMessage{MessageID: e.MessageID, BatchID: e.BatchID})
		if err != nil {
			r.log.Error("reaper: marshal task message failed", obs.String("message_id", e.MessageID), obs.Err(err))
			return
		}
		if err := r.events.Transition(ctx, e.MessageID, event.StatusProcessing, event.StatusPending, eventstore.Patch{
			"attempt": e.Attempt + 1,
		}); err != nil {
			var conflict *derrors.ConflictError
			if errors.As(err, &conflict) {
				return // a live worker already finished this task between our scan and now
			}
			r.log.Error("reaper: transition to pending failed", obs.String("message_id", e.MessageID), obs.Err(err))
			return
		}
		if err := r.pub.Publish(ctx, r.cfg.Broker.TasksQueue, body); err != nil {
			r.log.Error("reaper: republish failed", obs.String("message_id", e.MessageID), obs.Err(err))
			return
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("reaper: requeued abandoned task", obs.String("message_id", e.MessageID), obs.Int("attempt", e.Attempt+1))
		return
	}

	if err := r.events.Transition(ctx, e.MessageID, event.StatusProcessing, event.StatusFailed, eventstore.Patch{
		"completed_at": time.Now(),
		"result":       map[string]any{"error": "max retries exceeded after heartbeat expiry"},
	}); err != nil {
		var conflict *derrors.ConflictError
		if errors.As(err, &conflict) {
			return
		}
		r.log.Error("reaper: transition to failed failed", obs.String("message_id", e.MessageID), obs.Err(err))
		return
	}
	obs.ReaperFailed.Inc()
	r.log.Error("reaper: task exhausted retries, marked failed", obs.String("message_id", e.MessageID))
}
