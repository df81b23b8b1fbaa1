// Package ingest implements the Batch Ingestion Worker: it consumes
// batch_jobs messages, streams the referenced JSONL blob out of object
// storage, and fans each validated line out as a PENDING event plus a
// tasks message for the Execution Worker to pick up.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/obs"
	"github.com/synthgen/dispatcher/internal/objectstore"
	"github.com/synthgen/dispatcher/internal/retry"
)

// Worker drains batch_jobs and ingests each referenced blob.
type Worker struct {
	cfg     *config.Config
	rdb     *redis.Client
	events  eventstore.Store
	objects objectstore.Store
	pub     broker.Publisher
	consume broker.Consumer
	log     *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, events eventstore.Store, objects objectstore.Store, b interface {
	broker.Publisher
	broker.Consumer
}, log *zap.Logger) *Worker {
	return &Worker{cfg: cfg, rdb: rdb, events: events, objects: objects, pub: b, consume: b, log: log}
}

// Run consumes batch_jobs until ctx is cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consume.Consume(ctx, w.cfg.Broker.BatchJobsQueue, 1)
	if err != nil {
		return fmt.Errorf("ingest: consume %s: %w", w.cfg.Broker.BatchJobsQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	var msg event.BatchJobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Error("ingest: malformed batch_jobs message", obs.Err(err))
		d.Nack(false)
		return
	}

	ctx, span := obs.StartIngestSpan(ctx, msg.BatchID)
	defer span.End()

	if err := w.ingestBatch(ctx, msg); err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("ingest: batch failed", obs.String("batch_id", msg.BatchID), obs.Err(err))
		d.Nack(true)
		return
	}
	obs.SetSpanSuccess(ctx)
	obs.BatchesIngested.Inc()
	d.Ack()
}

func (w *Worker) ingestBatch(ctx context.Context, msg event.BatchJobMessage) error {
	lockKey := fmt.Sprintf("dispatcher:ingest-lock:%s", msg.BatchID)
	acquired, err := w.rdb.SetNX(ctx, lockKey, "1", w.cfg.Ingestion.LockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !acquired {
		w.log.Info("ingest: batch already claimed, skipping", obs.String("batch_id", msg.BatchID))
		return nil
	}
	defer w.rdb.Del(context.Background(), lockKey)

	blob, err := w.objects.Get(ctx, msg.ObjectName)
	if err != nil {
		return fmt.Errorf("fetch blob %s: %w", msg.ObjectName, err)
	}
	defer blob.Close()

	if err := w.ingestLines(ctx, msg.BatchID, blob); err != nil {
		return err
	}

	if err := w.objects.Delete(ctx, msg.ObjectName); err != nil {
		w.log.Warn("ingest: failed to delete blob after ingestion", obs.String("object", msg.ObjectName), obs.Err(err))
	}
	return nil
}

func (w *Worker) ingestLines(ctx context.Context, batchID string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	chunkSize := w.cfg.Ingestion.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1000
	}

	chunk := make([]event.Event, 0, chunkSize)
	now := time.Now()

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := w.indexAndPublish(ctx, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		parsed, err := event.ParseLine(line)
		if err != nil {
			obs.IngestInvalidLines.Inc()
			w.log.Warn("ingest: skipping invalid line", obs.String("batch_id", batchID), obs.Err(err))
			continue
		}

		messageID := uuid.NewString()
		e, err := event.NewPending(messageID, batchID, parsed, now)
		if err != nil {
			obs.IngestInvalidLines.Inc()
			w.log.Warn("ingest: skipping line with unhashable body", obs.String("batch_id", batchID), obs.Err(err))
			continue
		}

		chunk = append(chunk, e)
		if len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan batch blob: %w", err)
	}
	return flush()
}

// indexAndPublish commits one chunk: index-before-publish, matching the
// original service's ordering so a published task always resolves to an
// existing PENDING document.
func (w *Worker) indexAndPublish(ctx context.Context, chunk []event.Event) error {
	err := retry.Do(ctx, w.cfg.Ingestion.MaxRetries, w.cfg.Ingestion.Backoff.Base, w.cfg.Ingestion.Backoff.Max, func(ctx context.Context) error {
		return w.events.CreatePendingBulk(ctx, chunk)
	})
	if err != nil {
		return fmt.Errorf("create pending bulk: %w", err)
	}

	for _, e := range chunk {
		body, err := json.Marshal(event.TaskMessage{MessageID: e.MessageID, BatchID: e.BatchID})
		if err != nil {
			return fmt.Errorf("marshal task message: %w", err)
		}
		err = retry.Do(ctx, w.cfg.Ingestion.MaxRetries, w.cfg.Ingestion.Backoff.Base, w.cfg.Ingestion.Backoff.Max, func(ctx context.Context) error {
			return w.pub.Publish(ctx, w.cfg.Broker.TasksQueue, body)
		})
		if err != nil {
			return fmt.Errorf("publish task %s: %w", e.MessageID, err)
		}
		obs.TasksEnqueued.Inc()
	}
	return nil
}
