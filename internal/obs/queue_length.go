// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/synthgen/dispatcher/internal/config"
	"go.uber.org/zap"
)

// QueueDepther reports the current message count of a named broker queue.
// internal/broker's client satisfies this via a passive queue declare.
type QueueDepther interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

// PendingCounter reports how many events currently sit in PENDING or
// PROCESSING status. internal/eventstore's client satisfies this.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// StartQueueLengthUpdater samples broker queue depth and the pending-event
// count on an interval, publishing them as gauges. Either dependency may be
// nil, in which case that half of the sample is skipped.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, broker QueueDepther, events PendingCounter, queues []string, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if broker != nil {
					for _, q := range queues {
						n, err := broker.QueueDepth(ctx, q)
						if err != nil {
							log.Debug("queue depth poll error", String("queue", q), Err(err))
							continue
						}
						QueueDepth.WithLabelValues(q).Set(float64(n))
					}
				}
				if events != nil {
					n, err := events.CountPending(ctx)
					if err != nil {
						log.Debug("pending event count poll error", Err(err))
						continue
					}
					PendingEvents.Set(float64(n))
				}
			}
		}
	}()
}
