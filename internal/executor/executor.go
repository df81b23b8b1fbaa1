// Package executor implements the Execution Worker: a bounded pool of
// goroutines that pull tasks messages, invoke the upstream LLM (through a
// circuit breaker and bounded retry), and drive each event to a terminal
// state. The fan-out shape is lifted from the teacher's Worker.Run.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/breaker"
	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/obs"
	"github.com/synthgen/dispatcher/internal/retry"
	"github.com/synthgen/dispatcher/internal/upstream"
)

// Worker consumes tasks with N goroutines, each independently invoking the
// upstream client; the circuit breaker is shared across all of them, the
// same way the teacher shares one breaker per worker pool.
type Worker struct {
	cfg    *config.Config
	rdb    *redis.Client
	events eventstore.Store
	up     upstream.Invoker
	consume broker.Consumer
	cb     *breaker.CircuitBreaker
	log    *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, events eventstore.Store, up upstream.Invoker, consumer broker.Consumer, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, rdb: rdb, events: events, up: up, consume: consumer, cb: cb, log: log}
}

// Run fans tasks out across MaxParallelTasks goroutines and blocks until
// ctx is cancelled or the delivery channel closes.
func (w *Worker) Run(ctx context.Context) error {
	prefetch := w.cfg.Execution.MaxParallelTasks
	deliveries, err := w.consume.Consume(ctx, w.cfg.Broker.TasksQueue, prefetch)
	if err != nil {
		return fmt.Errorf("executor: consume %s: %w", w.cfg.Broker.TasksQueue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.ExecutorActive.Inc()
			defer obs.ExecutorActive.Dec()
			w.runOne(ctx, deliveries)
		}()
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.process(ctx, d)
		}
	}
}

func (w *Worker) process(ctx context.Context, d broker.Delivery) {
	var msg event.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Error("executor: malformed tasks message", obs.Err(err))
		d.Ack()
		return
	}

	ctx, span := obs.ContextWithTaskSpan(ctx, msg.MessageID, msg.BatchID)
	defer span.End()

	start := time.Now()
	ok := w.processTask(ctx, msg.MessageID)
	obs.TaskProcessingDuration.Observe(time.Since(start).Seconds())

	prev := w.cb.State()
	w.cb.Record(ok)
	if curr := w.cb.State(); prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}

	d.Ack()
}

func (w *Worker) heartbeatKey(messageID string) string {
	return fmt.Sprintf("dispatcher:hb:%s", messageID)
}

// processTask drives one event from PENDING to a terminal state. It
// returns true if the task completed (cached or fresh), false if it
// failed — feeding the shared circuit breaker's success/failure signal.
func (w *Worker) processTask(ctx context.Context, messageID string) bool {
	now := time.Now()
	err := w.events.Transition(ctx, messageID, event.StatusPending, event.StatusProcessing, eventstore.Patch{
		"started_at": now,
	})
	if err != nil {
		var notFound *derrors.NotFoundError
		if errors.As(err, &notFound) {
			w.log.Info("executor: event not found, dropping stale redelivery", obs.String("message_id", messageID))
			return true
		}
		obs.RecordError(ctx, err)
		w.log.Error("executor: transition to processing failed", obs.String("message_id", messageID), obs.Err(err))
		return false
	}

	hbKey := w.heartbeatKey(messageID)
	_ = w.rdb.Set(ctx, hbKey, "1", w.cfg.Execution.HeartbeatTTL).Err()
	defer w.rdb.Del(context.Background(), hbKey)

	ev, err := w.events.Get(ctx, messageID)
	if err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("executor: failed to reload event after transition", obs.Err(err))
		return false
	}

	if cached, err := w.events.FindCachedCompletion(ctx, ev.BodyHash); err == nil && cached != nil {
		obs.AddEvent(ctx, "task.cache_hit")
		if err := w.events.Transition(ctx, messageID, event.StatusProcessing, event.StatusCompleted, eventstore.Patch{
			"attempt":      0,
			"completed_at": time.Now(),
			"cached":       true,
			"completions":  cached.Completions,
			"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0,
		}); err != nil {
			obs.RecordError(ctx, err)
			w.log.Error("executor: transition to completed (cached) failed", obs.Err(err))
			return false
		}
		obs.TasksExecuted.Inc()
		obs.TasksCached.Inc()
		obs.SetSpanSuccess(ctx)
		return true
	}

	return w.invokeAndTransition(ctx, ev)
}

func (w *Worker) invokeAndTransition(ctx context.Context, ev *event.Event) bool {
	llmCtx, cancel := context.WithTimeout(ctx, w.cfg.Execution.LLMTimeout)
	defer cancel()

	var completion upstream.Completion
	var lastErr error

	attempts := w.cfg.Execution.MaxRetries
	var attempt int
invokeLoop:
	for attempt = 1; attempt <= attempts; attempt++ {
		if !w.cb.Allow() {
			lastErr = fmt.Errorf("circuit breaker open")
			break
		}
		completion, lastErr = w.up.Invoke(llmCtx, ev.Method, ev.URL, ev.Body)
		if lastErr == nil {
			break
		}

		var upstreamErr *derrors.UpstreamError
		if errors.As(lastErr, &upstreamErr) {
			break // non-retryable: 4xx / malformed response
		}
		if attempt == attempts {
			break
		}
		obs.TasksRetried.Inc()
		select {
		case <-llmCtx.Done():
			lastErr = derrors.NewTimeout("executor.invokeAndTransition")
			break invokeLoop
		case <-time.After(retry.Backoff(attempt, w.cfg.Execution.Backoff.Base, w.cfg.Execution.Backoff.Max)):
		}
	}

	if lastErr != nil {
		obs.RecordError(ctx, lastErr)
		if err := w.events.Transition(ctx, ev.MessageID, event.StatusProcessing, event.StatusFailed, eventstore.Patch{
			"attempt":      attempt,
			"completed_at": time.Now(),
			"result":       map[string]any{"error": lastErr.Error()},
		}); err != nil {
			w.log.Error("executor: transition to failed failed", obs.Err(err))
		}
		obs.TasksExecuted.Inc()
		obs.TasksFailed.Inc()
		return false
	}

	if err := w.events.Transition(ctx, ev.MessageID, event.StatusProcessing, event.StatusCompleted, eventstore.Patch{
		"attempt":           attempt,
		"completed_at":      time.Now(),
		"cached":            false,
		"completions":       completion.Body,
		"prompt_tokens":     completion.PromptTokens,
		"completion_tokens": completion.CompletionTokens,
		"total_tokens":      completion.TotalTokens,
	}); err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("executor: transition to completed failed", obs.Err(err))
		return false
	}

	obs.SetSpanSuccess(ctx)
	obs.TasksExecuted.Inc()
	return true
}
