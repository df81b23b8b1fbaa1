package broker

import (
	"context"
	"sync"

	derrors "github.com/synthgen/dispatcher/internal/errors"
)

// Fake is an in-memory broker used by internal/ingest and internal/executor
// tests; it has no real ack-thread-safety concerns since there is no
// shared channel to protect, but Delivery.Ack/Nack still only take effect
// once, matching the real Client's semantics.
type Fake struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	depths  map[string]int
	acked   []string
	nacked  []string
	publish func(queue string, body []byte) error
}

func NewFake() *Fake {
	return &Fake{
		queues: map[string][][]byte{},
		depths: map[string]int{},
	}
}

// FailNextPublish makes the next Publish call to queue return err instead
// of succeeding, for exercising retry paths in ingest/executor tests.
func (f *Fake) FailNextPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	called := false
	f.publish = func(queue string, body []byte) error {
		if !called {
			called = true
			return err
		}
		f.queues[queue] = append(f.queues[queue], body)
		f.depths[queue]++
		return nil
	}
}

func (f *Fake) Publish(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publish != nil {
		return f.publish(queue, body)
	}
	f.queues[queue] = append(f.queues[queue], body)
	f.depths[queue]++
	return nil
}

// Consume drains whatever has been published to queue at call time into a
// closed channel of Deliveries; it does not block waiting for future
// publishes, which is sufficient for the pipeline-level tests that use it.
func (f *Fake) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	f.mu.Lock()
	pending := f.queues[queue]
	f.queues[queue] = nil
	f.mu.Unlock()

	out := make(chan Delivery, len(pending))
	for _, body := range pending {
		body := body
		out <- Delivery{
			Body: body,
			ackFunc: func(ack bool, requeue bool) {
				f.mu.Lock()
				defer f.mu.Unlock()
				if ack {
					f.acked = append(f.acked, queue)
					f.depths[queue]--
				} else {
					f.nacked = append(f.nacked, queue)
					if requeue {
						f.queues[queue] = append(f.queues[queue], body)
					} else {
						f.depths[queue]--
					}
				}
			},
		}
	}
	close(out)
	return out, nil
}

func (f *Fake) QueueDepth(ctx context.Context, queue string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.depths[queue]; ok {
		return d, nil
	}
	return 0, derrors.NewNotFound("queue", queue)
}

func (f *Fake) Close() error { return nil }

// Acked/Nacked expose the queues that received acks/nacks, for assertions.
func (f *Fake) Acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *Fake) Nacked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nacked...)
}

// Publisher is the subset of *Client that internal/ingest depends on.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Consumer is the subset of *Client that internal/executor/reaper depend on.
type Consumer interface {
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
}

var (
	_ Publisher = (*Client)(nil)
	_ Consumer  = (*Client)(nil)
	_ Publisher = (*Fake)(nil)
	_ Consumer  = (*Fake)(nil)
)
