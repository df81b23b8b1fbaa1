// Package broker adapts RabbitMQ (AMQP 0-9-1) for the two durable queues
// the dispatcher uses: batch_jobs and tasks. Acks/nacks are marshalled
// onto a single per-connection goroutine — the ack-thread-safe pattern
// ported from the original Python consumer's
// add_callback_threadsafe/callback_ack (original_source/src/services/
// consumer.py) — because amqp091-go channels are not safe to use
// concurrently from arbitrary worker goroutines.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/config"
	derrors "github.com/synthgen/dispatcher/internal/errors"
	"github.com/synthgen/dispatcher/internal/retry"
)

// Delivery wraps a raw AMQP delivery. Ack/Nack must be safe to call from
// any goroutine; internally they hand the decision to the connection's
// ack-loop rather than touching the channel directly.
type Delivery struct {
	Body    []byte
	ackFunc func(ack bool, requeue bool)
	once    sync.Once
}

// Ack acknowledges successful processing.
func (d *Delivery) Ack() {
	d.once.Do(func() { d.ackFunc(true, false) })
}

// Nack rejects the delivery, optionally asking the broker to redeliver it.
func (d *Delivery) Nack(requeue bool) {
	d.once.Do(func() { d.ackFunc(false, requeue) })
}

type ackRequest struct {
	deliveryTag uint64
	ack         bool
	requeue     bool
}

// Client owns one AMQP connection, one publish channel (in confirm mode)
// and a set of consume channels, each draining into its own ack-loop
// goroutine.
type Client struct {
	cfg  *config.Config
	log  *zap.Logger
	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// New dials the broker and declares the durable queues the dispatcher
// uses, retrying with the configured reconnect backoff.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Client, error) {
	c := &Client{cfg: cfg, log: log}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	return retry.Do(ctx, 10, c.cfg.Broker.ReconnectBackoff.Base, c.cfg.Broker.ReconnectBackoff.Max, func(ctx context.Context) error {
		conn, err := amqp.Dial(c.cfg.Broker.URL())
		if err != nil {
			return derrors.NewTransient("broker.connect dial", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return derrors.NewTransient("broker.connect channel", err)
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			conn.Close()
			return derrors.NewTransient("broker.connect confirm", err)
		}
		for _, q := range []string{c.cfg.Broker.BatchJobsQueue, c.cfg.Broker.TasksQueue} {
			if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
				ch.Close()
				conn.Close()
				return derrors.NewTransient("broker.connect queue declare "+q, err)
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.pub = ch
		c.mu.Unlock()

		go c.watchClose(conn)
		return nil
	})
}

// watchClose reconnects when the broker drops the connection.
func (c *Client) watchClose(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if closeErr == nil {
		return
	}
	c.log.Warn("broker connection closed, reconnecting", zap.Error(closeErr))
	if err := c.connect(context.Background()); err != nil {
		c.log.Error("broker reconnect failed", zap.Error(err))
	}
}

// Publish sends body to queue as a persistent message and waits for the
// broker's publish confirmation, bounded by PublishConfirmTTL.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	ch := c.pub
	c.mu.Unlock()
	if ch == nil {
		return derrors.NewTransient("broker.Publish", fmt.Errorf("not connected"))
	}

	confirmCtx, cancel := context.WithTimeout(ctx, c.cfg.Broker.PublishConfirmTTL)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		return derrors.NewTransient("broker.Publish", err)
	}

	ok, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		return derrors.NewTransient("broker.Publish confirm wait", err)
	}
	if !ok {
		return derrors.NewTransient("broker.Publish", fmt.Errorf("publish nacked by broker"))
	}
	return nil
}

// Consume opens a dedicated channel for queue with the given prefetch,
// manual ack, and a single ack-loop goroutine that owns that channel for
// the lifetime of the consumer.
func (c *Client) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, derrors.NewTransient("broker.Consume", fmt.Errorf("not connected"))
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, derrors.NewTransient("broker.Consume channel", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, derrors.NewTransient("broker.Consume qos", err)
	}
	raw, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, derrors.NewTransient("broker.Consume", err)
	}

	out := make(chan Delivery)
	acks := make(chan ackRequest, prefetch)

	go ackLoop(ch, acks)
	go func() {
		defer close(out)
		defer close(acks)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				tag := d.DeliveryTag
				delivery := Delivery{
					Body: d.Body,
					ackFunc: func(ack bool, requeue bool) {
						acks <- ackRequest{deliveryTag: tag, ack: ack, requeue: requeue}
					},
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// ackLoop is the single goroutine permitted to call Ack/Nack/Reject on ch,
// draining the buffered requests worker goroutines enqueue via Delivery's
// ackFunc closures.
func ackLoop(ch *amqp.Channel, acks <-chan ackRequest) {
	defer ch.Close()
	for req := range acks {
		var err error
		if req.ack {
			err = ch.Ack(req.deliveryTag, false)
		} else {
			err = ch.Nack(req.deliveryTag, false, req.requeue)
		}
		_ = err // connection-level failures surface via NotifyClose and the reconnect loop
	}
}

// QueueDepth passively declares queue (must already exist) to read back
// its current message count, satisfying obs.QueueDepther.
func (c *Client) QueueDepth(ctx context.Context, queue string) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, derrors.NewTransient("broker.QueueDepth", fmt.Errorf("not connected"))
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, derrors.NewTransient("broker.QueueDepth channel", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, derrors.NewTransient("broker.QueueDepth declare", err)
	}
	return q.Messages, nil
}

// Close tears down the publish channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub != nil {
		c.pub.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
