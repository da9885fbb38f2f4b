package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPermanent marks handler failures that redelivery cannot fix
// (missing recipient, undecodable payload). The delivery is
// acknowledged and dropped instead of requeued.
var ErrPermanent = errors.New("permanent handler failure")

// Handler processes one broker delivery. A nil return acknowledges;
// ErrPermanent acknowledges and drops; any other error leaves the
// message unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// JSONHandler wraps a typed handler, turning a JSON decode failure
// into ErrPermanent: a payload that does not parse never will.
func JSONHandler[T any](h func(context.Context, T) error) Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("%w: decoding payload: %v", ErrPermanent, err)
		}
		return h(ctx, v)
	}
}

// Consume declares queue as durable and processes deliveries one at a
// time on a dedicated channel until ctx is cancelled. Each queue gets
// its own goroutine, so handlers on different queues run concurrently
// with respect to each other.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	const op = "pubsub.Consume"
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel for %s: %w", queue, err)
	}
	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("qos for %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	log := c.log.With("op", op, slog.String("queue", queue))
	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					log.Warn("delivery channel closed")
					return
				}
				err := handler(ctx, d)
				switch {
				case err == nil:
					_ = d.Ack(false)
				case errors.Is(err, ErrPermanent):
					log.Warn("dropping message", slog.String("message_id", d.MessageId), slog.Any("error", err))
					_ = d.Ack(false)
				default:
					log.Error("handler failed, leaving for redelivery",
						slog.String("message_id", d.MessageId), slog.Any("error", err))
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	log.Info("consumer started", slog.Int("prefetch", c.config.Prefetch))
	return nil
}
