package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishJSON publishes v as a persistent JSON message to queue via
// the default exchange, declaring the queue so publish and consume
// sides agree on topology.
func (c *Client) PublishJSON(ctx context.Context, queue string, messageID string, v any) error {
	const op = "pubsub.PublishJSON"

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	c.log.Info("published", slog.String("op", op), slog.String("queue", queue), slog.String("message_id", messageID))
	return nil
}
