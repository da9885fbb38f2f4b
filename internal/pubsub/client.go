// Package pubsub wraps the RabbitMQ connection used by the
// notification worker: dialing with backoff, durable-queue consumers
// with an acknowledge-vs-redeliver split, and persistent JSON
// publishing.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config defines the broker connection.
type Config struct {
	URL          string
	DialAttempts int           // default 5
	DialDelay    time.Duration // first backoff, default 2s, doubles with cap
	Prefetch     int           // per-consumer, default 1
}

const maxDialDelay = 60 * time.Second

// Client owns one AMQP connection shared by all consumers and the
// publisher.
type Client struct {
	conn   *amqp.Connection
	config Config
	log    *slog.Logger

	consumerWG sync.WaitGroup
}

// Dial connects to RabbitMQ with exponential backoff, respecting ctx
// for graceful shutdown.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	const op = "pubsub.Dial"
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 5
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = 2 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", u.Host))
	}

	var lastErr error
	for i := 1; i <= cfg.DialAttempts; i++ {
		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				logger.With("op", op).Info("rabbit connected", slog.Int("attempt", i))
			}
			return &Client{conn: conn, config: cfg, log: logger}, nil
		}
		lastErr = err

		sleep := cfg.DialDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.With("op", op).Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w",
		cfg.DialAttempts, lastErr)
}

// Close waits briefly for consumers to drain, then closes the
// connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
