// Package rabbit provides the RabbitMQ integration: topology management,
// a confirming publisher, the worker consumer runtime, retry/DLQ routing,
// and the operator surface over dead-letter queues.
//
// Every kind owns a primary queue, a retry queue, and a dead-letter pair.
// Publishes are persistent and confirmed; a task id is only handed back to
// callers once the broker acknowledged the message.
package rabbit

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// Exchange is the direct exchange all task publishes route through.
const Exchange = "jobs.direct"

// RoutingKey returns the binding key for a kind on the task exchange.
func RoutingKey(kind domain.Kind) string { return "jobs." + string(kind) }

// PrimaryQueue returns the kind's work queue name.
func PrimaryQueue(kind domain.Kind) string { return "q." + string(kind) }

// RetryQueue returns the kind's delay queue; expired messages dead-letter
// back to the primary queue.
func RetryQueue(kind domain.Kind) string { return PrimaryQueue(kind) + ".retry" }

// DeadLetterExchange returns the kind's dead-letter exchange name.
func DeadLetterExchange(kind domain.Kind) string { return PrimaryQueue(kind) + ".dlx" }

// DeadLetterQueue returns the kind's dead-letter queue name.
func DeadLetterQueue(kind domain.Kind) string { return PrimaryQueue(kind) + ".dlq" }

// Client wraps one AMQP connection and hands out channels. Channels are not
// safe for concurrent use; each collaborator owns its own.
type Client struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
}

// Dial connects to the broker at url.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.Dial: %w", err)
	}
	return &Client{url: url, conn: conn}, nil
}

// Channel opens a fresh channel, re-dialing when the connection dropped.
func (c *Client) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("op=rabbit.Client.Channel: redial: %w", err)
		}
		c.conn = conn
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.Client.Channel: %w", err)
	}
	return ch, nil
}

// Ping proves the broker reachable by opening and closing a throwaway
// channel. Channel opening has no context support in the AMQP client, so
// the wait is bounded by ctx instead.
func (c *Client) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		ch, err := c.Channel()
		if err != nil {
			done <- err
			return
		}
		done <- ch.Close()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=rabbit.Client.Ping: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
