package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// Message headers carried alongside task envelopes.
const (
	headerAttempt   = "x-attempt"
	headerAttempts  = "x-attempts"
	headerLastError = "x-last-error"
	headerJobID     = "x-job-id"
	headerKind      = "x-kind"
	headerFirstSeen = "x-first-seen"
)

const (
	defaultConfirmWait = 5 * time.Second
	defaultMaxAttempts = 5
	publishBackoffBase = 200 * time.Millisecond
	publishBackoffCap  = 5 * time.Second
)

// Publisher implements domain.TaskQueue over a confirm-mode channel. A task
// id is returned only after the broker acked the message; nacks and channel
// errors are retried with jittered exponential backoff until the attempt
// budget runs out.
type Publisher struct {
	client      *Client
	topology    Topology
	confirmWait time.Duration
	maxAttempts int

	// publishLock serializes publish+confirm so basic.return frames can be
	// attributed to the in-flight message.
	publishLock chan struct{}
	ch          *amqp.Channel
	returns     chan amqp.Return
}

// NewPublisher constructs a Publisher. Zero confirmWait and maxAttempts
// fall back to the defaults (5s, 5 attempts).
func NewPublisher(client *Client, topo Topology, confirmWait time.Duration, maxAttempts int) *Publisher {
	if confirmWait <= 0 {
		confirmWait = defaultConfirmWait
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &Publisher{
		client:      client,
		topology:    topo,
		confirmWait: confirmWait,
		maxAttempts: maxAttempts,
		publishLock: make(chan struct{}, 1),
	}
}

// EnsureTopology reconciles exchanges, queues, and bindings on a throwaway
// channel. Safe to call repeatedly.
func (p *Publisher) EnsureTopology(_ domain.Context) error {
	ch, err := p.client.Channel()
	if err != nil {
		return fmt.Errorf("op=rabbit.Publisher.EnsureTopology: %w", err)
	}
	defer func() { _ = ch.Close() }()
	return p.topology.Declare(ch)
}

// PublishTask publishes the envelope to the kind's primary queue and returns
// the confirmed message id.
func (p *Publisher) PublishTask(ctx domain.Context, env domain.TaskEnvelope, priority uint8) (string, error) {
	body, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("op=rabbit.Publisher.PublishTask: %w", err)
	}
	kind := domain.Kind(env.Kind)
	pub := newPublishing(body, priority, amqp.Table{headerAttempt: int32(env.Attempt)})
	if err := p.publish(ctx, kind, Exchange, RoutingKey(kind), pub); err != nil {
		return "", fmt.Errorf("op=rabbit.Publisher.PublishTask: %w", err)
	}
	slog.Info("task published",
		slog.Int64("job_id", env.JobID),
		slog.String("kind", env.Kind),
		slog.String("task_id", pub.MessageId),
		slog.Int("attempt", env.Attempt))
	return pub.MessageId, nil
}

// PublishRetry publishes the envelope to the kind's retry queue with a
// per-message expiration; on expiry the broker dead-letters it back to the
// primary queue.
func (p *Publisher) PublishRetry(ctx domain.Context, env domain.TaskEnvelope, priority uint8, delay time.Duration, lastErr string) (string, error) {
	body, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("op=rabbit.Publisher.PublishRetry: %w", err)
	}
	kind := domain.Kind(env.Kind)
	pub := newPublishing(body, priority, amqp.Table{
		headerAttempt:   int32(env.Attempt),
		headerLastError: truncateError(lastErr),
	})
	pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	// The retry queue is addressed through the default exchange.
	if err := p.publish(ctx, kind, "", RetryQueue(kind), pub); err != nil {
		return "", fmt.Errorf("op=rabbit.Publisher.PublishRetry: %w", err)
	}
	slog.Info("task retry published",
		slog.Int64("job_id", env.JobID),
		slog.String("kind", env.Kind),
		slog.String("task_id", pub.MessageId),
		slog.Int("attempt", env.Attempt),
		slog.Duration("delay", delay))
	return pub.MessageId, nil
}

// PublishDLQ dead-letters the envelope with failure metadata headers.
func (p *Publisher) PublishDLQ(ctx domain.Context, env domain.TaskEnvelope, meta domain.DLQMeta) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("op=rabbit.Publisher.PublishDLQ: %w", err)
	}
	pub := newPublishing(body, 0, amqp.Table{
		headerJobID:     meta.JobID,
		headerKind:      string(meta.Kind),
		headerLastError: truncateError(meta.LastError),
		headerAttempts:  int32(meta.Attempts),
		headerFirstSeen: meta.FirstSeen.UTC().Format(time.RFC3339),
	})
	if err := p.publish(ctx, meta.Kind, DeadLetterExchange(meta.Kind), "#", pub); err != nil {
		return fmt.Errorf("op=rabbit.Publisher.PublishDLQ: %w", err)
	}
	slog.Warn("task dead-lettered",
		slog.Int64("job_id", meta.JobID),
		slog.String("kind", string(meta.Kind)),
		slog.Int("attempts", meta.Attempts),
		slog.String("last_error", truncateError(meta.LastError)))
	return nil
}

// Close releases the confirm channel. The shared connection stays open.
func (p *Publisher) Close() error {
	p.publishLock <- struct{}{}
	defer func() { <-p.publishLock }()
	p.dropChannel()
	return nil
}

// publish runs the confirmed publish with backoff: base 200ms, cap 5s, full
// jitter, bounded by maxAttempts.
func (p *Publisher) publish(ctx context.Context, kind domain.Kind, exchange, key string, pub amqp.Publishing) error {
	select {
	case p.publishLock <- struct{}{}:
		defer func() { <-p.publishLock }()
	case <-ctx.Done():
		return ctx.Err()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = publishBackoffBase
	expo.MaxInterval = publishBackoffCap
	expo.RandomizationFactor = 0.5
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.maxAttempts-1)), ctx)

	op := func() error {
		return p.publishOnce(ctx, kind, exchange, key, pub)
	}
	notify := func(err error, next time.Duration) {
		observability.PublishRetriesTotal.WithLabelValues(string(kind)).Inc()
		slog.Warn("publish retry",
			slog.String("routing_key", key),
			slog.String("message_id", pub.MessageId),
			slog.Duration("next_in", next),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return fmt.Errorf("%w: publish %s after %d attempts: %v", domain.ErrTransient, key, p.maxAttempts, err)
	}
	return nil
}

// publishOnce performs one publish and waits for the broker confirm. Caller
// holds publishLock.
func (p *Publisher) publishOnce(ctx context.Context, kind domain.Kind, exchange, key string, pub amqp.Publishing) error {
	ch, returns, err := p.confirmChannel()
	if err != nil {
		return err
	}
	start := time.Now()
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, pub)
	if err != nil {
		p.dropChannel()
		return fmt.Errorf("publish %s: %w", key, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.confirmWait)
	defer cancel()
	acked, err := conf.WaitContext(waitCtx)
	if err != nil {
		// The confirm may still land on this channel later; drop it so a
		// future publish cannot observe a stale ack.
		p.dropChannel()
		return fmt.Errorf("confirm wait %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s", key)
	}
	// basic.return precedes the ack for unroutable mandatory messages.
	for {
		select {
		case ret := <-returns:
			if ret.MessageId == pub.MessageId {
				return fmt.Errorf("unroutable publish to %s: %s", key, ret.ReplyText)
			}
		default:
			observability.PublishConfirmDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// confirmChannel lazily opens the confirm-mode channel. Caller holds
// publishLock.
func (p *Publisher) confirmChannel() (*amqp.Channel, chan amqp.Return, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, p.returns, nil
	}
	ch, err := p.client.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("confirm mode: %w", err)
	}
	p.ch = ch
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 8))
	return p.ch, p.returns, nil
}

// dropChannel closes the confirm channel; the next publish reopens it.
// Caller holds publishLock.
func (p *Publisher) dropChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
		p.returns = nil
	}
}

// newPublishing builds a persistent JSON publishing with a fresh message id.
func newPublishing(body []byte, priority uint8, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
}

// truncateError flattens and caps error text destined for message headers.
func truncateError(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
