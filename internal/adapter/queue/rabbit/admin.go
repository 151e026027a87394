package rabbit

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/cam-job-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

const defaultPeekLimit = 20

// DLQAdmin is the operator surface over dead-letter queues. Peek inspects
// without consuming, Pull hands out one message under an explicit settle,
// Purge drops everything.
type DLQAdmin struct {
	client *Client
}

// NewDLQAdmin wires the operator surface to a broker client.
func NewDLQAdmin(client *Client) *DLQAdmin {
	return &DLQAdmin{client: client}
}

var _ domain.DLQOperator = (*DLQAdmin)(nil)

// Peek reads up to limit messages and puts them all back. Ordering is the
// queue order; a concurrent replay can still consume them afterwards.
func (a *DLQAdmin) Peek(_ domain.Context, kind domain.Kind, limit int) ([]domain.DLQMessage, error) {
	if limit <= 0 {
		limit = defaultPeekLimit
	}
	ch, err := a.client.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.DLQAdmin.Peek: %w", err)
	}
	defer func() { _ = ch.Close() }()

	queue := DeadLetterQueue(kind)
	var (
		msgs    []domain.DLQMessage
		lastTag uint64
	)
	for len(msgs) < limit {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return nil, fmt.Errorf("op=rabbit.DLQAdmin.Peek: get %s: %w", queue, err)
		}
		if !ok {
			break
		}
		msgs = append(msgs, decodeDLQMessage(d))
		lastTag = d.DeliveryTag
	}
	if len(msgs) > 0 {
		if err := ch.Nack(lastTag, true, true); err != nil {
			return nil, fmt.Errorf("op=rabbit.DLQAdmin.Peek: requeue: %w", err)
		}
	}
	return msgs, nil
}

// Pull takes one message off the DLQ. The delivery holds its channel open
// until Ack or Requeue so the broker keeps the message reserved.
func (a *DLQAdmin) Pull(_ domain.Context, kind domain.Kind) (domain.DLQDelivery, bool, error) {
	ch, err := a.client.Channel()
	if err != nil {
		return nil, false, fmt.Errorf("op=rabbit.DLQAdmin.Pull: %w", err)
	}
	d, ok, err := ch.Get(DeadLetterQueue(kind), false)
	if err != nil {
		_ = ch.Close()
		return nil, false, fmt.Errorf("op=rabbit.DLQAdmin.Pull: get %s: %w", DeadLetterQueue(kind), err)
	}
	if !ok {
		_ = ch.Close()
		return nil, false, nil
	}
	return &dlqDelivery{ch: ch, delivery: d, msg: decodeDLQMessage(d)}, true, nil
}

// Purge drops every message from the kind's DLQ and returns the count.
func (a *DLQAdmin) Purge(_ domain.Context, kind domain.Kind) (int, error) {
	ch, err := a.client.Channel()
	if err != nil {
		return 0, fmt.Errorf("op=rabbit.DLQAdmin.Purge: %w", err)
	}
	defer func() { _ = ch.Close() }()

	n, err := ch.QueuePurge(DeadLetterQueue(kind), false)
	if err != nil {
		return 0, fmt.Errorf("op=rabbit.DLQAdmin.Purge: %w", err)
	}
	observability.DLQDepth.WithLabelValues(string(kind)).Set(0)
	slog.Warn("dlq purged", slog.String("kind", string(kind)), slog.Int("messages", n))
	return n, nil
}

// Depths reports the primary queue and DLQ message counts and refreshes the
// depth gauge.
func (a *DLQAdmin) Depths(_ domain.Context, kind domain.Kind) (int, int, error) {
	ch, err := a.client.Channel()
	if err != nil {
		return 0, 0, fmt.Errorf("op=rabbit.DLQAdmin.Depths: %w", err)
	}
	defer func() { _ = ch.Close() }()

	pq, err := ch.QueueDeclarePassive(PrimaryQueue(kind), true, false, false, false, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("op=rabbit.DLQAdmin.Depths: %s: %w", PrimaryQueue(kind), err)
	}
	dq, err := ch.QueueDeclarePassive(DeadLetterQueue(kind), true, false, false, false, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("op=rabbit.DLQAdmin.Depths: %s: %w", DeadLetterQueue(kind), err)
	}
	observability.DLQDepth.WithLabelValues(string(kind)).Set(float64(dq.Messages))
	return pq.Messages, dq.Messages, nil
}

// dlqDelivery owns one channel per pulled message; closing the channel
// after settle releases the broker-side reservation.
type dlqDelivery struct {
	ch       *amqp.Channel
	delivery amqp.Delivery
	msg      domain.DLQMessage
}

func (d *dlqDelivery) Message() domain.DLQMessage { return d.msg }

func (d *dlqDelivery) Ack() error {
	if err := d.delivery.Ack(false); err != nil {
		return fmt.Errorf("op=rabbit.dlqDelivery.Ack: %w", err)
	}
	return d.ch.Close()
}

func (d *dlqDelivery) Requeue() error {
	if err := d.delivery.Nack(false, true); err != nil {
		return fmt.Errorf("op=rabbit.dlqDelivery.Requeue: %w", err)
	}
	return d.ch.Close()
}

// decodeDLQMessage recovers envelope and failure metadata from a dead
// letter. Metadata headers are best effort: replays of messages routed by
// the broker's DLX (rather than PublishDLQ) fall back to envelope fields
// and the x-death record.
func decodeDLQMessage(d amqp.Delivery) domain.DLQMessage {
	msg := domain.DLQMessage{
		Raw:       d.Body,
		MessageID: d.MessageId,
		LastError: headerString(d.Headers, headerLastError),
		Attempts:  headerInt(d.Headers, headerAttempts),
		FirstSeen: headerTime(d.Headers, headerFirstSeen),
	}
	if env, err := domain.DecodeEnvelope(d.Body); err == nil {
		msg.Envelope = env
		if msg.Attempts == 0 {
			msg.Attempts = env.Attempt
		}
	}
	if msg.FirstSeen.IsZero() {
		msg.FirstSeen = deathTime(d.Headers)
	}
	if msg.FirstSeen.IsZero() {
		msg.FirstSeen = d.Timestamp
	}
	return msg
}

func headerString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case []byte:
		n, _ := strconv.Atoi(string(v))
		return n
	default:
		return 0
	}
}

func headerTime(h amqp.Table, key string) time.Time {
	switch v := h[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	default:
		return time.Time{}
	}
}

// deathTime digs the original enqueue time out of the broker's x-death
// history.
func deathTime(h amqp.Table) time.Time {
	deaths, ok := h["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return time.Time{}
	}
	entry, ok := deaths[0].(amqp.Table)
	if !ok {
		return time.Time{}
	}
	return headerTime(entry, "time")
}
