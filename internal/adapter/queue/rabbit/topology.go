package rabbit

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/cam-job-engine/internal/config"
	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// MaxQueueBytes caps the bytes a primary queue may hold before the broker
// dead-letters overflow, matching the envelope size cap.
const MaxQueueBytes = 10 << 20

const (
	defaultDLQTTL    = 14 * 24 * time.Hour
	defaultDLQMaxLen = 100_000
)

// Topology declares the exchange, per-kind work queues, retry queues, and
// dead-letter pairs. Declarations are idempotent; a redeclare with differing
// arguments fails, surfacing drift between config and the broker.
type Topology struct {
	Kinds     []domain.Kind
	Policy    config.Policy
	DLQTTL    time.Duration
	DLQMaxLen int64
}

// NewTopology builds the declaration set for all known kinds.
func NewTopology(pol config.Policy, dlqTTL time.Duration, dlqMaxLen int64) Topology {
	if dlqTTL <= 0 {
		dlqTTL = defaultDLQTTL
	}
	if dlqMaxLen <= 0 {
		dlqMaxLen = defaultDLQMaxLen
	}
	return Topology{Kinds: domain.KnownKinds(), Policy: pol, DLQTTL: dlqTTL, DLQMaxLen: dlqMaxLen}
}

// primaryArgs returns the work queue arguments for one kind.
func (t Topology) primaryArgs(kind domain.Kind) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange(kind),
		"x-dead-letter-routing-key": "#",
		"x-max-length-bytes":        int64(MaxQueueBytes),
		"x-message-ttl":             t.Policy.QueueTTLFor(kind).Milliseconds(),
		"x-max-priority":            int32(domain.MaxPriority),
	}
}

// dlqArgs returns the dead-letter queue arguments shared by all kinds.
func (t Topology) dlqArgs() amqp.Table {
	return amqp.Table{
		"x-message-ttl": t.DLQTTL.Milliseconds(),
		"x-max-length":  t.DLQMaxLen,
		"x-queue-mode":  "lazy",
	}
}

// retryArgs returns the retry queue arguments for one kind. Messages carry a
// per-message expiration; on expiry the broker dead-letters them back onto
// the task exchange with the kind's routing key.
func retryArgs(kind domain.Kind) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": RoutingKey(kind),
	}
}

// Declare reconciles the full topology over the given channel.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=rabbit.Topology.Declare: exchange %s: %w", Exchange, err)
	}
	for _, kind := range t.Kinds {
		if err := t.declareKind(ch, kind); err != nil {
			return err
		}
	}
	slog.Info("queue topology declared", slog.Int("kinds", len(t.Kinds)))
	return nil
}

func (t Topology) declareKind(ch *amqp.Channel, kind domain.Kind) error {
	dlx := DeadLetterExchange(kind)
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue(kind), true, false, false, false, t.dlqArgs()); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: queue %s: %w", DeadLetterQueue(kind), err)
	}
	if err := ch.QueueBind(DeadLetterQueue(kind), "#", dlx, false, nil); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: bind %s: %w", DeadLetterQueue(kind), err)
	}
	if _, err := ch.QueueDeclare(PrimaryQueue(kind), true, false, false, false, t.primaryArgs(kind)); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: queue %s: %w", PrimaryQueue(kind), err)
	}
	if err := ch.QueueBind(PrimaryQueue(kind), RoutingKey(kind), Exchange, false, nil); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: bind %s: %w", PrimaryQueue(kind), err)
	}
	// Retry queues are addressed through the default exchange, no binding.
	if _, err := ch.QueueDeclare(RetryQueue(kind), true, false, false, false, retryArgs(kind)); err != nil {
		return fmt.Errorf("op=rabbit.Topology.declareKind: queue %s: %w", RetryQueue(kind), err)
	}
	return nil
}
