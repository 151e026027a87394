// Package redpanda publishes job lifecycle records to a Redpanda/Kafka
// topic. The stream mirrors the authoritative store for downstream
// consumers (dashboards, ERP sync); records are buffered and dropped on
// broker failure, never blocking a state transition.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

// DefaultTopic is the lifecycle event topic.
const DefaultTopic = "jobs.lifecycle"

const flushTimeout = 5 * time.Second

// Producer implements domain.LifecycleStream on a Kafka producer.
// Records are keyed by job id so per-job ordering holds across partitions.
type Producer struct {
	client *kgo.Client
	topic  string
}

var _ domain.LifecycleStream = (*Producer)(nil)

// NewProducer connects to the brokers and ensures the lifecycle topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewProducer: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.DialTimeout(10*time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("lifecycle topic creation failed, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("lifecycle producer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish buffers one lifecycle record. Broker failures surface in the
// produce callback as a warning and the record is dropped.
func (p *Producer) Publish(ctx domain.Context, rec domain.LifecycleRecord) error {
	r, err := lifecycleRecord(p.topic, rec)
	if err != nil {
		return fmt.Errorf("op=redpanda.Producer.Publish: %w", err)
	}
	// Buffered records outlive the caller's request deadline.
	p.client.Produce(context.WithoutCancel(ctx), r, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("lifecycle record dropped",
				slog.Int64("job_id", rec.JobID),
				slog.String("event", rec.Event),
				slog.Any("error", err))
		}
	})
	return nil
}

func lifecycleRecord(topic string, rec domain.LifecycleRecord) (*kgo.Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(strconv.FormatInt(rec.JobID, 10)),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "event", Value: []byte(rec.Event)},
		},
	}, nil
}

// Close drains buffered records and releases the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("lifecycle producer flush", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}
