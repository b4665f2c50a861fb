// Package events publishes grading lifecycle events to Kafka/Redpanda for
// downstream consumers such as analytics and progress reporting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the events topic exists.
// Topic creation failure is non-fatal; the topic may already exist or be
// auto-created by the broker.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create events topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishGradingCompleted produces one event per terminal job, keyed by job
// id so consumers see a job's events in order.
func (p *Producer) PublishGradingCompleted(ctx domain.Context, evt domain.GradingCompletedEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(evt.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(evt.JobID)},
			{Key: "status", Value: []byte(evt.Status)},
			{Key: "question_count", Value: []byte(strconv.Itoa(evt.QuestionCount))},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce grading-completed: %w", err)
	}
	slog.Info("grading event published",
		slog.String("topic", p.topic),
		slog.String("job_id", evt.JobID),
		slog.String("status", string(evt.Status)))
	return nil
}

// Close closes the underlying Kafka client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
