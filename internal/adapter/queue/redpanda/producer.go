// Package redpanda routes work items between pipeline stages over
// Redpanda/Kafka topics. Delivery is at-least-once; stage handlers are
// idempotent by post id and content hash.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// Stage topics. One topic per pipeline stage keeps per-stage lag visible
// and lets stage workers scale independently.
const (
	TopicCollect = "posts.collect"
	TopicProcess = "posts.process"
	TopicPublish = "posts.publish"
)

const defaultPartitions = 4

// Producer implements domain.Queue on a transactional Kafka producer.
type Producer struct {
	client *kgo.Client
	// serializes transactions; the franz-go transactional producer allows
	// one open transaction per client
	txLock chan struct{}
}

// NewProducer constructs a transactional producer and ensures the stage
// topics exist.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewProducer: no seed brokers provided")
	}

	tracer := kotel.NewTracer()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewProducer: client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{TopicCollect, TopicProcess, TopicPublish} {
		if err := createTopicIfNotExists(ctx, client, topic, defaultPartitions, 1); err != nil {
			slog.Warn("topic creation failed, continuing",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}

	return &Producer{client: client, txLock: make(chan struct{}, 1)}, nil
}

// EnqueueCollect schedules a collection run for one subreddit.
func (p *Producer) EnqueueCollect(ctx domain.Context, item domain.WorkItem) error {
	return p.enqueue(ctx, TopicCollect, item)
}

// EnqueueProcess hands a collected post to the Processor.
func (p *Producer) EnqueueProcess(ctx domain.Context, item domain.WorkItem) error {
	return p.enqueue(ctx, TopicProcess, item)
}

// EnqueuePublish hands a processed post to the Publisher.
func (p *Producer) EnqueuePublish(ctx domain.Context, item domain.WorkItem) error {
	return p.enqueue(ctx, TopicPublish, item)
}

func (p *Producer) enqueue(ctx domain.Context, topic string, item domain.WorkItem) error {
	select {
	case p.txLock <- struct{}{}:
		defer func() { <-p.txLock }()
	case <-ctx.Done():
		return fmt.Errorf("op=queue.enqueue: %w", ctx.Err())
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: marshal: %w", err)
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w: begin transaction: %v", domain.ErrTransient, err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(recordKey(item)),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("abort transaction failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.enqueue: %w: produce: %v", domain.ErrTransient, err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w: commit: %v", domain.ErrTransient, err)
	}

	observability.EnqueueJob(topic)
	slog.Debug("work item enqueued",
		slog.String("topic", topic),
		slog.String("stage", string(item.Stage)),
		slog.String("post_id", item.PostID),
		slog.String("subreddit", item.Subreddit))
	return nil
}

// recordKey orders records per post; collect items have no post yet and
// key by subreddit instead.
func recordKey(item domain.WorkItem) string {
	if item.PostID != "" {
		return item.PostID
	}
	return item.Subreddit
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
