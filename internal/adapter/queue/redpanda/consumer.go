package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// Handler processes one decoded work item. Returning a transient error
// leaves the item for redelivery; any other outcome commits the offset.
type Handler func(ctx context.Context, item domain.WorkItem) error

// Consumer runs a consumer group session over one stage topic and fans
// records out to a bounded worker pool.
type Consumer struct {
	client  *kgo.Client
	topic   string
	handler Handler
	workers int

	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewConsumer subscribes to one stage topic as part of groupID. workers
// bounds concurrent handler invocations.
func NewConsumer(brokers []string, groupID, topic string, workers int, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.NewConsumer: missing group ID")
	}
	if workers <= 0 {
		workers = 1
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewConsumer: client: %w", err)
	}

	return &Consumer{
		client:   client,
		topic:    topic,
		handler:  handler,
		workers:  workers,
		shutdown: make(chan struct{}),
	}, nil
}

// Run polls until the context is cancelled or Close is called. Each poll's
// records are handled concurrently, then offsets commit for everything
// that did not fail transiently.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer started", slog.String("topic", c.topic), slog.Int("workers", c.workers))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			c.client.AllowRebalance()
			continue
		}
		observability.QueueDepth.WithLabelValues(c.topic).Set(float64(len(records)))

		commit := c.handleBatch(ctx, records)
		if len(commit) > 0 {
			if err := c.client.CommitRecords(ctx, commit...); err != nil {
				slog.Error("offset commit failed",
					slog.String("topic", c.topic), slog.Any("error", err))
			}
		}
		c.client.AllowRebalance()
	}
}

// handleBatch runs the handler over records with bounded concurrency and
// returns the records whose offsets may be committed.
func (c *Consumer) handleBatch(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var commit []*kgo.Record

	for _, rec := range records {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *kgo.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			if c.handleRecord(ctx, rec) {
				mu.Lock()
				commit = append(commit, rec)
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()
	return commit
}

// handleRecord reports whether the record's offset should be committed.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) bool {
	var item domain.WorkItem
	if err := json.Unmarshal(rec.Value, &item); err != nil {
		// Malformed payloads can never succeed; commit past them.
		slog.Error("dropping undecodable record",
			slog.String("topic", c.topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return true
	}

	err := c.handler(ctx, item)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrTransient):
		slog.Warn("transient handler failure, leaving for redelivery",
			slog.String("topic", c.topic),
			slog.String("post_id", item.PostID),
			slog.Any("error", err))
		return false
	case errors.Is(err, domain.ErrBudget):
		// Redelivering a budget refusal would hot-loop until midnight. The
		// post keeps its current status and the daily requeue sweep
		// re-enqueues it after the UTC reset.
		slog.Warn("daily budget exhausted, committing; post waits for the requeue sweep",
			slog.String("topic", c.topic),
			slog.String("post_id", item.PostID),
			slog.Any("error", err))
		return true
	default:
		// Terminal failures are recorded by the handler itself; the record
		// must not loop forever.
		slog.Error("terminal handler failure, committing past record",
			slog.String("topic", c.topic),
			slog.String("post_id", item.PostID),
			slog.Any("error", err))
		return true
	}
}

// Close stops Run and releases the client.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.client.Close()
	})
}
