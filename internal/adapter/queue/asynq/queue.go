// Package asynq schedules delayed takedown work on Redis. The chain queues
// run on Redpanda; asynq covers the one place the pipeline needs durable
// run-at-a-future-time delivery.
package asynq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// TypeTakedownStage2 is the task type for deferred takedown completion.
const TypeTakedownStage2 = "takedown:stage2"

const takedownMaxRetry = 5

// stage2Payload is the task body for a scheduled stage-2 run.
type stage2Payload struct {
	PostID string `json:"post_id"`
}

// Client implements domain.DelayedQueue on an asynq client.
type Client struct {
	c *asynq.Client
}

// NewClient connects to the Redis instance backing the delayed queue.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynq.NewClient: %w", err)
	}
	return &Client{c: asynq.NewClient(opt)}, nil
}

// ScheduleTakedownStage2 enqueues stage-2 execution at runAt. The task id
// is derived from the post id so a retried stage-1 never schedules a
// second run.
func (q *Client) ScheduleTakedownStage2(ctx domain.Context, postID string, runAt time.Time) error {
	payload, err := json.Marshal(stage2Payload{PostID: postID})
	if err != nil {
		return fmt.Errorf("op=asynq.schedule_stage2: %w", err)
	}
	task := asynq.NewTask(TypeTakedownStage2, payload)
	_, err = q.c.EnqueueContext(ctx, task,
		asynq.ProcessAt(runAt),
		asynq.MaxRetry(takedownMaxRetry),
		asynq.TaskID(TypeTakedownStage2+":"+postID),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			slog.Info("stage-2 already scheduled", slog.String("post_id", postID))
			return nil
		}
		return fmt.Errorf("op=asynq.schedule_stage2: %w: %v", domain.ErrTransient, err)
	}
	observability.EnqueueJob(TypeTakedownStage2)
	slog.Info("takedown stage-2 scheduled",
		slog.String("post_id", postID),
		slog.Time("run_at", runAt))
	return nil
}

// Close releases the underlying asynq client.
func (q *Client) Close() error {
	return q.c.Close()
}
