// Package usecase contains the pipeline stage services: collection,
// processing, publishing and the takedown workflow.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
	"github.com/subdigest/subdigest/internal/service/retry"
)

// Collector fetches listings, filters them against the collection policy
// and hands accepted posts to the Processor queue.
type Collector struct {
	cfg   config.Config
	forum domain.ForumClient
	posts domain.PostRepository
	logs  domain.ProcessingLogRepository
	quota domain.QuotaLedger
	queue domain.Queue
	retry retry.Policy
}

// NewCollector constructs a Collector with its dependencies.
func NewCollector(cfg config.Config, forum domain.ForumClient, posts domain.PostRepository,
	logs domain.ProcessingLogRepository, quota domain.QuotaLedger, queue domain.Queue) *Collector {
	return &Collector{
		cfg: cfg, forum: forum, posts: posts, logs: logs, quota: quota, queue: queue,
		retry: retry.Policy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.BackoffBase,
			Min:         cfg.BackoffMin,
			Max:         cfg.BackoffMax,
			Jitter:      0.2,
		},
	}
}

// CollectAll runs one collection pass over every configured community.
// Per-community failures are logged and do not stop the pass.
func (c *Collector) CollectAll(ctx domain.Context) error {
	var failed int
	for _, sub := range c.cfg.Communities {
		if err := c.CollectSubreddit(ctx, sub); err != nil {
			failed++
			if errors.Is(err, domain.ErrBudget) {
				// The daily call budget is gone; later communities would
				// only burn refused reservations.
				slog.Warn("collection pass stopped on exhausted budget", slog.String("subreddit", sub))
				return err
			}
			slog.Error("collection failed for community",
				slog.String("subreddit", sub), slog.Any("error", err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("op=collect.all: %d of %d communities failed", failed, len(c.cfg.Communities))
	}
	return nil
}

// CollectSubreddit fetches one community's listing and stores the posts
// that pass the policy filters.
func (c *Collector) CollectSubreddit(ctx domain.Context, subreddit string) error {
	tracer := otel.Tracer("usecase.collect")
	ctx, span := tracer.Start(ctx, "collect.Subreddit")
	defer span.End()
	started := time.Now()

	allowed, used, err := c.quota.Reserve(ctx, domain.ServiceForumCalls, 1)
	if err != nil {
		return fmt.Errorf("op=collect.subreddit: quota: %w", err)
	}
	if !allowed {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StageCollect), "budget_refused").Inc()
		c.audit(ctx, domain.ProcessingLog{
			ServiceName: string(domain.StageCollect),
			Status:      domain.LogFailed,
			Metadata: map[string]any{
				"subreddit":        subreddit,
				"budget_exhausted": domain.ServiceForumCalls,
				"used":             used,
			},
		})
		return fmt.Errorf("op=collect.subreddit: %w: daily forum call budget exhausted (used=%d)", domain.ErrBudget, used)
	}

	var listing []domain.ForumPost
	err = retry.Do(ctx, c.retry, "collect.fetch", func(ctx domain.Context) error {
		var fetchErr error
		listing, fetchErr = c.forum.FetchTopPosts(ctx, subreddit, c.cfg.BatchSize)
		return fetchErr
	})
	if err != nil {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StageCollect), "error").Inc()
		return fmt.Errorf("op=collect.subreddit: %w", err)
	}

	accepted := 0
	for _, fp := range listing {
		if reason := c.filterReason(fp); reason != "" {
			observability.PostsFilteredTotal.WithLabelValues(reason).Inc()
			c.audit(ctx, domain.ProcessingLog{
				ServiceName: string(domain.StageCollect),
				Status:      domain.LogSkipped,
				Metadata: map[string]any{
					"subreddit":      fp.Subreddit,
					"source_post_id": fp.SourcePostID,
					"filtered":       reason,
				},
			})
			continue
		}
		if c.storeAndEnqueue(ctx, fp, started) {
			accepted++
		}
	}

	observability.StageAttemptsTotal.WithLabelValues(string(domain.StageCollect), "ok").Inc()
	observability.StageDuration.WithLabelValues(string(domain.StageCollect)).Observe(time.Since(started).Seconds())
	slog.Info("collection pass done",
		slog.String("subreddit", subreddit),
		slog.Int("listed", len(listing)),
		slog.Int("accepted", accepted))
	return nil
}

// filterReason returns the policy filter that rejects the post, or "".
func (c *Collector) filterReason(fp domain.ForumPost) string {
	switch {
	case fp.Over18:
		return "nsfw"
	case fp.Score < c.cfg.MinScore:
		return "score"
	case fp.NumComments < c.cfg.MinComments:
		return "comments"
	}
	return ""
}

// storeAndEnqueue inserts the post and queues processing. Duplicates are
// absorbed silently via the unique source_post_id constraint.
func (c *Collector) storeAndEnqueue(ctx domain.Context, fp domain.ForumPost, started time.Time) bool {
	id, err := c.posts.Create(ctx, domain.Post{
		SourcePostID: fp.SourcePostID,
		Subreddit:    fp.Subreddit,
		Title:        fp.Title,
		Body:         fp.Body,
		Author:       fp.Author,
		Score:        fp.Score,
		NumComments:  fp.NumComments,
		Over18:       fp.Over18,
		MediaURLs:    fp.MediaURLs,
	})
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			observability.CollectorDuplicatesTotal.Inc()
			slog.Debug("duplicate post absorbed", slog.String("source_post_id", fp.SourcePostID))
			return false
		}
		slog.Error("post insert failed",
			slog.String("source_post_id", fp.SourcePostID), slog.Any("error", err))
		return false
	}

	observability.PostsCollectedTotal.Inc()
	item := domain.WorkItem{Stage: domain.StageProcess, PostID: id, Subreddit: fp.Subreddit}
	if err := c.queue.EnqueueProcess(ctx, item); err != nil {
		// The post row exists; a later collection pass or operator requeue
		// picks it up. Record the gap.
		slog.Error("enqueue process failed", slog.String("post_id", id), slog.Any("error", err))
		c.audit(ctx, domain.ProcessingLog{
			PostID:       id,
			ServiceName:  string(domain.StageCollect),
			Status:       domain.LogFailed,
			ErrorMessage: err.Error(),
			Metadata:     map[string]any{"enqueue": "process"},
		})
		return false
	}

	c.audit(ctx, domain.ProcessingLog{
		PostID:           id,
		ServiceName:      string(domain.StageCollect),
		Status:           domain.LogSuccess,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Metadata:         map[string]any{"subreddit": fp.Subreddit, "source_post_id": fp.SourcePostID},
	})
	return true
}

func (c *Collector) audit(ctx domain.Context, entry domain.ProcessingLog) {
	if err := c.logs.Append(ctx, entry); err != nil {
		slog.Error("audit append failed", slog.Any("error", err))
	}
}
