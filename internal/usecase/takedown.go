package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// TakedownSLA is the window between the takedown request and permanent
// removal. Stage 1 (unpublish) runs immediately; stage 2 (delete) runs
// when the window closes.
const TakedownSLA = 72 * time.Hour

// slaWarnWindow is how close to the deadline a still-pending takedown
// raises an at-risk alert, before the deadline actually passes.
const slaWarnWindow = 6 * time.Hour

// Republisher restores a blog post to published state after a takedown
// cancellation. Satisfied by *Publisher.
type Republisher interface {
	Republish(ctx domain.Context, postID string) error
}

// Takedown coordinates the two-stage removal workflow.
type Takedown struct {
	posts     domain.PostRepository
	logs      domain.ProcessingLogRepository
	blog      domain.BlogClient
	delayed   domain.DelayedQueue
	republish Republisher
	alerts    domain.AlertNotifier
	now       func() time.Time
}

// NewTakedown constructs the takedown coordinator.
func NewTakedown(posts domain.PostRepository, logs domain.ProcessingLogRepository,
	blog domain.BlogClient, delayed domain.DelayedQueue, republish Republisher,
	alerts domain.AlertNotifier) *Takedown {
	return &Takedown{
		posts: posts, logs: logs, blog: blog, delayed: delayed,
		republish: republish, alerts: alerts, now: time.Now,
	}
}

// Request runs stage 1: the post leaves public view immediately and stage 2
// is scheduled at the SLA deadline. Requesting a takedown twice is a no-op.
func (t *Takedown) Request(ctx domain.Context, postID string) error {
	tracer := otel.Tracer("usecase.takedown")
	ctx, span := tracer.Start(ctx, "takedown.Request")
	defer span.End()

	return t.posts.WithPostLock(ctx, postID, func(ctx domain.Context) error {
		post, err := t.posts.Get(ctx, postID)
		if err != nil {
			return fmt.Errorf("op=takedown.request: %w", err)
		}
		switch post.TakedownStatus {
		case domain.TakedownPending, domain.TakedownRemoved:
			slog.Info("takedown already in progress",
				slog.String("post_id", postID),
				slog.String("takedown_status", string(post.TakedownStatus)))
			return nil
		case domain.TakedownActive:
		}

		// Unpublish is best effort: stage 2 deletes the blog post at the
		// deadline either way, so a blog outage must not keep the post out
		// of takedown_pending.
		var unpublishErr error
		if post.BlogPostID != "" {
			if unpublishErr = t.blog.UnpublishPost(ctx, post.BlogPostID); unpublishErr != nil {
				slog.Error("unpublish failed, continuing takedown",
					slog.String("post_id", postID),
					slog.String("blog_post_id", post.BlogPostID),
					slog.Any("error", unpublishErr))
			}
		}

		deadline := t.now().UTC().Add(TakedownSLA)
		entry := domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StageTakedown),
			Status:      domain.LogSuccess,
			Metadata:    map[string]any{"action": "requested", "deadline": deadline.Format(time.RFC3339)},
		}
		if unpublishErr != nil {
			entry.Metadata["unpublish_error"] = unpublishErr.Error()
		}
		if err := t.posts.UpdateTakedown(ctx, postID, domain.TakedownPending, &deadline, false, entry); err != nil {
			return fmt.Errorf("op=takedown.request: %w", err)
		}
		if err := t.delayed.ScheduleTakedownStage2(ctx, postID, deadline); err != nil {
			return fmt.Errorf("op=takedown.request: schedule stage2: %w", err)
		}

		observability.TakedownsTotal.WithLabelValues("requested").Inc()
		slog.Info("takedown stage 1 complete",
			slog.String("post_id", postID),
			slog.Time("deadline", deadline))
		return nil
	})
}

// ExecuteTakedownStage2 permanently removes the blog post once the SLA
// window closes. A cancelled takedown makes this a recorded no-op.
func (t *Takedown) ExecuteTakedownStage2(ctx domain.Context, postID string) error {
	tracer := otel.Tracer("usecase.takedown")
	ctx, span := tracer.Start(ctx, "takedown.Stage2")
	defer span.End()

	return t.posts.WithPostLock(ctx, postID, func(ctx domain.Context) error {
		post, err := t.posts.Get(ctx, postID)
		if err != nil {
			return fmt.Errorf("op=takedown.stage2: %w", err)
		}
		if post.TakedownStatus != domain.TakedownPending {
			t.audit(ctx, domain.ProcessingLog{
				PostID:      postID,
				ServiceName: string(domain.StageTakedown),
				Status:      domain.LogSkipped,
				Metadata:    map[string]any{"takedown_status": string(post.TakedownStatus)},
			})
			return nil
		}

		if post.BlogPostID != "" {
			if err := t.blog.DeletePost(ctx, post.BlogPostID); err != nil {
				return fmt.Errorf("op=takedown.stage2: delete: %w", err)
			}
		}

		entry := domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StageTakedown),
			Status:      domain.LogSuccess,
			Metadata:    map[string]any{"action": "removed", "blog_post_id": post.BlogPostID},
		}
		if err := t.posts.UpdateTakedown(ctx, postID, domain.TakedownRemoved, nil, true, entry); err != nil {
			return fmt.Errorf("op=takedown.stage2: %w", err)
		}
		observability.TakedownsTotal.WithLabelValues("removed").Inc()
		slog.Info("takedown stage 2 complete", slog.String("post_id", postID))
		return nil
	})
}

// Cancel reverses a pending takedown and restores the post on the blog.
// Only the takedown_pending state can be cancelled.
func (t *Takedown) Cancel(ctx domain.Context, postID string) error {
	tracer := otel.Tracer("usecase.takedown")
	ctx, span := tracer.Start(ctx, "takedown.Cancel")
	defer span.End()

	if err := t.posts.WithPostLock(ctx, postID, func(ctx domain.Context) error {
		post, err := t.posts.Get(ctx, postID)
		if err != nil {
			return fmt.Errorf("op=takedown.cancel: %w", err)
		}
		if post.TakedownStatus != domain.TakedownPending {
			return fmt.Errorf("op=takedown.cancel: %w: cannot cancel from %q", domain.ErrConflict, post.TakedownStatus)
		}

		entry := domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StageTakedown),
			Status:      domain.LogSuccess,
			Metadata:    map[string]any{"action": "cancelled"},
		}
		if err := t.posts.UpdateTakedown(ctx, postID, domain.TakedownActive, nil, false, entry); err != nil {
			return fmt.Errorf("op=takedown.cancel: %w", err)
		}
		observability.TakedownsTotal.WithLabelValues("cancelled").Inc()
		return nil
	}); err != nil {
		return err
	}

	// Restoring the blog side happens outside the lock; Republish takes the
	// lock itself. The scheduled stage-2 task finds takedown_status=active
	// and records a skip.
	if err := t.republish.Republish(ctx, postID); err != nil {
		slog.Error("republish after cancellation failed",
			slog.String("post_id", postID), slog.Any("error", err))
		return fmt.Errorf("op=takedown.cancel: republish: %w", err)
	}
	slog.Info("takedown cancelled", slog.String("post_id", postID))
	return nil
}

// ListPending returns pending takedowns ordered by deadline.
func (t *Takedown) ListPending(ctx domain.Context) ([]domain.Post, error) {
	return t.posts.ListTakedownPending(ctx)
}

// ScanSLA alerts on pending takedowns whose deadline has passed without
// stage 2 completing. Run periodically by the scheduler.
func (t *Takedown) ScanSLA(ctx domain.Context) error {
	pending, err := t.posts.ListTakedownPending(ctx)
	if err != nil {
		return fmt.Errorf("op=takedown.scan_sla: %w", err)
	}
	now := t.now().UTC()
	for _, post := range pending {
		if post.TakedownDeadline == nil {
			continue
		}
		switch remaining := post.TakedownDeadline.Sub(now); {
		case remaining <= 0:
			observability.TakedownsTotal.WithLabelValues("sla_violation").Inc()
			t.alerts.Notify(ctx, "takedown SLA violated",
				"pending takedown passed its removal deadline",
				map[string]string{
					"post_id":  post.ID,
					"deadline": post.TakedownDeadline.Format(time.RFC3339),
					"overdue":  (-remaining).String(),
				})
		case remaining <= slaWarnWindow:
			t.alerts.Notify(ctx, "takedown SLA at risk",
				"pending takedown is approaching its removal deadline",
				map[string]string{
					"post_id":   post.ID,
					"deadline":  post.TakedownDeadline.Format(time.RFC3339),
					"remaining": remaining.String(),
				})
		}
	}
	return nil
}

func (t *Takedown) audit(ctx domain.Context, entry domain.ProcessingLog) {
	if err := t.logs.Append(ctx, entry); err != nil {
		slog.Error("audit append failed", slog.Any("error", err))
	}
}
