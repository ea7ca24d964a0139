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
)

// tokenOverheadFactor pads the input token estimate to cover prompts and
// model output when reserving against the daily token budget.
const tokenOverheadFactor = 3

// Processor turns a collected post into a summarized, tagged post with
// structured artifacts.
type Processor struct {
	cfg   config.Config
	posts domain.PostRepository
	logs  domain.ProcessingLogRepository
	llm   domain.LLMClient
	quota domain.QuotaLedger
	queue domain.Queue
}

// NewProcessor constructs a Processor with its dependencies.
func NewProcessor(cfg config.Config, posts domain.PostRepository, logs domain.ProcessingLogRepository,
	llm domain.LLMClient, quota domain.QuotaLedger, queue domain.Queue) *Processor {
	return &Processor{cfg: cfg, posts: posts, logs: logs, llm: llm, quota: quota, queue: queue}
}

// ProcessPost runs the three model calls for one post and stores the
// results. Safe to redeliver: an already-processed post is skipped.
func (s *Processor) ProcessPost(ctx domain.Context, postID string) error {
	tracer := otel.Tracer("usecase.process")
	ctx, span := tracer.Start(ctx, "process.Post")
	defer span.End()
	started := time.Now()

	post, err := s.posts.Get(ctx, postID)
	if err != nil {
		return fmt.Errorf("op=process.post: %w", err)
	}
	if post.Status != domain.PostCollected {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StageProcess), "skipped").Inc()
		s.audit(ctx, domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StageProcess),
			Status:      domain.LogSkipped,
			Metadata:    map[string]any{"already": string(post.Status)},
		})
		return nil
	}

	estimate := int64(s.llm.EstimateTokens(post.Title+"\n"+post.Body)) * tokenOverheadFactor
	allowed, used, err := s.quota.Reserve(ctx, domain.ServiceLLMTokens, estimate)
	if err != nil {
		return fmt.Errorf("op=process.post: quota: %w", err)
	}
	if !allowed {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StageProcess), "budget_refused").Inc()
		s.audit(ctx, domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StageProcess),
			Status:      domain.LogFailed,
			Metadata: map[string]any{
				"budget_exhausted": domain.ServiceLLMTokens,
				"estimate":         estimate,
				"used":             used,
			},
		})
		return fmt.Errorf("op=process.post: %w: daily token budget exhausted (used=%d)", domain.ErrBudget, used)
	}

	// The LLM client retries transiently and escalates models internally,
	// per prompt; a failure here has already spent its attempts.
	summary, fb, err := s.llm.Summarize(ctx, post)
	if err != nil {
		return s.fail(ctx, postID, started, err)
	}
	anyFallback := fb

	tags, fb, err := s.llm.ExtractTags(ctx, post, summary)
	if err != nil {
		return s.fail(ctx, postID, started, err)
	}
	anyFallback = anyFallback || fb

	pp, pi, fb, err := s.llm.ExtractArtifacts(ctx, post, summary)
	if err != nil {
		return s.fail(ctx, postID, started, err)
	}
	anyFallback = anyFallback || fb

	post.SummaryKo = summary
	post.Tags = tags
	post.PainPoints = &pp
	post.ProductIdeas = &pi
	post.MetaVersion = s.cfg.MetaVersion
	post.Status = domain.PostProcessed

	entry := domain.ProcessingLog{
		PostID:           postID,
		ServiceName:      string(domain.StageProcess),
		Status:           domain.LogSuccess,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Metadata:         map[string]any{"tokens_reserved": estimate},
	}
	if anyFallback {
		entry.Metadata["model_fallback"] = true
	}
	if err := s.posts.UpdateProcessed(ctx, post, entry); err != nil {
		return s.fail(ctx, postID, started, err)
	}

	if err := s.queue.EnqueuePublish(ctx, domain.WorkItem{
		Stage:     domain.StagePublish,
		PostID:    postID,
		Subreddit: post.Subreddit,
	}); err != nil {
		// Post is processed; publication can be requeued without redoing
		// the model calls.
		slog.Error("enqueue publish failed", slog.String("post_id", postID), slog.Any("error", err))
		return fmt.Errorf("op=process.post: enqueue publish: %w", err)
	}

	observability.StageAttemptsTotal.WithLabelValues(string(domain.StageProcess), "ok").Inc()
	observability.StageDuration.WithLabelValues(string(domain.StageProcess)).Observe(time.Since(started).Seconds())
	slog.Info("post processed",
		slog.String("post_id", postID),
		slog.Int("tags", len(tags)),
		slog.Bool("fallback", anyFallback))
	return nil
}

// RequeueCollected re-enqueues posts stranded in collected status: budget
// refusals commit their queue offsets, so nothing else brings those posts
// back once the daily caps reset. The scheduler runs this just after UTC
// midnight. olderThan keeps freshly collected posts from double-enqueueing.
func RequeueCollected(ctx domain.Context, posts domain.PostRepository, queue domain.Queue, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := posts.ListStaleCollected(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=process.requeue_collected: %w", err)
	}
	requeued := 0
	for _, p := range stale {
		item := domain.WorkItem{Stage: domain.StageProcess, PostID: p.ID, Subreddit: p.Subreddit}
		if err := queue.EnqueueProcess(ctx, item); err != nil {
			slog.Error("requeue enqueue failed",
				slog.String("post_id", p.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		slog.Info("stranded collected posts requeued", slog.Int("count", requeued))
	}
	return requeued, nil
}

// fail records the attempt and, for non-transient causes, parks the post
// in failed status so it never loops on the queue.
func (s *Processor) fail(ctx domain.Context, postID string, started time.Time, cause error) error {
	observability.StageAttemptsTotal.WithLabelValues(string(domain.StageProcess), "error").Inc()
	entry := domain.ProcessingLog{
		PostID:           postID,
		ServiceName:      string(domain.StageProcess),
		Status:           domain.LogFailed,
		ErrorMessage:     cause.Error(),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}
	if errors.Is(cause, domain.ErrTransient) {
		s.audit(ctx, entry)
		return fmt.Errorf("op=process.post: %w", cause)
	}
	if err := s.posts.UpdateStatus(ctx, postID, domain.PostFailed, entry); err != nil {
		slog.Error("failed-status update failed", slog.String("post_id", postID), slog.Any("error", err))
	}
	return fmt.Errorf("op=process.post: %w", cause)
}

func (s *Processor) audit(ctx domain.Context, entry domain.ProcessingLog) {
	if err := s.logs.Append(ctx, entry); err != nil {
		slog.Error("audit append failed", slog.Any("error", err))
	}
}
