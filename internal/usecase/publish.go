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

// ImageRehoster downloads source images and re-hosts them on the blog
// platform, returning a source -> hosted URL mapping. It also finds image
// URLs embedded in a rendered body and rewrites them to their hosted
// counterparts.
type ImageRehoster interface {
	Rehost(ctx domain.Context, urls []string) map[string]string
	ExtractImageURLs(body string) []string
	RewriteImageURLs(body string, hosted map[string]string) string
}

// TagNormalizer maps raw model tags onto the blog's tag vocabulary.
type TagNormalizer func(tags []string) []string

// Publisher takes processed posts live on the blog platform, idempotently
// by content hash.
type Publisher struct {
	cfg       config.Config
	posts     domain.PostRepository
	logs      domain.ProcessingLogRepository
	blog      domain.BlogClient
	images    ImageRehoster
	normalize TagNormalizer
	retry     retry.Policy
}

// NewPublisher constructs a Publisher with its dependencies.
func NewPublisher(cfg config.Config, posts domain.PostRepository, logs domain.ProcessingLogRepository,
	blog domain.BlogClient, images ImageRehoster, normalize TagNormalizer) *Publisher {
	return &Publisher{
		cfg: cfg, posts: posts, logs: logs, blog: blog, images: images, normalize: normalize,
		retry: retry.Policy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.BackoffBase,
			Min:         cfg.BackoffMin,
			Max:         cfg.BackoffMax,
			Jitter:      0.2,
		},
	}
}

// PublishPost publishes one processed post. Redeliveries are absorbed: a
// matching content hash skips, a changed hash updates in place. The post
// row is locked for the duration so concurrent deliveries serialize.
func (s *Publisher) PublishPost(ctx domain.Context, postID string) error {
	tracer := otel.Tracer("usecase.publish")
	ctx, span := tracer.Start(ctx, "publish.Post")
	defer span.End()

	return s.posts.WithPostLock(ctx, postID, func(ctx domain.Context) error {
		return s.publishLocked(ctx, postID)
	})
}

func (s *Publisher) publishLocked(ctx domain.Context, postID string) error {
	started := time.Now()

	post, err := s.posts.Get(ctx, postID)
	if err != nil {
		return fmt.Errorf("op=publish.post: %w", err)
	}
	if post.Status != domain.PostProcessed && post.Status != domain.PostPublished {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StagePublish), "skipped").Inc()
		s.audit(ctx, domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StagePublish),
			Status:      domain.LogSkipped,
			Metadata:    map[string]any{"status": string(post.Status)},
		})
		return nil
	}
	if post.TakedownStatus != domain.TakedownActive {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StagePublish), "skipped").Inc()
		s.audit(ctx, domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StagePublish),
			Status:      domain.LogSkipped,
			Metadata:    map[string]any{"takedown_status": string(post.TakedownStatus)},
		})
		return nil
	}

	// The content fingerprint covers the source title, body and media
	// URLs. Rendering and image re-hosting stay out of it so template
	// tweaks and per-upload hosted URLs never defeat idempotency.
	hash := domain.ContentHash(post.Title, post.Body, post.MediaURLs)

	if post.BlogPostID != "" && post.ContentHash == hash {
		observability.StageAttemptsTotal.WithLabelValues(string(domain.StagePublish), "skipped").Inc()
		s.audit(ctx, domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StagePublish),
			Status:      domain.LogSkipped,
			Metadata:    map[string]any{"content_hash": hash, "unchanged": true},
		})
		return nil
	}

	created := post.BlogPostID == ""
	blogPost, err := s.pushToBlog(ctx, post, RenderArticle(post))
	if err != nil {
		return s.fail(ctx, postID, started, err)
	}

	now := time.Now().UTC()
	post.BlogPostID = blogPost.ID
	post.BlogSlug = blogPost.Slug
	post.BlogURL = blogPost.URL
	post.ContentHash = hash
	post.PublishedAt = &now
	post.Status = domain.PostPublished

	entry := domain.ProcessingLog{
		PostID:           postID,
		ServiceName:      string(domain.StagePublish),
		Status:           domain.LogSuccess,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Metadata:         map[string]any{"blog_post_id": blogPost.ID, "content_hash": hash},
	}
	if err := s.posts.UpdatePublished(ctx, post, entry); err != nil {
		// A just-created blog post with no committed record would duplicate
		// on redelivery; delete it so the retry starts clean. An update in
		// place touched an already-recorded post and must stay live.
		if created {
			slog.Error("publish record failed, rolling back created blog post",
				slog.String("post_id", postID),
				slog.String("blog_post_id", blogPost.ID),
				slog.Any("error", err))
			if delErr := s.blog.DeletePost(ctx, blogPost.ID); delErr != nil {
				slog.Error("rollback delete failed, blog post orphaned",
					slog.String("blog_post_id", blogPost.ID), slog.Any("error", delErr))
			}
		} else {
			slog.Error("publish record failed for existing blog post",
				slog.String("post_id", postID),
				slog.String("blog_post_id", blogPost.ID),
				slog.Any("error", err))
		}
		return s.fail(ctx, postID, started, err)
	}

	observability.StageAttemptsTotal.WithLabelValues(string(domain.StagePublish), "ok").Inc()
	observability.StageDuration.WithLabelValues(string(domain.StagePublish)).Observe(time.Since(started).Seconds())
	slog.Info("post published",
		slog.String("post_id", postID),
		slog.String("blog_post_id", blogPost.ID),
		slog.String("url", blogPost.URL))
	return nil
}

// Republish forces a post back to published state on the blog after a
// takedown cancellation. Unlike PublishPost it never skips on a matching
// content hash, because the platform side is sitting in draft.
func (s *Publisher) Republish(ctx domain.Context, postID string) error {
	return s.posts.WithPostLock(ctx, postID, func(ctx domain.Context) error {
		post, err := s.posts.Get(ctx, postID)
		if err != nil {
			return fmt.Errorf("op=publish.republish: %w", err)
		}
		if post.BlogPostID == "" {
			return nil
		}

		hash := domain.ContentHash(post.Title, post.Body, post.MediaURLs)
		blogPost, err := s.pushToBlog(ctx, post, RenderArticle(post))
		if err != nil {
			return fmt.Errorf("op=publish.republish: %w", err)
		}

		now := time.Now().UTC()
		post.BlogPostID = blogPost.ID
		post.BlogSlug = blogPost.Slug
		post.BlogURL = blogPost.URL
		post.ContentHash = hash
		post.PublishedAt = &now
		post.Status = domain.PostPublished
		entry := domain.ProcessingLog{
			PostID:      postID,
			ServiceName: string(domain.StagePublish),
			Status:      domain.LogSuccess,
			Metadata:    map[string]any{"republished": true, "blog_post_id": blogPost.ID},
		}
		if err := s.posts.UpdatePublished(ctx, post, entry); err != nil {
			return fmt.Errorf("op=publish.republish: %w", err)
		}
		return nil
	})
}

// pushToBlog re-hosts images, resolves the feature image, ensures tags and
// creates or updates the blog post. Re-hosting covers the post's media
// attachments plus any image URLs embedded in the rendered body.
func (s *Publisher) pushToBlog(ctx domain.Context, post domain.Post, html string) (domain.BlogPost, error) {
	hosted := map[string]string{}
	if s.images != nil {
		urls := post.MediaURLs
		seen := make(map[string]bool, len(urls))
		for _, u := range urls {
			seen[u] = true
		}
		for _, u := range s.images.ExtractImageURLs(html) {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			hosted = s.images.Rehost(ctx, urls)
		}
		html = s.images.RewriteImageURLs(html, hosted)
	}

	featureImage := s.featureImage(post, hosted)
	if featureImage == "" {
		return domain.BlogPost{}, fmt.Errorf("op=publish.post: %w: no usable feature image and no default configured", domain.ErrPolicy)
	}

	tags := post.Tags
	if s.normalize != nil {
		tags = s.normalize(tags)
	}

	var out domain.BlogPost
	err := retry.Do(ctx, s.retry, "publish.blog", func(ctx domain.Context) error {
		if err := s.blog.EnsureTags(ctx, tags); err != nil {
			return err
		}
		var callErr error
		if post.BlogPostID != "" {
			out, callErr = s.blog.UpdatePost(ctx, post.BlogPostID, post.Title, html, tags, featureImage)
		} else {
			out, callErr = s.blog.CreatePost(ctx, post.Title, html, tags, featureImage)
		}
		return callErr
	})
	if err != nil {
		return domain.BlogPost{}, err
	}
	if out.ID == "" {
		return domain.BlogPost{}, fmt.Errorf("op=publish.post: %w: blog returned no post id", domain.ErrValidation)
	}
	return out, nil
}

// featureImage picks the first successfully re-hosted media URL, falling
// back to the configured default OG image.
func (s *Publisher) featureImage(post domain.Post, hosted map[string]string) string {
	for _, src := range post.MediaURLs {
		if url, ok := hosted[src]; ok {
			return url
		}
	}
	return s.cfg.DefaultOGImageURL
}

func (s *Publisher) fail(ctx domain.Context, postID string, started time.Time, cause error) error {
	observability.StageAttemptsTotal.WithLabelValues(string(domain.StagePublish), "error").Inc()
	entry := domain.ProcessingLog{
		PostID:           postID,
		ServiceName:      string(domain.StagePublish),
		Status:           domain.LogFailed,
		ErrorMessage:     cause.Error(),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}
	if errors.Is(cause, domain.ErrTransient) {
		s.audit(ctx, entry)
		return fmt.Errorf("op=publish.post: %w", cause)
	}
	if err := s.posts.UpdateStatus(ctx, postID, domain.PostFailed, entry); err != nil {
		slog.Error("failed-status update failed", slog.String("post_id", postID), slog.Any("error", err))
	}
	return fmt.Errorf("op=publish.post: %w", cause)
}

func (s *Publisher) audit(ctx domain.Context, entry domain.ProcessingLog) {
	if err := s.logs.Append(ctx, entry); err != nil {
		slog.Error("audit append failed", slog.Any("error", err))
	}
}
