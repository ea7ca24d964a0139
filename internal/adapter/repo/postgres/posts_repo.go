package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/subdigest/subdigest/internal/domain"
)

const uniqueViolation = "23505"

// PostRepo persists and loads posts from PostgreSQL. Mutations that carry a
// processing-log entry run both writes in one transaction so the audit
// trail commits atomically with the state change.
type PostRepo struct{ Pool PgxPool }

// NewPostRepo constructs a PostRepo with the given pool.
func NewPostRepo(p PgxPool) *PostRepo { return &PostRepo{Pool: p} }

const postColumns = `id, source_post_id, subreddit, title, body, author, score, num_comments, over_18,
	media_urls, status, COALESCE(summary_ko,''), tags, pain_points, product_ideas, COALESCE(meta_version,''),
	COALESCE(content_hash,''), COALESCE(blog_post_id,''), COALESCE(blog_slug,''), COALESCE(blog_url,''),
	published_at, takedown_status, takedown_deadline, created_at, updated_at`

// Create inserts a new post and returns its id. A duplicate source_post_id
// maps to domain.ErrIntegrity so the collector can absorb it.
func (r *PostRepo) Create(ctx domain.Context, p domain.Post) (string, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Create")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.PostCollected
	}
	if p.TakedownStatus == "" {
		p.TakedownStatus = domain.TakedownActive
	}
	now := time.Now().UTC()
	q := `INSERT INTO posts (id, source_post_id, subreddit, title, body, author, score, num_comments, over_18,
		media_urls, status, takedown_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, p.SourcePostID, p.Subreddit, p.Title, p.Body, p.Author,
		p.Score, p.NumComments, p.Over18, p.MediaURLs, p.Status, p.TakedownStatus, now, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("op=post.create: %w: source_post_id %s", domain.ErrIntegrity, p.SourcePostID)
		}
		return "", fmt.Errorf("op=post.create: %w", err)
	}
	return id, nil
}

// Get loads a post by id.
func (r *PostRepo) Get(ctx domain.Context, id string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, fmt.Errorf("op=post.get: %w", domain.ErrNotFound)
		}
		return domain.Post{}, fmt.Errorf("op=post.get: %w", err)
	}
	return p, nil
}

// GetBySourcePostID loads a post by its forum identity.
func (r *PostRepo) GetBySourcePostID(ctx domain.Context, sourcePostID string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.GetBySourcePostID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE source_post_id=$1`, sourcePostID)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, fmt.Errorf("op=post.get_by_source: %w", domain.ErrNotFound)
		}
		return domain.Post{}, fmt.Errorf("op=post.get_by_source: %w", err)
	}
	return p, nil
}

// UpdateProcessed writes the Processor outputs and the audit entry in one
// transaction. Tag cardinality is checked before commit.
func (r *PostRepo) UpdateProcessed(ctx domain.Context, p domain.Post, entry domain.ProcessingLog) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpdateProcessed")
	defer span.End()
	if err := domain.ValidateTags(p.Tags); err != nil {
		return fmt.Errorf("op=post.update_processed: %w", err)
	}
	pp, err := json.Marshal(p.PainPoints)
	if err != nil {
		return fmt.Errorf("op=post.update_processed: %w", err)
	}
	pi, err := json.Marshal(p.ProductIdeas)
	if err != nil {
		return fmt.Errorf("op=post.update_processed: %w", err)
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		q := `UPDATE posts SET summary_ko=$2, tags=$3, pain_points=$4, product_ideas=$5, meta_version=$6,
			status=$7, updated_at=$8 WHERE id=$1`
		if _, err := tx.Exec(ctx, q, p.ID, p.SummaryKo, p.Tags, pp, pi, p.MetaVersion,
			domain.PostProcessed, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=post.update_processed: %w", err)
		}
		return appendLogTx(ctx, tx, entry)
	})
}

// UpdatePublished writes the blog identity, content hash and published_at
// atomically with the audit entry.
func (r *PostRepo) UpdatePublished(ctx domain.Context, p domain.Post, entry domain.ProcessingLog) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpdatePublished")
	defer span.End()
	if p.BlogPostID == "" {
		return fmt.Errorf("op=post.update_published: %w: blog_post_id required", domain.ErrValidation)
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		q := `UPDATE posts SET blog_post_id=$2, blog_slug=$3, blog_url=$4, content_hash=$5,
			published_at=$6, status=$7, updated_at=$8 WHERE id=$1`
		if _, err := tx.Exec(ctx, q, p.ID, p.BlogPostID, p.BlogSlug, p.BlogURL, p.ContentHash,
			p.PublishedAt, domain.PostPublished, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=post.update_published: %w", err)
		}
		return appendLogTx(ctx, tx, entry)
	})
}

// UpdateStatus moves a post to the given status with its audit entry.
func (r *PostRepo) UpdateStatus(ctx domain.Context, id string, status domain.PostStatus, entry domain.ProcessingLog) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpdateStatus")
	defer span.End()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		q := `UPDATE posts SET status=$2, updated_at=$3 WHERE id=$1`
		if _, err := tx.Exec(ctx, q, id, status, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=post.update_status: %w", err)
		}
		return appendLogTx(ctx, tx, entry)
	})
}

// UpdateTakedown applies a takedown transition after checking it against
// the allowed DAG inside the transaction.
func (r *PostRepo) UpdateTakedown(ctx domain.Context, id string, status domain.TakedownStatus, deadline *time.Time, clearBlogRefs bool, entry domain.ProcessingLog) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.UpdateTakedown")
	defer span.End()
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var current domain.TakedownStatus
		if err := tx.QueryRow(ctx, `SELECT takedown_status FROM posts WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("op=post.update_takedown: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=post.update_takedown: %w", err)
		}
		if !domain.CanTransitionTakedown(current, status) {
			return fmt.Errorf("op=post.update_takedown: %w: %s -> %s", domain.ErrConflict, current, status)
		}
		if clearBlogRefs {
			q := `UPDATE posts SET takedown_status=$2, takedown_deadline=$3,
				blog_post_id=NULL, blog_slug=NULL, blog_url=NULL, updated_at=$4 WHERE id=$1`
			if _, err := tx.Exec(ctx, q, id, status, deadline, time.Now().UTC()); err != nil {
				return fmt.Errorf("op=post.update_takedown: %w", err)
			}
		} else {
			q := `UPDATE posts SET takedown_status=$2, takedown_deadline=$3, updated_at=$4 WHERE id=$1`
			if _, err := tx.Exec(ctx, q, id, status, deadline, time.Now().UTC()); err != nil {
				return fmt.Errorf("op=post.update_takedown: %w", err)
			}
		}
		return appendLogTx(ctx, tx, entry)
	})
}

// ListTakedownPending returns all posts awaiting stage-2 deletion, oldest
// deadline first, for the SLA scan.
func (r *PostRepo) ListTakedownPending(ctx domain.Context) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.ListTakedownPending")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE takedown_status=$1 ORDER BY takedown_deadline ASC`, domain.TakedownPending)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_takedown_pending: %w", err)
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("op=post.list_takedown_pending: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=post.list_takedown_pending: %w", err)
	}
	return posts, nil
}

// ListStaleCollected returns posts still in collected status whose last
// update predates the cutoff: budget-deferred or enqueue-orphaned posts
// waiting for the daily requeue sweep.
func (r *PostRepo) ListStaleCollected(ctx domain.Context, before time.Time) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.ListStaleCollected")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE status=$1 AND updated_at < $2 ORDER BY created_at ASC`,
		domain.PostCollected, before)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_stale_collected: %w", err)
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("op=post.list_stale_collected: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=post.list_stale_collected: %w", err)
	}
	return posts, nil
}

// WithPostLock serializes writers per post id with a transaction-scoped
// advisory lock. The lock is held until fn returns.
func (r *PostRepo) WithPostLock(ctx domain.Context, postID string, fn func(ctx domain.Context) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=post.with_lock: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, postID); err != nil {
		return fmt.Errorf("op=post.with_lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=post.with_lock: %w", err)
	}
	return nil
}

func (r *PostRepo) inTx(ctx domain.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=post.tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=post.tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (domain.Post, error) {
	var p domain.Post
	var ppRaw, piRaw []byte
	err := row.Scan(&p.ID, &p.SourcePostID, &p.Subreddit, &p.Title, &p.Body, &p.Author,
		&p.Score, &p.NumComments, &p.Over18, &p.MediaURLs, &p.Status, &p.SummaryKo,
		&p.Tags, &ppRaw, &piRaw, &p.MetaVersion, &p.ContentHash, &p.BlogPostID,
		&p.BlogSlug, &p.BlogURL, &p.PublishedAt, &p.TakedownStatus, &p.TakedownDeadline,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Post{}, err
	}
	if len(ppRaw) > 0 {
		var pp domain.PainPoints
		if err := json.Unmarshal(ppRaw, &pp); err != nil {
			return domain.Post{}, fmt.Errorf("pain_points decode: %w", err)
		}
		p.PainPoints = &pp
	}
	if len(piRaw) > 0 {
		var pi domain.ProductIdeas
		if err := json.Unmarshal(piRaw, &pi); err != nil {
			return domain.Post{}, fmt.Errorf("product_ideas decode: %w", err)
		}
		p.ProductIdeas = &pi
	}
	return p, nil
}
