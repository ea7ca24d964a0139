// Package domain holds the core entities, ports and error taxonomy of the
// content pipeline. It stays free of adapter concerns; adapters depend on
// this package, never the other way around.
package domain

import (
	"context"
	"time"
)

// PostStatus tracks a post's progress through the pipeline.
type PostStatus string

const (
	PostCollected PostStatus = "collected"
	PostProcessed PostStatus = "processed"
	PostPublished PostStatus = "published"
	PostFailed    PostStatus = "failed"
)

// TakedownStatus is the takedown state of a post.
// Legal transitions: active -> takedown_pending -> removed, plus
// takedown_pending -> active as explicit cancellation.
type TakedownStatus string

const (
	TakedownActive  TakedownStatus = "active"
	TakedownPending TakedownStatus = "takedown_pending"
	TakedownRemoved TakedownStatus = "removed"
)

// CanTransitionTakedown reports whether moving from one takedown state to
// another is legal.
func CanTransitionTakedown(from, to TakedownStatus) bool {
	switch {
	case from == TakedownActive && to == TakedownPending:
		return true
	case from == TakedownPending && to == TakedownRemoved:
		return true
	case from == TakedownPending && to == TakedownActive: // cancellation
		return true
	}
	return false
}

// Post is a single forum post progressing through the pipeline.
// Invariants: SourcePostID is unique; BlogPostID is non-empty only when
// Status is published; ContentHash is written atomically with BlogPostID.
type Post struct {
	ID           string
	SourcePostID string
	Subreddit    string
	Title        string
	Body         string
	Author       string
	Score        int
	NumComments  int
	Over18       bool
	MediaURLs    []string
	Status       PostStatus

	SummaryKo    string
	Tags         []string
	PainPoints   *PainPoints
	ProductIdeas *ProductIdeas
	MetaVersion  string

	ContentHash string
	BlogPostID  string
	BlogSlug    string
	BlogURL     string
	PublishedAt *time.Time

	TakedownStatus   TakedownStatus
	TakedownDeadline *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permalink returns the canonical source URL of the post.
func (p Post) Permalink() string {
	return "https://www.reddit.com/r/" + p.Subreddit + "/comments/" + p.SourcePostID + "/"
}

// LogStatus is the outcome recorded in a processing log entry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
	LogSkipped LogStatus = "skipped"
)

// ProcessingLog is an append-only audit record of a stage attempt.
type ProcessingLog struct {
	ID               string
	PostID           string
	ServiceName      string
	Status           LogStatus
	ErrorMessage     string
	ProcessingTimeMS int64
	Metadata         map[string]any
	CreatedAt        time.Time
}

// Stage names a pipeline queue.
type Stage string

const (
	StageCollect  Stage = "collect"
	StageProcess  Stage = "process"
	StagePublish  Stage = "publish"
	StageTakedown Stage = "takedown_stage2"
)

// WorkItem is a task queued for a stage. ScheduledAt is set only for
// delayed delivery (takedown stage 2).
type WorkItem struct {
	Stage       Stage      `json:"stage"`
	PostID      string     `json:"post_id"`
	Subreddit   string     `json:"subreddit,omitempty"`
	Attempt     int        `json:"attempt"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ForumPost is a raw listing entry from the forum API, before filtering.
type ForumPost struct {
	SourcePostID string
	Subreddit    string
	Title        string
	Body         string
	Author       string
	Score        int
	NumComments  int
	Over18       bool
	MediaURLs    []string
}

// Repositories (ports)

// PostRepository owns Post rows. Mutations that must be atomic with an
// audit entry go through the *WithLog variants, which commit the post
// update and the processing log in one transaction.
type PostRepository interface {
	Create(ctx Context, p Post) (string, error)
	Get(ctx Context, id string) (Post, error)
	GetBySourcePostID(ctx Context, sourcePostID string) (Post, error)
	UpdateProcessed(ctx Context, p Post, entry ProcessingLog) error
	UpdatePublished(ctx Context, p Post, entry ProcessingLog) error
	UpdateStatus(ctx Context, id string, status PostStatus, entry ProcessingLog) error
	UpdateTakedown(ctx Context, id string, status TakedownStatus, deadline *time.Time, clearBlogRefs bool, entry ProcessingLog) error
	ListTakedownPending(ctx Context) ([]Post, error)
	// ListStaleCollected returns posts still in collected status whose
	// last update predates the cutoff, for the daily requeue sweep.
	ListStaleCollected(ctx Context, before time.Time) ([]Post, error)
	WithPostLock(ctx Context, postID string, fn func(ctx Context) error) error
}

// ProcessingLogRepository records stage attempts outside of post-mutating
// transactions (filtered posts, budget refusals, terminal notes).
type ProcessingLogRepository interface {
	Append(ctx Context, entry ProcessingLog) error
	ListByPostID(ctx Context, postID string) ([]ProcessingLog, error)
}

// Queue (port) routes work between stages. Delivery is at-least-once;
// consumers are idempotent by post id and content hash.
type Queue interface {
	EnqueueCollect(ctx Context, item WorkItem) error
	EnqueueProcess(ctx Context, item WorkItem) error
	EnqueuePublish(ctx Context, item WorkItem) error
}

// DelayedQueue schedules takedown stage-2 execution.
type DelayedQueue interface {
	ScheduleTakedownStage2(ctx Context, postID string, runAt time.Time) error
}

// QuotaLedger is the per-service per-UTC-day budget counter.
type QuotaLedger interface {
	// Reserve atomically adds cost to the service counter and reports
	// whether the request stays within the daily cap. The counter is
	// incremented even on refusal; at most one increment may race past
	// the cap.
	Reserve(ctx Context, service string, cost int64) (allowed bool, used int64, err error)
	Usage(ctx Context, service string) (used, limit int64, err error)
}

// Quota ledger service names.
const (
	ServiceForumCalls = "forum_calls"
	ServiceLLMTokens  = "llm_tokens"
)

// ForumClient fetches listings from the official forum API.
type ForumClient interface {
	FetchTopPosts(ctx Context, subreddit string, limit int) ([]ForumPost, error)
}

// LLMClient produces the Processor outputs. Implementations handle the
// primary -> fallback model escalation internally and report whether the
// fallback model produced the result.
type LLMClient interface {
	Summarize(ctx Context, p Post) (summary string, fallback bool, err error)
	ExtractTags(ctx Context, p Post, summary string) (tags []string, fallback bool, err error)
	ExtractArtifacts(ctx Context, p Post, summary string) (pp PainPoints, pi ProductIdeas, fallback bool, err error)
	EstimateTokens(text string) int
}

// BlogPost is the platform-side representation returned by the blog API.
type BlogPost struct {
	ID        string
	Slug      string
	URL       string
	UpdatedAt string
}

// BlogClient is the Ghost Admin API surface used by the Publisher and the
// takedown coordinator.
type BlogClient interface {
	CreatePost(ctx Context, title, html string, tags []string, featureImage string) (BlogPost, error)
	UpdatePost(ctx Context, id, title, html string, tags []string, featureImage string) (BlogPost, error)
	UnpublishPost(ctx Context, id string) error
	DeletePost(ctx Context, id string) error
	UploadImage(ctx Context, filename string, data []byte) (url string, err error)
	EnsureTags(ctx Context, names []string) error
}

// AlertNotifier delivers operational alerts (budget thresholds, queue
// depth, SLA violations).
type AlertNotifier interface {
	Notify(ctx Context, title, message string, fields map[string]string)
}

// Context aliases context.Context so entity files read without the import.
type Context = context.Context
