package usecase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/subdigest/subdigest/internal/domain"
)

// In-memory fakes shared by the stage service tests.

type memPosts struct {
	mu      sync.Mutex
	posts   map[string]domain.Post
	nextID  int
	entries []domain.ProcessingLog

	createErr          error
	updateProcessedErr error
	updatePublishedErr error
	updateTakedownErr  error
}

func newMemPosts() *memPosts {
	return &memPosts{posts: map[string]domain.Post{}}
}

func (m *memPosts) put(p domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
}

func (m *memPosts) get(id string) domain.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id]
}

func (m *memPosts) Create(_ domain.Context, p domain.Post) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	for _, existing := range m.posts {
		if existing.SourcePostID == p.SourcePostID {
			return "", fmt.Errorf("op=post.create: %w: duplicate", domain.ErrIntegrity)
		}
	}
	m.nextID++
	p.ID = fmt.Sprintf("post-%d", m.nextID)
	if p.Status == "" {
		p.Status = domain.PostCollected
	}
	if p.TakedownStatus == "" {
		p.TakedownStatus = domain.TakedownActive
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	m.posts[p.ID] = p
	return p.ID, nil
}

func (m *memPosts) Get(_ domain.Context, id string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("op=post.get: %w", domain.ErrNotFound)
	}
	return p, nil
}

func (m *memPosts) GetBySourcePostID(_ domain.Context, sourcePostID string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.SourcePostID == sourcePostID {
			return p, nil
		}
	}
	return domain.Post{}, fmt.Errorf("op=post.get: %w", domain.ErrNotFound)
}

func (m *memPosts) UpdateProcessed(_ domain.Context, p domain.Post, entry domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateProcessedErr != nil {
		return m.updateProcessedErr
	}
	if err := domain.ValidateTags(p.Tags); err != nil {
		return err
	}
	m.posts[p.ID] = p
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memPosts) UpdatePublished(_ domain.Context, p domain.Post, entry domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updatePublishedErr != nil {
		return m.updatePublishedErr
	}
	if p.BlogPostID == "" {
		return fmt.Errorf("op=post.update_published: %w: blog post id required", domain.ErrValidation)
	}
	m.posts[p.ID] = p
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memPosts) UpdateStatus(_ domain.Context, id string, status domain.PostStatus, entry domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.posts[id]
	p.Status = status
	m.posts[id] = p
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memPosts) UpdateTakedown(_ domain.Context, id string, status domain.TakedownStatus, deadline *time.Time, clearBlogRefs bool, entry domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateTakedownErr != nil {
		return m.updateTakedownErr
	}
	p := m.posts[id]
	if !domain.CanTransitionTakedown(p.TakedownStatus, status) {
		return fmt.Errorf("op=post.update_takedown: %w: %s -> %s", domain.ErrConflict, p.TakedownStatus, status)
	}
	p.TakedownStatus = status
	p.TakedownDeadline = deadline
	if clearBlogRefs {
		p.BlogPostID, p.BlogSlug, p.BlogURL = "", "", ""
	}
	m.posts[id] = p
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memPosts) ListTakedownPending(domain.Context) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Post
	for _, p := range m.posts {
		if p.TakedownStatus == domain.TakedownPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPosts) ListStaleCollected(_ domain.Context, before time.Time) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Post
	for _, p := range m.posts {
		if p.Status == domain.PostCollected && p.UpdatedAt.Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPosts) WithPostLock(ctx domain.Context, _ string, fn func(ctx domain.Context) error) error {
	return fn(ctx)
}

// entryMeta returns the metadata of the i-th recorded audit entry.
func (m *memPosts) lastEntry() domain.ProcessingLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

type memLogs struct {
	mu      sync.Mutex
	entries []domain.ProcessingLog
}

func (m *memLogs) Append(_ domain.Context, e domain.ProcessingLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLogs) ListByPostID(_ domain.Context, postID string) ([]domain.ProcessingLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessingLog
	for _, e := range m.entries {
		if e.PostID == postID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memQueue struct {
	mu         sync.Mutex
	collect    []domain.WorkItem
	process    []domain.WorkItem
	publish    []domain.WorkItem
	enqueueErr error
}

func (m *memQueue) EnqueueCollect(_ domain.Context, item domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.collect = append(m.collect, item)
	return nil
}

func (m *memQueue) EnqueueProcess(_ domain.Context, item domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.process = append(m.process, item)
	return nil
}

func (m *memQueue) EnqueuePublish(_ domain.Context, item domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.publish = append(m.publish, item)
	return nil
}

type memQuota struct {
	mu      sync.Mutex
	used    map[string]int64
	limits  map[string]int64
	reserve []int64
}

func newMemQuota(limits map[string]int64) *memQuota {
	return &memQuota{used: map[string]int64{}, limits: limits}
}

func (m *memQuota) Reserve(_ domain.Context, service string, cost int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserve = append(m.reserve, cost)
	limit, ok := m.limits[service]
	m.used[service] += cost
	if !ok {
		return true, m.used[service], nil
	}
	if m.used[service] > limit {
		m.used[service] -= cost
		return false, m.used[service], nil
	}
	return true, m.used[service], nil
}

func (m *memQuota) Usage(_ domain.Context, service string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[service], m.limits[service], nil
}

type fakeForum struct {
	posts []domain.ForumPost
	err   error
	calls int
}

func (f *fakeForum) FetchTopPosts(_ domain.Context, _ string, _ int) ([]domain.ForumPost, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

type fakeLLM struct {
	summary      string
	tags         []string
	pp           domain.PainPoints
	pi           domain.ProductIdeas
	fallback     bool
	summarizeErr error
	tagsErr      error
	artifactsErr error
	tokens       int
	calls        []string
}

func (f *fakeLLM) Summarize(_ domain.Context, _ domain.Post) (string, bool, error) {
	f.calls = append(f.calls, "summarize")
	return f.summary, f.fallback, f.summarizeErr
}

func (f *fakeLLM) ExtractTags(_ domain.Context, _ domain.Post, _ string) ([]string, bool, error) {
	f.calls = append(f.calls, "tags")
	return f.tags, false, f.tagsErr
}

func (f *fakeLLM) ExtractArtifacts(_ domain.Context, _ domain.Post, _ string) (domain.PainPoints, domain.ProductIdeas, bool, error) {
	f.calls = append(f.calls, "artifacts")
	return f.pp, f.pi, false, f.artifactsErr
}

func (f *fakeLLM) EstimateTokens(string) int { return f.tokens }

type fakeBlog struct {
	mu         sync.Mutex
	created    []domain.BlogPost
	updated    []string
	unpub      []string
	deleted    []string
	tags       [][]string
	html       []string
	createErr  error
	updateErr  error
	unpubErr   error
	deleteErr  error
	ensureErr  error
	nextPostID string
}

func (f *fakeBlog) CreatePost(_ domain.Context, title, html string, _ []string, _ string) (domain.BlogPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.BlogPost{}, f.createErr
	}
	id := f.nextPostID
	if id == "" {
		id = "ghost-1"
	}
	bp := domain.BlogPost{ID: id, Slug: "slug-" + id, URL: "https://blog.example.com/" + id + "/"}
	f.created = append(f.created, bp)
	f.html = append(f.html, html)
	_ = title
	return bp, nil
}

func (f *fakeBlog) UpdatePost(_ domain.Context, id, _, html string, _ []string, _ string) (domain.BlogPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.BlogPost{}, f.updateErr
	}
	f.updated = append(f.updated, id)
	f.html = append(f.html, html)
	return domain.BlogPost{ID: id, Slug: "slug-" + id, URL: "https://blog.example.com/" + id + "/"}, nil
}

func (f *fakeBlog) UnpublishPost(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unpubErr != nil {
		return f.unpubErr
	}
	f.unpub = append(f.unpub, id)
	return nil
}

func (f *fakeBlog) DeletePost(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBlog) UploadImage(_ domain.Context, _ string, _ []byte) (string, error) {
	return "", nil
}

func (f *fakeBlog) EnsureTags(_ domain.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.tags = append(f.tags, names)
	return nil
}

type fakeRehoster struct {
	hosted    map[string]string
	requested [][]string
}

func (f *fakeRehoster) Rehost(_ domain.Context, urls []string) map[string]string {
	f.requested = append(f.requested, urls)
	return f.hosted
}

func (f *fakeRehoster) ExtractImageURLs(body string) []string {
	var urls []string
	for _, w := range strings.Fields(body) {
		if strings.HasPrefix(w, "http") && strings.HasSuffix(w, ".png") {
			urls = append(urls, w)
		}
	}
	return urls
}

func (f *fakeRehoster) RewriteImageURLs(body string, hosted map[string]string) string {
	for src, dst := range hosted {
		body = strings.ReplaceAll(body, src, dst)
	}
	return body
}

type fakeDelayed struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	err       error
}

func newFakeDelayed() *fakeDelayed {
	return &fakeDelayed{scheduled: map[string]time.Time{}}
}

func (f *fakeDelayed) ScheduleTakedownStage2(_ domain.Context, postID string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.scheduled[postID] = runAt
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
	fields []map[string]string
}

func (f *fakeNotifier) Notify(_ domain.Context, title, _ string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	f.fields = append(f.fields, fields)
}
