package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
)

func processConfig() config.Config {
	return config.Config{
		MetaVersion: "1.0",
		RetryMax:    2,
		BackoffBase: 2.0,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
}

func artifacts() (domain.PainPoints, domain.ProductIdeas) {
	meta := domain.ArtifactMeta{Version: "1.0", GeneratedAt: "2026-03-01T00:00:00Z"}
	pp := domain.PainPoints{
		Points: []domain.PainPoint{{Point: "p", Severity: "high", Category: "c"}},
		Meta:   meta,
	}
	pi := domain.ProductIdeas{
		Ideas: []domain.ProductIdea{{Idea: "i", Feasibility: "medium", MarketSize: "large"}},
		Meta:  meta,
	}
	return pp, pi
}

func seedCollected(t *testing.T, posts *memPosts) string {
	t.Helper()
	id, err := posts.Create(context.Background(), domain.Post{
		SourcePostID: "src-1",
		Subreddit:    "startups",
		Title:        "T",
		Body:         "B",
		Author:       "a",
	})
	require.NoError(t, err)
	return id
}

func workingLLM() *fakeLLM {
	pp, pi := artifacts()
	return &fakeLLM{
		summary: "한국어 요약",
		tags:    []string{"saas", "invoicing", "startups"},
		pp:      pp,
		pi:      pi,
		tokens:  100,
	}
}

func TestProcessPost_HappyPath(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	queue := &memQueue{}
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 10_000})
	llm := workingLLM()

	s := NewProcessor(processConfig(), posts, &memLogs{}, llm, quota, queue)
	require.NoError(t, s.ProcessPost(context.Background(), id))

	got := posts.get(id)
	assert.Equal(t, domain.PostProcessed, got.Status)
	assert.Equal(t, "한국어 요약", got.SummaryKo)
	assert.Equal(t, []string{"saas", "invoicing", "startups"}, got.Tags)
	require.NotNil(t, got.PainPoints)
	require.NotNil(t, got.ProductIdeas)
	assert.Equal(t, "1.0", got.MetaVersion)

	require.Len(t, queue.publish, 1)
	assert.Equal(t, id, queue.publish[0].PostID)
	assert.Equal(t, []string{"summarize", "tags", "artifacts"}, llm.calls)

	entry := posts.lastEntry()
	assert.Equal(t, domain.LogSuccess, entry.Status)
	assert.EqualValues(t, 300, entry.Metadata["tokens_reserved"])
	_, hasFallback := entry.Metadata["model_fallback"]
	assert.False(t, hasFallback)
}

func TestProcessPost_FallbackRecordedInAudit(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	llm := workingLLM()
	llm.fallback = true
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 10_000})

	s := NewProcessor(processConfig(), posts, &memLogs{}, llm, quota, &memQueue{})
	require.NoError(t, s.ProcessPost(context.Background(), id))

	assert.Equal(t, true, posts.lastEntry().Metadata["model_fallback"])
}

func TestProcessPost_AlreadyProcessedSkips(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	p := posts.get(id)
	p.Status = domain.PostProcessed
	posts.put(p)
	logs := &memLogs{}
	llm := workingLLM()

	s := NewProcessor(processConfig(), posts, logs, llm, newMemQuota(nil), &memQueue{})
	require.NoError(t, s.ProcessPost(context.Background(), id))

	assert.Empty(t, llm.calls, "no model calls on redelivery of a processed post")
	require.Len(t, logs.entries, 1)
	assert.Equal(t, domain.LogSkipped, logs.entries[0].Status)
}

func TestProcessPost_BudgetRefusal(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	logs := &memLogs{}
	llm := workingLLM()
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 100}) // estimate is 300

	s := NewProcessor(processConfig(), posts, logs, llm, quota, &memQueue{})
	err := s.ProcessPost(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBudget)
	assert.Empty(t, llm.calls, "no model calls after a refused reservation")

	require.Len(t, logs.entries, 1)
	assert.Equal(t, domain.ServiceLLMTokens, logs.entries[0].Metadata["budget_exhausted"])
	assert.Equal(t, domain.PostCollected, posts.get(id).Status, "budget refusal does not park the post as failed")
}

func TestRequeueCollected_ReEnqueuesStrandedPosts(t *testing.T) {
	posts := newMemPosts()
	staleID := seedCollected(t, posts)
	stale := posts.get(staleID)
	stale.UpdatedAt = time.Now().UTC().Add(-26 * time.Hour)
	posts.put(stale)

	// a freshly collected post stays off the sweep
	_, err := posts.Create(context.Background(), domain.Post{SourcePostID: "src-fresh", Subreddit: "golang"})
	require.NoError(t, err)

	// a stale but already-processed post stays off too
	doneID, err := posts.Create(context.Background(), domain.Post{SourcePostID: "src-done", Subreddit: "golang"})
	require.NoError(t, err)
	done := posts.get(doneID)
	done.Status = domain.PostProcessed
	done.UpdatedAt = time.Now().UTC().Add(-26 * time.Hour)
	posts.put(done)

	queue := &memQueue{}
	n, err := RequeueCollected(context.Background(), posts, queue, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, queue.process, 1)
	assert.Equal(t, staleID, queue.process[0].PostID)
	assert.Equal(t, domain.StageProcess, queue.process[0].Stage)
}

func TestRequeueCollected_RecoversBudgetDeferredPost(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 100}) // estimate is 300

	s := NewProcessor(processConfig(), posts, &memLogs{}, workingLLM(), quota, &memQueue{})
	err := s.ProcessPost(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrBudget)
	assert.Equal(t, domain.PostCollected, posts.get(id).Status)

	// next day the caps reset; the sweep puts the post back on the queue
	deferred := posts.get(id)
	deferred.UpdatedAt = time.Now().UTC().Add(-26 * time.Hour)
	posts.put(deferred)

	queue := &memQueue{}
	n, err := RequeueCollected(context.Background(), posts, queue, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, queue.process, 1)
	assert.Equal(t, id, queue.process[0].PostID)
}

func TestProcessPost_TransientFailureLeavesStatus(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	llm := workingLLM()
	llm.summarizeErr = fmt.Errorf("llm 503: %w", domain.ErrTransient)
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 10_000})
	logs := &memLogs{}

	s := NewProcessor(processConfig(), posts, logs, llm, quota, &memQueue{})
	err := s.ProcessPost(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, domain.PostCollected, posts.get(id).Status, "transient failure leaves the post for redelivery")
	require.NotEmpty(t, logs.entries)
	assert.Equal(t, domain.LogFailed, logs.entries[len(logs.entries)-1].Status)
}

func TestProcessPost_ValidationFailureParksPost(t *testing.T) {
	posts := newMemPosts()
	id := seedCollected(t, posts)
	llm := workingLLM()
	llm.artifactsErr = fmt.Errorf("schema: %w", domain.ErrValidation)
	quota := newMemQuota(map[string]int64{domain.ServiceLLMTokens: 10_000})

	s := NewProcessor(processConfig(), posts, &memLogs{}, llm, quota, &memQueue{})
	err := s.ProcessPost(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, domain.PostFailed, posts.get(id).Status)
}

func TestProcessPost_MissingPost(t *testing.T) {
	s := NewProcessor(processConfig(), newMemPosts(), &memLogs{}, workingLLM(), newMemQuota(nil), &memQueue{})
	err := s.ProcessPost(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
