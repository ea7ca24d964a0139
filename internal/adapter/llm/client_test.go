package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
)

// Tests run without network access; load the BPE encoding from the
// embedded copy instead of fetching it.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func testPost() domain.Post {
	return domain.Post{
		ID:        "p1",
		Subreddit: "startups",
		Title:     "Struggling with invoicing",
		Body:      "Every month I lose hours chasing invoices.",
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(config.Config{
		LLMAPIKey:        "key",
		LLMBaseURL:       baseURL,
		LLMPrimaryModel:  "small",
		LLMFallbackModel: "large",
		LLMTimeout:       5 * time.Second,
		SummaryLanguage:  "Korean",
		MetaVersion:      "1.0",
	})
	require.NoError(t, err)
	return c
}

func TestSummarize_PrimaryModelSucceeds(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		models = append(models, req.Model)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(chatReply("요약 내용입니다.")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	summary, fallback, err := c.Summarize(context.Background(), testPost())
	require.NoError(t, err)
	assert.Equal(t, "요약 내용입니다.", summary)
	assert.False(t, fallback)
	assert.Equal(t, []string{"small"}, models)
}

func TestSummarize_EscalatesOn5xx(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		_ = json.Unmarshal(body, &req)
		models = append(models, req.Model)
		if req.Model == "small" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(chatReply("fallback summary")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	summary, fallback, err := c.Summarize(context.Background(), testPost())
	require.NoError(t, err)
	assert.Equal(t, "fallback summary", summary)
	assert.True(t, fallback)
	assert.Equal(t, []string{"small", "large"}, models)
}

func TestSummarize_BothModelsFail(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, fallback, err := c.Summarize(context.Background(), testPost())
	require.Error(t, err)
	assert.True(t, fallback)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, int64(2), calls.Load())
}

// retryingTestClient configures two transient attempts per model with
// millisecond backoff.
func retryingTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(config.Config{
		LLMAPIKey:        "key",
		LLMBaseURL:       baseURL,
		LLMPrimaryModel:  "small",
		LLMFallbackModel: "large",
		LLMTimeout:       5 * time.Second,
		SummaryLanguage:  "Korean",
		MetaVersion:      "1.0",
		RetryMax:         2,
		BackoffBase:      2.0,
		BackoffMin:       time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestSummarize_TransientRetriesSameModelBeforeFallback(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		_ = json.Unmarshal(body, &req)
		models = append(models, req.Model)
		if req.Model == "small" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatReply("fallback summary")))
	}))
	defer srv.Close()

	c := retryingTestClient(t, srv.URL)
	summary, fallback, err := c.Summarize(context.Background(), testPost())
	require.NoError(t, err)
	assert.Equal(t, "fallback summary", summary)
	assert.True(t, fallback)
	assert.Equal(t, []string{"small", "small", "large"}, models,
		"transient failures retry the primary before escalating")
}

func TestSummarize_TransientRecoveryAvoidsFallback(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		_ = json.Unmarshal(body, &req)
		models = append(models, req.Model)
		if len(models) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(chatReply("요약")))
	}))
	defer srv.Close()

	c := retryingTestClient(t, srv.URL)
	summary, fallback, err := c.Summarize(context.Background(), testPost())
	require.NoError(t, err)
	assert.Equal(t, "요약", summary)
	assert.False(t, fallback, "a retry that succeeds on the primary never escalates")
	assert.Equal(t, []string{"small", "small"}, models)
}

func TestSummarize_TerminalDoesNotEscalate(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, err := c.Summarize(context.Background(), testPost())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTerminal)
	assert.Equal(t, int64(1), calls.Load(), "terminal errors must not retry on the fallback model")
}

func TestExtractTags_ParsesAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply("```json\n{\"tags\": [\" SaaS \", \"invoicing\", \"Small Business\"]}\n```")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	tags, fallback, err := c.ExtractTags(context.Background(), testPost(), "summary")
	require.NoError(t, err)
	assert.False(t, fallback)
	assert.Equal(t, []string{"saas", "invoicing", "small business"}, tags)
}

func TestExtractTags_BadCardinalityEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		_ = json.Unmarshal(body, &req)
		if req.Model == "small" {
			// only two tags; fails validation and should escalate
			_, _ = w.Write([]byte(chatReply(`{"tags": ["one", "two"]}`)))
			return
		}
		_, _ = w.Write([]byte(chatReply(`{"tags": ["one", "two", "three", "four"]}`)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	tags, fallback, err := c.ExtractTags(context.Background(), testPost(), "summary")
	require.NoError(t, err)
	assert.True(t, fallback)
	assert.Len(t, tags, 4)
}

func TestExtractArtifacts_StampsMetaAndValidates(t *testing.T) {
	payload := `{"pain_points": [{"point": "chasing invoices", "severity": "high", "category": "billing"}],
		"product_ideas": [{"idea": "auto-reminder tool", "feasibility": "high", "market_size": "medium"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply(payload)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	pp, pi, fallback, err := c.ExtractArtifacts(context.Background(), testPost(), "summary")
	require.NoError(t, err)
	assert.False(t, fallback)
	require.Len(t, pp.Points, 1)
	assert.Equal(t, "high", pp.Points[0].Severity)
	assert.Equal(t, "1.0", pp.Meta.Version)
	assert.Equal(t, "2026-03-01T12:00:00Z", pp.Meta.GeneratedAt)
	require.Len(t, pi.Ideas, 1)
	assert.Equal(t, "medium", pi.Ideas[0].MarketSize)
	assert.Equal(t, pp.Meta, pi.Meta)
}

func TestExtractArtifacts_BadEnumFailsBothModels(t *testing.T) {
	payload := `{"pain_points": [{"point": "x", "severity": "catastrophic", "category": "y"}],
		"product_ideas": [{"idea": "z", "feasibility": "high", "market_size": "medium"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatReply(payload)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, _, _, err := c.ExtractArtifacts(context.Background(), testPost(), "summary")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEstimateTokens(t *testing.T) {
	c := newTestClient(t, "http://unused")
	n := c.EstimateTokens("hello world, this is a token count test")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 20)
	assert.Equal(t, 0, c.EstimateTokens(""))
}

func TestStripFences(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n[]\n```  ", "[]"},
	} {
		assert.Equal(t, tc.want, stripFences(tc.in), fmt.Sprintf("input %q", tc.in))
	}
}
