// Package llm implements the Processor's model client against an
// OpenAI-compatible chat completions API.
//
// Every operation runs on the primary (small) model first and escalates to
// the fallback (large) model when the primary times out, returns a 5xx, or
// produces output that fails schema validation. Callers learn which model
// produced the result through the fallback return value.
package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
	"github.com/subdigest/subdigest/internal/service/retry"
	"github.com/subdigest/subdigest/pkg/textx"
)

// summaryWordBounds is the accepted summary length range, in words.
const (
	summaryMinWords = 200
	summaryMaxWords = 400
)

// maxPromptBodyRunes caps the post body included in a prompt so one
// oversized post cannot blow the model's context window.
const maxPromptBodyRunes = 20000

// Client talks to a chat completions endpoint with two configured models.
type Client struct {
	cfg   config.Config
	hc    *http.Client
	enc   *tiktoken.Tiktoken
	retry retry.Policy
	now   func() time.Time
}

// New constructs a Client. The token encoder loads once and is shared by
// every EstimateTokens call.
func New(cfg config.Config) (*Client, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("op=llm.New: encoder: %w", err)
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.LLMTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		enc: enc,
		retry: retry.Policy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.BackoffBase,
			Min:         cfg.BackoffMin,
			Max:         cfg.BackoffMax,
			Jitter:      0.2,
		},
		now: time.Now,
	}, nil
}

// EstimateTokens counts tokens for quota reservation before any model call.
func (c *Client) EstimateTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Summarize produces the Korean-language summary for a post.
func (c *Client) Summarize(ctx domain.Context, p domain.Post) (string, bool, error) {
	system := fmt.Sprintf(
		"You are an editor who writes %s-language summaries of community posts. "+
			"Write between %d and %d words. Preserve technical terms in their original language. "+
			"Respond with the summary text only, no preamble.",
		c.cfg.SummaryLanguage, summaryMinWords, summaryMaxWords)
	user := postPrompt(p, "Summarize this post.")

	return withFallback(c, ctx, "summarize", func(model string) (string, error) {
		out, err := c.chat(ctx, model, system, user)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", fmt.Errorf("%w: empty summary", domain.ErrValidation)
		}
		return out, nil
	})
}

// ExtractTags asks for 3-5 lowercase topic tags for the post.
func (c *Client) ExtractTags(ctx domain.Context, p domain.Post, summary string) ([]string, bool, error) {
	system := `You label community posts with topic tags. Respond with a JSON object of the form {"tags": ["..."]}. Produce between 3 and 5 tags, each a short lowercase phrase. No other keys, no commentary.`
	user := postPrompt(p, "Summary:\n"+summary+"\n\nProduce the tags.")

	tags, fallback, err := withFallback(c, ctx, "extract_tags", func(model string) ([]string, error) {
		out, err := c.chat(ctx, model, system, user)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
			return nil, fmt.Errorf("%w: tags decode: %v", domain.ErrValidation, err)
		}
		cleaned := make([]string, 0, len(parsed.Tags))
		for _, t := range parsed.Tags {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				cleaned = append(cleaned, t)
			}
		}
		if err := domain.ValidateTags(cleaned); err != nil {
			return nil, err
		}
		return cleaned, nil
	})
	return tags, fallback, err
}

// artifactPayload is the combined artifacts document requested from the
// model in a single call.
type artifactPayload struct {
	PainPoints   []domain.PainPoint   `json:"pain_points"`
	ProductIdeas []domain.ProductIdea `json:"product_ideas"`
}

// ExtractArtifacts asks for pain points and product ideas together and
// validates both against the artifact schema before returning.
func (c *Client) ExtractArtifacts(ctx domain.Context, p domain.Post, summary string) (domain.PainPoints, domain.ProductIdeas, bool, error) {
	system := `You analyze community posts for product research. Respond with a JSON object:
{"pain_points": [{"point": "...", "severity": "low|medium|high", "category": "..."}],
 "product_ideas": [{"idea": "...", "feasibility": "low|medium|high", "market_size": "small|medium|large"}]}
At least one entry in each list. No other keys, no commentary.`
	user := postPrompt(p, "Summary:\n"+summary+"\n\nExtract the pain points and product ideas.")

	out, fallback, err := withFallback(c, ctx, "extract_artifacts", func(model string) (artifactPayload, error) {
		raw, err := c.chat(ctx, model, system, user)
		if err != nil {
			return artifactPayload{}, err
		}
		var parsed artifactPayload
		if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
			return artifactPayload{}, fmt.Errorf("%w: artifacts decode: %v", domain.ErrValidation, err)
		}
		if len(parsed.PainPoints) == 0 || len(parsed.ProductIdeas) == 0 {
			return artifactPayload{}, fmt.Errorf("%w: artifacts must be non-empty", domain.ErrValidation)
		}
		return parsed, nil
	})
	if err != nil {
		return domain.PainPoints{}, domain.ProductIdeas{}, fallback, err
	}

	meta := domain.ArtifactMeta{
		Version:     c.cfg.MetaVersion,
		GeneratedAt: c.now().UTC().Format(time.RFC3339),
	}
	pp := domain.PainPoints{Points: out.PainPoints, Meta: meta}
	pi := domain.ProductIdeas{Ideas: out.ProductIdeas, Meta: meta}

	// Round-trip through the strict decoder so model output meets the same
	// schema rules as anything read back from storage.
	ppRaw, err := json.Marshal(pp)
	if err != nil {
		return domain.PainPoints{}, domain.ProductIdeas{}, fallback, fmt.Errorf("op=llm.ExtractArtifacts: %w", err)
	}
	if pp, err = domain.DecodePainPoints(ppRaw); err != nil {
		return domain.PainPoints{}, domain.ProductIdeas{}, fallback, err
	}
	piRaw, err := json.Marshal(pi)
	if err != nil {
		return domain.PainPoints{}, domain.ProductIdeas{}, fallback, fmt.Errorf("op=llm.ExtractArtifacts: %w", err)
	}
	if pi, err = domain.DecodeProductIdeas(piRaw); err != nil {
		return domain.PainPoints{}, domain.ProductIdeas{}, fallback, err
	}
	return pp, pi, fallback, nil
}

// withFallback runs fn on the primary model and escalates to the fallback
// model when the primary fails with a transient or validation error.
// Transient failures first retry on the same model per the retry policy;
// escalation happens only once the model's attempts are spent. Policy and
// budget errors never escalate.
func withFallback[T any](c *Client, ctx domain.Context, op string, fn func(model string) (T, error)) (T, bool, error) {
	out, err := attempt(c, ctx, op, c.cfg.LLMPrimaryModel, fn)
	if err == nil {
		observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMPrimaryModel, "ok").Inc()
		return out, false, nil
	}
	observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMPrimaryModel, "error").Inc()
	if !escalatable(err) {
		var zero T
		return zero, false, fmt.Errorf("op=llm.%s: %w", op, err)
	}

	slog.Warn("primary model failed, escalating to fallback",
		slog.String("op", op),
		slog.String("primary", c.cfg.LLMPrimaryModel),
		slog.String("fallback", c.cfg.LLMFallbackModel),
		slog.Any("error", err))
	observability.LLMFallbacksTotal.Inc()

	out, err = attempt(c, ctx, op, c.cfg.LLMFallbackModel, fn)
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMFallbackModel, "error").Inc()
		var zero T
		return zero, true, fmt.Errorf("op=llm.%s: fallback: %w", op, err)
	}
	observability.LLMRequestsTotal.WithLabelValues(c.cfg.LLMFallbackModel, "ok").Inc()
	return out, true, nil
}

// attempt runs fn against one model under the transient-retry policy.
// Validation and terminal errors surface immediately.
func attempt[T any](c *Client, ctx domain.Context, op, model string, fn func(model string) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, c.retry, "llm."+op, func(domain.Context) error {
		var callErr error
		out, callErr = fn(model)
		return callErr
	})
	return out, err
}

// escalatable reports whether a primary-model failure warrants retrying the
// same request on the fallback model.
func escalatable(err error) bool {
	return domain.Retryable(err) || errors.Is(err, domain.ErrValidation)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chat performs a single chat-completions call against one model.
func (c *Client) chat(ctx domain.Context, model, system, user string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.LLMBaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("op=llm.chat: %w: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("op=llm.chat: %w: status %d", domain.ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("op=llm.chat: %w: status %d: %s", domain.ErrTerminal, resp.StatusCode, snippet(body))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("op=llm.chat: %w: response decode: %v", domain.ErrValidation, err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("op=llm.chat: %w: %s", domain.ErrTerminal, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("op=llm.chat: %w: no choices", domain.ErrValidation)
	}
	return cr.Choices[0].Message.Content, nil
}

func postPrompt(p domain.Post, instruction string) string {
	var b strings.Builder
	b.WriteString("Subreddit: r/" + p.Subreddit + "\n")
	b.WriteString("Title: " + p.Title + "\n\n")
	b.WriteString(textx.TruncateRunes(p.Body, maxPromptBodyRunes))
	b.WriteString("\n\n")
	b.WriteString(instruction)
	return b.String()
}

// stripFences removes a surrounding Markdown code fence from model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
