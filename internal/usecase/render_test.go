package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subdigest/subdigest/internal/domain"
)

func renderedPost() domain.Post {
	pp, pi := artifacts()
	return domain.Post{
		SourcePostID: "abc123",
		Subreddit:    "startups",
		Author:       "founder",
		Title:        "T",
		Body:         "We built a thing.\n\nIt broke.",
		SummaryKo:    "첫 문단입니다.\n\n둘째 문단입니다.",
		PainPoints:   &pp,
		ProductIdeas: &pi,
	}
}

func TestRenderArticle_SectionOrder(t *testing.T) {
	html := RenderArticle(renderedPost())

	summaryAt := strings.Index(html, `class="summary"`)
	painAt := strings.Index(html, `class="pain-points"`)
	ideasAt := strings.Index(html, `class="product-ideas"`)
	bodyAt := strings.Index(html, `class="original-body"`)
	attrAt := strings.Index(html, `class="attribution"`)
	require.True(t, summaryAt >= 0 && painAt >= 0 && ideasAt >= 0 && bodyAt >= 0 && attrAt >= 0)
	assert.Less(t, summaryAt, painAt)
	assert.Less(t, painAt, ideasAt)
	assert.Less(t, ideasAt, bodyAt)
	assert.Less(t, bodyAt, attrAt)
}

func TestRenderArticle_ParagraphsAndContent(t *testing.T) {
	html := RenderArticle(renderedPost())
	assert.Contains(t, html, "<p>첫 문단입니다.</p>")
	assert.Contains(t, html, "<p>둘째 문단입니다.</p>")
	assert.Contains(t, html, "severity: high")
	assert.Contains(t, html, "market: large")
}

func TestRenderArticle_Attribution(t *testing.T) {
	html := RenderArticle(renderedPost())
	assert.Contains(t, html, "https://www.reddit.com/r/startups/comments/abc123/")
	assert.Contains(t, html, "u/founder")
	assert.Contains(t, html, `rel="nofollow noopener"`)
	assert.Contains(t, html, "belongs to its author")
	assert.Contains(t, html, "Removal requests")
}

func TestRenderArticle_EscapesUserContent(t *testing.T) {
	p := renderedPost()
	p.SummaryKo = `<script>alert("x")</script>`
	html := RenderArticle(p)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestRenderArticle_OmitsEmptySections(t *testing.T) {
	p := renderedPost()
	p.PainPoints = nil
	p.ProductIdeas = nil
	html := RenderArticle(p)
	assert.NotContains(t, html, "pain-points")
	assert.NotContains(t, html, "product-ideas")
	assert.Contains(t, html, "attribution", "attribution is never dropped")
}

func TestMinimalArticle_KeepsAttribution(t *testing.T) {
	html := minimalArticle(renderedPost())
	assert.Contains(t, html, "https://www.reddit.com/r/startups/comments/abc123/")
	assert.Contains(t, html, "u/founder")
}
