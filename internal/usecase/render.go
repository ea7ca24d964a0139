package usecase

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/subdigest/subdigest/internal/domain"
)

// articleTemplate renders the blog article body. Section order is fixed:
// summary, pain points, product ideas, original body, attribution.
var articleTemplate = template.Must(template.New("article").Parse(`<div class="digest">
<section class="summary">
{{range .SummaryParagraphs}}<p>{{.}}</p>
{{end}}</section>
{{if .PainPoints}}<section class="pain-points">
<h2>Pain Points</h2>
<ul>
{{range .PainPoints}}<li><strong>{{.Point}}</strong> &mdash; severity: {{.Severity}}, category: {{.Category}}</li>
{{end}}</ul>
</section>
{{end}}{{if .ProductIdeas}}<section class="product-ideas">
<h2>Product Ideas</h2>
<ul>
{{range .ProductIdeas}}<li><strong>{{.Idea}}</strong> &mdash; feasibility: {{.Feasibility}}, market: {{.MarketSize}}</li>
{{end}}</ul>
</section>
{{end}}{{if .BodyParagraphs}}<section class="original-body">
<h2>Original Post</h2>
{{range .BodyParagraphs}}<p>{{.}}</p>
{{end}}</section>
{{end}}<footer class="attribution">
<p>Source: <a href="{{.Permalink}}" rel="nofollow noopener">r/{{.Subreddit}}</a> by u/{{.Author}}.
The original content belongs to its author; this article is a summary with commentary.
Removal requests from the original author are honored.</p>
</footer>
</div>`))

type articleData struct {
	SummaryParagraphs []string
	PainPoints        []domain.PainPoint
	ProductIdeas      []domain.ProductIdea
	BodyParagraphs    []string
	Permalink         string
	Subreddit         string
	Author            string
}

// RenderArticle produces the article HTML for a processed post. If the
// template fails, a minimal fallback keeps the summary and attribution so
// a publish never goes out unattributed.
func RenderArticle(p domain.Post) string {
	data := articleData{
		SummaryParagraphs: splitParagraphs(p.SummaryKo),
		BodyParagraphs:    splitParagraphs(p.Body),
		Permalink:         p.Permalink(),
		Subreddit:         p.Subreddit,
		Author:            p.Author,
	}
	if p.PainPoints != nil {
		data.PainPoints = p.PainPoints.Points
	}
	if p.ProductIdeas != nil {
		data.ProductIdeas = p.ProductIdeas.Ideas
	}

	var b strings.Builder
	if err := articleTemplate.Execute(&b, data); err != nil {
		return minimalArticle(p)
	}
	return b.String()
}

// minimalArticle is the degraded rendering used when the template fails.
func minimalArticle(p domain.Post) string {
	esc := template.HTMLEscapeString
	return fmt.Sprintf("<p>%s</p>\n<p>Source: <a href=%q rel=\"nofollow noopener\">r/%s</a> by u/%s</p>",
		esc(p.SummaryKo), p.Permalink(), esc(p.Subreddit), esc(p.Author))
}

func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}
