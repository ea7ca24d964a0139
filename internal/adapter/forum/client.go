// Package forum implements the Reddit API client used by the Collector.
//
// Only the official API hosts are permitted. Requests to any other host for
// the same forum are rejected before they leave the process.
package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/pkg/textx"
)

// tokenExpiryMargin refreshes the OAuth token slightly before it expires.
const tokenExpiryMargin = 30 * time.Second

// selfCallCap is the self-imposed API call budget per minute.
const selfCallCap = 60

// Client calls the official Reddit API with OAuth2 client credentials.
type Client struct {
	baseURL    *url.URL
	userAgent  string
	sort       string
	timeFilter string
	hc         *http.Client

	mu          sync.Mutex
	windowStart time.Time
	windowCalls int
	now         func() time.Time
}

// New constructs a Client from configuration. The API base URL must use an
// official host; construction fails otherwise.
func New(cfg config.Config) (*Client, error) {
	base, err := url.Parse(cfg.RedditAPIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=forum.New: %w", err)
	}
	if !allowedHost(base.Host) {
		return nil, fmt.Errorf("op=forum.New: %w: host %q is not the official API", domain.ErrPolicy, base.Host)
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		TokenURL:     cfg.RedditTokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// Cache tokens until shortly before expiry.
	src := oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(context.Background()), tokenExpiryMargin)

	transport := &hostGuardTransport{
		next: &oauth2.Transport{
			Source: src,
			Base:   &userAgentTransport{userAgent: cfg.RedditUserAgent, next: otelhttp.NewTransport(http.DefaultTransport)},
		},
	}

	return &Client{
		baseURL:    base,
		userAgent:  cfg.RedditUserAgent,
		sort:       cfg.Sort,
		timeFilter: cfg.TimeFilter,
		hc:         &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport},
		now:        time.Now,
	}, nil
}

// FetchTopPosts returns up to limit listing entries for the subreddit.
// A 429 or 5xx maps to domain.ErrTransient so the retry harness backs off;
// other 4xx are terminal.
func (c *Client) FetchTopPosts(ctx domain.Context, subreddit string, limit int) ([]domain.ForumPost, error) {
	if err := c.throttle(); err != nil {
		return nil, err
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/r/" + url.PathEscape(subreddit) + "/" + c.sort
	q := u.Query()
	q.Set("limit", fmt.Sprint(limit))
	q.Set("raw_json", "1")
	if c.sort == "top" && c.timeFilter != "" {
		q.Set("t", c.timeFilter)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w: status %d", domain.ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w: status %d", domain.ErrTerminal, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w: %v", domain.ErrTransient, err)
	}
	posts, err := parseListing(body)
	if err != nil {
		return nil, fmt.Errorf("op=forum.FetchTopPosts: %w", err)
	}
	slog.Debug("fetched listing", slog.String("subreddit", subreddit), slog.Int("count", len(posts)))
	return posts, nil
}

// throttle enforces the self-imposed per-minute call cap.
func (c *Client) throttle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.windowCalls = 0
	}
	if c.windowCalls >= selfCallCap {
		return fmt.Errorf("op=forum.throttle: %w: %d calls in the current minute", domain.ErrTransient, c.windowCalls)
	}
	c.windowCalls++
	return nil
}

// Listing payload shapes for the subset of fields the Collector needs.

type listingEnvelope struct {
	Data struct {
		Children []struct {
			Data listingPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type listingPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Over18      bool    `json:"over_18"`
	URL         string  `json:"url_overridden_by_dest"`
	Preview     preview `json:"preview"`
}

type preview struct {
	Images []struct {
		Source struct {
			URL string `json:"url"`
		} `json:"source"`
	} `json:"images"`
}

func parseListing(body []byte) ([]domain.ForumPost, error) {
	var env listingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: listing decode: %v", domain.ErrValidation, err)
	}
	posts := make([]domain.ForumPost, 0, len(env.Data.Children))
	for _, child := range env.Data.Children {
		d := child.Data
		posts = append(posts, domain.ForumPost{
			SourcePostID: d.ID,
			Subreddit:    d.Subreddit,
			Title:        textx.SanitizeText(d.Title),
			Body:         textx.SanitizeText(d.Selftext),
			Author:       d.Author,
			Score:        d.Score,
			NumComments:  d.NumComments,
			Over18:       d.Over18,
			MediaURLs:    d.mediaURLs(),
		})
	}
	return posts, nil
}

func (d listingPost) mediaURLs() []string {
	var urls []string
	seen := map[string]bool{}
	add := func(u string) {
		u = html.UnescapeString(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	if isImageURL(d.URL) {
		add(d.URL)
	}
	for _, img := range d.Preview.Images {
		add(img.Source.URL)
	}
	return urls
}

func isImageURL(u string) bool {
	lower := strings.ToLower(u)
	for _, suffix := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// allowedHost recognizes the official Reddit API hosts.
func allowedHost(host string) bool {
	switch strings.ToLower(host) {
	case "oauth.reddit.com", "www.reddit.com", "api.reddit.com":
		return true
	}
	return false
}

// hostGuardTransport rejects requests whose host is not an official API
// host. This is the direct-scrape ban enforced at the HTTP client layer.
type hostGuardTransport struct {
	next http.RoundTripper
}

func (t *hostGuardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !allowedHost(req.URL.Host) {
		return nil, fmt.Errorf("op=forum.hostGuard: %w: host %q rejected", domain.ErrPolicy, req.URL.Host)
	}
	return t.next.RoundTrip(req)
}

type userAgentTransport struct {
	userAgent string
	next      http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(req)
}
