// Package blog implements the Ghost Admin API client used by the Publisher
// and the takedown coordinator.
package blog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
)

// retryAfterCap bounds how long a Retry-After header can make us wait.
const retryAfterCap = 300 * time.Second

// Client calls the Ghost Admin API. Safe for concurrent use.
type Client struct {
	baseURL string
	hc      *http.Client
	minter  *tokenMinter
	tags    *tagCache
	sleep   func(time.Duration)
}

// New constructs a Client from configuration.
func New(cfg config.Config) (*Client, error) {
	minter, err := newTokenMinter(cfg.BlogAdminKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BlogAPIURL, "/"),
		hc:      &http.Client{Timeout: cfg.HTTPTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		minter:  minter,
		tags:    newTagCache(),
		sleep:   time.Sleep,
	}, nil
}

// Resource envelope shapes. The Admin API wraps every resource in a
// plural-keyed array.

type postEnvelope struct {
	Posts []ghostPost `json:"posts"`
}

type ghostPost struct {
	ID           string     `json:"id,omitempty"`
	Title        string     `json:"title,omitempty"`
	HTML         string     `json:"html,omitempty"`
	Slug         string     `json:"slug,omitempty"`
	URL          string     `json:"url,omitempty"`
	Status       string     `json:"status,omitempty"`
	FeatureImage string     `json:"feature_image,omitempty"`
	Tags         []ghostTag `json:"tags,omitempty"`
	UpdatedAt    string     `json:"updated_at,omitempty"`
}

type ghostTag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

type tagEnvelope struct {
	Tags []ghostTag `json:"tags"`
}

type imageEnvelope struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

type errorEnvelope struct {
	Errors []struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"errors"`
}

// CreatePost publishes a new post and returns the platform identifiers.
func (c *Client) CreatePost(ctx domain.Context, title, html string, tags []string, featureImage string) (domain.BlogPost, error) {
	body := postEnvelope{Posts: []ghostPost{{
		Title:        title,
		HTML:         html,
		Status:       "published",
		FeatureImage: featureImage,
		Tags:         tagRefs(tags),
	}}}
	var out postEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/posts/?source=html", body, &out); err != nil {
		return domain.BlogPost{}, fmt.Errorf("op=blog.create_post: %w", err)
	}
	return firstPost(out)
}

// UpdatePost replaces a published post's content in place. Ghost requires
// the current updated_at for conflict detection, so the post is fetched
// first.
func (c *Client) UpdatePost(ctx domain.Context, id, title, html string, tags []string, featureImage string) (domain.BlogPost, error) {
	var current postEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/posts/"+id+"/", nil, &current); err != nil {
		return domain.BlogPost{}, fmt.Errorf("op=blog.update_post: fetch: %w", err)
	}
	if len(current.Posts) == 0 {
		return domain.BlogPost{}, fmt.Errorf("op=blog.update_post: %w: post %s", domain.ErrNotFound, id)
	}

	body := postEnvelope{Posts: []ghostPost{{
		Title:        title,
		HTML:         html,
		Status:       "published",
		FeatureImage: featureImage,
		Tags:         tagRefs(tags),
		UpdatedAt:    current.Posts[0].UpdatedAt,
	}}}
	var out postEnvelope
	if err := c.doJSON(ctx, http.MethodPut, "/posts/"+id+"/?source=html", body, &out); err != nil {
		return domain.BlogPost{}, fmt.Errorf("op=blog.update_post: %w", err)
	}
	return firstPost(out)
}

// UnpublishPost moves a post back to draft, hiding it from readers while
// keeping the content for a possible takedown cancellation.
func (c *Client) UnpublishPost(ctx domain.Context, id string) error {
	var current postEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/posts/"+id+"/", nil, &current); err != nil {
		return fmt.Errorf("op=blog.unpublish_post: fetch: %w", err)
	}
	if len(current.Posts) == 0 {
		return fmt.Errorf("op=blog.unpublish_post: %w: post %s", domain.ErrNotFound, id)
	}
	body := postEnvelope{Posts: []ghostPost{{
		Status:    "draft",
		UpdatedAt: current.Posts[0].UpdatedAt,
	}}}
	if err := c.doJSON(ctx, http.MethodPut, "/posts/"+id+"/", body, nil); err != nil {
		return fmt.Errorf("op=blog.unpublish_post: %w", err)
	}
	return nil
}

// DeletePost permanently removes a post. A missing post is treated as
// already deleted.
func (c *Client) DeletePost(ctx domain.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/posts/"+id+"/", nil, nil)
	if err != nil && !strings.Contains(err.Error(), "status 404") {
		return fmt.Errorf("op=blog.delete_post: %w", err)
	}
	return nil
}

// UploadImage sends image bytes through the images endpoint and returns the
// re-hosted URL.
func (c *Client) UploadImage(ctx domain.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("op=blog.upload_image: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("op=blog.upload_image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=blog.upload_image: %w", err)
	}

	var out imageEnvelope
	if err := c.doRaw(ctx, http.MethodPost, "/images/upload/", buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return "", fmt.Errorf("op=blog.upload_image: %w", err)
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", fmt.Errorf("op=blog.upload_image: %w: no image url in response", domain.ErrValidation)
	}
	return out.Images[0].URL, nil
}

// EnsureTags creates any of the given tags that do not exist yet. Known
// tags are remembered so repeated publishes skip the lookup.
func (c *Client) EnsureTags(ctx domain.Context, names []string) error {
	for _, name := range names {
		if c.tags.has(name) {
			continue
		}
		exists, err := c.tagExists(ctx, name)
		if err != nil {
			return fmt.Errorf("op=blog.ensure_tags: %w", err)
		}
		if !exists {
			body := tagEnvelope{Tags: []ghostTag{{Name: name}}}
			if err := c.doJSON(ctx, http.MethodPost, "/tags/", body, nil); err != nil {
				return fmt.Errorf("op=blog.ensure_tags: create %q: %w", name, err)
			}
		}
		c.tags.put(name)
	}
	return nil
}

func (c *Client) tagExists(ctx domain.Context, name string) (bool, error) {
	var out tagEnvelope
	path := "/tags/slug/" + tagSlug(name) + "/"
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return false, nil
		}
		return false, err
	}
	return len(out.Tags) > 0, nil
}

// doJSON performs a JSON request with auth, one re-auth retry on 401, and
// Retry-After handling on 429.
func (c *Client) doJSON(ctx domain.Context, method, path string, in, out any) error {
	var payload []byte
	contentType := ""
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, path, payload, contentType, out)
}

func (c *Client) doRaw(ctx domain.Context, method, path string, payload []byte, contentType string, out any) error {
	reauthed := false
	for {
		token, err := c.minter.Token()
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Ghost "+token)
		req.Header.Set("Accept-Version", "v5.0")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransient, readErr)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("%w: response decode: %v", domain.ErrValidation, err)
				}
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized && !reauthed:
			// Token may have been revoked server-side; mint a new one and
			// retry exactly once.
			slog.Warn("blog API rejected token, re-authenticating", slog.String("path", path))
			c.minter.Invalidate()
			reauthed = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header.Get("Retry-After"))
			if wait > 0 {
				slog.Warn("blog API rate limited, waiting",
					slog.String("path", path), slog.Duration("wait", wait))
				c.sleep(wait)
			}
			return fmt.Errorf("%w: status 429: %s", domain.ErrTransient, apiError(respBody))

		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", domain.ErrTransient, resp.StatusCode, apiError(respBody))

		default:
			return fmt.Errorf("%w: status %d: %s", domain.ErrTerminal, resp.StatusCode, apiError(respBody))
		}
	}
}

// retryAfter parses a Retry-After header value in seconds, capped.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > retryAfterCap {
		d = retryAfterCap
	}
	return d
}

func apiError(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		return env.Errors[0].Message
	}
	const n = 120
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}

func firstPost(env postEnvelope) (domain.BlogPost, error) {
	if len(env.Posts) == 0 {
		return domain.BlogPost{}, fmt.Errorf("%w: empty posts envelope", domain.ErrValidation)
	}
	p := env.Posts[0]
	return domain.BlogPost{ID: p.ID, Slug: p.Slug, URL: p.URL, UpdatedAt: p.UpdatedAt}, nil
}

func tagRefs(names []string) []ghostTag {
	refs := make([]ghostTag, 0, len(names))
	for _, n := range names {
		refs = append(refs, ghostTag{Name: n})
	}
	return refs
}
