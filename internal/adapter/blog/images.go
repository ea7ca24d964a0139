package blog

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/subdigest/subdigest/internal/domain"
)

// Image re-hosting constraints.
const (
	maxImageBytes = 10 << 20
	maxImageW     = 1920
	maxImageH     = 1080
	jpegQuality   = 85
)

// Image URL patterns recognized in post bodies: Markdown images, HTML img
// tags and bare URLs with an image suffix.
var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)`)
	htmlImageRe     = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
	bareImageRe     = regexp.MustCompile(`(?i)https?://\S+\.(?:jpe?g|png|gif|webp)(?:\?\S*)?`)
)

// ExtractImageURLs finds candidate image URLs in a text body, in document
// order, de-duplicated.
func ExtractImageURLs(body string) []string {
	var urls []string
	seen := map[string]bool{}
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	for _, m := range markdownImageRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range htmlImageRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, m := range bareImageRe.FindAllString(body, -1) {
		add(m)
	}
	return urls
}

// ImageRehoster downloads source images, normalizes them and uploads them
// through a BlogClient's images endpoint.
type ImageRehoster struct {
	hc     *http.Client
	upload func(ctx domain.Context, filename string, data []byte) (string, error)
}

// NewImageRehoster wires a rehoster to the given upload function, normally
// (*Client).UploadImage.
func NewImageRehoster(hc *http.Client, upload func(ctx domain.Context, filename string, data []byte) (string, error)) *ImageRehoster {
	return &ImageRehoster{hc: hc, upload: upload}
}

// ExtractImageURLs finds candidate image URLs embedded in a rendered body.
func (r *ImageRehoster) ExtractImageURLs(body string) []string {
	return ExtractImageURLs(body)
}

// RewriteImageURLs replaces mapped source URLs in the body with their
// hosted counterparts.
func (r *ImageRehoster) RewriteImageURLs(body string, hosted map[string]string) string {
	return RewriteImageURLs(body, hosted)
}

// Rehost downloads, processes and uploads every URL, returning a source ->
// hosted URL mapping. Individual image failures are logged and skipped so
// one broken image never blocks a publish.
func (r *ImageRehoster) Rehost(ctx domain.Context, urls []string) map[string]string {
	hosted := make(map[string]string, len(urls))
	for _, u := range urls {
		newURL, err := r.rehostOne(ctx, u)
		if err != nil {
			slog.Warn("image rehost failed, keeping original out of post",
				slog.String("url", u), slog.Any("error", err))
			continue
		}
		hosted[u] = newURL
	}
	return hosted
}

func (r *ImageRehoster) rehostOne(ctx domain.Context, srcURL string) (string, error) {
	data, err := r.download(ctx, srcURL)
	if err != nil {
		return "", err
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("op=blog.rehost: %w: %q is %s, not an image", domain.ErrValidation, srcURL, mt.String())
	}

	processed, filename, err := processImage(data, mt.String(), path.Base(strippedPath(srcURL)))
	if err != nil {
		return "", err
	}
	return r.upload(ctx, filename, processed)
}

func (r *ImageRehoster) download(ctx domain.Context, srcURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=blog.rehost: %w", err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=blog.rehost: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=blog.rehost: %w: status %d fetching %q", domain.ErrTransient, resp.StatusCode, srcURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("op=blog.rehost: %w: %v", domain.ErrTransient, err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("op=blog.rehost: %w: image exceeds %d bytes", domain.ErrValidation, maxImageBytes)
	}
	return data, nil
}

// processImage orients, bounds and re-encodes an image. PNGs keep their
// format to preserve transparency; everything else becomes JPEG, flattened
// over white.
func processImage(data []byte, mimeType, baseName string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("op=blog.process_image: %w: decode: %v", domain.ErrValidation, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageW || bounds.Dy() > maxImageH {
		img = imaging.Fit(img, maxImageW, maxImageH, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if mimeType == "image/png" {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("op=blog.process_image: encode: %w", err)
		}
		return buf.Bytes(), ensureExt(baseName, ".png"), nil
	}

	flat := image.NewRGBA(img.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("op=blog.process_image: encode: %w", err)
	}
	return buf.Bytes(), ensureExt(baseName, ".jpg"), nil
}

// RewriteImageURLs replaces every mapped source URL in the body with its
// hosted counterpart.
func RewriteImageURLs(body string, hosted map[string]string) string {
	for src, dst := range hosted {
		body = strings.ReplaceAll(body, src, dst)
	}
	return body
}

func strippedPath(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

func ensureExt(name, ext string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "image" + ext
	}
	cur := strings.ToLower(path.Ext(name))
	if cur == ext || (ext == ".jpg" && cur == ".jpeg") {
		return name
	}
	return strings.TrimSuffix(name, cur) + ext
}
