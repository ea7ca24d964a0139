package blog

import (
	"strings"
	"sync"
	"time"
)

// tagCacheTTL bounds how long a tag is assumed to still exist on the
// platform without re-checking.
const tagCacheTTL = time.Hour

// canonicalTags maps common model-produced phrasings onto the blog's
// canonical tag vocabulary.
var canonicalTags = map[string]string{
	"artificial intelligence": "ai",
	"machine learning":        "ml",
	"software as a service":   "saas",
	"user experience":         "ux",
	"user interface":          "ui",
	"developer tools":         "devtools",
	"cryptocurrency":          "crypto",
	"e-commerce":              "ecommerce",
	"javascript":              "js",
	"typescript":              "ts",
	"kubernetes":              "k8s",
}

// NormalizeTags lowercases, trims, canonicalizes and de-duplicates tag
// names while preserving order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if canonical, ok := canonicalTags[t]; ok {
			t = canonical
		}
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// tagSlug matches Ghost's slug derivation closely enough for existence
// lookups: lowercase, spaces and separators collapsed to hyphens.
func tagSlug(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// tagCache remembers tags known to exist on the platform.
type tagCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func newTagCache() *tagCache {
	return &tagCache{entries: map[string]time.Time{}, now: time.Now}
}

func (c *tagCache) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.entries[name]
	if !ok {
		return false
	}
	if c.now().Sub(at) > tagCacheTTL {
		delete(c.entries, name)
		return false
	}
	return true
}

func (c *tagCache) put(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = c.now()
}
