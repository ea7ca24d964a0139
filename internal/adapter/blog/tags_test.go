package blog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTags(t *testing.T) {
	in := []string{" Artificial Intelligence ", "SaaS", "saas", "Machine Learning", ""}
	assert.Equal(t, []string{"ai", "saas", "ml"}, NormalizeTags(in))
}

func TestNormalizeTags_CanonicalSubstitutions(t *testing.T) {
	in := []string{"JavaScript", "TypeScript", "Kubernetes", "js"}
	assert.Equal(t, []string{"js", "ts", "k8s"}, NormalizeTags(in))
}

func TestNormalizeTags_PreservesUnknown(t *testing.T) {
	assert.Equal(t, []string{"invoicing", "side projects"}, NormalizeTags([]string{"Invoicing", "Side Projects"}))
}

func TestTagSlug(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"ai", "ai"},
		{"side projects", "side-projects"},
		{"C++ tips", "c-tips"},
		{"  spaced  out  ", "spaced-out"},
		{"UPPER", "upper"},
	} {
		assert.Equal(t, tc.want, tagSlug(tc.in), tc.in)
	}
}

func TestTagCache_Expiry(t *testing.T) {
	c := newTagCache()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	assert.False(t, c.has("ai"))
	c.put("ai")
	assert.True(t, c.has("ai"))

	at = at.Add(tagCacheTTL + time.Minute)
	assert.False(t, c.has("ai"), "entries expire after the TTL")
}
