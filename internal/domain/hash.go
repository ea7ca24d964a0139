package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash is the idempotency fingerprint of a post:
// SHA256(title || body || sorted(media_urls)), hex encoded.
func ContentHash(title, body string, mediaURLs []string) string {
	sorted := make([]string, len(mediaURLs))
	copy(sorted, mediaURLs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte(body))
	for _, u := range sorted {
		h.Write([]byte(u))
	}
	return hex.EncodeToString(h.Sum(nil))
}
