package blog

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/subdigest/subdigest/internal/domain"
)

// Ghost Admin API token parameters. Tokens are short-lived and minted from
// the admin key's id:secret pair.
const (
	tokenLifetime      = 5 * time.Minute
	tokenRenewMargin   = 30 * time.Second
	ghostTokenAudience = "/admin/"
)

// tokenMinter produces and caches Ghost Admin JWTs.
type tokenMinter struct {
	keyID  string
	secret []byte

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// newTokenMinter parses an admin key of the form key_id:secret_hex.
func newTokenMinter(adminKey string) (*tokenMinter, error) {
	id, secretHex, ok := strings.Cut(adminKey, ":")
	if !ok || id == "" || secretHex == "" {
		return nil, fmt.Errorf("op=blog.auth: %w: admin key must be key_id:secret_hex", domain.ErrValidation)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("op=blog.auth: %w: admin key secret is not hex: %v", domain.ErrValidation, err)
	}
	return &tokenMinter{keyID: id, secret: secret, now: time.Now}, nil
}

// Token returns a cached JWT, minting a fresh one when the cached token is
// within the renewal margin of expiry.
func (m *tokenMinter) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.token != "" && now.Before(m.expires.Add(-tokenRenewMargin)) {
		return m.token, nil
	}

	iat := now.Unix()
	claims := jwt.MapClaims{
		"iat": iat,
		"exp": iat + int64(tokenLifetime.Seconds()),
		"aud": ghostTokenAudience,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = m.keyID
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("op=blog.auth: sign: %w", err)
	}
	m.token = signed
	m.expires = now.Add(tokenLifetime)
	return signed, nil
}

// Invalidate drops the cached token so the next call mints a new one. Used
// after the API rejects a request with 401.
func (m *tokenMinter) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expires = time.Time{}
}
