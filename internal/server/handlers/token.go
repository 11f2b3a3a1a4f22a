package handlers

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTokenTTL = 10 * time.Minute

	// defaultTokenRate allows bursts of reconnects from a handful of views.
	defaultTokenRate  rate.Limit = 5
	defaultTokenBurst            = 10
)

// tokenEncoding is standard base32 (RFC 4648, A–Z 2–7) without padding.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateToken returns a cryptographically random, URL-safe token string.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("handlers: failed to read random bytes: " + err.Error())
	}
	return tokenEncoding.EncodeToString(b)
}

// Tokens issues the short-lived tokens a tty client presents in its
// handshake.
type Tokens struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	issued map[string]time.Time
}

func NewTokens(ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{ttl: ttl, now: time.Now, issued: make(map[string]time.Time)}
}

// Issue records and returns a fresh token. Expired tokens are pruned.
func (t *Tokens) Issue() string {
	tok := generateToken()
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, exp := range t.issued {
		if now.After(exp) {
			delete(t.issued, k)
		}
	}
	t.issued[tok] = now.Add(t.ttl)
	return tok
}

// Valid reports whether tok was issued and has not expired.
func (t *Tokens) Valid(tok string) bool {
	if tok == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.issued[tok]
	return ok && !t.now().After(exp)
}

type tokenResponse struct {
	Token string `json:"token"`
}

// NewTokenLimiter returns the limiter used by Token.
func NewTokenLimiter() *rate.Limiter {
	return rate.NewLimiter(defaultTokenRate, defaultTokenBurst)
}

// Token issues a handshake token, rate limited by limiter.
func Token(tokens *Tokens, limiter *rate.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too many token requests", http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse{Token: tokens.Issue()})
	}
}
