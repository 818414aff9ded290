// Package auth verifies bearer tokens and extracts the claims the tenant
// resolver and admin surface depend on.
package auth

import (
	"context"
	"strings"
	"time"
)

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	TenantID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Metadata  map[string]any
}

// HasRole reports whether the claims grant the named role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token and returns its claims. Implementations
// must be stateless per call — any key material may be cached internally,
// but a Verifier must not assume call ordering or hold per-request state.
type Verifier interface {
	Verify(ctx context.Context, bearerToken string) (Claims, error)
}

type ctxKey int

const claimsKey ctxKey = iota

// WithClaims stashes verified Claims on ctx, set by the gateway's auth
// middleware once a bearer token has been verified.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the Claims stashed by WithClaims, if any.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// BearerToken extracts the token from an Authorization header value,
// accepting both "Bearer " and "bearer " prefixes.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return header[len("Bearer "):]
	}
	if strings.HasPrefix(header, "bearer ") {
		return header[len("bearer "):]
	}
	return ""
}
