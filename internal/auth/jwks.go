package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// maxKeyCacheTTL is the hard ceiling on how long a resolved key may be
// reused before re-checking the JWKS endpoint.
const maxKeyCacheTTL = 10 * time.Minute

type cachedKey struct {
	key      any
	cachedAt time.Time
}

// JWKSVerifier validates tokens against keys fetched from a remote JWKS
// endpoint. An LRU front-cache keyed by `kid` bounded to maxKeyCacheTTL
// avoids re-resolving through jwk.Cache.Get on every single request.
type JWKSVerifier struct {
	cache    *jwk.Cache
	url      string
	issuer   string
	audience []string

	mu   sync.Mutex
	kids *lru.Cache[string, cachedKey]
}

// NewJWKSVerifier constructs a JWKSVerifier that refreshes keys from
// jwksURL no more often than refreshInterval, and fetches eagerly once to
// fail fast if the endpoint is unreachable at startup.
func NewJWKSVerifier(jwksURL string, refreshInterval time.Duration, issuer string, audience []string) (*JWKSVerifier, error) {
	if refreshInterval <= 0 || refreshInterval > maxKeyCacheTTL {
		refreshInterval = maxKeyCacheTTL
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", jwksURL, err)
	}

	kids, err := lru.New[string, cachedKey](256)
	if err != nil {
		return nil, err
	}

	return &JWKSVerifier{cache: cache, url: jwksURL, issuer: issuer, audience: audience, kids: kids}, nil
}

// Verify implements Verifier.
func (v *JWKSVerifier) Verify(ctx context.Context, bearerToken string) (Claims, error) {
	return verifyWithKeyFunc(bearerToken, v.keyFunc, v.issuer, v.audience)
}

func (v *JWKSVerifier) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)

	if kid != "" {
		v.mu.Lock()
		if ck, ok := v.kids.Get(kid); ok && time.Since(ck.cachedAt) < maxKeyCacheTTL {
			v.mu.Unlock()
			return ck.key, nil
		}
		v.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.cache.Get(ctx, v.url)
	if err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	var jwkKey jwk.Key
	var found bool
	if kid != "" {
		jwkKey, found = keySet.LookupKeyID(kid)
	} else if keySet.Len() > 0 {
		jwkKey, found = keySet.Key(0)
	}
	if !found {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}

	var rawKey any
	if err := jwkKey.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("extracting raw key for kid %q: %w", kid, err)
	}

	if kid != "" {
		v.mu.Lock()
		v.kids.Add(kid, cachedKey{key: rawKey, cachedAt: time.Now()})
		v.mu.Unlock()
	}

	return rawKey, nil
}
