package auth

import (
	"fmt"
	"time"

	"github.com/tause-ai/gateway/internal/config"
)

// NewFromConfig builds the Verifier selected by cfg.AuthBackend
// ("jwt_secret" or "jwks").
func NewFromConfig(cfg *config.Config) (Verifier, error) {
	switch cfg.AuthBackend {
	case "", "jwt_secret":
		return NewSharedKeyVerifier(SharedKeyConfig{Secret: cfg.JWTSecret})
	case "jwks":
		return NewJWKSVerifier(cfg.JWKSURL, 10*time.Minute, "", nil)
	default:
		return nil, fmt.Errorf("unknown auth backend: %s", cfg.AuthBackend)
	}
}
