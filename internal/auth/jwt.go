package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// SharedKeyConfig configures a SharedKeyVerifier.
type SharedKeyConfig struct {
	Algorithm string // "HS256", "HS384", "HS512", "RS256", "RS384", "RS512"; default HS256
	Secret    string // HMAC secret, required for HS* algorithms
	PublicKey string // PEM-encoded RSA public key, required for RS* algorithms
	Issuer    string // optional, validated if set
	Audience  []string
}

// SharedKeyVerifier validates tokens against a single configured HMAC
// secret or RSA public key.
type SharedKeyVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	keyFunc   jwt.Keyfunc
	issuer    string
	audience  []string
}

// NewSharedKeyVerifier constructs a SharedKeyVerifier from cfg.
func NewSharedKeyVerifier(cfg SharedKeyConfig) (*SharedKeyVerifier, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	v := &SharedKeyVerifier{issuer: cfg.Issuer, audience: cfg.Audience}

	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		v.secret = []byte(cfg.Secret)
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		}
	case strings.HasPrefix(cfg.Algorithm, "RS"):
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not an RSA key")
		}
		v.publicKey = rsaPub
		v.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.publicKey, nil
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	return v, nil
}

// Verify implements Verifier.
func (v *SharedKeyVerifier) Verify(ctx context.Context, bearerToken string) (Claims, error) {
	return verifyWithKeyFunc(bearerToken, v.keyFunc, v.issuer, v.audience)
}

func verifyWithKeyFunc(tokenString string, keyFunc jwt.Keyfunc, issuer string, audience []string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, gwerrors.New(gwerrors.AuthInvalid, "bearer token not provided")
	}

	token, err := jwt.Parse(tokenString, keyFunc)
	if err != nil {
		return Claims{}, gwerrors.Wrap(err, gwerrors.AuthInvalid, "invalid token")
	}
	if !token.Valid {
		return Claims{}, gwerrors.New(gwerrors.AuthInvalid, "token is not valid")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, gwerrors.New(gwerrors.AuthInvalid, "invalid token claims")
	}

	if issuer != "" {
		iss, _ := mapClaims.GetIssuer()
		if iss != issuer {
			return Claims{}, gwerrors.New(gwerrors.AuthInvalid, "invalid token issuer")
		}
	}
	if len(audience) > 0 {
		aud, _ := mapClaims.GetAudience()
		if !containsAny(aud, audience) {
			return Claims{}, gwerrors.New(gwerrors.AuthInvalid, "invalid token audience")
		}
	}

	exp, _ := mapClaims.GetExpirationTime()
	iat, _ := mapClaims.GetIssuedAt()
	sub, _ := mapClaims.GetSubject()

	claims := Claims{
		Subject:  sub,
		Metadata: make(map[string]any, len(mapClaims)),
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat != nil {
		claims.IssuedAt = iat.Time
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if tid, ok := mapClaims["tenant_id"].(string); ok {
		claims.TenantID = tid
	}
	claims.Roles = extractRoles(mapClaims)
	for k, v := range mapClaims {
		claims.Metadata[k] = v
	}

	return claims, nil
}

func extractRoles(claims jwt.MapClaims) []string {
	raw, ok := claims["roles"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
