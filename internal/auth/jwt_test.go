package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestSharedKeyVerifierAcceptsValidToken(t *testing.T) {
	v, err := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret"})
	if err != nil {
		t.Fatalf("NewSharedKeyVerifier: %v", err)
	}

	token := signToken(t, "s3cret", jwt.MapClaims{
		"sub":       "user-1",
		"email":     "user@example.com",
		"roles":     []any{"admin", "viewer"},
		"tenant_id": "acme",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "user@example.com" || claims.TenantID != "acme" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if !claims.HasRole("admin") {
		t.Error("expected admin role")
	}
}

func TestSharedKeyVerifierRejectsBadSignature(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret"})
	token := signToken(t, "wrong-secret", jwt.MapClaims{"sub": "user-1"})

	_, err := v.Verify(context.Background(), token)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid, got %v", err)
	}
}

func TestSharedKeyVerifierRejectsExpiredToken(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret"})
	token := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(context.Background(), token)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid for expired token, got %v", err)
	}
}

func TestSharedKeyVerifierRejectsWrongIssuer(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret", Issuer: "gateway"})
	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "user-1", "iss": "someone-else"})

	_, err := v.Verify(context.Background(), token)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid for wrong issuer, got %v", err)
	}
}

func TestSharedKeyVerifierRejectsWrongAudience(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret", Audience: []string{"gateway-api"}})
	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "user-1", "aud": "other-api"})

	_, err := v.Verify(context.Background(), token)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid for wrong audience, got %v", err)
	}
}

func TestSharedKeyVerifierRejectsMalformedToken(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret"})

	_, err := v.Verify(context.Background(), "not-a-jwt")
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid for malformed token, got %v", err)
	}
}

func TestSharedKeyVerifierRejectsEmptyToken(t *testing.T) {
	v, _ := NewSharedKeyVerifier(SharedKeyConfig{Secret: "s3cret"})

	_, err := v.Verify(context.Background(), "")
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.AuthInvalid {
		t.Fatalf("expected AuthInvalid for empty token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc123": "abc123",
		"bearer abc123": "abc123",
		"":              "",
		"Basic xyz":     "",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
