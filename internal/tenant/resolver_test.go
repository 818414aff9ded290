package tenant

import (
	"net/http"
	"testing"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

func mustResolver(t *testing.T, tenants []Tenant, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(tenants, opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveByHeader(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusActive, Plan: PlanFree}})

	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Tenant-ID", "acme")

	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acme" {
		t.Errorf("ID = %q, want acme", got.ID)
	}
}

func TestResolveByCustomDomain(t *testing.T) {
	r := mustResolver(t, []Tenant{
		{ID: "acme", Status: StatusActive, Plan: PlanFree, CustomDomains: []string{"acme.example.com"}},
	})

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = "acme.example.com"

	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acme" {
		t.Errorf("ID = %q, want acme", got.ID)
	}
}

func TestResolveByBaseDomainSubdomain(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusActive, Plan: PlanFree}},
		WithBaseDomain("gw.example.com"))

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = "acme.gw.example.com:8080"

	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acme" {
		t.Errorf("ID = %q, want acme", got.ID)
	}
}

type stubClaims struct {
	claims map[string]any
	ok     bool
}

func (s stubClaims) Claims(r *http.Request) (map[string]any, bool) { return s.claims, s.ok }

func TestResolveByJWTClaim(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusActive, Plan: PlanFree}},
		WithClaimSource(stubClaims{claims: map[string]any{"tenant_id": "acme"}, ok: true}))

	req, _ := http.NewRequest("GET", "/", nil)
	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acme" {
		t.Errorf("ID = %q, want acme", got.ID)
	}
}

func TestResolveByJWTAppMetadataClaim(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusActive, Plan: PlanFree}},
		WithClaimSource(stubClaims{
			claims: map[string]any{"app_metadata": map[string]any{"tenant_id": "acme"}},
			ok:     true,
		}))

	req, _ := http.NewRequest("GET", "/", nil)
	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "acme" {
		t.Errorf("ID = %q, want acme", got.ID)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "default", Status: StatusActive, Plan: PlanFree}},
		WithDefaultTenant("default"))

	req, _ := http.NewRequest("GET", "/", nil)
	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "default" {
		t.Errorf("ID = %q, want default", got.ID)
	}
}

func TestResolveHeaderTakesPriorityOverHost(t *testing.T) {
	r := mustResolver(t, []Tenant{
		{ID: "acme", Status: StatusActive, Plan: PlanFree, CustomDomains: []string{"other.example.com"}},
		{ID: "beta", Status: StatusActive, Plan: PlanFree},
	})

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = "other.example.com"
	req.Header.Set("X-Tenant-ID", "beta")

	got, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != "beta" {
		t.Errorf("ID = %q, want beta (header strategy must win over host)", got.ID)
	}
}

func TestResolveSuspendedTenantNeverFallsThrough(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusSuspended, Plan: PlanFree}},
		WithDefaultTenant("acme"))

	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Tenant-ID", "acme")

	_, err := r.Resolve(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.TenantSuspended {
		t.Fatalf("expected TenantSuspended, got %v", err)
	}
}

func TestResolveUnknownTenant(t *testing.T) {
	r := mustResolver(t, nil)

	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Tenant-ID", "ghost")

	_, err := r.Resolve(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.TenantUnknown {
		t.Fatalf("expected TenantUnknown, got %v", err)
	}
}

func TestResolveNoCandidateIsUnknown(t *testing.T) {
	r := mustResolver(t, nil)

	req, _ := http.NewRequest("GET", "/", nil)
	_, err := r.Resolve(req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.ErrCode != gwerrors.TenantUnknown {
		t.Fatalf("expected TenantUnknown, got %v", err)
	}
}

func TestReloadRejectsDuplicateCustomDomain(t *testing.T) {
	r := mustResolver(t, []Tenant{{ID: "acme", Status: StatusActive, Plan: PlanFree}})

	err := r.Reload([]Tenant{
		{ID: "acme", Status: StatusActive, Plan: PlanFree, CustomDomains: []string{"shared.example.com"}},
		{ID: "beta", Status: StatusActive, Plan: PlanFree, CustomDomains: []string{"shared.example.com"}},
	})
	if err == nil {
		t.Fatal("expected duplicate custom domain to be rejected")
	}

	// Prior state must survive a rejected reload.
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	if _, err := r.Resolve(req); err != nil {
		t.Errorf("expected prior state to survive rejected reload, got %v", err)
	}
}

func TestEffectiveLimitsAppliesPlanDefaults(t *testing.T) {
	tn := Tenant{ID: "acme", Plan: PlanPremium}
	lim := tn.EffectiveLimits()
	if lim.RequestsPerMinute != 600 {
		t.Errorf("RequestsPerMinute = %d, want 600", lim.RequestsPerMinute)
	}
}

func TestEffectiveLimitsPreservesOverrides(t *testing.T) {
	tn := Tenant{ID: "acme", Plan: PlanFree, Limits: Limits{RequestsPerMinute: 999}}
	lim := tn.EffectiveLimits()
	if lim.RequestsPerMinute != 999 {
		t.Errorf("RequestsPerMinute = %d, want 999 (explicit override)", lim.RequestsPerMinute)
	}
	if lim.RequestsPerHour != 500 {
		t.Errorf("RequestsPerHour = %d, want 500 (plan default)", lim.RequestsPerHour)
	}
}
