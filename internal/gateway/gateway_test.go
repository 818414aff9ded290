package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tause-ai/gateway/internal/admin"
	"github.com/tause-ai/gateway/internal/auth"
	"github.com/tause-ai/gateway/internal/health"
	"github.com/tause-ai/gateway/internal/metrics"
	"github.com/tause-ai/gateway/internal/proxy"
	"github.com/tause-ai/gateway/internal/ratelimit"
	"github.com/tause-ai/gateway/internal/registry"
	"github.com/tause-ai/gateway/internal/tenant"
)

// stubVerifier returns a fixed Claims for any non-empty token, avoiding the
// need to mint real JWTs for these pipeline-level tests.
type stubVerifier struct {
	claims auth.Claims
	err    error
}

func (v stubVerifier) Verify(ctx context.Context, bearerToken string) (auth.Claims, error) {
	if v.err != nil {
		return auth.Claims{}, v.err
	}
	return v.claims, nil
}

// newTestGateway builds a Gateway directly from in-memory components,
// bypassing New/buildCatalogs (which require file paths).
func newTestGateway(t *testing.T, services []registry.Service, tenants []tenant.Tenant, verifier auth.Verifier) *Gateway {
	t.Helper()

	reg, err := registry.New(services)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	tr, err := tenant.NewResolver(tenants)
	if err != nil {
		t.Fatalf("tenant.NewResolver: %v", err)
	}
	collector := metrics.NewCollector()
	limiter := ratelimit.New(ratelimit.FailOpen, nil)
	aggregator := health.NewAggregator(health.Config{})
	pool := proxy.NewTransportPool()
	proxyHandler := proxy.NewHandler(reg, pool, collector, 2000)
	adminHandler := admin.NewHandler(tr, reg, collector)

	if verifier == nil {
		verifier = stubVerifier{}
	}

	return &Gateway{
		Registry: reg,
		Tenants:  tr,
		Limiter:  limiter,
		Health:   aggregator,
		Verifier: verifier,
		Proxy:    proxyHandler,
		Admin:    adminHandler,
		Metrics:  collector,
		Logger:   zap.NewNop(),
	}
}

func doReq(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Scenario 1: simple route with strip_prefix, active tenant header.
func TestScenarioSimpleRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("upstream path = %q, want /events", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "analytics", BaseURL: backend.URL, PathPrefix: "/analytics", StripPrefix: true, TimeoutMS: 2000}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree},
	}, nil)

	rec := doReq(gw.Handler(), http.MethodGet, "/analytics/events", map[string]string{"X-Tenant-ID": "acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

// Scenario 2: rate limit hit at the sixth request within a minute window.
func TestScenarioRateLimitHit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "orders", BaseURL: backend.URL, PathPrefix: "/orders", TimeoutMS: 2000}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree, Limits: tenant.Limits{RequestsPerMinute: 5}},
	}, nil)

	h := gw.Handler()
	for i := 0; i < 5; i++ {
		rec := doReq(h, http.MethodGet, "/orders/1", map[string]string{"X-Tenant-ID": "acme"})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doReq(h, http.MethodGet, "/orders/1", map[string]string{"X-Tenant-ID": "acme"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

// Scenario 3: upstream timeout yields 504 within the configured budget.
func TestScenarioUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "billing", BaseURL: backend.URL, PathPrefix: "/billing", TimeoutMS: 200}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree},
	}, nil)

	start := time.Now()
	rec := doReq(gw.Handler(), http.MethodGet, "/billing/invoices", map[string]string{"X-Tenant-ID": "acme"})
	elapsed := time.Since(start)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("took %s, want well under upstream's 3s delay", elapsed)
	}
}

// Scenario 4: composite health across three services.
func TestScenarioHealthComposite(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	aggregator := health.NewAggregator(health.Config{DegradedLatencyMS: 1000})
	aggregator.SetTargets([]health.Target{
		{ServiceID: "service1", URL: healthy.URL, Timeout: 2 * time.Second},
		{ServiceID: "service2", URL: slow.URL, Timeout: 2 * time.Second},
		{ServiceID: "service3", URL: down.URL, Timeout: 2 * time.Second},
	})
	aggregator.ProbeAll(context.Background())

	if got := aggregator.Status("service1").Status; got != health.StatusHealthy {
		t.Errorf("service1 = %s, want healthy", got)
	}
	if got := aggregator.Status("service2").Status; got != health.StatusDegraded {
		t.Errorf("service2 = %s, want degraded", got)
	}
	if got := aggregator.Status("service3").Status; got != health.StatusUnhealthy {
		t.Errorf("service3 = %s, want unhealthy", got)
	}
	if got := aggregator.Overall(); got != health.StatusUnhealthy {
		t.Errorf("overall = %s, want unhealthy", got)
	}
}

// Scenario 5: tenant resolution precedence — header wins over host and
// bearer claim.
func TestScenarioTenantResolutionPrecedence(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Tenant-ID"); got != "acme" {
			t.Errorf("forwarded X-Tenant-ID = %q, want acme", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "svc", BaseURL: backend.URL, PathPrefix: "/svc", TimeoutMS: 2000}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree},
		{ID: "beta", Status: tenant.StatusActive, Plan: tenant.PlanFree, CustomDomains: []string{"beta.example.com"}},
		{ID: "gamma", Status: tenant.StatusActive, Plan: tenant.PlanFree},
	}, stubVerifier{claims: auth.Claims{TenantID: "gamma"}})

	req := httptest.NewRequest(http.MethodGet, "/svc/x", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	req.Host = "beta.example.com"
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

// Scenario 6: a suspended tenant is rejected before the upstream is ever
// contacted.
func TestScenarioSuspendedTenant(t *testing.T) {
	called := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "svc", BaseURL: backend.URL, PathPrefix: "/svc", TimeoutMS: 2000}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusSuspended, Plan: tenant.PlanFree},
	}, nil)

	rec := doReq(gw.Handler(), http.MethodGet, "/svc/x", map[string]string{"X-Tenant-ID": "acme"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if called {
		t.Error("upstream was contacted for a suspended tenant")
	}
}

// Boundary: method not allowed does not consume the rate limit window.
func TestMethodNotAllowedDoesNotConsumeRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "svc", BaseURL: backend.URL, PathPrefix: "/svc", AllowedMethods: []string{"GET"}, TimeoutMS: 2000}
	gw := newTestGateway(t, []registry.Service{svc}, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree, Limits: tenant.Limits{RequestsPerMinute: 1}},
	}, nil)

	h := gw.Handler()
	rec := doReq(h, http.MethodPost, "/svc/x", map[string]string{"X-Tenant-ID": "acme"})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}

	rec = doReq(h, http.MethodGet, "/svc/x", map[string]string{"X-Tenant-ID": "acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET after rejected POST: status = %d, want 200 (limit untouched)", rec.Code)
	}
}

// Boundary: an admin operation without the admin role is rejected, with it
// it succeeds.
func TestAdminRoleGate(t *testing.T) {
	gw := newTestGateway(t, nil, []tenant.Tenant{
		{ID: "acme", Status: tenant.StatusActive, Plan: tenant.PlanFree},
	}, stubVerifier{claims: auth.Claims{TenantID: "acme"}})

	req := httptest.NewRequest(http.MethodGet, "/_gateway/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	gw.AdminHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("without admin role: status = %d, want 403", rec.Code)
	}

	gw.Verifier = stubVerifier{claims: auth.Claims{TenantID: "acme", Roles: []string{"admin"}}}
	rec = httptest.NewRecorder()
	gw.AdminHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with admin role: status = %d, want 200", rec.Code)
	}
}
