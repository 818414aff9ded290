package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tause-ai/gateway/internal/registry"
)

func newTestRegistry(t *testing.T, svc registry.Service) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Service{svc})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestServeHTTPRoutesToMatchingService(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	svc := registry.Service{ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 2000}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServeHTTPReturns404WhenNoServiceMatches(t *testing.T) {
	svc := registry.Service{ID: "users", BaseURL: "http://127.0.0.1:1", PathPrefix: "/users"}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTPReturns405ForDisallowedMethod(t *testing.T) {
	svc := registry.Service{ID: "users", BaseURL: "http://127.0.0.1:1", PathPrefix: "/users", AllowedMethods: []string{"GET"}}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodPost, "/users/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != "GET" {
		t.Errorf("Allow header = %q, want GET", rec.Header().Get("Allow"))
	}
}

func TestServeHTTPStripsPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "users", BaseURL: backend.URL, PathPrefix: "/api/users", StripPrefix: true, TimeoutMS: 2000}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodGet, "/api/users/42", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotPath != "/42" {
		t.Fatalf("upstream path = %q, want /42", gotPath)
	}
}

func TestServeHTTPInjectsSpecHeaders(t *testing.T) {
	var got http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 2000}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodGet, "/users/1", nil)
	req = req.WithContext(WithTenantID(req.Context(), "acme"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got.Get("X-Tenant-ID") != "acme" {
		t.Errorf("X-Tenant-ID = %q, want acme", got.Get("X-Tenant-ID"))
	}
	if got.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", got.Get("X-Forwarded-Proto"))
	}
	if got.Get("X-Gateway-Trace") == "" {
		t.Error("expected X-Gateway-Trace to be set")
	}
	if got.Get("Connection") != "" {
		t.Error("expected hop-by-hop Connection header stripped")
	}
}

func TestServeHTTPRetriesIdempotentMethodOn503(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{
		ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 5000,
		RetryPolicy: registry.RetryPolicy{Attempts: 3, BaseMS: 1},
	}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 5000)

	req := httptest.NewRequest(http.MethodGet, "/users/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries", rec.Code)
	}
	if calls.Load() != 3 {
		t.Fatalf("backend called %d times, want 3", calls.Load())
	}
}

func TestServeHTTPDoesNotRetryPOST(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	svc := registry.Service{
		ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 2000,
		RetryPolicy: registry.RetryPolicy{Attempts: 3, BaseMS: 1},
	}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodPost, "/users/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("backend called %d times, want 1 (no retry for POST)", calls.Load())
	}
}

func TestServeHTTPReturns504OnUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 10}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 10)

	req := httptest.NewRequest(http.MethodGet, "/users/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestServeHTTPReturns502OnConnectionRefused(t *testing.T) {
	svc := registry.Service{ID: "users", BaseURL: "http://127.0.0.1:1", PathPrefix: "/users", TimeoutMS: 2000}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 2000)

	req := httptest.NewRequest(http.MethodGet, "/users/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestServeHTTPHonorsIncomingDeadline(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc := registry.Service{ID: "users", BaseURL: backend.URL, PathPrefix: "/users", TimeoutMS: 5000}
	h := NewHandler(newTestRegistry(t, svc), NewTransportPool(), nil, 5000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/users/1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (incoming deadline tighter than service timeout)", rec.Code)
	}
}

func TestMethodAllowedEmptySetPermitsAny(t *testing.T) {
	svc := registry.Service{ID: "users"}
	if !registry.MethodAllowed(svc, http.MethodDelete) {
		t.Error("expected empty AllowedMethods to permit any method")
	}
}
