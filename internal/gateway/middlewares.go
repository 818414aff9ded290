package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tause-ai/gateway/internal/auth"
	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"github.com/tause-ai/gateway/internal/metrics"
	"github.com/tause-ai/gateway/internal/proxy"
	"github.com/tause-ai/gateway/internal/ratelimit"
	"github.com/tause-ai/gateway/internal/registry"
	"github.com/tause-ai/gateway/internal/tenant"
)

// traceIDMW assigns a gateway trace id before any other middleware runs, so
// every later stage's error response and every log line shares one id. The
// proxy handler reuses this id instead of minting its own (proxy.go's
// TraceIDFromContext check).
func traceIDMW() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Gateway-Trace")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			next.ServeHTTP(w, r.WithContext(proxy.WithTraceID(r.Context(), traceID)))
		})
	}
}

// requestLogMW logs one structured line per completed request, carrying
// trace_id/tenant_id/route_id.
func requestLogMW(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info("request",
				zap.String("trace_id", proxy.TraceIDFromContext(r.Context())),
				zap.String("tenant_id", proxy.TenantIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.statusCode),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusRecorder captures the status code a downstream handler wrote, to
// log it without buffering the response body.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// authMW verifies the bearer token, if present, and stashes its Claims on
// the request context. An absent or invalid token is not itself rejected
// here — the tenant resolver's claim strategy and the admin surface's role
// check are what actually require a verified identity.
func authMW(verifier auth.Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.Debug("bearer token rejected", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			r = r.WithContext(auth.WithClaims(r.Context(), claims))
			next.ServeHTTP(w, r)
		})
	}
}

// claimAdapter bridges auth.Claims, stashed on the request context by
// authMW, into the map[string]any shape tenant.Resolver's claim-based
// strategy expects — kept as a context adapter rather than importing
// internal/auth into internal/tenant, per tenant.Resolver's existing
// claimSource seam.
type claimAdapter struct{}

func (claimAdapter) Claims(r *http.Request) (map[string]any, bool) {
	c, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return nil, false
	}
	m := map[string]any{"tenant_id": c.TenantID}
	if meta, ok := c.Metadata["app_metadata"]; ok {
		m["app_metadata"] = meta
	}
	return m, true
}

// tenantMW resolves the request's tenant and rejects unknown/suspended
// tenants before any upstream is contacted.
func tenantMW(resolver *tenant.Resolver, traceIDOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := resolver.Resolve(r)
			if err != nil {
				ge, ok := gwerrors.As(err)
				if !ok {
					ge = gwerrors.Wrap(err, gwerrors.GatewayInternal, "resolving tenant")
				}
				ge.WithTraceID(traceIDOf(r)).WriteJSON(w)
				return
			}
			ctx := proxy.WithTenantID(r.Context(), t.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMW admits or rejects the request against the resolved tenant's
// effective three-window quota. It must run after tenantMW
// and after the registry lookup that identifies svc, so it is implemented
// as a wrapper around the final proxy handler rather than a pure
// pre-routing middleware: the quota is per (tenant, service), and the
// service is only known once the path has been matched.
func rateLimitMW(reg *registry.Registry, tenants *tenant.Resolver, limiter *ratelimit.Limiter, collector *metrics.Collector, traceIDOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := proxy.TenantIDFromContext(r.Context())
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}
			match, ok := reg.LookupByPath(r.Host, r.URL.Path)
			if !ok || !registry.MethodAllowed(match.Service, r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			t, ok := tenants.Get(tenantID)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			limits := t.EffectiveLimits()
			decision := limiter.CheckAndConsume(r.Context(), tenantID, match.Service.ID, ratelimit.Limits{
				PerMinute: limits.RequestsPerMinute,
				PerHour:   limits.RequestsPerHour,
				PerDay:    limits.RequestsPerDay,
			})
			if !decision.Admitted {
				collector.RecordRateLimitDecision(tenantID, match.Service.ID, "rejected")
				collector.RecordTenantRejected(tenantID, "rate_limited")
				gwerrors.New(gwerrors.RateLimited, "rate limit exceeded").
					WithRetryAfter(decision.RetryAfterSeconds).
					WithTraceID(traceIDOf(r)).
					WriteJSON(w)
				return
			}
			collector.RecordRateLimitDecision(tenantID, match.Service.ID, "allowed")
			collector.RecordTenantAllowed(tenantID)
			next.ServeHTTP(w, r)
		})
	}
}

// scopeMW enforces a matched service's required_scopes against the
// verified claims' roles; a service with no required scopes
// admits every request regardless of auth state.
func scopeMW(reg *registry.Registry, traceIDOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			match, ok := reg.LookupByPath(r.Host, r.URL.Path)
			if !ok || len(match.Service.RequiredScopes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				gwerrors.New(gwerrors.AuthInvalid, "a bearer token is required for this service").
					WithTraceID(traceIDOf(r)).WriteJSON(w)
				return
			}
			for _, scope := range match.Service.RequiredScopes {
				if !claims.HasRole(scope) {
					gwerrors.New(gwerrors.AuthForbidden, "missing required scope: "+scope).
						WithTraceID(traceIDOf(r)).WriteJSON(w)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
