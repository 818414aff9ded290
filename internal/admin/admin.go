// Package admin exposes the tenant/service CRUD and stats surface,
// role-gated behind a verified admin claim.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/tause-ai/gateway/internal/auth"
	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"github.com/tause-ai/gateway/internal/metrics"
	"github.com/tause-ai/gateway/internal/registry"
	"github.com/tause-ai/gateway/internal/tenant"
)

// Handler serves the admin API. Every route requires the role "admin" from
// the verified bearer token.
type Handler struct {
	Tenants   *tenant.Resolver
	Services  *registry.Registry
	Metrics   *metrics.Collector
	startedAt time.Time
}

// NewHandler builds an admin Handler.
func NewHandler(tenants *tenant.Resolver, services *registry.Registry, collector *metrics.Collector) *Handler {
	return &Handler{Tenants: tenants, Services: services, Metrics: collector, startedAt: time.Now()}
}

// Routes returns an httprouter.Router serving the gateway's small reserved
// admin route set under /_gateway/admin.
func (h *Handler) Routes() *httprouter.Router {
	r := httprouter.New()
	r.GET("/_gateway/admin/tenants", h.requireAdmin(h.listTenants))
	r.GET("/_gateway/admin/tenants/:id", h.requireAdmin(h.getTenant))
	r.POST("/_gateway/admin/tenants", h.requireAdmin(h.createTenant))
	r.PATCH("/_gateway/admin/tenants/:id", h.requireAdmin(h.updateTenant))
	r.DELETE("/_gateway/admin/tenants/:id", h.requireAdmin(h.deleteTenant))
	r.GET("/_gateway/admin/services", h.requireAdmin(h.listServices))
	r.GET("/_gateway/admin/services/:id", h.requireAdmin(h.getService))
	r.POST("/_gateway/admin/services/reload", h.requireAdmin(h.reloadServices))
	r.GET("/_gateway/admin/stats", h.requireAdmin(h.statsOverview))
	return r
}

// requireAdmin gates next on the caller holding role "admin", and rejects a
// caller whose own tenant is suspended even when the role check passes:
// a suspended tenant's credentials carry no administrative trust either.
func (h *Handler) requireAdmin(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok || !claims.HasRole("admin") {
			gwerrors.New(gwerrors.AuthForbidden, "admin role required").WriteJSON(w)
			return
		}
		if claims.TenantID != "" {
			if t, found := h.Tenants.Get(claims.TenantID); found && t.Status == tenant.StatusSuspended {
				gwerrors.New(gwerrors.TenantSuspended, "admin access blocked for a suspended tenant").WriteJSON(w)
				return
			}
		}
		next(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
