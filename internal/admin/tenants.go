package admin

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"github.com/tause-ai/gateway/internal/tenant"
)

// tenants.list
func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.Tenants.List())
}

// tenants.get(id)
func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, ok := h.Tenants.Get(ps.ByName("id"))
	if !ok {
		gwerrors.New(gwerrors.TenantUnknown, "tenant not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// tenantRequest is the wire shape for tenants.create and tenants.update.
// Pointer fields distinguish "not provided" from "set to zero value" so
// update can apply a true partial patch with last-writer-wins semantics.
type tenantRequest struct {
	ID            string          `json:"id"`
	Name          *string         `json:"name"`
	Status        *tenant.Status  `json:"status"`
	Plan          *tenant.Plan    `json:"plan"`
	Limits        *tenant.Limits  `json:"limits"`
	CustomDomains *[]string       `json:"custom_domains"`
}

// tenants.create(record)
func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req tenantRequest
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		gwerrors.New(gwerrors.ConfigInvalid, "invalid tenant record").WriteJSON(w)
		return
	}

	now := time.Now().UTC()
	t := tenant.Tenant{
		ID:        req.ID,
		Status:    tenant.StatusActive,
		Plan:      tenant.PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Status != nil {
		t.Status = *req.Status
	}
	if req.Plan != nil {
		t.Plan = *req.Plan
	}
	if req.Limits != nil {
		t.Limits = *req.Limits
	}
	if req.CustomDomains != nil {
		t.CustomDomains = *req.CustomDomains
	}

	if err := h.Tenants.Create(r.Context(), t); err != nil {
		gwerrors.Wrap(err, gwerrors.ConfigInvalid, "creating tenant").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// tenants.update(id, patch)
func (h *Handler) updateTenant(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req tenantRequest
	if err := decodeJSON(r, &req); err != nil {
		gwerrors.New(gwerrors.ConfigInvalid, "invalid tenant patch").WriteJSON(w)
		return
	}

	updated, err := h.Tenants.Update(r.Context(), ps.ByName("id"), func(t *tenant.Tenant) {
		if req.Name != nil {
			t.Name = *req.Name
		}
		if req.Status != nil {
			t.Status = *req.Status
		}
		if req.Plan != nil {
			t.Plan = *req.Plan
		}
		if req.Limits != nil {
			t.Limits = *req.Limits
		}
		if req.CustomDomains != nil {
			t.CustomDomains = *req.CustomDomains
		}
		t.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		gwerrors.Wrap(err, gwerrors.TenantUnknown, "updating tenant").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// tenants.delete(id) — sets status to deleted, never removes the id.
func (h *Handler) deleteTenant(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := h.Tenants.Delete(r.Context(), ps.ByName("id")); err != nil {
		gwerrors.Wrap(err, gwerrors.TenantUnknown, "deleting tenant").WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
