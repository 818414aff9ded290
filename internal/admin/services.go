package admin

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// services.list
func (h *Handler) listServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.Services.List())
}

// services.get(id)
func (h *Handler) getService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	svc, ok := h.Services.Get(ps.ByName("id"))
	if !ok {
		gwerrors.New(gwerrors.RouteNotFound, "service not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// services.reload() — triggers a registry reload from its backing
// repository, picking up routes added or changed out of band.
func (h *Handler) reloadServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := h.Services.ReloadFromRepository(); err != nil {
		gwerrors.Wrap(err, gwerrors.ConfigInvalid, "reloading service registry").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, h.Services.List())
}
