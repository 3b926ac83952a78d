package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/settld/backend/pkg/tenantsettings"
)

// SettingsHandlers exposes operator read/patch endpoints over
// TenantSettings, always returning the sanitized (secret-free) view.
type SettingsHandlers struct {
	Store  *tenantsettings.Store
	Logger *slog.Logger
}

// Mount registers the tenant-settings routes on r.
func (h *SettingsHandlers) Mount(r chi.Router) {
	r.Get("/tenants/{tenantId}/settings", h.handleGet)
	r.Patch("/tenants/{tenantId}/settings", h.handlePatch)
}

func (h *SettingsHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	settings, err := h.Store.Load(tenantID)
	if err != nil {
		h.Logger.Error("ops: loading tenant settings", "tenant_id", tenantID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to load settings")
		return
	}
	Respond(w, http.StatusOK, tenantsettings.SanitizeForAPI(settings))
}

func (h *SettingsHandlers) handlePatch(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var patch tenantsettings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	current, err := h.Store.Load(tenantID)
	if err != nil {
		h.Logger.Error("ops: loading tenant settings", "tenant_id", tenantID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to load settings")
		return
	}

	updated, err := tenantsettings.ApplyPatch(current, patch)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.Store.Save(tenantID, updated); err != nil {
		h.Logger.Error("ops: saving tenant settings", "tenant_id", tenantID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to save settings")
		return
	}
	Respond(w, http.StatusOK, tenantsettings.SanitizeForAPI(updated))
}
