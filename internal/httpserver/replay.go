package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/settld/backend/pkg/paymenttrigger"
	"github.com/settld/backend/pkg/webhookretry"
)

// ReplayHandlers exposes operator endpoints to replay dead-lettered webhook
// and payment-trigger jobs — the "operator-replayable" surface spec
// §4.11/§4.12 call for without specifying a transport.
type ReplayHandlers struct {
	Webhooks *webhookretry.Engine
	Payments *paymenttrigger.Engine
	Logger   *slog.Logger
}

type replayRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	ReportHash     string `json:"reportHash"`
	ResetAttempts  bool   `json:"resetAttempts"`
}

// Mount registers the replay routes on r.
func (h *ReplayHandlers) Mount(r chi.Router) {
	r.Post("/tenants/{tenantId}/runs/{token}/webhooks/replay", h.handleReplayWebhook)
	r.Post("/tenants/{tenantId}/runs/{token}/payment-triggers/replay", h.handleReplayPaymentTrigger)
}

func (h *ReplayHandlers) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	token := chi.URLParam(r, "token")

	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "idempotencyKey is required")
		return
	}

	if err := h.Webhooks.Replay(tenantID, token, req.IdempotencyKey, req.ResetAttempts); err != nil {
		h.Logger.Warn("ops: webhook replay failed", "tenant_id", tenantID, "token", token, "error", err)
		RespondError(w, http.StatusConflict, "replay_failed", err.Error())
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

func (h *ReplayHandlers) handleReplayPaymentTrigger(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	token := chi.URLParam(r, "token")

	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.ReportHash == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "reportHash is required")
		return
	}

	if err := h.Payments.Replay(tenantID, token, req.ReportHash, req.ResetAttempts); err != nil {
		h.Logger.Warn("ops: payment trigger replay failed", "tenant_id", tenantID, "token", token, "error", err)
		RespondError(w, http.StatusConflict, "replay_failed", err.Error())
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "pending"})
}
