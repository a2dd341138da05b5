package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/keepintouch/syncengine/models"
)

// SyncService is the orchestrator surface the manual endpoint needs.
type SyncService interface {
	ExecuteSync(ctx context.Context, key models.PairKey, syncType models.SyncType) (models.SyncResult, error)
}

// SyncHandler handles manual sync requests.
type SyncHandler struct {
	service  SyncService
	validate *validator.Validate
	logger   Logger
}

func NewSyncHandler(service SyncService, logger Logger) *SyncHandler {
	return &SyncHandler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// ManualSyncRequest is the body of POST /api/v1/sync.
type ManualSyncRequest struct {
	UserID          string `json:"user_id" validate:"required"`
	IntegrationType string `json:"integration_type" validate:"required"`
}

// ManualSyncResponse reports the attempt outcome to the caller.
type ManualSyncResponse struct {
	Status       string `json:"status"`
	Changed      bool   `json:"changed"`
	ItemCount    int    `json:"item_count"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// apiManualSync handles POST /api/v1/sync. Manual syncs bypass the circuit
// breaker but are rate limited per pair; the response distinguishes
// re-authenticate from temporarily-unavailable from rate-limited.
func (h *SyncHandler) apiManualSync(w http.ResponseWriter, r *http.Request) {
	h.logger.Printf("POST %s - Received manual sync request", r.URL.Path)

	var req ManualSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	integration, err := models.ParseIntegrationType(req.IntegrationType)
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := models.PairKey{UserID: req.UserID, IntegrationType: integration}

	result, err := h.service.ExecuteSync(r.Context(), key, models.SyncManual)
	if err != nil {
		h.logger.Printf("ERROR %s - user: %s - manual sync failed: %v", r.URL.Path, req.UserID, err)
		renderError(w, http.StatusInternalServerError, "Sync temporarily unavailable, try later")

		return
	}

	resp := ManualSyncResponse{
		Status:    string(result.Status),
		Changed:   result.Changed,
		ItemCount: result.ItemCount,
	}

	switch result.Status {
	case models.SyncStatusSuccess:
		renderJSON(w, http.StatusOK, resp)
	case models.SyncStatusRateLimited:
		resp.ErrorMessage = "Rate limited, try again in a minute"
		renderJSON(w, http.StatusTooManyRequests, resp)
	case models.SyncStatusAuthRequired:
		resp.ErrorMessage = "Please re-authenticate this integration"
		renderJSON(w, http.StatusUnauthorized, resp)
	default:
		resp.ErrorMessage = "Sync temporarily unavailable, try later"
		renderJSON(w, http.StatusServiceUnavailable, resp)
	}
}
