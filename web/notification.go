package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keepintouch/syncengine/webhook"
)

// NotificationService is the webhook manager surface the inbound endpoint
// needs.
type NotificationService interface {
	HandleNotification(ctx context.Context, channelID, resourceID, resourceState string) error
}

// NotificationHandler receives provider push notifications.
type NotificationHandler struct {
	service NotificationService
	logger  Logger
}

func NewNotificationHandler(service NotificationService, logger Logger) *NotificationHandler {
	return &NotificationHandler{service: service, logger: logger}
}

// NotificationRequest is the provider's push payload.
type NotificationRequest struct {
	ChannelID     string `json:"channel_id"`
	ResourceID    string `json:"resource_id"`
	ResourceState string `json:"resource_state"`
}

// handleNotification handles POST /webhooks/notifications. Unknown channels
// get 404 so the provider stops delivering to a stale registration; anything
// else answers 200 quickly, since the provider retries on non-2xx.
func (h *NotificationHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "Invalid notification body")
		return
	}

	if req.ChannelID == "" {
		renderError(w, http.StatusBadRequest, "Missing channel_id")
		return
	}

	err := h.service.HandleNotification(r.Context(), req.ChannelID, req.ResourceID, req.ResourceState)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownChannel):
			renderError(w, http.StatusNotFound, "Unknown channel")
		case errors.Is(err, webhook.ErrResourceMismatch):
			h.logger.Printf("ERROR %s - resource mismatch on channel %s", r.URL.Path, req.ChannelID)
			renderError(w, http.StatusBadRequest, "Resource mismatch")
		default:
			h.logger.Printf("ERROR %s - failed to process notification on channel %s: %v", r.URL.Path, req.ChannelID, err)
			renderError(w, http.StatusInternalServerError, "Failed to process notification")
		}

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
