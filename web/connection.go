package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/keepintouch/syncengine/models"
)

// ConnectionService is the lifecycle surface for connect and disconnect.
type ConnectionService interface {
	Connect(ctx context.Context, key models.PairKey, tokenExpiresAt time.Time, isFirstConnection bool) error
	Disconnect(ctx context.Context, key models.PairKey) error
}

// ConnectionHandler handles integration connect/disconnect callbacks from
// the OAuth flow.
type ConnectionHandler struct {
	service  ConnectionService
	validate *validator.Validate
	logger   Logger
}

func NewConnectionHandler(service ConnectionService, logger Logger) *ConnectionHandler {
	return &ConnectionHandler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// ConnectRequest is the body of POST /api/v1/connections.
type ConnectRequest struct {
	UserID          string    `json:"user_id" validate:"required"`
	IntegrationType string    `json:"integration_type" validate:"required"`
	TokenExpiresAt  time.Time `json:"token_expires_at" validate:"required"`
	FirstConnection bool      `json:"first_connection"`
}

// apiConnect handles POST /api/v1/connections, called after a successful
// OAuth grant.
func (h *ConnectionHandler) apiConnect(w http.ResponseWriter, r *http.Request) {
	h.logger.Printf("POST %s - Received connection request", r.URL.Path)

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "invalid JSON body")

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
	if err := h.service.Connect(r.Context(), key, req.TokenExpiresAt, req.FirstConnection); err != nil {
		h.logger.Printf("connect failed for %s: %v", key.String(), err)
		renderError(w, http.StatusInternalServerError, "failed to record connection")

		return
	}

	renderJSON(w, http.StatusCreated, map[string]string{"status": "connected"})
}

// apiDisconnect handles DELETE /api/v1/connections/{userID}/{integration}.
func (h *ConnectionHandler) apiDisconnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	integration, err := models.ParseIntegrationType(vars["integration"])
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())

		return
	}

	key := models.PairKey{UserID: vars["userID"], IntegrationType: integration}
	if err := key.Validate(); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := h.service.Disconnect(r.Context(), key); err != nil {
		h.logger.Printf("disconnect failed for %s: %v", key.String(), err)
		renderError(w, http.StatusInternalServerError, "failed to disconnect")

		return
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
