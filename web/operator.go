package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
)

// OperatorStore is the read-only persistence surface for dashboards and
// alerting.
type OperatorStore interface {
	TokenHealthByUser(ctx context.Context, userID string) ([]models.TokenHealth, error)
	BreakersByUser(ctx context.Context, userID string) ([]models.CircuitBreakerState, error)
	SchedulesByUser(ctx context.Context, userID string) ([]models.SyncSchedule, error)
	SubscriptionByUser(ctx context.Context, userID string) (models.WebhookSubscription, error)
	MetricsSummary(ctx context.Context, integration models.IntegrationType, window time.Duration, now time.Time) (models.MetricsSummary, error)
	StaleSchedules(ctx context.Context, cutoff time.Time) ([]models.SyncSchedule, error)
}

// OperatorHandler serves aggregated health state. Read-only, no core logic.
type OperatorHandler struct {
	store       OperatorStore
	staleWindow time.Duration
	logger      Logger
}

func NewOperatorHandler(store OperatorStore, staleWindow time.Duration, logger Logger) *OperatorHandler {
	return &OperatorHandler{
		store:       store,
		staleWindow: staleWindow,
		logger:      logger,
	}
}

// PairHealthResponse aggregates every reliability record for one user.
type PairHealthResponse struct {
	TokenHealth  []models.TokenHealth         `json:"token_health"`
	Breakers     []models.CircuitBreakerState `json:"breakers"`
	Schedules    []models.SyncSchedule        `json:"schedules"`
	Subscription *models.WebhookSubscription  `json:"subscription,omitempty"`
}

// apiPairHealth handles GET /api/v1/operator/health/{userID}.
func (h *OperatorHandler) apiPairHealth(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		renderError(w, http.StatusBadRequest, "Missing user ID")
		return
	}

	ctx := r.Context()

	resp := PairHealthResponse{}

	var err error

	if resp.TokenHealth, err = h.store.TokenHealthByUser(ctx, userID); err != nil {
		h.renderStoreError(w, r, err)
		return
	}

	if resp.Breakers, err = h.store.BreakersByUser(ctx, userID); err != nil {
		h.renderStoreError(w, r, err)
		return
	}

	if resp.Schedules, err = h.store.SchedulesByUser(ctx, userID); err != nil {
		h.renderStoreError(w, r, err)
		return
	}

	sub, err := h.store.SubscriptionByUser(ctx, userID)
	if err == nil {
		resp.Subscription = &sub
	} else if !errors.Is(err, postgres.ErrNotFound) {
		h.renderStoreError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, resp)
}

// apiMetrics handles GET /api/v1/operator/metrics?integration=contacts&window=24h.
func (h *OperatorHandler) apiMetrics(w http.ResponseWriter, r *http.Request) {
	integration, err := models.ParseIntegrationType(r.URL.Query().Get("integration"))
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := 24 * time.Hour

	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			renderError(w, http.StatusBadRequest, "Invalid window")
			return
		}

		window = parsed
	}

	summary, err := h.store.MetricsSummary(r.Context(), integration, window, time.Now())
	if err != nil {
		h.renderStoreError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, summary)
}

// apiStalePairs handles GET /api/v1/operator/stale: pairs with no successful
// sync inside the persistent-failure window.
func (h *OperatorHandler) apiStalePairs(w http.ResponseWriter, r *http.Request) {
	stale, err := h.store.StaleSchedules(r.Context(), time.Now().Add(-h.staleWindow))
	if err != nil {
		h.renderStoreError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, map[string]any{
		"window": h.staleWindow.String(),
		"pairs":  stale,
	})
}

func (h *OperatorHandler) renderStoreError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Printf("ERROR %s - store error: %v", r.URL.Path, err)
	renderError(w, http.StatusInternalServerError, "Storage unavailable")
}
