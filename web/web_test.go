package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepintouch/syncengine/models"
	"github.com/keepintouch/syncengine/postgres"
	"github.com/keepintouch/syncengine/webhook"
)

func testLogger() Logger {
	return log.New(bytes.NewBuffer(nil), "", 0)
}

type fakeSyncService struct {
	result models.SyncResult
	err    error
	calls  []models.PairKey
}

func (s *fakeSyncService) ExecuteSync(_ context.Context, key models.PairKey, _ models.SyncType) (models.SyncResult, error) {
	s.calls = append(s.calls, key)

	return s.result, s.err
}

type fakeNotificationService struct {
	err      error
	channels []string
}

func (s *fakeNotificationService) HandleNotification(_ context.Context, channelID, _, _ string) error {
	s.channels = append(s.channels, channelID)

	return s.err
}

type fakeConnectionService struct {
	connected    []models.PairKey
	disconnected []models.PairKey
	err          error
}

func (s *fakeConnectionService) Connect(_ context.Context, key models.PairKey, _ time.Time, _ bool) error {
	s.connected = append(s.connected, key)

	return s.err
}

func (s *fakeConnectionService) Disconnect(_ context.Context, key models.PairKey) error {
	s.disconnected = append(s.disconnected, key)

	return s.err
}

type fakeOperatorStore struct {
	summary models.MetricsSummary
	stale   []models.SyncSchedule
}

func (s *fakeOperatorStore) TokenHealthByUser(context.Context, string) ([]models.TokenHealth, error) {
	return []models.TokenHealth{{UserID: "u1", Status: models.TokenValid}}, nil
}

func (s *fakeOperatorStore) BreakersByUser(context.Context, string) ([]models.CircuitBreakerState, error) {
	return []models.CircuitBreakerState{{UserID: "u1", State: models.BreakerClosed}}, nil
}

func (s *fakeOperatorStore) SchedulesByUser(context.Context, string) ([]models.SyncSchedule, error) {
	return nil, nil
}

func (s *fakeOperatorStore) SubscriptionByUser(context.Context, string) (models.WebhookSubscription, error) {
	return models.WebhookSubscription{}, postgres.ErrNotFound
}

func (s *fakeOperatorStore) MetricsSummary(_ context.Context, integration models.IntegrationType, window time.Duration, _ time.Time) (models.MetricsSummary, error) {
	summary := s.summary
	summary.IntegrationType = integration
	summary.Window = window

	return summary, nil
}

func (s *fakeOperatorStore) StaleSchedules(context.Context, time.Time) ([]models.SyncSchedule, error) {
	return s.stale, nil
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)

	return rec
}

func TestManualSync_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     models.SyncResult
		wantStatus int
	}{
		{"success", models.SyncResult{Status: models.SyncStatusSuccess, Changed: true, ItemCount: 3}, http.StatusOK},
		{"rate limited", models.SyncResult{Status: models.SyncStatusRateLimited}, http.StatusTooManyRequests},
		{"auth required", models.SyncResult{Status: models.SyncStatusAuthRequired}, http.StatusUnauthorized},
		{"failed", models.SyncResult{Status: models.SyncStatusFailed}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &fakeSyncService{result: tt.result}
			h := NewSyncHandler(service, testLogger())

			rec := postJSON(t, h.apiManualSync, ManualSyncRequest{
				UserID:          "u1",
				IntegrationType: "contacts",
			})

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ManualSyncResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.result.Status), resp.Status)
		})
	}
}

func TestManualSync_ValidatesRequest(t *testing.T) {
	h := NewSyncHandler(&fakeSyncService{}, testLogger())

	rec := postJSON(t, h.apiManualSync, ManualSyncRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h.apiManualSync, ManualSyncRequest{UserID: "u1", IntegrationType: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualSync_InfraErrorIs500(t *testing.T) {
	service := &fakeSyncService{err: context.DeadlineExceeded}
	h := NewSyncHandler(service, testLogger())

	rec := postJSON(t, h.apiManualSync, ManualSyncRequest{
		UserID:          "u1",
		IntegrationType: "calendar",
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNotification_OK(t *testing.T) {
	service := &fakeNotificationService{}
	h := NewNotificationHandler(service, testLogger())

	rec := postJSON(t, h.handleNotification, NotificationRequest{
		ChannelID:     "ch1",
		ResourceID:    "r1",
		ResourceState: "exists",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ch1"}, service.channels)
}

func TestNotification_UnknownChannelIs404(t *testing.T) {
	service := &fakeNotificationService{err: webhook.ErrUnknownChannel}
	h := NewNotificationHandler(service, testLogger())

	rec := postJSON(t, h.handleNotification, NotificationRequest{
		ChannelID:     "stale",
		ResourceID:    "r1",
		ResourceState: "exists",
	})

	// 404 tells the provider to stop delivering to this registration.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotification_ResourceMismatchIs400(t *testing.T) {
	service := &fakeNotificationService{err: webhook.ErrResourceMismatch}
	h := NewNotificationHandler(service, testLogger())

	rec := postJSON(t, h.handleNotification, NotificationRequest{
		ChannelID:     "ch1",
		ResourceID:    "wrong",
		ResourceState: "exists",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotification_MissingChannelRejected(t *testing.T) {
	h := NewNotificationHandler(&fakeNotificationService{}, testLogger())

	rec := postJSON(t, h.handleNotification, NotificationRequest{ResourceID: "r1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnect(t *testing.T) {
	service := &fakeConnectionService{}
	h := NewConnectionHandler(service, testLogger())

	rec := postJSON(t, h.apiConnect, ConnectRequest{
		UserID:          "u1",
		IntegrationType: "calendar",
		TokenExpiresAt:  time.Now().Add(time.Hour),
		FirstConnection: true,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, service.connected, 1)
	assert.Equal(t, models.IntegrationCalendar, service.connected[0].IntegrationType)
}

func TestConnect_ValidatesBody(t *testing.T) {
	h := NewConnectionHandler(&fakeConnectionService{}, testLogger())

	rec := postJSON(t, h.apiConnect, ConnectRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnect(t *testing.T) {
	service := &fakeConnectionService{}
	h := NewConnectionHandler(service, testLogger())

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/connections/u1/contacts", nil)
	req = mux.SetURLVars(req, map[string]string{"userID": "u1", "integration": "contacts"})
	rec := httptest.NewRecorder()
	h.apiDisconnect(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, service.disconnected, 1)
	assert.Equal(t, "u1", service.disconnected[0].UserID)
}

func TestOperatorPairHealth(t *testing.T) {
	h := NewOperatorHandler(&fakeOperatorStore{}, 7*24*time.Hour, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/health/u1", nil)
	req = mux.SetURLVars(req, map[string]string{"userID": "u1"})
	rec := httptest.NewRecorder()
	h.apiPairHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp PairHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.TokenHealth, 1)
	assert.Len(t, resp.Breakers, 1)
	assert.Nil(t, resp.Subscription)
}

func TestOperatorMetrics(t *testing.T) {
	store := &fakeOperatorStore{summary: models.MetricsSummary{TotalSyncs: 10, SuccessRate: 0.9}}
	h := NewOperatorHandler(store, 7*24*time.Hour, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/metrics?integration=contacts&window=48h", nil)
	rec := httptest.NewRecorder()
	h.apiMetrics(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.MetricsSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.IntegrationContacts, resp.IntegrationType)
	assert.Equal(t, 10, resp.TotalSyncs)
}

func TestOperatorMetrics_InvalidInput(t *testing.T) {
	h := NewOperatorHandler(&fakeOperatorStore{}, 7*24*time.Hour, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/metrics?integration=bogus", nil)
	rec := httptest.NewRecorder()
	h.apiMetrics(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/operator/metrics?integration=contacts&window=nope", nil)
	rec = httptest.NewRecorder()
	h.apiMetrics(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorStalePairs(t *testing.T) {
	store := &fakeOperatorStore{stale: []models.SyncSchedule{{UserID: "u1", IntegrationType: models.IntegrationContacts}}}
	h := NewOperatorHandler(store, 7*24*time.Hour, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operator/stale", nil)
	rec := httptest.NewRecorder()
	h.apiStalePairs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Window string                `json:"window"`
		Pairs  []models.SyncSchedule `json:"pairs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "168h0m0s", resp.Window)
	assert.Len(t, resp.Pairs, 1)
}
