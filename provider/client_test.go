package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepintouch/syncengine/models"
)

func TestAttemptSync(t *testing.T) {
	var gotPath string

	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(models.SyncOutcome{Changed: true, ItemCount: 7})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	outcome, err := c.AttemptSync(context.Background(), "u1", models.IntegrationContacts)
	require.NoError(t, err)

	assert.Equal(t, "/internal/sync", gotPath)
	assert.Equal(t, "u1", gotBody["user_id"])
	assert.Equal(t, "contacts", gotBody["integration_type"])
	assert.True(t, outcome.Changed)
	assert.Equal(t, 7, outcome.ItemCount)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   models.ErrorClass
	}{
		{http.StatusUnauthorized, models.ErrorClassAuth},
		{http.StatusForbidden, models.ErrorClassAuth},
		{http.StatusBadRequest, models.ErrorClassPermanent},
		{http.StatusNotFound, models.ErrorClassPermanent},
		{http.StatusUnprocessableEntity, models.ErrorClassPermanent},
		{http.StatusTooManyRequests, models.ErrorClassTransient},
		{http.StatusInternalServerError, models.ErrorClassTransient},
		{http.StatusBadGateway, models.ErrorClassTransient},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))

		c := NewClient(srv.URL, time.Second)

		_, err := c.AttemptSync(context.Background(), "u1", models.IntegrationCalendar)
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, models.ClassifyError(err), "status %d", tt.status)

		srv.Close()
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 100*time.Millisecond)

	_, err := c.AttemptSync(context.Background(), "u1", models.IntegrationContacts)
	require.Error(t, err)
	assert.Equal(t, models.ErrorClassTransient, models.ClassifyError(err))
}

func TestCheckTokenValidity(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/oauth/check", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]time.Time{"expires_at": expires})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	got, err := c.CheckTokenValidity(context.Background(), "u1", models.IntegrationContacts)
	require.NoError(t, err)
	assert.True(t, got.Equal(expires))
}

func TestWatchAndStop(t *testing.T) {
	expires := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)

	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		if r.URL.Path == "/internal/watch" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_ = json.NewEncoder(w).Encode(models.WatchResult{
				ChannelID:  body["channel_id"],
				ResourceID: "res-1",
				ExpiresAt:  expires,
			})

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	result, err := c.Watch(context.Background(), "u1", "ch-1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", result.ChannelID)
	assert.Equal(t, "res-1", result.ResourceID)

	require.NoError(t, c.Stop(context.Background(), result.ChannelID, result.ResourceID))
	assert.Equal(t, []string{"/internal/watch", "/internal/watch/stop"}, paths)
}
