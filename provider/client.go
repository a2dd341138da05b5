// Package provider bridges the reliability layer to the data-fetch service
// that actually talks to the external account provider. It implements the
// collaborator capabilities (sync attempt, OAuth checks, watch registration)
// over plain HTTP and maps response codes onto the error taxonomy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keepintouch/syncengine/models"
)

// Client calls the data-fetch service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

var (
	_ models.SyncClient  = (*Client)(nil)
	_ models.OAuthClient = (*Client)(nil)
	_ models.WatchClient = (*Client)(nil)
)

// AttemptSync performs one sync attempt for a pair.
func (c *Client) AttemptSync(ctx context.Context, userID string, integration models.IntegrationType) (models.SyncOutcome, error) {
	var out models.SyncOutcome

	err := c.post(ctx, "/internal/sync", map[string]string{
		"user_id":          userID,
		"integration_type": string(integration),
	}, &out)

	return out, err
}

// CheckTokenValidity asks the OAuth layer whether the stored credential is
// usable and when it expires.
func (c *Client) CheckTokenValidity(ctx context.Context, userID string, integration models.IntegrationType) (time.Time, error) {
	var out struct {
		ExpiresAt time.Time `json:"expires_at"`
	}

	err := c.post(ctx, "/internal/oauth/check", map[string]string{
		"user_id":          userID,
		"integration_type": string(integration),
	}, &out)

	return out.ExpiresAt, err
}

// RefreshToken performs a silent refresh.
func (c *Client) RefreshToken(ctx context.Context, userID string, integration models.IntegrationType) (time.Time, error) {
	var out struct {
		ExpiresAt time.Time `json:"expires_at"`
	}

	err := c.post(ctx, "/internal/oauth/refresh", map[string]string{
		"user_id":          userID,
		"integration_type": string(integration),
	}, &out)

	return out.ExpiresAt, err
}

// Watch registers a push-notification channel.
func (c *Client) Watch(ctx context.Context, userID, channelID, verificationToken string) (models.WatchResult, error) {
	var out models.WatchResult

	err := c.post(ctx, "/internal/watch", map[string]string{
		"user_id":            userID,
		"channel_id":         channelID,
		"verification_token": verificationToken,
	}, &out)

	return out, err
}

// Stop tears down a push-notification channel.
func (c *Client) Stop(ctx context.Context, channelID, resourceID string) error {
	return c.post(ctx, "/internal/watch/stop", map[string]string{
		"channel_id":  channelID,
		"resource_id": resourceID,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &models.ProviderError{Class: models.ErrorClassPermanent, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &models.ProviderError{Class: models.ErrorClassPermanent, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.ProviderError{Class: models.ErrorClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &models.ProviderError{
			Class: classifyStatus(resp.StatusCode),
			Err:   fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(payload)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.ProviderError{Class: models.ErrorClassTransient, Err: err}
	}

	return nil
}

func classifyStatus(status int) models.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrorClassAuth
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return models.ErrorClassPermanent
	default:
		// 429s and 5xx both come back transient so they flow into backoff.
		return models.ErrorClassTransient
	}
}
