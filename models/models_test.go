package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntegrationType(t *testing.T) {
	got, err := ParseIntegrationType("contacts")
	require.NoError(t, err)
	assert.Equal(t, IntegrationContacts, got)

	got, err = ParseIntegrationType("calendar")
	require.NoError(t, err)
	assert.Equal(t, IntegrationCalendar, got)

	_, err = ParseIntegrationType("email")
	assert.Error(t, err)

	_, err = ParseIntegrationType("")
	assert.Error(t, err)
}

func TestPairKeyValidate(t *testing.T) {
	valid := PairKey{UserID: "u1", IntegrationType: IntegrationContacts}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, "u1/contacts", valid.String())

	assert.Error(t, PairKey{IntegrationType: IntegrationContacts}.Validate())
	assert.Error(t, PairKey{UserID: "u1", IntegrationType: "bogus"}.Validate())
}

func TestClassifyError(t *testing.T) {
	auth := &ProviderError{Class: ErrorClassAuth, Err: errors.New("invalid_grant")}
	assert.Equal(t, ErrorClassAuth, ClassifyError(auth))

	wrapped := fmt.Errorf("sync attempt: %w", auth)
	assert.Equal(t, ErrorClassAuth, ClassifyError(wrapped))

	assert.Equal(t, ErrorClassPermanent, ClassifyError(&ProviderError{Class: ErrorClassPermanent, Err: errors.New("404")}))

	// Unclassified errors go to backoff rather than being dropped.
	assert.Equal(t, ErrorClassTransient, ClassifyError(errors.New("connection reset")))
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ProviderError{Class: ErrorClassTransient, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient")
}

func TestTokenHealthUsable(t *testing.T) {
	assert.True(t, (&TokenHealth{Status: TokenValid}).Usable())
	assert.True(t, (&TokenHealth{Status: TokenExpiringSoon}).Usable())
	assert.False(t, (&TokenHealth{Status: TokenInvalid}).Usable())
}

func TestSyncResultRetryable(t *testing.T) {
	assert.True(t, (&SyncResult{Status: SyncStatusFailed}).Retryable())
	assert.True(t, (&SyncResult{Status: SyncStatusCircuitOpen}).Retryable())
	assert.False(t, (&SyncResult{Status: SyncStatusSuccess}).Retryable())
	assert.False(t, (&SyncResult{Status: SyncStatusAuthRequired}).Retryable())
	assert.False(t, (&SyncResult{Status: SyncStatusRateLimited}).Retryable())
}

func TestScheduleInOnboarding(t *testing.T) {
	now := time.Now()
	until := now.Add(time.Hour)

	s := SyncSchedule{OnboardingUntil: &until}
	assert.True(t, s.InOnboarding(now))
	assert.False(t, s.InOnboarding(now.Add(2*time.Hour)))

	s.OnboardingUntil = nil
	assert.False(t, s.InOnboarding(now))
}
