package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepintouch/syncengine/models"
)

var testPolicy = Policy{
	Threshold:   3,
	OpenTimeout: 5 * time.Minute,
	MaxTimeout:  4 * time.Hour,
}

func closedState(failures int) models.CircuitBreakerState {
	return models.CircuitBreakerState{
		UserID:              "u1",
		IntegrationType:     models.IntegrationContacts,
		State:               models.BreakerClosed,
		ConsecutiveFailures: failures,
	}
}

func TestApply_ClosedFailuresBelowThreshold(t *testing.T) {
	now := time.Now()

	cur := closedState(0)
	for i := 1; i < testPolicy.Threshold; i++ {
		cur = Apply(cur, EventFailure, now, testPolicy)
		assert.Equal(t, models.BreakerClosed, cur.State)
		assert.Equal(t, i, cur.ConsecutiveFailures)
	}
}

func TestApply_ClosedTripsAtThreshold(t *testing.T) {
	now := time.Now()

	next := Apply(closedState(testPolicy.Threshold-1), EventFailure, now, testPolicy)

	assert.Equal(t, models.BreakerOpen, next.State)
	assert.Equal(t, testPolicy.Threshold, next.ConsecutiveFailures)
	assert.Equal(t, testPolicy.OpenTimeout, next.OpenTimeout)
	require.NotNil(t, next.NextRetryAt)
	assert.Equal(t, now.Add(testPolicy.OpenTimeout), *next.NextRetryAt)
}

func TestApply_ClosedSuccessResetsCounter(t *testing.T) {
	next := Apply(closedState(2), EventSuccess, time.Now(), testPolicy)

	assert.Equal(t, models.BreakerClosed, next.State)
	assert.Zero(t, next.ConsecutiveFailures)
}

func TestApply_HalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	openedAt := now.Add(-10 * time.Minute)
	retryAt := now.Add(-time.Minute)

	cur := models.CircuitBreakerState{
		State:               models.BreakerHalfOpen,
		ConsecutiveFailures: 3,
		OpenTimeout:         testPolicy.OpenTimeout,
		OpenedAt:            &openedAt,
		NextRetryAt:         &retryAt,
	}

	next := Apply(cur, EventSuccess, now, testPolicy)

	assert.Equal(t, models.BreakerClosed, next.State)
	assert.Zero(t, next.ConsecutiveFailures)
	assert.Nil(t, next.OpenedAt)
	assert.Nil(t, next.NextRetryAt)
}

func TestApply_HalfOpenFailureDoublesTimeout(t *testing.T) {
	now := time.Now()

	cur := models.CircuitBreakerState{
		State:       models.BreakerHalfOpen,
		OpenTimeout: testPolicy.OpenTimeout,
	}

	next := Apply(cur, EventFailure, now, testPolicy)

	assert.Equal(t, models.BreakerOpen, next.State)
	assert.Equal(t, 2*testPolicy.OpenTimeout, next.OpenTimeout)
	require.NotNil(t, next.NextRetryAt)
	assert.Equal(t, now.Add(2*testPolicy.OpenTimeout), *next.NextRetryAt)
}

func TestApply_HalfOpenFailureTimeoutCapped(t *testing.T) {
	cur := models.CircuitBreakerState{
		State:       models.BreakerHalfOpen,
		OpenTimeout: 3 * time.Hour,
	}

	next := Apply(cur, EventFailure, time.Now(), testPolicy)

	assert.Equal(t, testPolicy.MaxTimeout, next.OpenTimeout)
}

func TestApply_OpenIgnoresOutcomes(t *testing.T) {
	now := time.Now()
	retryAt := now.Add(time.Minute)

	cur := models.CircuitBreakerState{
		State:               models.BreakerOpen,
		ConsecutiveFailures: 3,
		OpenTimeout:         testPolicy.OpenTimeout,
		NextRetryAt:         &retryAt,
	}

	// Manual attempts bypass the gate; their outcomes must not move an
	// open breaker either way.
	assert.Equal(t, cur, Apply(cur, EventSuccess, now, testPolicy))
	assert.Equal(t, cur, Apply(cur, EventFailure, now, testPolicy))
}

func TestProbe(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		cur       models.CircuitBreakerState
		wantAllow bool
		wantState models.BreakerState
	}{
		{
			name:      "closed always allows",
			cur:       models.CircuitBreakerState{State: models.BreakerClosed},
			wantAllow: true,
			wantState: models.BreakerClosed,
		},
		{
			name: "half_open denies second probe",
			cur: models.CircuitBreakerState{
				State:       models.BreakerHalfOpen,
				OpenTimeout: 5 * time.Minute,
				UpdatedAt:   now.Add(-time.Minute),
			},
			wantAllow: false,
			wantState: models.BreakerHalfOpen,
		},
		{
			name: "half_open admits replacement after a lost probe",
			cur: models.CircuitBreakerState{
				State:       models.BreakerHalfOpen,
				OpenTimeout: 5 * time.Minute,
				UpdatedAt:   now.Add(-6 * time.Minute),
			},
			wantAllow: true,
			wantState: models.BreakerHalfOpen,
		},
		{
			name:      "open before cooldown denies",
			cur:       models.CircuitBreakerState{State: models.BreakerOpen, NextRetryAt: &future},
			wantAllow: false,
			wantState: models.BreakerOpen,
		},
		{
			name:      "open past cooldown admits probe",
			cur:       models.CircuitBreakerState{State: models.BreakerOpen, NextRetryAt: &past},
			wantAllow: true,
			wantState: models.BreakerHalfOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, allowed := Probe(tt.cur, now)
			assert.Equal(t, tt.wantAllow, allowed)
			assert.Equal(t, tt.wantState, next.State)
		})
	}
}
