// Package testutils provides small helpers for generating randomized test
// fixtures: user IDs, pair keys and durations within a range.
package testutils

import (
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keepintouch/syncengine/models"
)

var (
	rnd   = mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	rndMu sync.Mutex
)

// RandomUserID returns a unique user identifier.
func RandomUserID() string {
	return fmt.Sprintf("user-%s", uuid.New().String()[:8])
}

// RandomPairKey returns a pair key with a unique user and a random
// integration type.
func RandomPairKey() models.PairKey {
	return models.PairKey{
		UserID:          RandomUserID(),
		IntegrationType: RandomIntegrationType(),
	}
}

// RandomIntegrationType picks one of the known integration types.
func RandomIntegrationType() models.IntegrationType {
	rndMu.Lock()
	defer rndMu.Unlock()

	return models.AllIntegrationTypes[rnd.Intn(len(models.AllIntegrationTypes))]
}

// RandomDuration returns a duration in [min, max). Values are swapped when
// min exceeds max.
func RandomDuration(min, max time.Duration) time.Duration {
	if min > max {
		min, max = max, min
	}

	if min == max {
		return min
	}

	rndMu.Lock()
	defer rndMu.Unlock()

	return min + time.Duration(rnd.Int63n(int64(max-min)))
}
