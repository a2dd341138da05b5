package tokenhealth

import (
	"context"

	"github.com/keepintouch/syncengine/models"
	"go.uber.org/zap"
)

// LogSink publishes token_health_changed events to the service log. It is
// the sink the runners wire by default; deployments that route events into a
// user-notification pipeline replace it.
type LogSink struct {
	logger *zap.Logger
}

var _ EventSink = (*LogSink)(nil)

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) TokenHealthChanged(_ context.Context, ev models.TokenHealthChanged) {
	s.logger.Info("token health changed",
		zap.String("user_id", ev.UserID),
		zap.String("integration", string(ev.IntegrationType)),
		zap.String("old_status", string(ev.OldStatus)),
		zap.String("new_status", string(ev.NewStatus)),
		zap.String("reason", ev.Reason),
		zap.Time("occurred_at", ev.OccurredAt))
}
