package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event as a structured debug record.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(e Event) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.logger.Debug("event",
		"kind", e.Kind,
		"account_id", e.AccountID,
		"proxy_id", e.ProxyID,
		"action_id", e.ActionID,
		"reason", e.Reason,
	)
}
