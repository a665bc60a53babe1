package executor

import (
	"context"
	"log/slog"

	"github.com/itskum47/accountforge/control_plane/scheduler"
)

// Log succeeds every action after logging it. Used when no worker service
// is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Execute(ctx context.Context, d scheduler.Dispatch) scheduler.Result {
	l.logger.Info("dry-run execute",
		"action_id", d.Action.ID,
		"account_id", d.Account.ID,
		"handle", d.Account.Handle,
		"kind", d.Action.Kind,
		"proxy_id", d.Proxy.ID,
		"attempt", d.Action.Attempts,
	)
	return scheduler.Success()
}
