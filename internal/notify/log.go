package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notices to a structured logger. Error notices are logged
// at warn level, everything else at info.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	level := slog.LevelInfo
	if n.Kind == KindError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, n.Message,
		"notice_id", n.ID,
		"ranker", n.Ranker,
		"kind", string(n.Kind),
	)
}
