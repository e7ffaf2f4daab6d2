package notify

import (
	"context"
	"log/slog"
)

// LogNotifier пишет уведомления в лог. Используется, когда почта не настроена.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify логирует alert. Никогда не возвращает ошибку.
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	level := slog.LevelError
	if alert.Kind == KindRetry {
		level = slog.LevelWarn
	}

	n.logger.Log(ctx, level, alert.Subject(),
		"kind", alert.Kind,
		"pipeline_id", alert.PipelineID,
		"run_id", alert.RunID,
		"step", alert.Step,
		"attempt", alert.Attempt,
		"max_attempts", alert.MaxAttempts,
		"reason", alert.Reason,
		"recipients", alert.Recipients,
	)
	return nil
}
