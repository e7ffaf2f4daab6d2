package scheduler

import "errors"

// Ошибки планировщика.
var (
	// ErrInvalidSchedule — cron-выражение или часовой пояс некорректны.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrRunLimitReached — уже выполняется MaxConcurrentRuns runs.
	ErrRunLimitReached = errors.New("max concurrent runs reached")

	// ErrLockHeld — лидерский lock удерживает другой экземпляр планировщика.
	ErrLockHeld = errors.New("scheduler lock is held by another instance")

	// ErrNotStarted — планировщик не запущен или уже остановлен.
	ErrNotStarted = errors.New("scheduler is not started")
)
