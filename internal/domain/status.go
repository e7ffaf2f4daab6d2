package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	RUNNING → SUCCEEDED
//	        ↘ FAILED
//
// Оба конечных статуса терминальны, переходов из них нет.
type RunStatus string

const (
	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusSucceeded — все шаги run успешно завершены.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — один из шагов исчерпал попытки, run остановлен.
	RunStatusFailed RunStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ParseRunStatus парсит строку в RunStatus.
// Неизвестные значения возвращаются как RUNNING.
func ParseRunStatus(s string) RunStatus {
	switch s {
	case "SUCCEEDED":
		return RunStatusSucceeded
	case "FAILED":
		return RunStatusFailed
	default:
		return RunStatusRunning
	}
}

// StepOutcome — итог выполнения шага внутри run.
type StepOutcome string

const (
	// StepSucceeded — шаг завершился с кодом 0 (возможно, не с первой попытки).
	StepSucceeded StepOutcome = "SUCCEEDED"

	// StepFailed — шаг исчерпал все попытки.
	StepFailed StepOutcome = "FAILED"
)

// TriggerKind — источник запуска run.
type TriggerKind string

const (
	// TriggerSchedule — запуск по cron-расписанию.
	TriggerSchedule TriggerKind = "schedule"

	// TriggerManual — ручной запуск через API или CLI.
	TriggerManual TriggerKind = "manual"
)
