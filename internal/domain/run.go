package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trigger — информация о том, кто и на какое время запустил run.
type Trigger struct {
	// Kind — источник запуска: schedule или manual.
	Kind TriggerKind `json:"kind"`

	// LogicalTime — время, за которое выполняется run.
	// Для запусков по расписанию — момент срабатывания cron,
	// для ручных — момент запроса.
	LogicalTime time.Time `json:"logical_time"`
}

// ManualTrigger создаёт Trigger для ручного запуска.
func ManualTrigger(now time.Time) Trigger {
	return Trigger{Kind: TriggerManual, LogicalTime: now.UTC()}
}

// ScheduledTrigger создаёт Trigger для запуска по расписанию.
func ScheduledTrigger(due time.Time) Trigger {
	return Trigger{Kind: TriggerSchedule, LogicalTime: due.UTC()}
}

// RunRecord — запись об одном запуске pipeline.
//
// Создаётся при срабатывании триггера, изменяется только горутиной,
// выполняющей run, и после перехода в терминальный статус больше
// не меняется.
type RunRecord struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// PipelineID — идентификатор pipeline.
	PipelineID string `json:"pipeline_id"`

	// Trigger — источник запуска.
	Trigger Trigger `json:"trigger"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// StartedAt — время начала выполнения.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения. Nil, пока run выполняется.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CompletedSteps — завершённые шаги в порядке выполнения.
	CompletedSteps []StepResult `json:"completed_steps"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`
}

// StepResult — итог выполнения одного шага.
type StepResult struct {
	// Name — имя шага (StepSpec.Name).
	Name string `json:"name"`

	// Outcome — SUCCEEDED или FAILED.
	Outcome StepOutcome `json:"outcome"`

	// Attempts — количество сделанных попыток (>= 1).
	Attempts int `json:"attempts"`

	// ExitCode — код выхода последней попытки (-1, если процесс не завершился сам).
	ExitCode int `json:"exit_code"`

	// StartedAt — время начала первой попытки.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения последней попытки.
	FinishedAt time.Time `json:"finished_at"`

	// Error — ошибка последней попытки.
	Error string `json:"error,omitempty"`

	// OutputTail — хвост вывода последней попытки.
	OutputTail string `json:"output_tail,omitempty"`
}

// Duration возвращает продолжительность шага.
func (s StepResult) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// NewRunRecord создаёт run в статусе RUNNING.
func NewRunRecord(pipelineID string, trigger Trigger, now time.Time) *RunRecord {
	return &RunRecord{
		ID:             uuid.New(),
		PipelineID:     pipelineID,
		Trigger:        trigger,
		Status:         RunStatusRunning,
		StartedAt:      now,
		CompletedSteps: make([]StepResult, 0),
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *RunRecord) IsFinished() bool {
	return r.Status.IsTerminal()
}

// AppendStep добавляет результат шага.
func (r *RunRecord) AppendStep(result StepResult) {
	r.CompletedSteps = append(r.CompletedSteps, result)
}

// MarkSucceeded переводит run в статус SUCCEEDED.
// Для терминального run ничего не делает.
func (r *RunRecord) MarkSucceeded(now time.Time) {
	if r.IsFinished() {
		return
	}
	r.Status = RunStatusSucceeded
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
// Для терминального run ничего не делает.
func (r *RunRecord) MarkFailed(now time.Time, err string) {
	if r.IsFinished() {
		return
	}
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	r.Error = err
}

// FailedStep возвращает шаг, на котором упал run.
func (r *RunRecord) FailedStep() (StepResult, bool) {
	if len(r.CompletedSteps) == 0 {
		return StepResult{}, false
	}
	last := r.CompletedSteps[len(r.CompletedSteps)-1]
	if last.Outcome != StepFailed {
		return StepResult{}, false
	}
	return last, true
}

// Clone возвращает независимую копию run.
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		cp.FinishedAt = &finished
	}
	cp.CompletedSteps = append(make([]StepResult, 0, len(r.CompletedSteps)), r.CompletedSteps...)
	return &cp
}
