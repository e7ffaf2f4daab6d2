package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/collectibles/dbtflow/internal/domain"
)

// Pipeline DTOs

// PipelineResponse — описание pipeline и состояние планировщика.
type PipelineResponse struct {
	Spec       *domain.PipelineSpec `json:"spec"`
	NextDueAt  *time.Time           `json:"next_due_at,omitempty"`
	ActiveRuns int                  `json:"active_runs"`
	IsLeader   bool                 `json:"is_leader"`
}

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Pipeline string `json:"pipeline"`
}

// Run DTOs

// TriggerRunRequest — запрос на ручной запуск.
// Пустое тело допустимо: logical time = текущее время.
type TriggerRunRequest struct {
	LogicalTime *time.Time `json:"logical_time,omitempty"`
}

// TriggerRunResponse — ответ на принятый ручной запуск.
type TriggerRunResponse struct {
	PipelineID  string    `json:"pipeline_id"`
	Trigger     string    `json:"trigger"`
	LogicalTime time.Time `json:"logical_time"`
}

// StepResultResponse — результат шага.
type StepResultResponse struct {
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	OutputTail string    `json:"output_tail,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID          uuid.UUID            `json:"id"`
	PipelineID  string               `json:"pipeline_id"`
	Trigger     string               `json:"trigger"`
	LogicalTime time.Time            `json:"logical_time"`
	Status      string               `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
	Steps       []StepResultResponse `json:"steps"`
	Error       string               `json:"error,omitempty"`
}

// RunFromDomain конвертирует domain.RunRecord в RunResponse.
func RunFromDomain(r domain.RunRecord) RunResponse {
	steps := make([]StepResultResponse, len(r.CompletedSteps))
	for i, s := range r.CompletedSteps {
		steps[i] = StepResultResponse{
			Name:       s.Name,
			Outcome:    string(s.Outcome),
			Attempts:   s.Attempts,
			ExitCode:   s.ExitCode,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
			DurationMs: s.Duration().Milliseconds(),
			Error:      s.Error,
			OutputTail: s.OutputTail,
		}
	}

	return RunResponse{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Trigger:     string(r.Trigger.Kind),
		LogicalTime: r.Trigger.LogicalTime,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DurationMs:  r.Duration().Milliseconds(),
		Steps:       steps,
		Error:       r.Error,
	}
}
