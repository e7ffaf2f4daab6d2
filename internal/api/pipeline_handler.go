package api

import (
	"net/http"
)

// Health — проверка живости процесса.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{Status: "ok", Pipeline: h.spec.ID})
}

// GetPipeline возвращает описание pipeline и состояние планировщика.
// GET /api/v1/pipeline
func (h *Handler) GetPipeline(w http.ResponseWriter, _ *http.Request) {
	resp := PipelineResponse{Spec: h.spec}

	if h.scheduler != nil {
		if next := h.scheduler.NextDue(); !next.IsZero() {
			resp.NextDueAt = &next
		}
		resp.ActiveRuns = h.scheduler.ActiveRuns()
		resp.IsLeader = h.scheduler.IsLeader()
	}

	Success(w, resp)
}
