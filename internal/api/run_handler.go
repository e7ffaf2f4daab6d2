package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/repo"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{PipelineID: h.spec.ID}

	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.RunStatus(status)
		if s != domain.RunStatusRunning && !s.IsTerminal() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = s
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		BadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		BadRequest(w, "invalid offset")
		return
	}

	runs, err := h.store.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.store.Get(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// TriggerRun запускает run вне расписания.
// Run выполняется асинхронно, его ID появится в истории.
// POST /api/v1/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		Unavailable(w, "scheduler is not configured")
		return
	}

	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	trig := domain.ManualTrigger(h.now())
	if req.LogicalTime != nil {
		trig.LogicalTime = req.LogicalTime.UTC()
	}

	if HandleTriggerError(w, h.logger, h.scheduler.Trigger(r.Context(), trig)) {
		return
	}

	h.logger.Info("manual run accepted", "logical_time", trig.LogicalTime)

	Accepted(w, TriggerRunResponse{
		PipelineID:  h.spec.ID,
		Trigger:     string(trig.Kind),
		LogicalTime: trig.LogicalTime,
	})
}

// queryInt парсит неотрицательный целый query-параметр. Пустой — 0.
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
