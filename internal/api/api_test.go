package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/repo"
	"github.com/collectibles/dbtflow/internal/scheduler"
)

var testNow = time.Date(2026, 1, 10, 14, 30, 0, 0, time.UTC)

// fakeScheduler запоминает ручные запуски.
type fakeScheduler struct {
	mu       sync.Mutex
	triggers []domain.Trigger
	err      error
	nextDue  time.Time
	active   int
}

func (f *fakeScheduler) Trigger(_ context.Context, trig domain.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.triggers = append(f.triggers, trig)
	return nil
}

func (f *fakeScheduler) NextDue() time.Time { return f.nextDue }
func (f *fakeScheduler) ActiveRuns() int    { return f.active }
func (f *fakeScheduler) IsLeader() bool     { return true }

func testSpec() *domain.PipelineSpec {
	return &domain.PipelineSpec{
		ID:                "dbt_collectibles",
		Schedule:          "0 * * * *",
		Timezone:          "UTC",
		MaxConcurrentRuns: 1,
		Steps: []domain.StepSpec{
			{Name: "run_models", Command: "dbt run", Timeout: time.Hour, MaxRetries: 2, RetryDelay: 5 * time.Minute},
		},
	}
}

func newTestServer(t *testing.T, sched Scheduler) (*httptest.Server, *repo.MemoryStore) {
	t.Helper()

	store := repo.NewMemoryStore(0)
	h := NewHandler(Config{
		Spec:      testSpec(),
		Store:     store,
		Scheduler: sched,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.now = func() time.Time { return testNow }

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func seedRun(t *testing.T, store *repo.MemoryStore, startedAt time.Time, status domain.RunStatus) *domain.RunRecord {
	t.Helper()

	run := domain.NewRunRecord("dbt_collectibles", domain.ScheduledTrigger(startedAt), startedAt)
	run.AppendStep(domain.StepResult{
		Name:       "run_models",
		Outcome:    domain.StepSucceeded,
		Attempts:   1,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(90 * time.Second),
	})
	switch status {
	case domain.RunStatusSucceeded:
		run.MarkSucceeded(startedAt.Add(2 * time.Minute))
	case domain.RunStatusFailed:
		run.MarkFailed(startedAt.Add(2*time.Minute), "boom")
	}
	if err := store.Record(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

type runList struct {
	Data  []RunResponse `json:"data"`
	Total int           `json:"total"`
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[HealthResponse](t, resp)
	if body.Status != "ok" || body.Pipeline != "dbt_collectibles" {
		t.Errorf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetPipeline(t *testing.T) {
	next := time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, &fakeScheduler{nextDue: next, active: 1})

	resp, err := http.Get(srv.URL + "/api/v1/pipeline")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[struct {
		Data PipelineResponse `json:"data"`
	}](t, resp)

	if body.Data.Spec == nil || body.Data.Spec.ID != "dbt_collectibles" {
		t.Fatalf("spec = %+v", body.Data.Spec)
	}
	if body.Data.NextDueAt == nil || !body.Data.NextDueAt.Equal(next) {
		t.Errorf("next_due_at = %v, want %v", body.Data.NextDueAt, next)
	}
	if body.Data.ActiveRuns != 1 || !body.Data.IsLeader {
		t.Errorf("active_runs = %d, is_leader = %v", body.Data.ActiveRuns, body.Data.IsLeader)
	}
}

func TestListRuns(t *testing.T) {
	srv, store := newTestServer(t, nil)

	base := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	seedRun(t, store, base, domain.RunStatusSucceeded)
	seedRun(t, store, base.Add(time.Hour), domain.RunStatusFailed)
	newest := seedRun(t, store, base.Add(2*time.Hour), domain.RunStatusRunning)

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantFirst uuid.UUID
	}{
		{name: "all newest first", query: "", wantCount: 3, wantFirst: newest.ID},
		{name: "status filter", query: "?status=FAILED", wantCount: 1},
		{name: "limit", query: "?limit=2", wantCount: 2, wantFirst: newest.ID},
		{name: "offset past end", query: "?offset=10", wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/v1/runs" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			body := decode[runList](t, resp)
			if len(body.Data) != tt.wantCount {
				t.Fatalf("len(data) = %d, want %d", len(body.Data), tt.wantCount)
			}
			if tt.wantFirst != uuid.Nil && body.Data[0].ID != tt.wantFirst {
				t.Errorf("first = %s, want %s", body.Data[0].ID, tt.wantFirst)
			}
		})
	}
}

func TestListRuns_BadQuery(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, q := range []string{"?status=PENDING", "?limit=abc", "?offset=-1"} {
		resp, err := http.Get(srv.URL + "/api/v1/runs" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestGetRun(t *testing.T) {
	srv, store := newTestServer(t, nil)
	run := seedRun(t, store, testNow, domain.RunStatusFailed)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + run.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[struct {
		Data RunResponse `json:"data"`
	}](t, resp)

	if body.Data.Status != "FAILED" || body.Data.Error != "boom" {
		t.Errorf("run = %+v", body.Data)
	}
	if len(body.Data.Steps) != 1 || body.Data.Steps[0].DurationMs != 90000 {
		t.Errorf("steps = %+v", body.Data.Steps)
	}
	if body.Data.DurationMs != 120000 {
		t.Errorf("duration_ms = %d, want 120000", body.Data.DurationMs)
	}
}

func TestGetRun_Errors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/v1/runs/not-a-uuid", http.StatusBadRequest},
		{"/api/v1/runs/" + uuid.NewString(), http.StatusNotFound},
		{"/api/v1/nothing", http.StatusNotFound},
	}

	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
		}
	}
}

func TestTriggerRun(t *testing.T) {
	t.Run("empty body uses now", func(t *testing.T) {
		sched := &fakeScheduler{}
		srv, _ := newTestServer(t, sched)

		resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		body := decode[struct {
			Data TriggerRunResponse `json:"data"`
		}](t, resp)

		if body.Data.Trigger != "manual" || !body.Data.LogicalTime.Equal(testNow) {
			t.Errorf("body = %+v", body.Data)
		}
		if len(sched.triggers) != 1 || sched.triggers[0].Kind != domain.TriggerManual {
			t.Errorf("triggers = %+v", sched.triggers)
		}
	})

	t.Run("explicit logical time", func(t *testing.T) {
		sched := &fakeScheduler{}
		srv, _ := newTestServer(t, sched)

		resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json",
			strings.NewReader(`{"logical_time":"2026-01-09T23:00:00+03:00"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		want := time.Date(2026, 1, 9, 20, 0, 0, 0, time.UTC)
		if len(sched.triggers) != 1 || !sched.triggers[0].LogicalTime.Equal(want) {
			t.Fatalf("triggers = %+v", sched.triggers)
		}
		if sched.triggers[0].LogicalTime.Location() != time.UTC {
			t.Errorf("logical time location = %v, want UTC", sched.triggers[0].LogicalTime.Location())
		}
	})

	t.Run("bad body", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeScheduler{})

		resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", strings.NewReader("{"))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestTriggerRun_Errors(t *testing.T) {
	tests := []struct {
		name       string
		sched      Scheduler
		wantStatus int
	}{
		{"no scheduler", nil, http.StatusServiceUnavailable},
		{"run limit", &fakeScheduler{err: scheduler.ErrRunLimitReached}, http.StatusConflict},
		{"not leader", &fakeScheduler{err: scheduler.ErrLockHeld}, http.StatusConflict},
		{"not started", &fakeScheduler{err: scheduler.ErrNotStarted}, http.StatusServiceUnavailable},
		{"internal", &fakeScheduler{err: errors.New("db down")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.sched)

			resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			body := decode[ErrorResponse](t, resp)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (%+v)", resp.StatusCode, tt.wantStatus, body)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
