package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/engine"
	"github.com/collectibles/dbtflow/internal/notify"
)

// --- Test helpers ---

// outcome — результат одной попытки в сценарии fake executor'а.
type outcome int

const (
	succeed outcome = iota
	fail
	hang
)

// scriptedExecutor выполняет шаги по сценарию. Попытки сверх сценария успешны.
type scriptedExecutor struct {
	mu     sync.Mutex
	script map[string][]outcome
	calls  []string
	steps  []domain.StepSpec
}

func newScriptedExecutor(script map[string][]outcome) *scriptedExecutor {
	if script == nil {
		script = map[string][]outcome{}
	}
	return &scriptedExecutor{script: script}
}

func (e *scriptedExecutor) Execute(ctx context.Context, step *domain.StepSpec) (*ExecutionResult, error) {
	e.mu.Lock()
	attempt := e.count(step.Name)
	e.calls = append(e.calls, step.Name)
	e.steps = append(e.steps, *step)
	o := succeed
	if s := e.script[step.Name]; attempt < len(s) {
		o = s[attempt]
	}
	e.mu.Unlock()

	switch o {
	case fail:
		return &ExecutionResult{ExitCode: 1, Output: "error in " + step.Name}, nil
	case hang:
		<-ctx.Done()
		return &ExecutionResult{ExitCode: -1}, ctx.Err()
	default:
		return &ExecutionResult{ExitCode: 0, Output: "ok"}, nil
	}
}

func (e *scriptedExecutor) count(name string) int {
	n := 0
	for _, c := range e.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (e *scriptedExecutor) invocations(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count(name)
}

// always возвращает сценарий из n одинаковых исходов.
func always(o outcome, n int) []outcome {
	s := make([]outcome, n)
	for i := range s {
		s[i] = o
	}
	return s
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) byKind(kind notify.Kind) []notify.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Alert
	for _, a := range n.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// newTestRunner создаёт Runner без реальных пауз между попытками.
func newTestRunner(exec Executor, n notify.Notifier, recorders ...Recorder) (*Runner, *[]time.Duration) {
	r := New(Config{
		Executor:   exec,
		Notifier:   n,
		Recorders:  recorders,
		ProjectDir: "/srv/dbt",
		Env:        map[string]string{"DBT_TARGET": "prod"},
	})

	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

var scenarioSteps = []string{"deps", "freshness", "run", "test", "docs"}

// testSpec — pipeline с retries=2, retry_delay=5m, timeout=1h.
func testSpec(names ...string) *domain.PipelineSpec {
	steps := make([]domain.StepSpec, len(names))
	for i, name := range names {
		steps[i] = domain.StepSpec{
			Name:       name,
			Command:    "dbt " + name,
			Timeout:    time.Hour,
			MaxRetries: 2,
			RetryDelay: 5 * time.Minute,
		}
	}
	return &domain.PipelineSpec{
		ID:                "dbt_collectibles",
		Schedule:          "0 * * * *",
		Timezone:          "UTC",
		MaxConcurrentRuns: 1,
		NotifyOnFailure:   []string{"airflow-alerts@collectibles.com"},
		Steps:             steps,
	}
}

func manual() domain.Trigger {
	return domain.ManualTrigger(time.Date(2025, 12, 23, 10, 0, 0, 0, time.UTC))
}

func stepNames(run *domain.RunRecord) []string {
	names := make([]string, len(run.CompletedSteps))
	for i, s := range run.CompletedSteps {
		names[i] = s.Name
	}
	return names
}

// --- Properties ---

func TestExecute_AllStepsSucceed(t *testing.T) {
	for n := 1; n <= len(scenarioSteps); n++ {
		names := scenarioSteps[:n]
		t.Run(strings.Join(names, ","), func(t *testing.T) {
			exec := newScriptedExecutor(nil)
			notifier := &recordingNotifier{}
			r, _ := newTestRunner(exec, notifier)

			run, err := r.Execute(context.Background(), testSpec(names...), manual())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if run.Status != domain.RunStatusSucceeded {
				t.Errorf("expected SUCCEEDED, got %s", run.Status)
			}
			if got := stepNames(run); strings.Join(got, ",") != strings.Join(names, ",") {
				t.Errorf("completed steps = %v, want %v", got, names)
			}
			for _, s := range run.CompletedSteps {
				if s.Outcome != domain.StepSucceeded || s.Attempts != 1 {
					t.Errorf("step %s: outcome=%s attempts=%d", s.Name, s.Outcome, s.Attempts)
				}
			}
			if run.FinishedAt == nil {
				t.Error("FinishedAt should be set")
			}
			if len(notifier.alerts) != 0 {
				t.Errorf("expected no notifications, got %d", len(notifier.alerts))
			}
		})
	}
}

func TestExecute_StepInvokedRetriesPlusOneTimes(t *testing.T) {
	for _, retries := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			spec := testSpec("only")
			spec.Steps[0].MaxRetries = retries

			exec := newScriptedExecutor(map[string][]outcome{"only": always(fail, retries+1)})
			notifier := &recordingNotifier{}
			r, delays := newTestRunner(exec, notifier)

			run, err := r.Execute(context.Background(), spec, manual())

			if got := exec.invocations("only"); got != retries+1 {
				t.Errorf("expected %d invocations, got %d", retries+1, got)
			}
			if run.Status != domain.RunStatusFailed {
				t.Errorf("expected FAILED, got %s", run.Status)
			}
			if len(*delays) != retries {
				t.Errorf("expected %d retry waits, got %d", retries, len(*delays))
			}
			for _, d := range *delays {
				if d != 5*time.Minute {
					t.Errorf("expected retry delay 5m, got %v", d)
				}
			}

			var runErr *RunFailedError
			if !errors.As(err, &runErr) {
				t.Fatalf("expected RunFailedError, got %v", err)
			}
			if runErr.Attempts != retries+1 || runErr.Step != "only" {
				t.Errorf("unexpected RunFailedError: %+v", runErr)
			}
			if !errors.Is(err, ErrRunFailed) || !errors.Is(err, ErrStepExecutionFailure) {
				t.Errorf("error should wrap ErrRunFailed and ErrStepExecutionFailure: %v", err)
			}
		})
	}
}

func TestExecute_HaltsAfterFailedStep(t *testing.T) {
	for k := 1; k <= len(scenarioSteps); k++ {
		failing := scenarioSteps[k-1]
		t.Run(failing, func(t *testing.T) {
			exec := newScriptedExecutor(map[string][]outcome{failing: always(fail, 3)})
			r, _ := newTestRunner(exec, &recordingNotifier{})

			run, _ := r.Execute(context.Background(), testSpec(scenarioSteps...), manual())

			if len(run.CompletedSteps) != k {
				t.Fatalf("expected %d completed steps, got %d", k, len(run.CompletedSteps))
			}
			last := run.CompletedSteps[k-1]
			if last.Name != failing || last.Outcome != domain.StepFailed {
				t.Errorf("last step = %s/%s, want %s/FAILED", last.Name, last.Outcome, failing)
			}
			for _, later := range scenarioSteps[k:] {
				if n := exec.invocations(later); n != 0 {
					t.Errorf("step %s should not be invoked, got %d calls", later, n)
				}
			}
		})
	}
}

func TestExecute_TimeoutCountsAsFailedAttempt(t *testing.T) {
	spec := testSpec("slow")
	spec.Steps[0].Timeout = 20 * time.Millisecond
	spec.Steps[0].MaxRetries = 1

	exec := newScriptedExecutor(map[string][]outcome{"slow": always(hang, 2)})
	r, _ := newTestRunner(exec, &recordingNotifier{})

	run, err := r.Execute(context.Background(), spec, manual())

	if got := exec.invocations("slow"); got != 2 {
		t.Errorf("expected 2 invocations, got %d", got)
	}
	if run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", run.Status)
	}
	if !errors.Is(err, ErrStepTimeout) {
		t.Errorf("expected ErrStepTimeout, got %v", err)
	}

	var timeoutErr *StepTimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Timeout != 20*time.Millisecond {
		t.Errorf("expected StepTimeoutError with 20ms, got %v", err)
	}
}

func TestExecute_NotifiesExactlyOncePerFailedRun(t *testing.T) {
	exec := newScriptedExecutor(map[string][]outcome{"deps": always(fail, 3)})
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(exec, notifier)

	_, err := r.Execute(context.Background(), testSpec(scenarioSteps...), manual())
	if err == nil {
		t.Fatal("expected error")
	}

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", len(notifier.alerts))
	}
	alert := notifier.alerts[0]
	if alert.Kind != notify.KindFailure || alert.Step != "deps" {
		t.Errorf("unexpected alert: %+v", alert)
	}
	if len(alert.Recipients) != 1 || alert.Recipients[0] != "airflow-alerts@collectibles.com" {
		t.Errorf("unexpected recipients: %v", alert.Recipients)
	}
}

// --- Scenarios ---

func TestScenario_AllFiveStepsSucceed(t *testing.T) {
	exec := newScriptedExecutor(nil)
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(exec, notifier)

	run, err := r.Execute(context.Background(), testSpec(scenarioSteps...), manual())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", run.Status)
	}
	if len(run.CompletedSteps) != 5 {
		t.Fatalf("expected 5 completed steps, got %d", len(run.CompletedSteps))
	}
	for _, s := range run.CompletedSteps {
		if s.Outcome != domain.StepSucceeded {
			t.Errorf("step %s: expected SUCCEEDED, got %s", s.Name, s.Outcome)
		}
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("expected no notification, got %d", len(notifier.alerts))
	}
}

func TestScenario_RunStepFailsAllAttempts(t *testing.T) {
	exec := newScriptedExecutor(map[string][]outcome{"run": always(fail, 3)})
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(exec, notifier)

	run, err := r.Execute(context.Background(), testSpec(scenarioSteps...), manual())
	if !errors.Is(err, ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}

	want := []struct {
		name    string
		outcome domain.StepOutcome
	}{
		{"deps", domain.StepSucceeded},
		{"freshness", domain.StepSucceeded},
		{"run", domain.StepFailed},
	}
	if len(run.CompletedSteps) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), stepNames(run))
	}
	for i, w := range want {
		got := run.CompletedSteps[i]
		if got.Name != w.name || got.Outcome != w.outcome {
			t.Errorf("step %d = %s/%s, want %s/%s", i, got.Name, got.Outcome, w.name, w.outcome)
		}
	}
	if run.CompletedSteps[2].Attempts != 3 {
		t.Errorf("expected 3 attempts of run, got %d", run.CompletedSteps[2].Attempts)
	}
	if exec.invocations("test") != 0 || exec.invocations("docs") != 0 {
		t.Error("steps after run should not be invoked")
	}
	if run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", run.Status)
	}

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.alerts))
	}
	if alert := notifier.alerts[0]; alert.Step != "run" || alert.RunID != run.ID || alert.Attempt != 3 || alert.MaxAttempts != 3 {
		t.Errorf("unexpected alert: %+v", alert)
	}
}

func TestScenario_TestStepTimesOutThenSucceeds(t *testing.T) {
	spec := testSpec(scenarioSteps...)
	spec.Steps[3].Timeout = 20 * time.Millisecond

	exec := newScriptedExecutor(map[string][]outcome{"test": {hang, succeed}})
	notifier := &recordingNotifier{}
	r, delays := newTestRunner(exec, notifier)

	run, err := r.Execute(context.Background(), spec, manual())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != domain.RunStatusSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", run.Status)
	}
	test := run.CompletedSteps[3]
	if test.Name != "test" || test.Outcome != domain.StepSucceeded || test.Attempts != 2 {
		t.Errorf("unexpected test step: %+v", test)
	}
	if exec.invocations("docs") != 1 {
		t.Error("run should proceed to docs")
	}
	if len(*delays) != 1 {
		t.Errorf("expected 1 retry wait, got %d", len(*delays))
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("expected no notification, got %d", len(notifier.alerts))
	}
}

// --- Behaviour ---

func TestExecute_InvalidSpec(t *testing.T) {
	exec := newScriptedExecutor(nil)
	r, _ := newTestRunner(exec, &recordingNotifier{})

	spec := testSpec("a", "a")

	run, err := r.Execute(context.Background(), spec, manual())
	if run != nil {
		t.Error("expected nil run for invalid spec")
	}
	if !errors.Is(err, engine.ErrInvalidPipeline) || !errors.Is(err, engine.ErrDuplicateStepName) {
		t.Errorf("expected duplicate step validation error, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Error("executor should not be called")
	}
}

func TestExecute_RendersCommandAndEnv(t *testing.T) {
	spec := testSpec("run_models")
	spec.Steps[0].Command = "dbt run --target {{ .Env.DBT_TARGET }} --vars '{run_date: {{ .LogicalDate }}}'"
	spec.Steps[0].Env = map[string]string{"DBT_PROFILES_DIR": "/etc/dbt"}

	exec := newScriptedExecutor(nil)
	r, _ := newTestRunner(exec, nil)

	run, err := r.Execute(context.Background(), spec, manual())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := exec.steps[0]
	if got.Command != "dbt run --target prod --vars '{run_date: 2025-12-23}'" {
		t.Errorf("unexpected rendered command: %s", got.Command)
	}
	if got.Dir != "/srv/dbt" {
		t.Errorf("expected project dir, got %q", got.Dir)
	}
	if got.Env["DBTFLOW_RUN_ID"] != run.ID.String() || got.Env["DBTFLOW_ATTEMPT"] != "1" {
		t.Errorf("unexpected DBTFLOW env: %v", got.Env)
	}
	if got.Env["DBT_PROFILES_DIR"] != "/etc/dbt" {
		t.Error("step env should be preserved")
	}

	// Spec не изменяется
	if !strings.Contains(spec.Steps[0].Command, "{{ .Env.DBT_TARGET }}") {
		t.Error("spec command should not be modified")
	}
	if _, ok := spec.Steps[0].Env["DBTFLOW_RUN_ID"]; ok {
		t.Error("spec env should not be modified")
	}
}

func TestExecute_TemplateErrorFailsStep(t *testing.T) {
	spec := testSpec("bad")
	spec.Steps[0].MaxRetries = 0
	// Валиден синтаксически, но падает при выполнении
	spec.Steps[0].Command = "dbt run {{ .Env.X.Y }}"

	exec := newScriptedExecutor(nil)
	r, _ := newTestRunner(exec, &recordingNotifier{})

	run, err := r.Execute(context.Background(), spec, manual())
	if !errors.Is(err, ErrStepExecutionFailure) {
		t.Errorf("expected ErrStepExecutionFailure, got %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", run.Status)
	}
	if len(exec.calls) != 0 {
		t.Error("executor should not be called")
	}
}

func TestExecute_ParentCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := ExecutorFunc(func(ctx context.Context, _ *domain.StepSpec) (*ExecutionResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	notifier := &recordingNotifier{}
	r, delays := newTestRunner(exec, notifier)

	run, err := r.Execute(ctx, testSpec(scenarioSteps...), manual())

	if run.Status != domain.RunStatusFailed {
		t.Errorf("expected FAILED, got %s", run.Status)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if errors.Is(err, ErrStepTimeout) {
		t.Error("cancellation should not be reported as timeout")
	}
	if len(run.CompletedSteps) != 1 || run.CompletedSteps[0].Attempts != 1 {
		t.Errorf("expected single aborted attempt, got %+v", run.CompletedSteps)
	}
	if len(*delays) != 0 {
		t.Error("should not wait for retry after cancellation")
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.alerts))
	}
}

func TestExecute_NotificationErrorDoesNotChangeResult(t *testing.T) {
	exec := newScriptedExecutor(map[string][]outcome{"deps": always(fail, 3)})
	notifier := &recordingNotifier{err: errors.New("smtp unavailable")}
	r, _ := newTestRunner(exec, notifier)

	run, err := r.Execute(context.Background(), testSpec(scenarioSteps...), manual())

	if run.Status != domain.RunStatusFailed || !errors.Is(err, ErrRunFailed) {
		t.Errorf("unexpected result: status=%s err=%v", run.Status, err)
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("delivery should be attempted once, got %d", len(notifier.alerts))
	}
}

func TestExecute_NoRecipientsNoNotification(t *testing.T) {
	spec := testSpec("deps")
	spec.NotifyOnFailure = nil

	exec := newScriptedExecutor(map[string][]outcome{"deps": always(fail, 3)})
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(exec, notifier)

	if _, err := r.Execute(context.Background(), spec, manual()); err == nil {
		t.Fatal("expected error")
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("expected no notifications, got %d", len(notifier.alerts))
	}
}

func TestExecute_NotifyOnRetry(t *testing.T) {
	spec := testSpec("deps")
	spec.NotifyOnRetry = true

	exec := newScriptedExecutor(map[string][]outcome{"deps": {fail, succeed}})
	notifier := &recordingNotifier{}
	r, _ := newTestRunner(exec, notifier)

	if _, err := r.Execute(context.Background(), spec, manual()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retries := notifier.byKind(notify.KindRetry)
	if len(retries) != 1 || retries[0].Attempt != 1 || retries[0].MaxAttempts != 3 {
		t.Errorf("unexpected retry alerts: %+v", retries)
	}
	if len(notifier.byKind(notify.KindFailure)) != 0 {
		t.Error("succeeded run should not send failure alert")
	}
}

func TestExecute_Recorders(t *testing.T) {
	var snapshots []*domain.RunRecord
	rec := RecorderFunc(func(_ context.Context, run *domain.RunRecord) error {
		snapshots = append(snapshots, run.Clone())
		return nil
	})
	failing := RecorderFunc(func(context.Context, *domain.RunRecord) error {
		return errors.New("db down")
	})

	r, _ := newTestRunner(newScriptedExecutor(nil), nil, rec, failing)

	run, err := r.Execute(context.Background(), testSpec("a", "b"), manual())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// старт + 2 шага + завершение
	if len(snapshots) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].Status != domain.RunStatusRunning || len(snapshots[0].CompletedSteps) != 0 {
		t.Errorf("first snapshot should be RUNNING without steps: %+v", snapshots[0])
	}
	if len(snapshots[2].CompletedSteps) != 2 || snapshots[2].IsFinished() {
		t.Errorf("third snapshot should have 2 steps and be running: %+v", snapshots[2])
	}
	last := snapshots[3]
	if last.ID != run.ID || last.Status != domain.RunStatusSucceeded {
		t.Errorf("last snapshot should be SUCCEEDED: %+v", last)
	}
}

type fakeRunPublisher struct {
	published []any
}

func (p *fakeRunPublisher) PublishRunCompleted(_ context.Context, run any) error {
	p.published = append(p.published, run)
	return nil
}

func TestPublishOnFinish(t *testing.T) {
	pub := &fakeRunPublisher{}
	r, _ := newTestRunner(newScriptedExecutor(nil), nil, PublishOnFinish(pub))

	run, _ := r.Execute(context.Background(), testSpec("a", "b"), manual())

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.published))
	}
	if got, ok := pub.published[0].(*domain.RunRecord); !ok || got.ID != run.ID {
		t.Errorf("unexpected published payload: %#v", pub.published[0])
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Errors ---

func TestErrors_Messages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
		is   error
	}{
		{"timeout", &StepTimeoutError{Step: "run", Timeout: time.Hour}, "step run: timed out after 1h0m0s", ErrStepTimeout},
		{"exit code", &StepExecutionError{Step: "test", ExitCode: 2}, "step test: exit code 2", ErrStepExecutionFailure},
		{"start error", &StepExecutionError{Step: "deps", ExitCode: -1, Err: errors.New("sh: not found")}, "step deps: sh: not found", ErrStepExecutionFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.want)
			}
			if !errors.Is(tt.err, tt.is) {
				t.Errorf("expected errors.Is(%v)", tt.is)
			}
		})
	}
}
