package runner

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/engine"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultNotifyTimeout = 30 * time.Second
	defaultRecordTimeout = 10 * time.Second
)

// Recorder сохраняет состояние run.
//
// Вызывается синхронно при старте run, после каждого шага и при
// завершении. Реализация не должна удерживать указатель: после возврата
// run продолжает изменяться.
type Recorder interface {
	Record(ctx context.Context, run *domain.RunRecord) error
}

// RecorderFunc позволяет использовать функцию как Recorder.
type RecorderFunc func(ctx context.Context, run *domain.RunRecord) error

// Record вызывает f.
func (f RecorderFunc) Record(ctx context.Context, run *domain.RunRecord) error {
	return f(ctx, run)
}

// RunPublisher публикует событие о завершении run. Реализуется *mq.Publisher.
type RunPublisher interface {
	PublishRunCompleted(ctx context.Context, run any) error
}

// PublishOnFinish возвращает Recorder, публикующий только завершённые runs.
func PublishOnFinish(p RunPublisher) Recorder {
	return RecorderFunc(func(ctx context.Context, run *domain.RunRecord) error {
		if !run.IsFinished() {
			return nil
		}
		return p.PublishRunCompleted(ctx, run)
	})
}

// Runner выполняет шаги pipeline строго последовательно.
//
// Для каждого шага:
//   - рендерит шаблон команды
//   - запускает Executor с дедлайном StepSpec.Timeout
//   - при неудаче повторяет до MaxRetries раз с паузой RetryDelay
//   - при исчерпании попыток останавливает run (fail-fast)
//
// Runner не хранит состояния между runs и может использоваться
// из нескольких горутин одновременно. Ограничение числа параллельных
// runs — задача планировщика.
type Runner struct {
	executor   Executor
	notifier   notify.Notifier
	recorders  []Recorder
	projectDir string
	env        map[string]string
	logger     *slog.Logger

	notifyTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config — конфигурация Runner.
type Config struct {
	// Executor запускает команды (default: &ShellExecutor{}).
	Executor Executor

	// Notifier доставляет уведомления о падении (опционально).
	Notifier notify.Notifier

	// Recorders получают состояние run (опционально).
	Recorders []Recorder

	// ProjectDir — рабочая директория для шагов без Dir.
	ProjectDir string

	// Env — переменные, доступные в шаблонах как {{ .Env.X }}.
	// Если nil, используется окружение процесса.
	Env map[string]string

	// NotifyTimeout — таймаут доставки одного уведомления (default: 30s).
	NotifyTimeout time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Runner.
func New(cfg Config) *Runner {
	executor := cfg.Executor
	if executor == nil {
		executor = &ShellExecutor{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	return &Runner{
		executor:      executor,
		notifier:      cfg.Notifier,
		recorders:     cfg.Recorders,
		projectDir:    cfg.ProjectDir,
		env:           cfg.Env,
		logger:        logger,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
		sleep:         sleepContext,
	}
}

// Execute выполняет один run pipeline.
//
// Невалидный spec возвращает nil и *engine.ValidationError, run не создаётся.
// Иначе всегда возвращает run в терминальном статусе. Ошибка —
// *RunFailedError, если run завершился с FAILED.
//
// Отмена ctx прерывает текущую попытку без повторов: run завершается
// с FAILED, уведомление отправляется.
func (r *Runner) Execute(ctx context.Context, spec *domain.PipelineSpec, trig domain.Trigger) (*domain.RunRecord, error) {
	if err := engine.Validate(spec); err != nil {
		return nil, err
	}

	steps := slices.Clone(spec.Steps)
	run := domain.NewRunRecord(spec.ID, trig, r.now())

	logger := telemetry.WithRunID(telemetry.WithPipelineID(r.logger, spec.ID), run.ID.String())
	ctx = telemetry.WithLogger(ctx, logger)

	tctx := engine.NewContext(run.ID.String(), spec.ID, trig.LogicalTime)
	if r.env != nil {
		for k, v := range r.env {
			tctx.SetEnv(k, v)
		}
	} else {
		tctx.LoadEnv()
	}

	active := telemetry.ActiveRuns.WithLabelValues(spec.ID)
	active.Inc()
	defer active.Dec()

	logger.Info("run started",
		"trigger", trig.Kind,
		"logical_time", trig.LogicalTime,
		"steps", len(steps),
	)
	r.record(ctx, run)

	var failure *RunFailedError
	for i := range steps {
		step := &steps[i]

		result, err := r.runStep(ctx, spec, run, step, tctx)
		run.AppendStep(result)
		r.record(ctx, run)

		if err != nil {
			failure = &RunFailedError{
				RunID:    run.ID,
				Step:     step.Name,
				Attempts: result.Attempts,
				Err:      err,
			}
			break
		}
	}

	if failure == nil {
		run.MarkSucceeded(r.now())
	} else {
		run.MarkFailed(r.now(), failure.Error())
	}

	telemetry.RunsTotal.WithLabelValues(spec.ID, string(run.Status)).Inc()
	telemetry.RunDuration.WithLabelValues(spec.ID, string(run.Status)).Observe(run.Duration().Seconds())
	r.record(ctx, run)

	if failure != nil {
		logger.Error("run failed",
			"step", failure.Step,
			"attempts", failure.Attempts,
			"duration", run.Duration(),
			"error", failure.Err,
		)
		r.notifyFailure(ctx, spec, run)
		return run, failure
	}

	logger.Info("run succeeded", "duration", run.Duration())
	return run, nil
}

// runStep выполняет шаг с retry. Возвращает итог шага и ошибку
// последней попытки, если попытки исчерпаны.
func (r *Runner) runStep(ctx context.Context, spec *domain.PipelineSpec, run *domain.RunRecord, step *domain.StepSpec, tctx *engine.Context) (domain.StepResult, error) {
	logger := telemetry.WithStep(telemetry.FromContext(ctx), step.Name)
	maxAttempts := step.MaxAttempts()

	result := domain.StepResult{
		Name:      step.Name,
		StartedAt: r.now(),
		ExitCode:  -1,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		logger.Info("step attempt started", "attempt", attempt, "max_attempts", maxAttempts)

		res, err := r.attempt(ctx, spec.ID, step, tctx.ForStep(step.Name, attempt))
		if res != nil {
			result.ExitCode = res.ExitCode
			result.OutputTail = res.Output
		}
		telemetry.StepAttemptsTotal.WithLabelValues(spec.ID, step.Name, attemptLabel(err)).Inc()

		if err == nil {
			result.Outcome = domain.StepSucceeded
			result.FinishedAt = r.now()
			result.Error = ""
			logger.Info("step succeeded", "attempt", attempt, "duration", result.Duration())
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			logger.Warn("step aborted", "attempt", attempt, "error", err)
			break
		}
		if attempt == maxAttempts {
			logger.Warn("step attempt failed, no retries left", "attempt", attempt, "error", err)
			break
		}

		logger.Warn("step attempt failed, retrying",
			"attempt", attempt,
			"delay", step.RetryDelay,
			"error", err,
		)
		if spec.NotifyOnRetry {
			r.deliver(ctx, r.buildAlert(notify.KindRetry, spec, run, step.Name, err.Error(), attempt, maxAttempts, result.OutputTail))
		}

		if err := r.sleep(ctx, step.RetryDelay); err != nil {
			logger.Warn("retry wait interrupted", "error", err)
			break
		}
	}

	result.Outcome = domain.StepFailed
	result.FinishedAt = r.now()
	result.Error = lastErr.Error()
	return result, lastErr
}

// attempt выполняет одну попытку шага с таймаутом.
func (r *Runner) attempt(ctx context.Context, pipelineID string, step *domain.StepSpec, tctx *engine.Context) (*ExecutionResult, error) {
	command, err := engine.Render(step.Command, tctx)
	if err != nil {
		return nil, &StepExecutionError{Step: step.Name, ExitCode: -1, Err: err}
	}

	prepared := *step
	prepared.Command = command
	if prepared.Dir == "" {
		prepared.Dir = r.projectDir
	}
	prepared.Env = stepEnv(step.Env, tctx)

	actx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	start := r.now()
	res, err := r.executor.Execute(actx, &prepared)
	telemetry.StepDuration.WithLabelValues(pipelineID, step.Name).Observe(r.now().Sub(start).Seconds())

	if err == nil && (res == nil || res.ExitCode == 0) {
		return res, nil
	}

	// Дедлайн попытки истёк, а родительский ctx жив — это таймаут шага
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return res, &StepTimeoutError{Step: step.Name, Timeout: step.Timeout}
	}

	if err != nil {
		return res, &StepExecutionError{Step: step.Name, ExitCode: -1, Err: err}
	}
	return res, &StepExecutionError{Step: step.Name, ExitCode: res.ExitCode}
}

// stepEnv добавляет к окружению шага переменные DBTFLOW_*.
func stepEnv(base map[string]string, tctx *engine.Context) map[string]string {
	env := make(map[string]string, len(base)+5)
	for k, v := range base {
		env[k] = v
	}
	env["DBTFLOW_RUN_ID"] = tctx.RunID
	env["DBTFLOW_PIPELINE_ID"] = tctx.PipelineID
	env["DBTFLOW_STEP"] = tctx.Step
	env["DBTFLOW_ATTEMPT"] = strconv.Itoa(tctx.Attempt)
	env["DBTFLOW_LOGICAL_DATE"] = tctx.LogicalDate()
	return env
}

// attemptLabel — значение метки result для StepAttemptsTotal.
func attemptLabel(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrStepTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// notifyFailure отправляет уведомление о падении run.
func (r *Runner) notifyFailure(ctx context.Context, spec *domain.PipelineSpec, run *domain.RunRecord) {
	step, ok := run.FailedStep()
	if !ok {
		return
	}

	maxAttempts := step.Attempts
	if s, found := spec.Step(step.Name); found {
		maxAttempts = s.MaxAttempts()
	}

	r.deliver(ctx, r.buildAlert(notify.KindFailure, spec, run, step.Name, step.Error, step.Attempts, maxAttempts, step.OutputTail))
}

func (r *Runner) buildAlert(kind notify.Kind, spec *domain.PipelineSpec, run *domain.RunRecord, step, reason string, attempt, maxAttempts int, output string) notify.Alert {
	return notify.Alert{
		Kind:        kind,
		Recipients:  slices.Clone(spec.NotifyOnFailure),
		PipelineID:  spec.ID,
		RunID:       run.ID,
		Step:        step,
		Reason:      reason,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		LogicalTime: run.Trigger.LogicalTime,
		StartedAt:   run.StartedAt,
		OutputTail:  output,
	}
}

// deliver отправляет уведомление. Ошибка доставки логируется, повторов нет.
// Отмена ctx не прерывает доставку: уведомление о падении из-за
// остановки процесса тоже должно уйти.
func (r *Runner) deliver(ctx context.Context, alert notify.Alert) {
	logger := telemetry.FromContext(ctx)

	if r.notifier == nil || len(alert.Recipients) == 0 {
		logger.Debug("notification skipped", "kind", alert.Kind, "step", alert.Step)
		return
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
	defer cancel()

	if err := r.notifier.Notify(nctx, alert); err != nil {
		telemetry.NotificationsTotal.WithLabelValues(string(alert.Kind), "error").Inc()
		logger.Error("failed to deliver notification",
			"kind", alert.Kind,
			"step", alert.Step,
			"recipients", alert.Recipients,
			"error", err,
		)
		return
	}

	telemetry.NotificationsTotal.WithLabelValues(string(alert.Kind), "sent").Inc()
	logger.Info("notification sent", "kind", alert.Kind, "step", alert.Step)
}

// record передаёт состояние run всем Recorder'ам.
func (r *Runner) record(ctx context.Context, run *domain.RunRecord) {
	if len(r.recorders) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRecordTimeout)
	defer cancel()

	for _, rec := range r.recorders {
		if err := rec.Record(rctx, run); err != nil {
			telemetry.FromContext(ctx).Warn("failed to record run",
				"status", run.Status,
				"error", err,
			)
		}
	}
}

// sleepContext ждёт d или отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
