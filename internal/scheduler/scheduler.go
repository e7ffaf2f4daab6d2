package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultTickInterval = time.Second
	releaseTimeout      = 5 * time.Second
)

// Причины пропуска срабатывания (метка reason метрики TriggersDropped).
const (
	dropReasonRunLimit  = "max_concurrent_runs"
	dropReasonNotLeader = "not_leader"
	dropReasonError     = "error"
)

// Runner выполняет run. Реализуется *runner.Runner.
type Runner interface {
	Execute(ctx context.Context, spec *domain.PipelineSpec, trig domain.Trigger) (*domain.RunRecord, error)
}

// Leader — межпроцессный lock лидерства. Реализуется *repo.AdvisoryLock.
//
// TryAcquire не блокируется: false означает, что lock у другого экземпляра.
// Вызывается перед каждым запуском run, поэтому должен проверять,
// что ранее захваченный lock всё ещё удерживается.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler запускает runs pipeline по cron-расписанию.
//
// Каждый тик проверяет, наступило ли время следующего срабатывания.
// Пропущенные срабатывания не догоняются: после паузы процесса
// выполняется один run за последний пропущенный срок.
//
// Одновременно выполняется не больше MaxConcurrentRuns runs. Срабатывание
// сверх лимита отбрасывается, ручной запуск получает ErrRunLimitReached.
type Scheduler struct {
	spec         *domain.PipelineSpec
	runner       Runner
	leader       Leader
	onAcquire    func(ctx context.Context) error
	logger       *slog.Logger
	schedule     cron.Schedule
	loc          *time.Location
	tickInterval time.Duration

	// slots — семафор активных runs
	slots chan struct{}

	mu      sync.Mutex
	nextDue time.Time
	started bool

	leaderMu sync.Mutex
	isLeader bool

	runCtx     context.Context
	runCancel  context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runs       sync.WaitGroup

	now func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	// Spec — pipeline (обязателен).
	Spec *domain.PipelineSpec

	// Runner выполняет runs (обязателен).
	Runner Runner

	// Leader — lock лидерства для нескольких экземпляров (опционально).
	// Без него экземпляр всегда считается лидером.
	Leader Leader

	// OnAcquire вызывается при переходе экземпляра в лидеры, если у него
	// нет активных runs, до запуска run. Ошибка логируется и не мешает запуску.
	OnAcquire func(ctx context.Context) error

	// TickInterval — период проверки расписания (default: 1s).
	TickInterval time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт Scheduler. Возвращает ErrInvalidSchedule при некорректном расписании.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Spec == nil || cfg.Runner == nil {
		return nil, errors.New("scheduler: spec and runner are required")
	}

	sched, loc, err := ParseSchedule(cfg.Spec.Schedule, cfg.Spec.Timezone)
	if err != nil {
		return nil, err
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := cfg.Spec.MaxConcurrentRuns
	if limit < 1 {
		limit = 1
	}

	return &Scheduler{
		spec:         cfg.Spec,
		runner:       cfg.Runner,
		leader:       cfg.Leader,
		onAcquire:    cfg.OnAcquire,
		logger:       telemetry.WithPipelineID(logger, cfg.Spec.ID),
		schedule:     sched,
		loc:          loc,
		tickInterval: tickInterval,
		slots:        make(chan struct{}, limit),
		now:          time.Now,
	}, nil
}

// Start запускает цикл планировщика.
//
// Runs выполняются с контекстом, не зависящим от ctx: остановка
// процесса не прерывает их сразу, это делает Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}

	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})

	s.nextDue = FirstDue(s.schedule, s.loc, s.now(), s.spec.StartDate)
	s.started = true

	s.logger.Info("scheduler started",
		"schedule", s.spec.Schedule,
		"timezone", s.loc.String(),
		"next_due", s.nextDue,
		"max_concurrent_runs", cap(s.slots),
	)

	go s.loop(loopCtx)
	return nil
}

// loop — цикл тиков.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick выполняет один тик: если срок наступил, запускает run
// и сдвигает срок на следующее срабатывание после текущего времени.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if !s.started || now.Before(s.nextDue) {
		s.mu.Unlock()
		return
	}
	due := LatestDue(s.schedule, s.loc, s.nextDue, now)
	s.nextDue = CalculateNextDue(s.schedule, s.loc, now)
	next := s.nextDue
	s.mu.Unlock()

	logger := s.logger.With("due", due, "next_due", next)

	err := s.dispatch(ctx, domain.ScheduledTrigger(due))
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrRunLimitReached):
		telemetry.TriggersDropped.WithLabelValues(s.spec.ID, dropReasonRunLimit).Inc()
		logger.Warn("schedule trigger dropped: run limit reached", "active_runs", s.ActiveRuns())
	case errors.Is(err, ErrLockHeld):
		telemetry.TriggersDropped.WithLabelValues(s.spec.ID, dropReasonNotLeader).Inc()
		logger.Debug("schedule trigger skipped: not leader")
	default:
		telemetry.TriggersDropped.WithLabelValues(s.spec.ID, dropReasonError).Inc()
		logger.Error("schedule trigger failed", "error", err)
	}
}

// Trigger запускает run вне расписания (ручной запуск).
// Не ждёт завершения run.
func (s *Scheduler) Trigger(ctx context.Context, trig domain.Trigger) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	return s.dispatch(ctx, trig)
}

// dispatch занимает слот и запускает run в отдельной горутине.
func (s *Scheduler) dispatch(ctx context.Context, trig domain.Trigger) error {
	if err := s.ensureLeader(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case s.slots <- struct{}{}:
	default:
		s.mu.Unlock()
		return ErrRunLimitReached
	}
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		defer func() { <-s.slots }()

		run, err := s.runner.Execute(s.runCtx, s.spec, trig)
		if run == nil {
			s.logger.Error("run was not started", "trigger", trig.Kind, "error", err)
			return
		}
		s.logger.Debug("run finished",
			"run_id", run.ID,
			"trigger", trig.Kind,
			"status", run.Status,
		)
	}()

	return nil
}

// ensureLeader проверяет лидерство перед каждым запуском run.
// Lock удерживается до Stop, но может быть потерян вместе с сессией БД.
func (s *Scheduler) ensureLeader(ctx context.Context) error {
	if s.leader == nil {
		return nil
	}

	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()

	ok, err := s.leader.TryAcquire(ctx)
	if err != nil || !ok {
		if s.isLeader {
			s.logger.Warn("lost scheduler leadership", "error", err)
		}
		s.isLeader = false
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		return ErrLockHeld
	}

	if s.isLeader {
		return nil
	}
	s.isLeader = true
	s.logger.Info("acquired scheduler leadership")

	if s.onAcquire != nil && s.ActiveRuns() == 0 {
		if err := s.onAcquire(ctx); err != nil {
			s.logger.Warn("leadership hook failed", "error", err)
		}
	}
	return nil
}

// Stop останавливает цикл и ждёт завершения активных runs.
//
// Если ctx истекает раньше, активные runs отменяются (завершатся с FAILED),
// Stop дожидается их и возвращает ctx.Err().
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping scheduler...", "active_runs", s.ActiveRuns())

	s.loopCancel()
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, cancelling active runs", "active_runs", s.ActiveRuns())
		s.runCancel()
		<-done
		err = ctx.Err()
	}
	s.runCancel()

	s.releaseLeader()
	s.logger.Info("scheduler stopped")
	return err
}

// releaseLeader отпускает lock лидерства, если он был захвачен.
func (s *Scheduler) releaseLeader() {
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()

	if s.leader == nil || !s.isLeader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.leader.Release(ctx); err != nil {
		s.logger.Warn("failed to release leader lock", "error", err)
	}
	s.isLeader = false
}

// NextDue возвращает время следующего срабатывания (UTC).
func (s *Scheduler) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

// ActiveRuns возвращает количество выполняющихся runs.
func (s *Scheduler) ActiveRuns() int {
	return len(s.slots)
}

// IsLeader сообщает, удерживает ли экземпляр lock лидерства.
// Без Leader всегда true.
func (s *Scheduler) IsLeader() bool {
	if s.leader == nil {
		return true
	}
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()
	return s.isLeader
}
