// dbtflow-scheduler — запускает pipeline dbt по расписанию.
//
// Scheduler:
//   - Каждую секунду проверяет cron-расписание pipeline
//   - Выполняет шаги последовательно с retry и таймаутом
//   - При падении run отправляет уведомление (log, smtp или amqp)
//   - Хранит историю runs в PostgreSQL (DB_URL) или в памяти
//   - Отдаёт HTTP API: /api/v1/pipeline, /api/v1/runs, /healthz, /metrics
//
// С DB_URL несколько экземпляров могут работать одновременно:
// runs запускает только держатель advisory lock.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collectibles/dbtflow/internal/api"
	"github.com/collectibles/dbtflow/internal/config"
	"github.com/collectibles/dbtflow/internal/mq"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/repo"
	"github.com/collectibles/dbtflow/internal/runner"
	"github.com/collectibles/dbtflow/internal/scheduler"
	"github.com/collectibles/dbtflow/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting dbtflow-scheduler")

	cfg, err := config.FromEnv()
	if err != nil {
		fatal(logger, "invalid configuration", err)
	}

	spec, err := cfg.Pipeline()
	if err != nil {
		fatal(logger, "invalid pipeline", err)
	}
	logger = telemetry.WithPipelineID(logger, spec.ID)
	logger.Info("pipeline loaded",
		"steps", spec.StepNames(),
		"schedule", spec.Schedule,
		"timezone", spec.Timezone,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// История runs и leader lock
	var store repo.RunStore = repo.NewMemoryStore(0)
	var leader scheduler.Leader
	var onAcquire func(context.Context) error

	if cfg.DatabaseURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "failed to connect to database", err)
		}
		defer pool.Close()
		logger.Info("database connected")

		if err := repo.EnsureSchema(ctx, pool); err != nil {
			fatal(logger, "failed to apply schema", err)
		}

		runRepo := repo.NewRunRepo(pool)
		store = runRepo
		leader = repo.NewAdvisoryLock(pool, cfg.LockKey)

		// Зависшие RUNNING закрывает только лидер: у другого экземпляра run может быть живым
		onAcquire = func(ctx context.Context) error {
			n, err := runRepo.FailAbandoned(ctx, spec.ID, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Warn("marked abandoned runs as failed", "count", n)
			}
			return nil
		}
	} else {
		logger.Info("DB_URL not set, keeping run history in memory")
	}

	recorders := []runner.Recorder{store}

	// RabbitMQ: события run.completed и очередь уведомлений
	var alertPublisher notify.AlertPublisher
	if cfg.RabbitMQURL != "" {
		mqConn, err := mq.NewConnection(cfg.RabbitMQURL, "dbtflow-scheduler", logger)
		if err != nil {
			fatal(logger, "failed to connect to RabbitMQ", err)
		}
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			fatal(logger, "failed to setup topology", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		alertPublisher = publisher
		recorders = append(recorders, runner.PublishOnFinish(publisher))
	}

	notifier, err := cfg.Notifier(alertPublisher, logger)
	if err != nil {
		fatal(logger, "failed to create notifier", err)
	}
	logger.Info("notifications configured", "transport", cfg.NotifyTransport)

	r := runner.New(runner.Config{
		Executor:   &runner.ShellExecutor{},
		Notifier:   notifier,
		Recorders:  recorders,
		ProjectDir: cfg.ProjectDir,
		Logger:     logger,
	})

	sched, err := scheduler.New(scheduler.Config{
		Spec:      spec,
		Runner:    r,
		Leader:    leader,
		OnAcquire: onAcquire,
		Logger:    logger,
	})
	if err != nil {
		fatal(logger, "failed to create scheduler", err)
	}

	if err := sched.Start(ctx); err != nil {
		fatal(logger, "failed to start scheduler", err)
	}

	handler := api.NewHandler(api.Config{
		Spec:      spec,
		Store:     store,
		Scheduler: sched,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "shutdown_timeout", cfg.ShutdownTimeout)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	// Активный run получает ShutdownTimeout на завершение, затем отменяется
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stopped with active runs cancelled", "error", err)
	}

	logger.Info("dbtflow-scheduler stopped")
}

// fatal логирует ошибку и завершает процесс.
func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
