// Package scheduler запускает runs pipeline по расписанию.
//
// Структура:
//   - scheduler.go — цикл тиков, лимит параллельных runs, ручной запуск
//   - cron.go      — парсинг cron-выражений и вычисление следующего срока
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Spec:   spec,
//	    Runner: runner.New(runnerCfg),
//	    Leader: repo.NewAdvisoryLock(pool, lockKey), // опционально
//	    Logger: logger,
//	})
//	if err := sched.Start(ctx); err != nil { ... }
//	defer sched.Stop(shutdownCtx)
//
// Leader Election:
//
// При нескольких экземплярах срабатывания обрабатывает только владелец
// pg_try_advisory_lock. Остальные пропускают тики, пока lock занят.
package scheduler
