// Package runner выполняет runs pipeline.
//
// Runner проходит по шагам PipelineSpec в объявленном порядке. Шаг
// успешен, если команда завершилась с кодом 0 до истечения таймаута.
// Таймаут и ненулевой код считаются одинаково: попытка неудачна.
// После MaxRetries повторов шаг помечается FAILED и run
// останавливается, оставшиеся шаги не запускаются.
//
// Таксономия ошибок:
//   - StepTimeoutError (ErrStepTimeout)
//   - StepExecutionError (ErrStepExecutionFailure)
//   - RunFailedError (ErrRunFailed), оборачивает ошибку последней попытки
//
// Команды запускает Executor. ShellExecutor использует "sh -c" и
// передаёт шагу переменные DBTFLOW_RUN_ID, DBTFLOW_PIPELINE_ID,
// DBTFLOW_STEP, DBTFLOW_ATTEMPT, DBTFLOW_LOGICAL_DATE.
package runner
