package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ошибки выполнения.
var (
	// ErrStepTimeout — попытка шага не уложилась в таймаут.
	ErrStepTimeout = errors.New("step timed out")

	// ErrStepExecutionFailure — команда шага завершилась с ненулевым кодом
	// или не смогла запуститься.
	ErrStepExecutionFailure = errors.New("step execution failed")

	// ErrRunFailed — шаг исчерпал все попытки, run остановлен.
	ErrRunFailed = errors.New("run failed")
)

// StepTimeoutError — попытка шага превысила Timeout.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s: timed out after %s", e.Step, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error {
	return ErrStepTimeout
}

// StepExecutionError — команда шага завершилась неудачно.
//
// ExitCode = -1, если процесс не запустился или был убит.
// Err — причина, если команда не дошла до кода выхода.
type StepExecutionError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s: exit code %d", e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStepExecutionFailure}
	}
	return []error{ErrStepExecutionFailure, e.Err}
}

// RunFailedError — терминальная ошибка run.
// Оборачивает ошибку последней попытки упавшего шага.
type RunFailedError struct {
	RunID    uuid.UUID
	Step     string
	Attempts int
	Err      error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed at step %s after %d attempt(s): %v", e.RunID, e.Step, e.Attempts, e.Err)
}

func (e *RunFailedError) Unwrap() []error {
	return []error{ErrRunFailed, e.Err}
}
