package runner

import (
	"context"

	"github.com/collectibles/dbtflow/internal/domain"
)

// Executor — интерфейс для запуска команды шага.
//
// step.Command уже отрендерен, step.Dir и step.Env заполнены.
// ctx несёт дедлайн, выставленный из StepSpec.Timeout: по его истечении
// Executor обязан прервать команду и вернуться.
//
// Ненулевой ExitCode — логическая ошибка шага, error — команда не дошла
// до кода выхода (не запустилась, отменена).
type Executor interface {
	Execute(ctx context.Context, step *domain.StepSpec) (*ExecutionResult, error)
}

// ExecutionResult — результат одной попытки.
type ExecutionResult struct {
	// ExitCode — код выхода команды. 0 — успех.
	ExitCode int

	// Output — хвост объединённого stdout/stderr.
	Output string
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, step *domain.StepSpec) (*ExecutionResult, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, step *domain.StepSpec) (*ExecutionResult, error) {
	return f(ctx, step)
}
