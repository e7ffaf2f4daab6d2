package engine

import "errors"

// ErrInvalidPipeline — общая ошибка невалидного pipeline.
// Все ошибки валидации ниже оборачиваются в ValidationError,
// errors.Is(err, ErrInvalidPipeline) срабатывает для любой из них.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// Ошибки валидации PipelineSpec.
var (
	// ErrEmptySteps — pipeline не содержит шагов.
	ErrEmptySteps = errors.New("pipeline has no steps")

	// ErrEmptyPipelineID — pipeline не имеет ID.
	ErrEmptyPipelineID = errors.New("pipeline has empty ID")

	// ErrEmptyStepName — шаг не имеет имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrDuplicateStepName — несколько шагов с одинаковым именем.
	ErrDuplicateStepName = errors.New("duplicate step name")

	// ErrEmptyCommand — шаг без команды.
	ErrEmptyCommand = errors.New("step has empty command")

	// ErrInvalidTimeout — таймаут шага не положительный.
	ErrInvalidTimeout = errors.New("step timeout must be positive")

	// ErrNegativeRetries — отрицательное количество retry.
	ErrNegativeRetries = errors.New("step retries must not be negative")

	// ErrNegativeRetryDelay — отрицательная пауза между попытками.
	ErrNegativeRetryDelay = errors.New("step retry delay must not be negative")

	// ErrInvalidConcurrency — max_concurrent_runs меньше 1.
	ErrInvalidConcurrency = errors.New("max_concurrent_runs must be at least 1")

	// ErrCatchupUnsupported — catchup=true не поддерживается.
	ErrCatchupUnsupported = errors.New("catchup is not supported")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку и ErrInvalidPipeline.
func (e *ValidationError) Unwrap() []error {
	return []error{e.Err, ErrInvalidPipeline}
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
