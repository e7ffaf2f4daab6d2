package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/collectibles/dbtflow/internal/domain"
)

// defaultTimezone — часовой пояс расписания, если не задан.
const defaultTimezone = "UTC"

// Build собирает PipelineSpec из декларативного PipelineDef.
//
// Для каждого шага значения retries/retry_delay/timeout берутся из
// StepDef, а если они не заданы — из PipelineDef.Defaults.
// Срезы и map копируются, поэтому изменение def после Build
// не влияет на результат.
//
// Результат проходит Validate.
func Build(def *domain.PipelineDef) (*domain.PipelineSpec, error) {
	if def == nil {
		return nil, NewValidationError("", "steps", "pipeline definition is nil", ErrEmptySteps)
	}

	spec := &domain.PipelineSpec{
		ID:                def.ID,
		Description:       def.Description,
		Owner:             def.Owner,
		Tags:              slices.Clone(def.Tags),
		Schedule:          def.Schedule,
		Timezone:          def.Timezone,
		StartDate:         def.StartDate,
		Catchup:           def.Catchup,
		MaxConcurrentRuns: def.MaxConcurrentRuns,
		NotifyOnFailure:   slices.Clone(def.NotifyOnFailure),
		NotifyOnRetry:     def.NotifyOnRetry,
		Steps:             make([]domain.StepSpec, 0, len(def.Steps)),
	}

	if spec.Timezone == "" {
		spec.Timezone = defaultTimezone
	}
	if spec.MaxConcurrentRuns == 0 {
		spec.MaxConcurrentRuns = 1
	}

	for _, sd := range def.Steps {
		spec.Steps = append(spec.Steps, resolveStep(sd, def.Defaults))
	}

	if err := Validate(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

// resolveStep применяет значения по умолчанию к одному шагу.
func resolveStep(sd domain.StepDef, defaults domain.StepDefaults) domain.StepSpec {
	step := domain.StepSpec{
		Name:       sd.Name,
		Command:    sd.Command,
		Dir:        sd.Dir,
		Env:        maps.Clone(sd.Env),
		Timeout:    defaults.ExecutionTimeout,
		MaxRetries: defaults.Retries,
		RetryDelay: defaults.RetryDelay,
	}

	if sd.Timeout != nil {
		step.Timeout = *sd.Timeout
	}
	if sd.Retries != nil {
		step.MaxRetries = *sd.Retries
	}
	if sd.RetryDelay != nil {
		step.RetryDelay = *sd.RetryDelay
	}

	return step
}

// Validate выполняет полную валидацию PipelineSpec.
//
// Проверяет:
// - Наличие ID и шагов
// - Уникальность имён шагов
// - Наличие команды, положительный таймаут, неотрицательные retries
// - max_concurrent_runs >= 1
func Validate(spec *domain.PipelineSpec) error {
	if spec == nil || len(spec.Steps) == 0 {
		return NewValidationError("", "steps", "pipeline has no steps", ErrEmptySteps)
	}

	if spec.ID == "" {
		return NewValidationError("", "id", "pipeline has empty ID", ErrEmptyPipelineID)
	}

	if spec.MaxConcurrentRuns < 1 {
		return NewValidationError("", "max_concurrent_runs",
			fmt.Sprintf("max_concurrent_runs is %d", spec.MaxConcurrentRuns), ErrInvalidConcurrency)
	}

	if spec.Catchup {
		return NewValidationError("", "catchup", "catchup runs are not supported", ErrCatchupUnsupported)
	}

	names := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		if err := ValidateStep(&spec.Steps[i], names); err != nil {
			return err
		}
	}

	return nil
}

// ValidateStep валидирует один шаг.
// names — уже встреченные имена шагов (для проверки уникальности).
func ValidateStep(step *domain.StepSpec, names map[string]bool) error {
	if step.Name == "" {
		return NewValidationError("", "name", "step has empty name", ErrEmptyStepName)
	}

	if names[step.Name] {
		return NewValidationError(step.Name, "name",
			fmt.Sprintf("duplicate step name: %s", step.Name), ErrDuplicateStepName)
	}
	names[step.Name] = true

	if step.Command == "" {
		return NewValidationError(step.Name, "command", "step has empty command", ErrEmptyCommand)
	}

	if err := ValidateTemplate(step.Command); err != nil {
		return NewValidationError(step.Name, "command", err.Error(), ErrTemplateParse)
	}

	if step.Timeout <= 0 {
		return NewValidationError(step.Name, "timeout",
			fmt.Sprintf("timeout is %s", step.Timeout), ErrInvalidTimeout)
	}

	if step.MaxRetries < 0 {
		return NewValidationError(step.Name, "retries",
			fmt.Sprintf("retries is %d", step.MaxRetries), ErrNegativeRetries)
	}

	if step.RetryDelay < 0 {
		return NewValidationError(step.Name, "retry_delay",
			fmt.Sprintf("retry delay is %s", step.RetryDelay), ErrNegativeRetryDelay)
	}

	return nil
}
