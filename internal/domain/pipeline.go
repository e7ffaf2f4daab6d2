package domain

import "time"

// PipelineDef — декларативное описание pipeline (содержимое YAML-файла).
//
// Это конфигурационная поверхность: шаги могут не задавать retry/timeout,
// тогда значения берутся из Defaults. Итоговый PipelineSpec собирается
// один раз через engine.Build и после этого не меняется.
type PipelineDef struct {
	// ID — идентификатор pipeline (например, "dbt_collectibles").
	ID string `yaml:"id" json:"id"`

	// Description — описание назначения pipeline.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Owner — владелец pipeline.
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`

	// Tags — метки для поиска и группировки.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Schedule — cron-выражение ("0 * * * *") или дескриптор ("@hourly").
	Schedule string `yaml:"schedule" json:"schedule"`

	// Timezone — часовой пояс расписания. По умолчанию: "UTC".
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// StartDate — запуски по расписанию раньше этой даты не выполняются.
	StartDate *time.Time `yaml:"start_date,omitempty" json:"start_date,omitempty"`

	// Catchup — догонять ли пропущенные запуски. Поддерживается только false.
	Catchup bool `yaml:"catchup,omitempty" json:"catchup,omitempty"`

	// MaxConcurrentRuns — максимум одновременно активных runs (>= 1).
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty" json:"max_concurrent_runs,omitempty"`

	// NotifyOnFailure — адреса получателей уведомления о падении run.
	NotifyOnFailure []string `yaml:"notify_on_failure,omitempty" json:"notify_on_failure,omitempty"`

	// NotifyOnRetry — уведомлять ли о каждой повторной попытке шага.
	NotifyOnRetry bool `yaml:"notify_on_retry,omitempty" json:"notify_on_retry,omitempty"`

	// Defaults — настройки по умолчанию для всех шагов.
	Defaults StepDefaults `yaml:"defaults" json:"defaults"`

	// Steps — шаги в порядке выполнения.
	Steps []StepDef `yaml:"steps" json:"steps"`
}

// StepDefaults — настройки по умолчанию для шагов.
type StepDefaults struct {
	// Retries — количество повторных попыток после первой.
	Retries int `yaml:"retries" json:"retries"`

	// RetryDelay — пауза между попытками.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// ExecutionTimeout — таймаут одной попытки.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" json:"execution_timeout"`
}

// StepDef — определение шага в PipelineDef.
// Nil-поля означают "взять из Defaults".
type StepDef struct {
	// Name — уникальное имя шага в рамках pipeline.
	Name string `yaml:"name" json:"name"`

	// Command — shell-команда. Может содержать шаблоны {{ .RunID }} и т.п.
	Command string `yaml:"command" json:"command"`

	// Dir — рабочая директория команды (по умолчанию — директория проекта).
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Env — дополнительные переменные окружения.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Retries переопределяет Defaults.Retries.
	Retries *int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// RetryDelay переопределяет Defaults.RetryDelay.
	RetryDelay *time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`

	// Timeout переопределяет Defaults.ExecutionTimeout.
	Timeout *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// PipelineSpec — собранная спецификация pipeline.
//
// Создаётся один раз при старте процесса и не изменяется.
// Инварианты (проверяются engine.Validate): Steps не пустой,
// имена шагов уникальны, MaxConcurrentRuns >= 1.
type PipelineSpec struct {
	ID                string     `yaml:"id" json:"id"`
	Description       string     `yaml:"description,omitempty" json:"description,omitempty"`
	Owner             string     `yaml:"owner,omitempty" json:"owner,omitempty"`
	Tags              []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	Schedule          string     `yaml:"schedule" json:"schedule"`
	Timezone          string     `yaml:"timezone" json:"timezone"`
	StartDate         *time.Time `yaml:"start_date,omitempty" json:"start_date,omitempty"`
	Catchup           bool       `yaml:"catchup" json:"catchup"`
	MaxConcurrentRuns int        `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	NotifyOnFailure   []string   `yaml:"notify_on_failure,omitempty" json:"notify_on_failure,omitempty"`
	NotifyOnRetry     bool       `yaml:"notify_on_retry" json:"notify_on_retry"`
	Steps             []StepSpec `yaml:"steps" json:"steps"`
}

// StepSpec — шаг с уже применёнными значениями по умолчанию.
type StepSpec struct {
	Name       string            `yaml:"name" json:"name"`
	Command    string            `yaml:"command" json:"command"`
	Dir        string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout"`
	MaxRetries int               `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration     `yaml:"retry_delay" json:"retry_delay"`
}

// MaxAttempts возвращает общее количество попыток (первая + retries).
func (s StepSpec) MaxAttempts() int {
	return s.MaxRetries + 1
}

// StepNames возвращает имена шагов в порядке выполнения.
func (p *PipelineSpec) StepNames() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// Step возвращает шаг по имени.
func (p *PipelineSpec) Step(name string) (StepSpec, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}
