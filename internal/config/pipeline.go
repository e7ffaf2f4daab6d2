package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/engine"
	"github.com/collectibles/dbtflow/internal/scheduler"
)

// DeclaredPipeline возвращает встроенное описание pipeline dbt_collectibles.
//
// Используется, если PIPELINE_FILE не задан. Совпадает с
// pipelines/dbt_collectibles.yaml.
func DeclaredPipeline() *domain.PipelineDef {
	startDate := time.Date(2025, 12, 23, 0, 0, 0, 0, time.UTC)

	return &domain.PipelineDef{
		ID:                "dbt_collectibles",
		Description:       "Run dbt models and tests for the Collectibles data pipeline",
		Owner:             "ryan-gahart",
		Tags:              []string{"dbt", "collectibles", "analytics"},
		Schedule:          "0 * * * *",
		Timezone:          "UTC",
		StartDate:         &startDate,
		Catchup:           false,
		MaxConcurrentRuns: 1,
		NotifyOnFailure:   []string{"airflow-alerts@collectibles.com"},
		NotifyOnRetry:     false,
		Defaults: domain.StepDefaults{
			Retries:          2,
			RetryDelay:       5 * time.Minute,
			ExecutionTimeout: time.Hour,
		},
		Steps: []domain.StepDef{
			{Name: "install_dependencies", Command: "dbt deps"},
			{Name: "check_source_freshness", Command: "dbt source freshness"},
			{Name: "run_models", Command: "dbt run"},
			{Name: "run_tests", Command: "dbt test"},
			{Name: "generate_docs", Command: "dbt docs generate"},
		},
	}
}

// LoadPipelineFile читает описание pipeline из YAML-файла.
func LoadPipelineFile(path string) (*domain.PipelineDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPipelineFile, path, err)
	}

	def, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParsePipeline парсит YAML-описание pipeline. Неизвестные ключи — ошибка.
func ParsePipeline(data []byte) (*domain.PipelineDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def domain.PipelineDef
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrPipelineFile)
		}
		return nil, fmt.Errorf("%w: %v", ErrPipelineFile, err)
	}
	return &def, nil
}

// BuildPipeline собирает и валидирует PipelineSpec.
// Непустой timezone переопределяет часовой пояс из описания.
func BuildPipeline(def *domain.PipelineDef, timezone string) (*domain.PipelineSpec, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: pipeline definition is nil", ErrPipelineFile)
	}

	if timezone != "" {
		cp := *def
		cp.Timezone = timezone
		def = &cp
	}

	spec, err := engine.Build(def)
	if err != nil {
		return nil, err
	}

	if err := scheduler.ValidateSchedule(spec.Schedule, spec.Timezone); err != nil {
		return nil, err
	}
	return spec, nil
}

// MarshalPipeline сериализует описание pipeline в YAML.
func MarshalPipeline(def *domain.PipelineDef) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	return data, nil
}
