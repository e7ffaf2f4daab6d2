package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collectibles/dbtflow/internal/domain"
)

// Лимиты выборки List.
const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	PipelineID string
	Status     domain.RunStatus
	Limit      int
	Offset     int
}

// normalize применяет лимиты по умолчанию.
func (f RunFilter) normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// RunStore — хранилище истории runs.
//
// Реализации: RunRepo (PostgreSQL), MemoryStore (в памяти процесса).
// Record реализует runner.Recorder.
type RunStore interface {
	Record(ctx context.Context, run *domain.RunRecord) error
	Get(ctx context.Context, id uuid.UUID) (*domain.RunRecord, error)
	List(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
}

// RunRepo — история runs в PostgreSQL.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Record сохраняет состояние run (upsert по ID).
// Запись в терминальном статусе больше не меняется.
func (r *RunRepo) Record(ctx context.Context, run *domain.RunRecord) error {
	stepsJSON, err := json.Marshal(run.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}

	query := `
		INSERT INTO pipeline_runs (id, pipeline_id, trigger_kind, logical_time, status,
		                           started_at, finished_at, completed_steps, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status          = EXCLUDED.status,
		    finished_at     = EXCLUDED.finished_at,
		    completed_steps = EXCLUDED.completed_steps,
		    error           = EXCLUDED.error,
		    updated_at      = now()
		WHERE pipeline_runs.status = 'RUNNING'
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.PipelineID,
		string(run.Trigger.Kind),
		run.Trigger.LogicalTime,
		string(run.Status),
		run.StartedAt,
		run.FinishedAt,
		stepsJSON,
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// Get возвращает run по ID.
func (r *RunRepo) Get(ctx context.Context, id uuid.UUID) (*domain.RunRecord, error) {
	query := `
		SELECT id, pipeline_id, trigger_kind, logical_time, status,
		       started_at, finished_at, completed_steps, error
		FROM pipeline_runs
		WHERE id = $1
	`
	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List возвращает runs, новые первыми.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error) {
	filter = filter.normalize()

	query := `
		SELECT id, pipeline_id, trigger_kind, logical_time, status,
		       started_at, finished_at, completed_steps, error
		FROM pipeline_runs
		WHERE ($1::text IS NULL OR pipeline_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.PipelineID),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// FailAbandoned переводит в FAILED runs, оставшиеся в RUNNING после
// аварийной остановки процесса. Вызывается, когда экземпляр становится
// лидером и у него нет активных runs.
// Возвращает количество исправленных записей.
func (r *RunRepo) FailAbandoned(ctx context.Context, pipelineID string, now time.Time) (int64, error) {
	query := `
		UPDATE pipeline_runs
		SET status = 'FAILED', finished_at = $2, error = 'abandoned: scheduler stopped while run was active',
		    updated_at = now()
		WHERE pipeline_id = $1 AND status = 'RUNNING'
	`
	result, err := r.pool.Exec(ctx, query, pipelineID, now)
	if err != nil {
		return 0, fmt.Errorf("fail abandoned runs: %w", err)
	}
	return result.RowsAffected(), nil
}

// --- Helpers ---

// scanRun сканирует строку в RunRecord. pgx.Row покрывает и QueryRow, и Rows.
func scanRun(row pgx.Row) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var triggerKind, status string
	var stepsJSON []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.PipelineID,
		&triggerKind,
		&run.Trigger.LogicalTime,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&stepsJSON,
		&runError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Trigger.Kind = domain.TriggerKind(triggerKind)
	run.Status = domain.ParseRunStatus(status)

	run.CompletedSteps = make([]domain.StepResult, 0)
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &run.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal completed steps: %w", err)
		}
	}

	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
