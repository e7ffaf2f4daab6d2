package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/repo"
)

// Scheduler — планировщик, которым управляет API. Реализуется *scheduler.Scheduler.
type Scheduler interface {
	Trigger(ctx context.Context, trig domain.Trigger) error
	NextDue() time.Time
	ActiveRuns() int
	IsLeader() bool
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	spec      *domain.PipelineSpec
	store     repo.RunStore
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	// Spec — обслуживаемый pipeline.
	Spec *domain.PipelineSpec

	// Store — история runs.
	Store repo.RunStore

	// Scheduler — для ручного запуска и статуса. Nil — только чтение истории.
	Scheduler Scheduler

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		spec:      cfg.Spec,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		logger:    logger,
		now:       time.Now,
	}
}
