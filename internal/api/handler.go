package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/repo"
)

// JobLister — источник записей индекса job.
type JobLister interface {
	List(ctx context.Context, status domain.JobStatus, limit int) ([]repo.IndexEntry, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	registry *engine.Registry
	index    JobLister
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	// Registry — реестр workflow и job.
	Registry *engine.Registry

	// Index — индекс job (опционально; без него /jobs отвечает 503).
	Index JobLister

	// Logger — логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: cfg.Registry,
		index:    cfg.Index,
		logger:   logger,
	}
}
