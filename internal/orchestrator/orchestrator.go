package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
)

// DefaultTick — интервал цикла диспетчеризации по умолчанию.
const DefaultTick = time.Second

// DeployLocal — правило deploy для запуска в горутине этого процесса.
const DeployLocal = "local"

// Metrics — хуки метрик оркестратора. Реализуется *telemetry.Metrics.
type Metrics interface {
	BatchDispatched(deploy string)
	BatchFinished(deploy string)
	BatchFailed(deploy string)
	BatchRetried()
	ResourceReserved(resource string, amount float64)
}

type noopMetrics struct{}

func (noopMetrics) BatchDispatched(string)           {}
func (noopMetrics) BatchFinished(string)             {}
func (noopMetrics) BatchFailed(string)               {}
func (noopMetrics) BatchRetried()                    {}
func (noopMetrics) ResourceReserved(string, float64) {}

// Config — конфигурация Orchestrator.
type Config struct {
	// Rules — документ правил (nil — без цепочек и ограничений).
	Rules *rules.Document

	// Systems — внешние batch-системы по имени правила deploy.
	Systems *batch.Registry

	// Capacities — ёмкость ресурсов; по умолчанию default_resources документа.
	Capacities map[string]float64

	// Tick — интервал цикла (default: 1s).
	Tick time.Duration

	// CleanFailed — очищать упавшие job перед запуском.
	CleanFailed bool

	// Metrics — хуки метрик (nil — без метрик).
	Metrics Metrics

	// Logger
	Logger *slog.Logger
}

// Orchestrator доводит job до завершения в рамках бюджета ресурсов.
type Orchestrator struct {
	doc         *rules.Document
	systems     *batch.Registry
	capacity    Resources
	tick        time.Duration
	cleanFailed bool
	metrics     Metrics
	logger      *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics Metrics = noopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	capacity := Resources(cfg.Capacities)
	if capacity == nil && cfg.Rules != nil {
		capacity = Resources(cfg.Rules.Capacities())
	}
	if capacity == nil {
		capacity = Resources{}
	}

	systems := cfg.Systems
	if systems == nil {
		systems = batch.NewRegistry()
	}

	return &Orchestrator{
		doc:         cfg.Rules,
		systems:     systems,
		capacity:    capacity,
		tick:        tick,
		cleanFailed: cfg.CleanFailed,
		metrics:     metrics,
		logger:      logger,
	}
}

// Plan строит граф нагрузки и batch для seeds, ничего не запуская.
func (o *Orchestrator) Plan(seeds []*engine.Job) ([]*Batch, error) {
	_, batches, err := o.plan(seeds)
	return batches, err
}

// Request возвращает запрос ресурсов batch по ёмкости оркестратора.
func (o *Orchestrator) Request(b *Batch) Resources {
	return Request(b.Rules, o.capacity)
}

func (o *Orchestrator) plan(seeds []*engine.Job) (Workload, []*Batch, error) {
	w := WorkloadGraph(seeds)
	batches, err := JobBatches(w, seeds, o.doc)
	if err != nil {
		return nil, nil, err
	}
	return w, batches, nil
}

// ProcessJobs выполняет seeds и все их незавершённые зависимости.
//
// Возвращает nil, если все batch завершены; первую окончательную
// ошибку batch, если такие есть; ErrNoWork, если граф застрял без
// ошибок. Верхние job всех batch перед возвратом присоединяются
// (ошибки присоединения только логируются).
func (o *Orchestrator) ProcessJobs(ctx context.Context, seeds []*engine.Job) error {
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	if o.cleanFailed {
		o.cleanFailedJobs(ctx, seeds)
	}

	w, batches, err := o.plan(seeds)
	if err != nil {
		return err
	}
	st := newRunState(w, batches, o.capacity)

	o.logger.Info("processing jobs",
		"seeds", len(seeds),
		"jobs", len(w),
		"batches", len(batches),
	)

	runCtx, cancel := context.WithCancel(ctx)
	loopErr := o.loop(runCtx, st)
	cancel()
	st.wg.Wait()

	o.joinAll(ctx, st)

	stats := st.stats()
	o.logger.Info("processing finished",
		"batches", stats.Batches,
		"done", stats.Done,
		"failed", stats.Failed,
		"retried", stats.Retried,
		"blocked", stats.Blocked,
	)

	if loopErr != nil && !errors.Is(loopErr, ErrNoWork) {
		return loopErr
	}
	if err := st.firstFailure(); err != nil {
		return err
	}
	return loopErr
}

// loop — цикл диспетчеризации.
func (o *Orchestrator) loop(ctx context.Context, st *runState) error {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for !st.finished() {
		switch res := o.step(ctx, st); res.kind {
		case tickRetry:
			continue
		case tickNoWork:
			blocked := st.stats().Blocked
			o.logger.Warn("no work left", "blocked", blocked)
			return fmt.Errorf("%w: %d batches blocked", ErrNoWork, blocked)
		}

		if st.finished() {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-st.wake:
		}
	}
	return nil
}

// joinAll присоединяет верхние job всех batch.
func (o *Orchestrator) joinAll(ctx context.Context, st *runState) {
	for _, b := range st.batches {
		if !st.resolved(b) || !b.Top.Status().IsTerminal() {
			continue
		}
		if err := b.Top.Join(ctx); err != nil {
			o.logger.Warn("join failed", "batch", b.ID, "error", err)
		}
	}
}

// cleanFailedJobs очищает упавшие job графа seeds.
func (o *Orchestrator) cleanFailedJobs(ctx context.Context, seeds []*engine.Job) {
	for _, j := range WorkloadGraph(seeds).Jobs() {
		if !j.Status().IsFailed() {
			continue
		}
		if err := j.Clean(ctx); err != nil {
			o.logger.Warn("clean failed job", "job", j.Identity(), "error", err)
			continue
		}
		o.logger.Info("failed job cleaned", "job", j.Identity())
	}
}
