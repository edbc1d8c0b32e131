package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
)

const defaultPrefetch = 1

// Metrics — метрики обработки заявок.
type Metrics interface {
	SubmissionProcessed(result string)
}

type noopMetrics struct{}

func (noopMetrics) SubmissionProcessed(string) {}

// Worker выполняет job, отправленные в очередь jobs.submitted.
//
// Worker не хранит состояния: job восстанавливается из заявки через
// реестр, метаданные пишутся в общий корень результатов. Несколько
// экземпляров могут потреблять из одной очереди.
type Worker struct {
	registry *engine.Registry
	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int
	metrics  Metrics
	logger   *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Registry — реестр workflow, из которого восстанавливаются job.
	Registry *engine.Registry

	// Conn — соединение с RabbitMQ.
	Conn *mq.Connection

	// Prefetch — число заявок, выполняемых одновременно (default: 1).
	Prefetch int

	// Metrics — метрики (опционально).
	Metrics Metrics

	// Logger — логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics Metrics = noopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	return &Worker{
		registry: cfg.Registry,
		conn:     cfg.Conn,
		prefetch: prefetch,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start запускает consumer очереди jobs.submitted.
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"root", w.registry.Root(),
		"prefetch", w.prefetch,
	)

	w.consumer = mq.NewConsumer(w.conn, mq.ConsumerConfig{
		Queue:    mq.QueueJobsSubmitted,
		Handler:  w.handleSubmitted,
		Prefetch: w.prefetch,
		Logger:   w.logger,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("submission consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих заявок.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
