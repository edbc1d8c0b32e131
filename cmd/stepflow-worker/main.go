// Stepflow Worker — исполняет заявки из RabbitMQ.
//
// Worker:
//   - Получает submission из очереди jobs.submitted
//   - Восстанавливает job в общем корне результатов и выполняет его
//   - Состояние job пишет в файлы метаданных (и в индекс Postgres, если задан)
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stepflow/internal/api"
	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/repo"
	"github.com/shaiso/Stepflow/internal/steps"
	"github.com/shaiso/Stepflow/internal/telemetry"
	"github.com/shaiso/Stepflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "config file")
	flag.Parse()

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(os.Stderr)
	logger.Info("starting stepflow-worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	registry := engine.NewRegistry(engine.Config{
		Root:         cfg.Root,
		CheckUpdated: cfg.CheckUpdated,
		Observers:    []engine.Observer{metrics},
		Logger:       logger,
	})
	if err := steps.Register(registry, steps.Config{}); err != nil {
		logger.Error("failed to register workflows", "error", err)
		os.Exit(1)
	}

	// Индекс job (опционально)
	var index api.JobLister
	pool, err := repo.NewPool(ctx, cfg.DB.URL)
	switch {
	case errors.Is(err, repo.ErrIndexDisabled):
		logger.Info("job index disabled")
	case err != nil:
		logger.Warn("job index unavailable", "error", err)
	default:
		defer pool.Close()
		jobIndex := repo.NewJobIndex(pool)
		if err := jobIndex.EnsureSchema(ctx); err != nil {
			logger.Warn("failed to ensure index schema", "error", err)
		} else {
			registry.AddObserver(jobIndex)
			index = jobIndex
			logger.Info("job index enabled")
		}
	}

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.AMQP.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		Registry: registry,
		Conn:     mqConn,
		Prefetch: cfg.AMQP.Prefetch,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics + /api/v1
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.NewHandler(api.Config{Registry: registry, Index: index, Logger: logger}).RegisterRoutes(mux)

	addr := cfg.Metrics.Addr
	if addr == "" {
		addr = ":8082"
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("stepflow-worker stopped")
}
