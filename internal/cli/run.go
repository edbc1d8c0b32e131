package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/orchestrator"
	"github.com/shaiso/Stepflow/internal/repo"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// NewRunCmd создаёт команду run: выполнить цели и их зависимости.
func NewRunCmd(appFn appFunc) *cobra.Command {
	var inputs []string
	var cleanFailed bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run TARGET...",
		Short: "Run workflow#task targets with all pending dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			metrics := telemetry.NewMetrics(reg)

			app, err := appFn(cmd, metrics)
			if err != nil {
				return err
			}
			cfg := app.Config

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if closeIndex := attachIndex(ctx, app); closeIndex != nil {
				defer closeIndex()
			}

			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				srv := serveMetrics(app, metricsAddr, reg)
				defer shutdown(srv)
			}

			seeds := make([]*engine.Job, 0, len(args))
			for _, target := range args {
				job, err := app.Build(target, inputs)
				if err != nil {
					return err
				}
				seeds = append(seeds, job)
			}

			doc, err := app.Rules()
			if err != nil {
				return err
			}
			systems, closeSystems, err := app.Systems()
			if err != nil {
				return err
			}
			defer closeSystems()

			var capacities map[string]float64
			if len(cfg.Capacities) > 0 {
				capacities = cfg.Capacities
			}

			o := orchestrator.New(orchestrator.Config{
				Rules:       doc,
				Systems:     systems,
				Capacities:  capacities,
				Tick:        cfg.Tick,
				CleanFailed: cleanFailed || cfg.CleanFailed,
				Metrics:     metrics,
				Logger:      app.Logger,
			})

			runErr := o.ProcessJobs(ctx, seeds)
			printJobs(app.Out, seeds)
			if runErr != nil {
				return runErr
			}
			app.Out.Success("all jobs done")
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	cmd.Flags().BoolVar(&cleanFailed, "clean-failed", false, "Clean failed jobs before running")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// attachIndex подключает индекс job в Postgres, если задан db.url.
// Ошибки подключения только логируются: индекс необязателен.
func attachIndex(ctx context.Context, app *App) func() {
	if app.Config.DB.URL == "" {
		return nil
	}

	pool, err := repo.NewPool(ctx, app.Config.DB.URL)
	if err != nil {
		app.Logger.Warn("job index unavailable", "error", err)
		return nil
	}

	index := repo.NewJobIndex(pool)
	if err := index.EnsureSchema(ctx); err != nil {
		app.Logger.Warn("job index schema", "error", err)
		pool.Close()
		return nil
	}
	app.Registry.AddObserver(index)
	return pool.Close
}

func serveMetrics(app *App, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("metrics server error", "error", err)
		}
	}()
	app.Logger.Info("metrics server started", "addr", addr)
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
