// Command jobu starts the scheduler processes. With no arguments every
// role runs in one process; otherwise each argument names a role to run:
// dispatcher, queue-dispatcher, worker, admin.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fairyhunter13/jobu/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobu/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/jobu/internal/app"
	"github.com/fairyhunter13/jobu/internal/config"
	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/dispatcher"
	"github.com/fairyhunter13/jobu/internal/observability"
	"github.com/fairyhunter13/jobu/internal/store"
	"github.com/fairyhunter13/jobu/internal/worker"
	"github.com/fairyhunter13/jobu/internal/worker/handlers"
)

var validRoles = map[string]bool{
	"dispatcher":       true,
	"queue-dispatcher": true,
	"worker":           true,
	"admin":            true,
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	roles := os.Args[1:]
	if len(roles) == 0 {
		roles = []string{"dispatcher", "queue-dispatcher", "worker", "admin"}
	}
	for _, role := range roles {
		if !validRoles[role] {
			fmt.Fprintf(os.Stderr, "unknown role %q (want dispatcher, queue-dispatcher, worker or admin)\n", role)
			os.Exit(2)
		}
	}

	if err := run(cfg, roles); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, roles []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := dbx.ParseEngine(cfg.DBEngine)
	if err != nil {
		return err
	}
	schedDB, err := dbx.Open(ctx, dbx.Config{
		Name:   cfg.DBName,
		Engine: engine,
		DSN:    cfg.DBDSN,
		Pool: dbx.PoolConfig{
			PoolSize:    cfg.DBPoolSize,
			PoolTimeout: cfg.DBPoolTimeout,
			MaxIdleTime: cfg.DBMaxIdleTime,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = schedDB.Close() }()
	dbs := []*dbx.Database{schedDB}

	var auxDB *dbx.Database
	if cfg.AuxDBEnabled() {
		auxEngine, err := dbx.ParseEngine(cfg.AuxDBEngine)
		if err != nil {
			return err
		}
		auxDB, err = dbx.Open(ctx, dbx.Config{
			Name:   cfg.AuxDBName,
			Engine: auxEngine,
			DSN:    cfg.AuxDBDSN,
			Pool: dbx.PoolConfig{
				PoolSize:    cfg.DBPoolSize,
				PoolTimeout: cfg.DBPoolTimeout,
				MaxIdleTime: cfg.DBMaxIdleTime,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = auxDB.Close() }()
		dbs = append(dbs, auxDB)
	}

	st := store.New(cfg.DBName)
	schedRunner := dbx.NewRunner(schedDB)
	if err := schedRunner.Run(ctx, st.EnsureSchema); err != nil {
		return err
	}
	if auxDB != nil {
		auxStore := store.New(cfg.AuxDBName)
		if err := dbx.NewRunner(auxDB).Run(ctx, auxStore.EnsureSampleSchema); err != nil {
			return err
		}
	}

	registry := worker.NewRegistry()
	var syncRunner *dbx.Runner
	if auxDB != nil {
		syncRunner = dbx.NewRunner(schedDB, auxDB)
	}
	handlers.Register(registry, schedRunner, cfg.DBName, syncRunner, cfg.DBName, cfg.AuxDBName)
	slog.Info("handlers registered", slog.Any("handlers", registry.Names()))

	g, ctx := errgroup.WithContext(ctx)
	hasAdmin := false
	for _, role := range roles {
		switch role {
		case "dispatcher":
			d := dispatcher.New(dispatcher.Config{
				PollInterval:    cfg.DispatcherPollInterval,
				MaxSleep:        cfg.DispatcherMaxSleep,
				MinCronInterval: cfg.MinCronInterval,
			}, schedRunner, st)
			g.Go(func() error { return d.Run(ctx) })
		case "queue-dispatcher":
			adapter := kafka.New(kafka.Config{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaTopic,
				GroupID: cfg.KafkaGroupID,
			})
			qd := dispatcher.NewQueueDispatcher(adapter, schedRunner, st)
			g.Go(func() error { return qd.Run(ctx) })
		case "worker":
			p := worker.NewPool(worker.Config{
				PoolSize:        cfg.WorkerPoolSize,
				PollInterval:    cfg.WorkerPollInterval,
				ClaimBatchSize:  cfg.ClaimBatchSize,
				ShutdownTimeout: cfg.WorkerShutdownTimeout,
			}, schedRunner, st, registry)
			g.Go(func() error { return p.Run(ctx) })
		case "admin":
			hasAdmin = true
			srv := httpserver.NewServer(cfg, dbx.NewRunner(dbs...), st, dbs)
			g.Go(func() error { return serveHTTP(ctx, cfg, app.BuildRouter(cfg, srv)) })
		}
	}

	// Non-admin processes still expose /metrics on the metrics port.
	if !hasAdmin {
		g.Go(func() error { return serveMetrics(ctx, cfg) })
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server starting", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("op=main.serve_http: %w", err)
		}
		return nil
	}
}

func serveMetrics(ctx context.Context, cfg config.Config) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("op=main.serve_metrics: %w", err)
		}
		return nil
	}
}
