// Command dispatcherd runs the distributed task dispatcher service: it
// connects to its broker, fills the worker pool, and serves requests until
// a shutdown signal arrives. This binary registers no task bodies on its
// workerpool.InProcRunner, so every task it dispatches ends with a
// "no task registered" error (logged, and counted as finished); a program
// that runs real tasks registers them with InProcRunner.RegisterTask before
// Start, matching spec.md §1's framing of the worker body as an external
// collaborator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/adminhttp"
	"github.com/ricirt/dispatch/internal/broker/pgnotify"
	"github.com/ricirt/dispatch/internal/config"
	"github.com/ricirt/dispatch/internal/controltasks"
	"github.com/ricirt/dispatch/internal/db"
	"github.com/ricirt/dispatch/internal/dispatcher"
	"github.com/ricirt/dispatch/internal/metrics"
	"github.com/ricirt/dispatch/internal/nodestate"
	"github.com/ricirt/dispatch/internal/producer"
	"github.com/ricirt/dispatch/internal/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database (node registry only; the dispatch path never touches it) ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	nodes := nodestate.New(pool)

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	brokerCfg := pgnotify.Config{DatabaseURL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
	b := pgnotify.New(brokerCfg, logger)
	prod := producer.New(b, cfg.Channels, false, logger)

	runner := workerpool.NewInProcRunner()
	workerPool := workerpool.New(workerpool.Config{
		MaxWorkers:       cfg.PoolMaxWorkers,
		QueueOneReplaces: true,
		Hooks:            m.WorkerPoolHooks(),
	}, runner, logger)

	d := dispatcher.New(workerPool, []dispatcher.Producer{prod}, controltasks.Default(), cfg.NodeID, logger)
	d.SetHooks(m.DispatcherHooks())
	d.SetOnNodeRegistered(func(ctx context.Context, nodeID string) {
		if err := nodes.Touch(ctx, nodeID, cfg.PoolMaxWorkers); err != nil {
			logger.Warn("failed to record node sighting", zap.Error(err))
		}
	})

	if err := nodes.Touch(ctx, d.NodeID, cfg.PoolMaxWorkers); err != nil {
		logger.Warn("failed to record initial node sighting", zap.Error(err))
	}

	// ---- admin HTTP server (metrics, health, node registry) ----
	router := adminhttp.NewRouter(reg, nodes, logger)
	srv := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: router,
	}
	go func() {
		logger.Info("admin server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin server error", zap.Error(err))
		}
	}()

	// ---- signal handling ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Warn("received exit signal", zap.String("signal", sig.String()))
		d.RequestExit()
	}()
	go d.WatchFatal(ctx)

	// ---- start working ----
	if err := d.Start(ctx); err != nil {
		logger.Fatal("dispatcher failed to start", zap.Error(err))
	}
	logger.Info("dispatcher running", zap.String("node_id", d.NodeID))

	<-d.Exit()

	// ---- orderly shutdown ----
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}

	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", zap.Error(err))
	}

	logger.Info("dispatcher stopped cleanly")
}
