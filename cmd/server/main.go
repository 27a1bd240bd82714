// Command server starts the media job orchestrator: the HTTP API plus
// the dispatcher, local pool, monitor loops and reconciler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/adapter/executor/runpod"
	httpserver "github.com/fairyhunter13/media-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/media-orchestrator/internal/adapter/media"
	"github.com/fairyhunter13/media-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/media-orchestrator/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/media-orchestrator/internal/adapter/webhook"
	"github.com/fairyhunter13/media-orchestrator/internal/app"
	"github.com/fairyhunter13/media-orchestrator/internal/config"
	"github.com/fairyhunter13/media-orchestrator/internal/scheduler"
	"github.com/fairyhunter13/media-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	store, err := app.NewStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	remote := runpod.New(cfg.RunpodEndpointURL, cfg.RunpodAPIKey, cfg.RunpodRequestTimeout)
	notifier := webhook.NewNotifier(store, cfg.WebhookSecret, cfg.WebhookMaxAttempts)
	finisher := scheduler.NewFinisher(store, remote, notifier)

	dispatcher := scheduler.NewDispatcher(store, remote, finisher, cfg.PollInterval())
	finisher.SetKicker(dispatcher)
	processors := media.NewRegistry()
	pool := scheduler.NewLocalPool(store, processors, finisher, cfg.MaxLocalConcurrency, cfg.PollInterval())
	monitor := scheduler.NewMonitor(store, remote, finisher, cfg.PollInterval(), cfg.TimeoutCheckInterval())
	reconciler := scheduler.NewReconciler(store, cfg.MaxRemoteWorkers, dispatcher)

	jobs := usecase.NewJobService(store, remote, finisher, reconciler, dispatcher, pool,
		cfg.MaxRemoteWorkers, cfg.WebhookAllowPrivate || !cfg.IsProd())
	srv := httpserver.NewServer(jobs)
	handler := app.BuildRouter(cfg, srv)

	var loops sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			slog.Info("loop starting", slog.String("loop", name))
			fn(ctx)
		}()
	}
	runLoop("dispatcher", dispatcher.Run)
	runLoop("local-pool", pool.Run)
	runLoop("monitor-poll", monitor.RunPolling)
	runLoop("monitor-timeouts", monitor.RunTimeouts)
	runLoop("reconciler", func(ctx context.Context) { reconciler.Run(ctx, cfg.ReconcileInterval()) })
	if mem, ok := store.(*memstore.Store); ok {
		runLoop("ttl-sweep", func(ctx context.Context) { mem.RunTTLSweep(ctx, time.Hour) })
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop the scheduler loops, then wait for in-flight webhook
	// deliveries so terminal notifications are not lost on restart.
	stopLoops()
	loops.Wait()
	if err := notifier.Shutdown(shutdownCtx); err != nil {
		slog.Warn("webhook deliveries still in flight at shutdown", slog.Any("error", err))
	}
	slog.Info("shutdown complete")
}
