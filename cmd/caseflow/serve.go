package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/realtime"
	"github.com/pitabwire/caseflow/internal/roster"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Open the case and idempotency stores.
	opened, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer opened.close()

	idem, closeIdem, err := openIdempotency(ctx, cfg.Workflow.Idempotency, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	// Step 3: Load the guard policy and the actor roster.
	policy := capability.DefaultPolicy()
	if cfg.Workflow.PolicyFile != "" {
		policy, err = capability.LoadPolicy(cfg.Workflow.PolicyFile)
		if err != nil {
			return err
		}
		logger.Info("guard policy loaded", zap.String("path", cfg.Workflow.PolicyFile))
	}

	var rosterLoader *roster.Loader
	var rosterReady func() bool
	if cfg.Workflow.RosterFile != "" {
		rosterLoader = roster.NewLoader(cfg.Workflow.RosterFile, opened.store,
			roster.WithLogger(logger),
			roster.WithObserver(metrics),
		)
		if err := rosterLoader.Load(ctx); err != nil {
			return err
		}
		rosterReady = rosterLoader.Loaded
	} else {
		actors, err := opened.store.ListActors(ctx)
		if err != nil {
			return fmt.Errorf("listing actors: %w", err)
		}
		if len(actors) == 0 {
			logger.Warn("no roster file configured and the store has no actors; every action will be rejected")
		}
		rosterReady = func() bool { return len(actors) > 0 }
	}

	// Step 4: Build the realtime layer and the workflow machine.
	dispatcher := realtime.NewDispatcher(realtime.NewRegistry(), nil,
		realtime.WithLogger(logger),
		realtime.WithObserver(metrics),
		realtime.WithWriteTimeout(cfg.Realtime.WriteTimeout),
		realtime.WithMaxParallelSends(cfg.Realtime.MaxParallelSends),
	)
	machineOpts := []workflow.Option{
		workflow.WithNotifier(dispatcher),
		workflow.WithObserver(metrics),
		workflow.WithLogger(logger),
	}
	if idem != nil {
		machineOpts = append(machineOpts, workflow.WithIdempotency(idem, cfg.Workflow.Idempotency.TTL))
	}
	machine := workflow.NewMachine(opened.store, policy, machineOpts...)
	dispatcher.SetSnapshotSource(machine)
	bridge := realtime.NewBridge(dispatcher)

	// Step 5: Build the HTTP router.
	readiness := observability.ReadinessChecks{RosterLoaded: rosterReady}
	if hc, ok := opened.store.(observability.HealthChecker); ok {
		readiness.CaseStore = hc
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	signingKey := cfg.Identity.SigningKey()
	if signingKey == nil {
		logger.Warn("no signing key configured, authentication is disabled")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, signingKey),
		Machine:        machine,
		Dispatcher:     dispatcher,
		Bridge:         bridge,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readiness),
		MetricsHandler: observability.Handler(),
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var bg errgroup.Group
	bg.Go(func() error {
		dispatcher.RunDashboard(bgCtx, cfg.Realtime.DashboardInterval)
		return nil
	})
	if rosterLoader != nil && cfg.Workflow.WatchRoster {
		bg.Go(func() error { return rosterLoader.Watch(bgCtx) })
	}
	if cfg.Workflow.PolicyFile != "" {
		bg.Go(func() error {
			watchPolicy(bgCtx, policy, logger)
			return nil
		})
	}

	// Step 7: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests. Upgraded
	// WebSocket connections are not tracked by the server and are closed
	// explicitly.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	dispatcher.CloseAll("server shutdown")

	bgCancel()
	if err := bg.Wait(); err != nil {
		logger.Error("background task failed", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// watchPolicy re-reads the guard policy file on SIGHUP.
func watchPolicy(ctx context.Context, policy *capability.Policy, logger *zap.Logger) {
	hup, stop := signal.NotifyContext(ctx, syscall.SIGHUP)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup.Done():
			if ctx.Err() != nil {
				return
			}
			if err := policy.Sync(); err != nil {
				logger.Error("guard policy reload failed, keeping previous policy", zap.Error(err))
			} else {
				logger.Info("guard policy reloaded")
			}
			stop()
			hup, stop = signal.NotifyContext(ctx, syscall.SIGHUP)
		}
	}
}
