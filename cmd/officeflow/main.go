// Package main is the entry point for the officeflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/assignment"
	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/form"
	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/querycache"
	"github.com/pitabwire/officeflow/internal/signing"
	"github.com/pitabwire/officeflow/internal/submission"
	"github.com/pitabwire/officeflow/internal/transport"
	"github.com/pitabwire/officeflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "officeflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Notification hub and backend client.
	hub := notify.NewHub(cfg.Notifications.BufferSize, logger, metrics)
	backend := invoker.New(cfg.Backend,
		invoker.WithNotifier(hub),
		invoker.WithMetrics(metrics),
		invoker.WithLogger(logger),
	)

	// Step 5: Process-wide caches. Both run their expiry loops until shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	cache := querycache.New(cfg.Cache, metrics, logger)
	go cache.Start(bgCtx)
	sessions := form.NewSessionStore(cfg.Sessions)
	go sessions.Start(bgCtx)

	// Step 6: Assignment memory store.
	memStore, memCloser, err := assignment.Open(ctx, cfg.Assignment.Store, logger)
	if err != nil {
		logger.Error("assignment store initialization failed", zap.Error(err))
		return 1
	}
	if memCloser != nil {
		defer memCloser()
	}
	memory := assignment.NewService(memStore, logger)

	// Step 7: Idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Step 8: Domain services.
	endpoints := cfg.Backend.Endpoints
	resolver := workflow.NewResolver(backend, endpoints, cache, metrics, logger)
	renderer := form.NewRenderer(backend, endpoints, cache, logger)

	coordOpts := []submission.Option{
		submission.WithResolver(resolver),
		submission.WithAssignmentMemory(memory),
		submission.WithNotifier(hub),
		submission.WithMetrics(metrics),
		submission.WithLogger(logger),
	}
	if idemStore != nil {
		coordOpts = append(coordOpts, submission.WithIdempotency(idemStore, cfg.Idempotency.TTL))
	}
	coordinator := submission.NewCoordinator(backend, endpoints, cache, sessions, coordOpts...)

	signer := signing.New(cfg.Signing, signing.WithMetrics(metrics), signing.WithLogger(logger))

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		"jwks":             jwks,
		"backend":          backend,
		"assignment_store": memory,
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness["idempotency_store"] = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Handlers: &transport.Handlers{
			Resolver:       resolver,
			Renderer:       renderer,
			Sessions:       sessions,
			Coordinator:    coordinator,
			Memory:         memory,
			Signer:         signer,
			Hub:            hub,
			Logger:         logger,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		},
		Metrics:   metrics,
		Logger:    logger,
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Bool("signing", signer.Enabled()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when de-duplication is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (submission.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return submission.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		client, err := assignment.OpenRedis(ctx, cfg.Store)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store", zap.Int("db", cfg.Store.DB))
		return submission.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
