package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"dreamstream/server/internal/api"
	"dreamstream/server/internal/auth"
	"dreamstream/server/internal/events"
	"dreamstream/server/internal/generation"
	"dreamstream/server/internal/provider"
	"dreamstream/server/internal/store"
	"dreamstream/server/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, SSE and WebSocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	if !cfg.LogDev {
		gin.SetMode(gin.ReleaseMode)
	}

	st := store.NewMemoryStore()
	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL, logger)
	if err := authSvc.SeedDemoUser(cfg.DemoEmail, cfg.DemoPassword); err != nil {
		logger.Error("seed demo user failed", zap.Error(err))
		return err
	}

	hub := events.NewHub()
	keys := provider.NewKeyStore(cfg.GeminiAPIKey, provider.WithPromptTimeout(cfg.CredentialPromptTimeout))
	gen, err := buildGenerator(cfg, keys, st, logger)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics()
	genSvc := generation.NewService(st, hub, gen, keys, logger, generation.Options{
		GenerationTimeout: cfg.GenerationTimeout,
		Metrics:           metrics,
	})

	srv := api.NewServer(authSvc, st, genSvc, hub, keys, metrics, logger, cfg)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start",
			zap.String("addr", cfg.Addr),
			zap.String("generator", cfg.Generator),
			zap.String("demo_user", cfg.DemoEmail),
			zap.Bool("credential_present", keys.HasCredential(ctx)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("server exited with error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
