package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"shopkeeper/internal/audit"
	"shopkeeper/internal/authflow"
	"shopkeeper/internal/catalog"
	"shopkeeper/internal/compliance"
	"shopkeeper/internal/config"
	"shopkeeper/internal/gift"
	"shopkeeper/internal/ratelimit"
	"shopkeeper/internal/registry"
	"shopkeeper/internal/server"
	"shopkeeper/internal/social"
	"shopkeeper/internal/store"
	"shopkeeper/internal/upstream"
	"shopkeeper/internal/vault"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("shopkeeper exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}

	v, err := vault.New(cfg.MasterKey, cfg.MasterKeyFile)
	if err != nil {
		return err
	}

	reg := registry.New(db, cfg.MaxAccounts, logger)
	limiter := ratelimit.New(cfg.Limits, logger)
	guard := compliance.New(cfg.Compliance, logger)
	auditLog := audit.NewLog(logger)

	upstreamClient := upstream.NewClient(cfg.Upstream, logger)
	auth := authflow.New(cfg.OAuth, v, reg, limiter, upstreamClient, logger)
	cat := catalog.New(cfg.Catalog, limiter, auditLog, auth, logger)
	soc := social.New(auth, upstreamClient, limiter, guard, auditLog, logger)
	gifts := gift.NewFlow(auth, upstreamClient, limiter, guard, auditLog, reg, cfg.Compliance.ConfirmTTL(), logger)

	srv := server.New(auth, reg, cat, soc, gifts, auditLog, cfg.AdminPassword, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
