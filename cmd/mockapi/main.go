package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/mockapi"
	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/tools/common"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := common.LoadEnvFile(".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lp, err := observability.InitLogs(ctx, cfg)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg, os.Stdout, lp)
	if err != nil {
		return err
	}
	rt, err := observability.InitRuntime(ctx, cfg, logger, lp)
	if err != nil {
		return err
	}

	appKey := cfg.ReverbAppKey
	if appKey == "" {
		appKey = "app-key"
	}
	srv, err := mockapi.New(mockapi.Config{
		AccessSecret: cfg.MockAPIJWTSecret,
		AccessTTL:    cfg.AccessTokenTTL,
		RefreshTTL:   cfg.RefreshTTL,
		AppKey:       appKey,
		AppSecret:    cfg.MockAPIAppSecret,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:              cfg.MockAPIAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock api listening", "addr", cfg.MockAPIAddr, "seed_user", mockapi.DefaultEmail)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	return errors.Join(shutdownErr, rt.Shutdown(shutdownCtx))
}
