package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/hospital-scheduling/internal/api"
	"github.com/hackgods/hospital-scheduling/internal/app"
	"github.com/hackgods/hospital-scheduling/internal/config"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("dev", "api-server").Fatal().Err(err).Msg("config load error")
	}
	log := app.NewLogger(cfg.Env, "api-server")
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(rootCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer deps.Close()

	router := api.NewRouter(api.RouterConfig{
		Service:  deps.Service,
		Postgres: deps.Pool,
		Redis:    api.RedisPinger(deps.Redis),
		Logger:   log,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	log.Info().Msg("api-server stopped")
}
