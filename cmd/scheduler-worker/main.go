package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hackgods/hospital-scheduling/internal/app"
	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("dev", "scheduler-worker").Fatal().Err(err).Msg("config load error")
	}
	log := app.NewLogger(cfg.Env, "scheduler-worker")
	log.Info().
		Str("offer_sweep", cfg.OfferSweepSchedule).
		Str("series_expand", cfg.SeriesExpandSchedule).
		Msg("scheduler-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(rootCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer deps.Close()

	w, err := worker.New(deps.Service, log, worker.Schedules{
		OfferSweep:   cfg.OfferSweepSchedule,
		SeriesExpand: cfg.SeriesExpandSchedule,
	}, cfg.ShutdownTimeout*3)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid worker schedule")
	}

	w.Start(rootCtx)
	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received, stopping worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	w.Stop(stopCtx)
	log.Info().Msg("scheduler-worker stopped")
}
