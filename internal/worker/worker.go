package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Jobs is the work the scheduler worker runs periodically.
type Jobs interface {
	ExpireOffers(ctx context.Context) (int, error)
	ExpandDueSeries(ctx context.Context) (int, error)
}

type Schedules struct {
	OfferSweep   string
	SeriesExpand string
}

// Worker runs the offer expiry sweep and series expansion on cron
// schedules. A run still in progress when its next tick fires is skipped.
type Worker struct {
	cron    *cron.Cron
	jobs    Jobs
	log     zerolog.Logger
	timeout time.Duration
	ctx     context.Context
}

func New(jobs Jobs, log zerolog.Logger, sched Schedules, timeout time.Duration) (*Worker, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	log = log.With().Str("component", "worker").Logger()
	cl := cronLogger{log: log}

	w := &Worker{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		jobs:    jobs,
		log:     log,
		timeout: timeout,
		ctx:     context.Background(),
	}

	if _, err := w.cron.AddFunc(sched.OfferSweep, func() { w.SweepOffers(w.ctx) }); err != nil {
		return nil, fmt.Errorf("offer sweep schedule %q: %w", sched.OfferSweep, err)
	}
	if _, err := w.cron.AddFunc(sched.SeriesExpand, func() { w.ExpandSeries(w.ctx) }); err != nil {
		return nil, fmt.Errorf("series expansion schedule %q: %w", sched.SeriesExpand, err)
	}
	return w, nil
}

// Start runs both jobs once and then hands them to the cron scheduler.
// Jobs see ctx, so cancelling it aborts runs in flight.
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	w.SweepOffers(ctx)
	w.ExpandSeries(ctx)
	w.cron.Start()
}

// Stop halts the scheduler and waits for running jobs up to the deadline of ctx.
func (w *Worker) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		w.log.Warn().Msg("worker jobs still running at shutdown deadline")
	}
}

func (w *Worker) SweepOffers(ctx context.Context) {
	w.run(ctx, "offer_sweep", w.jobs.ExpireOffers)
}

func (w *Worker) ExpandSeries(ctx context.Context) {
	w.run(ctx, "series_expand", w.jobs.ExpandDueSeries)
}

func (w *Worker) run(ctx context.Context, job string, fn func(context.Context) (int, error)) {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	n, err := fn(runCtx)
	if err != nil {
		w.log.Error().Err(err).Str("job", job).Int("processed", n).Msg("job run failed")
		return
	}
	w.log.Info().Str("job", job).Int("processed", n).Dur("took", time.Since(start)).Msg("job run complete")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
