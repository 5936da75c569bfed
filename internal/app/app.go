// Package app wires configuration, storage and the scheduling service for
// the command binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
	"github.com/hackgods/hospital-scheduling/internal/notify"
	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

// NewLogger logs JSON in production and human-readable lines elsewhere.
func NewLogger(env, name string) zerolog.Logger {
	var log zerolog.Logger
	if env == "prod" {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return log.With().Timestamp().Str("app", name).Logger()
}

type Deps struct {
	Config  config.Config
	Log     zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Service *scheduling.Service
}

// Open connects Postgres and Redis and builds the scheduling service on top.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Deps, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	notifier := notify.Multi{
		notify.NewStreamNotifier(rdb, cfg.OfferStream),
		notify.NewLogNotifier(log),
	}
	svc := scheduling.NewService(
		scheduling.NewPgRepository(pool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		notifier,
		log,
		scheduling.Options{
			OfferTTL:          cfg.OfferTTL,
			MaxBookingRetries: cfg.MaxBookingRetries,
			SeriesHorizon:     cfg.SeriesHorizon,
		},
	)

	return &Deps{
		Config:  cfg,
		Log:     log,
		Pool:    pool,
		Redis:   rdb,
		Service: svc,
	}, nil
}

func (d *Deps) Close() {
	if err := d.Redis.Close(); err != nil {
		d.Log.Warn().Err(err).Msg("error closing redis")
	}
	d.Pool.Close()
}
