package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/hospital-scheduling/internal/api"
	"github.com/hackgods/hospital-scheduling/internal/app"
	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
)

// SimConfig drives a booking race: Racers clients ask for the same free
// slot at once, for Targets slots, with at most Concurrency races in flight.
type SimConfig struct {
	APIBaseURL  string
	Targets     int
	Racers      int
	Concurrency int
	CancelRatio float64
	PostgresDSN string
	DBMaxConns  int32
	Env         string
}

// target is one free slot every racer of a race asks for.
type target struct {
	HospitalID      uuid.UUID
	DoctorID        uuid.UUID
	AppointmentType string
	Start           time.Time
	End             time.Time
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Busy      int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	case status == http.StatusServiceUnavailable:
		atomic.AddInt64(&om.Busy, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, fastest, slowest, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	fastest = latencies[0]
	slowest = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, fastest, slowest, p50, p95
}

type Metrics struct {
	Booking OperationMetrics
	Cancel  OperationMetrics

	Races        int64
	Won          int64
	DoubleBooked int64
}

type Simulator struct {
	config  SimConfig
	log     zerolog.Logger
	client  *http.Client
	metrics Metrics
}

func main() {
	cfg := loadConfig()
	log := app.NewLogger(cfg.Env, "simulate")
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Int("targets", cfg.Targets).
		Int("racers", cfg.Racers).
		Int("concurrency", cfg.Concurrency).
		Float64("cancel_ratio", cfg.CancelRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	targets, err := loadTargets(ctx, pgPool, cfg.Targets)
	if err != nil {
		log.Fatal().Err(err).Msg("load targets")
	}
	log.Info().Int("targets", len(targets)).Msg("loaded free slots")

	sim := &Simulator{
		config: cfg,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if err := sim.Run(context.Background(), targets); err != nil {
		log.Error().Err(err).Msg("simulation aborted")
	}
	sim.PrintReport()

	if sim.metrics.DoubleBooked > 0 {
		os.Exit(2)
	}
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	return SimConfig{
		APIBaseURL:  strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Targets:     getInt("SIM_TARGETS", 200),
		Racers:      getInt("SIM_RACERS", 8),
		Concurrency: getInt("SIM_CONCURRENCY", 16),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
		PostgresDSN: baseCfg.PostgresDSN,
		DBMaxConns:  baseCfg.DBMaxConns,
		Env:         baseCfg.Env,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Targets <= 0 {
		return fmt.Errorf("SIM_TARGETS must be > 0")
	}
	if cfg.Racers < 2 {
		return fmt.Errorf("SIM_RACERS must be >= 2 to race")
	}
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("SIM_CONCURRENCY must be > 0")
	}
	if cfg.CancelRatio < 0 || cfg.CancelRatio > 1 {
		return fmt.Errorf("SIM_CANCEL_RATIO must be within [0, 1]")
	}
	return nil
}

func loadTargets(ctx context.Context, pool *pgxpool.Pool, limit int) ([]target, error) {
	rows, err := pool.Query(ctx, `
		SELECT hospital_id, doctor_id, appointment_type, start_at, end_at
		FROM time_slots
		WHERE state = 'free' AND start_at > now()
		ORDER BY random()
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query free slots: %w", err)
	}
	defer rows.Close()

	var out []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.HospitalID, &t.DoctorID, &t.AppointmentType, &t.Start, &t.End); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no free future slots, run seed first")
	}
	return out, nil
}

// Run races every target and stops early only when ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, targets []target) error {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for i, t := range targets {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			return s.race(ctx, t, rng)
		})
	}
	err := g.Wait()
	s.log.Info().Dur("took", time.Since(start)).Msg("simulation complete")
	return err
}

// race sends Racers simultaneous bookings for t. At most one may win.
func (s *Simulator) race(ctx context.Context, t target, rng *rand.Rand) error {
	atomic.AddInt64(&s.metrics.Races, 1)

	var (
		mu      sync.Mutex
		winners []uuid.UUID
	)
	release := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Racers; i++ {
		g.Go(func() error {
			<-release
			id, ok, err := s.book(gctx, t)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
			return nil
		})
	}
	close(release)
	if err := g.Wait(); err != nil {
		return err
	}

	switch {
	case len(winners) == 1:
		atomic.AddInt64(&s.metrics.Won, 1)
	case len(winners) > 1:
		atomic.AddInt64(&s.metrics.DoubleBooked, 1)
		s.log.Error().
			Str("doctor_id", t.DoctorID.String()).
			Time("start", t.Start).
			Int("winners", len(winners)).
			Msg("slot double-booked")
	}

	if len(winners) > 0 && rng.Float64() < s.config.CancelRatio {
		return s.cancel(ctx, t.HospitalID, winners[0])
	}
	return nil
}

// book reports whether the request won the slot. Only ctx cancellation is
// returned as an error; transport failures are counted.
func (s *Simulator) book(ctx context.Context, t target) (uuid.UUID, bool, error) {
	body, _ := json.Marshal(api.CreateAppointmentRequest{
		DoctorID:        t.DoctorID,
		PatientID:       uuid.New(),
		AppointmentType: t.AppointmentType,
		Start:           t.Start,
		End:             t.End,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HospitalHeader, t.HospitalID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return uuid.Nil, false, ctx.Err()
		}
		s.metrics.Booking.Record(latency, 0)
		return uuid.Nil, false, nil
	}
	defer resp.Body.Close()
	s.metrics.Booking.Record(latency, resp.StatusCode)

	if resp.StatusCode != http.StatusCreated {
		return uuid.Nil, false, nil
	}
	var res api.ReservationResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		s.log.Warn().Err(err).Msg("decode reservation")
		return uuid.Nil, true, nil
	}
	return res.Appointment.ID, true, nil
}

func (s *Simulator) cancel(ctx context.Context, hospitalID, appointmentID uuid.UUID) error {
	body, _ := json.Marshal(api.CancelRequest{Reason: "simulated cancellation"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, appointmentID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HospitalHeader, hospitalID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.Cancel.Record(latency, 0)
		return nil
	}
	resp.Body.Close()
	s.metrics.Cancel.Record(latency, resp.StatusCode)
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Races: %d (racers per slot: %d)\n", s.metrics.Races, s.config.Racers)
	fmt.Printf("Slots won: %d\n", s.metrics.Won)
	fmt.Printf("Double bookings: %d\n", s.metrics.DoubleBooked)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	busy := atomic.LoadInt64(&om.Busy)
	failed := atomic.LoadInt64(&om.Error)
	avg, fastest, slowest, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if busy > 0 {
		fmt.Printf("  Busy: %d (%.1f%%)\n", busy, pct(busy))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n", avg, fastest, slowest, p50, p95)
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
