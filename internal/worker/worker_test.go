package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeJobs struct {
	mu        sync.Mutex
	sweeps    int
	expands   int
	sweepErr  error
	deadlines []bool
}

func (f *fakeJobs) ExpireOffers(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	_, ok := ctx.Deadline()
	f.deadlines = append(f.deadlines, ok)
	return 2, f.sweepErr
}

func (f *fakeJobs) ExpandDueSeries(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expands++
	return 1, nil
}

var testSchedules = Schedules{OfferSweep: "@every 1h", SeriesExpand: "@every 1h"}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakeJobs{}, zerolog.Nop(), Schedules{OfferSweep: "not a schedule", SeriesExpand: "@hourly"}, time.Second)
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if !strings.Contains(err.Error(), "offer sweep") {
		t.Errorf("expected error to name the offer sweep, got %v", err)
	}
}

func TestStart_RunsEachJobOnce(t *testing.T) {
	jobs := &fakeJobs{}
	w, err := New(jobs, zerolog.Nop(), testSchedules, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	w.Stop(stopCtx)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if jobs.sweeps != 1 || jobs.expands != 1 {
		t.Errorf("expected one run of each job at start, got sweeps=%d expands=%d", jobs.sweeps, jobs.expands)
	}
	if len(jobs.deadlines) != 1 || !jobs.deadlines[0] {
		t.Error("expected job context to carry the run timeout")
	}
}

func TestRun_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	jobs := &fakeJobs{sweepErr: errors.New("db down")}
	w, err := New(jobs, zerolog.New(&buf), testSchedules, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.SweepOffers(context.Background())

	out := buf.String()
	if !strings.Contains(out, "db down") || !strings.Contains(out, "offer_sweep") {
		t.Errorf("expected failure log naming the job, got %q", out)
	}
}
