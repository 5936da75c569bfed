package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

func dates(drafts []AppointmentDraft) []string {
	out := make([]string, len(drafts))
	for i, d := range drafts {
		out[i] = d.OccurrenceDate.Format(time.DateOnly)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func dayPtr(s string) *time.Time {
	d := day(s)
	return &d
}

func TestMaterializeOccurrences(t *testing.T) {
	tests := []struct {
		name    string
		series  RecurringAppointment
		horizon string
		want    []string
	}{
		{
			name:    "daily capped by max occurrences",
			series:  RecurringAppointment{Pattern: PatternDaily, Interval: 1, StartDate: day("2026-03-02"), MaxOccurrences: 5},
			horizon: "2026-04-30",
			want:    []string{"2026-03-02", "2026-03-03", "2026-03-04", "2026-03-05", "2026-03-06"},
		},
		{
			name: "max occurrences counts earlier runs",
			series: RecurringAppointment{
				Pattern: PatternDaily, Interval: 1, StartDate: day("2026-03-02"), MaxOccurrences: 5,
				OccurrencesGenerated: 3, LastGeneratedDate: dayPtr("2026-03-04"),
			},
			horizon: "2026-04-30",
			want:    []string{"2026-03-05", "2026-03-06"},
		},
		{
			name: "budget spent",
			series: RecurringAppointment{
				Pattern: PatternDaily, Interval: 1, StartDate: day("2026-03-02"), MaxOccurrences: 5,
				OccurrencesGenerated: 5, LastGeneratedDate: dayPtr("2026-03-06"),
			},
			horizon: "2026-04-30",
			want:    nil,
		},
		{
			name: "weekly on two days until end date",
			series: RecurringAppointment{
				Pattern: PatternWeekly, Interval: 1, StartDate: day("2026-03-02"),
				DaysOfWeek: []time.Weekday{time.Wednesday, time.Monday}, EndDate: dayPtr("2026-03-16"),
			},
			horizon: "2026-06-01",
			want:    []string{"2026-03-02", "2026-03-04", "2026-03-09", "2026-03-11", "2026-03-16"},
		},
		{
			name: "weekly skips days before start",
			series: RecurringAppointment{
				Pattern: PatternWeekly, Interval: 1, StartDate: day("2026-03-04"),
				DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday},
			},
			horizon: "2026-03-10",
			want:    []string{"2026-03-04", "2026-03-09"},
		},
		{
			name:    "fortnightly",
			series:  RecurringAppointment{Pattern: PatternWeekly, Interval: 2, StartDate: day("2026-03-02")},
			horizon: "2026-04-01",
			want:    []string{"2026-03-02", "2026-03-16", "2026-03-30"},
		},
		{
			name:    "monthly day 31 clamps in february",
			series:  RecurringAppointment{Pattern: PatternMonthly, Interval: 1, StartDate: day("2027-01-31"), DayOfMonth: 31},
			horizon: "2027-04-30",
			want:    []string{"2027-01-31", "2027-02-28", "2027-03-31", "2027-04-30"},
		},
		{
			name:    "monthly day 31 in a leap year",
			series:  RecurringAppointment{Pattern: PatternMonthly, Interval: 1, StartDate: day("2028-01-31"), DayOfMonth: 31},
			horizon: "2028-02-29",
			want:    []string{"2028-01-31", "2028-02-29"},
		},
		{
			name:    "quarterly uses start day",
			series:  RecurringAppointment{Pattern: PatternMonthly, Interval: 3, StartDate: day("2026-01-15")},
			horizon: "2026-12-31",
			want:    []string{"2026-01-15", "2026-04-15", "2026-07-15", "2026-10-15"},
		},
		{
			name:    "yearly from leap day",
			series:  RecurringAppointment{Pattern: PatternYearly, Interval: 1, StartDate: day("2028-02-29")},
			horizon: "2030-03-01",
			want:    []string{"2028-02-29", "2029-02-28", "2030-02-28"},
		},
		{
			name:    "end date before horizon",
			series:  RecurringAppointment{Pattern: PatternDaily, Interval: 3, StartDate: day("2026-03-02"), EndDate: dayPtr("2026-03-10")},
			horizon: "2026-12-31",
			want:    []string{"2026-03-02", "2026-03-05", "2026-03-08"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dates(MaterializeOccurrences(tt.series, day(tt.horizon)))
			if !equalStrings(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaterializeOccurrences_TimesOfDay(t *testing.T) {
	s := RecurringAppointment{
		Pattern: PatternDaily, Interval: 1, StartDate: day("2026-03-02"),
		StartTime: MustClock("14:30"), DurationMinutes: 45, MaxOccurrences: 1,
	}
	drafts := MaterializeOccurrences(s, day("2026-03-31"))
	if len(drafts) != 1 {
		t.Fatalf("expected one draft, got %d", len(drafts))
	}
	if got := drafts[0].Start.Format("15:04") + "-" + drafts[0].End.Format("15:04"); got != "14:30-15:15" {
		t.Errorf("unexpected occurrence time %s", got)
	}
}

func TestMaterializeOccurrences_NeverPastLimits(t *testing.T) {
	end := day("2026-05-20")
	for limit := 1; limit <= 8; limit++ {
		s := RecurringAppointment{
			Pattern: PatternWeekly, Interval: 1, StartDate: day("2026-03-02"),
			DaysOfWeek: []time.Weekday{time.Monday, time.Thursday}, MaxOccurrences: limit, EndDate: &end,
		}
		drafts := MaterializeOccurrences(s, day("2027-01-01"))
		if len(drafts) > limit {
			t.Errorf("max %d: materialized %d occurrences", limit, len(drafts))
		}
		for _, d := range drafts {
			if d.OccurrenceDate.After(end) {
				t.Errorf("max %d: occurrence %s past end date", limit, d.OccurrenceDate.Format(time.DateOnly))
			}
		}
	}
}

func (f *fixture) weeklySeries(maxOccurrences int) RecurringAppointment {
	return RecurringAppointment{
		PatientID:       uuid.New(),
		DoctorID:        f.doctor,
		Pattern:         PatternWeekly,
		DaysOfWeek:      []time.Weekday{time.Monday},
		StartTime:       MustClock("09:00"),
		DurationMinutes: 30,
		StartDate:       testMonday,
		MaxOccurrences:  maxOccurrences,
	}
}

// mondays generates slots for the first n Mondays from testMonday.
func (f *fixture) mondays(n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		f.generate(testMonday.AddDate(0, 0, 7*i))
	}
}

func TestExpandSeries_SkipsConflictsAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(4)

	// someone already holds the second Monday
	f.book(f.request(testMonday.AddDate(0, 0, 7), "09:00", "09:30"))

	s := f.weeklySeries(3)
	created, result, err := f.svc.CreateRecurringSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if len(result.Booked) != 2 || len(result.Skipped) != 1 {
		t.Fatalf("expected 2 booked and 1 skipped, got %d and %d", len(result.Booked), len(result.Skipped))
	}
	if !result.Completed {
		t.Error("series should complete after its third occurrence")
	}

	skipped := result.Skipped[0]
	if got := skipped.OccurrenceDate.Format(time.DateOnly); got != "2026-03-09" {
		t.Errorf("expected the second Monday skipped, got %s", got)
	}
	if skipped.Status != OccurrenceSkippedConflict || skipped.Reason != CodeSlotBooked {
		t.Errorf("unexpected skipped occurrence %+v", skipped)
	}
	if len(f.notifier.skipped) != 1 || f.notifier.skipped[0].SeriesID != created.ID {
		t.Errorf("expected one skipped-occurrence event, got %+v", f.notifier.skipped)
	}

	stored, err := f.repo.GetSeries(f.ctx, created.ID)
	if err != nil {
		t.Fatalf("get series: %v", err)
	}
	if stored.Status != SeriesCompleted {
		t.Errorf("expected completed, got %s", stored.Status)
	}
	if stored.OccurrencesGenerated != 3 {
		t.Errorf("expected 3 occurrences counted, got %d", stored.OccurrencesGenerated)
	}
	if stored.LastGeneratedDate == nil || stored.LastGeneratedDate.Format(time.DateOnly) != "2026-03-16" {
		t.Errorf("unexpected high-water mark %v", stored.LastGeneratedDate)
	}
	for _, a := range result.Booked {
		if a.Source != SourceSeries || a.SeriesID == nil || *a.SeriesID != created.ID {
			t.Errorf("booked appointment not linked to series: %+v", a)
		}
	}
}

func TestExpandSeries_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(6)

	s := f.weeklySeries(0)
	created, first, err := f.svc.CreateRecurringSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	// horizon reaches 2026-03-29: four Mondays
	if len(first.Booked) != 4 {
		t.Fatalf("expected 4 occurrences inside the horizon, got %d", len(first.Booked))
	}

	again, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if len(again.Booked)+len(again.Skipped) != 0 {
		t.Errorf("re-running at the same time should add nothing, got %d booked %d skipped", len(again.Booked), len(again.Skipped))
	}

	f.clock.Advance(7 * 24 * time.Hour)
	later, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
	if err != nil {
		t.Fatalf("expand later: %v", err)
	}
	if len(later.Booked) != 1 || later.Booked[0].Start.Format(time.DateOnly) != "2026-03-30" {
		t.Errorf("expected only 2026-03-30 added, got %d", len(later.Booked))
	}
	if got := len(f.repo.confirmedFor(f.doctor)); got != 5 {
		t.Errorf("expected 5 appointments in total, got %d", got)
	}
}

func TestExpandSeries_LockedByAnotherWorker(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	s := f.weeklySeries(0)
	created, err := f.svc.series.CreateSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}

	err = f.locker.WithLock(context.Background(), redisclient.SeriesLockKey(created.ID), func(context.Context) error {
		_, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
		return err
	})
	if !errors.Is(err, ErrSeriesLocked) {
		t.Fatalf("expected ErrSeriesLocked, got %v", err)
	}
}

func TestExpandSeries_PausedSeriesIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(4)

	s := f.weeklySeries(0)
	created, err := f.svc.series.CreateSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if _, err := f.svc.PauseSeries(f.ctx, created.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	n, err := f.svc.ExpandDueSeries(context.Background())
	if err != nil {
		t.Fatalf("expand due: %v", err)
	}
	if n != 0 {
		t.Errorf("paused series should not be expanded, got %d", n)
	}
	res, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(res.Booked) != 0 {
		t.Errorf("paused series booked %d occurrences", len(res.Booked))
	}
	if _, err := f.svc.PauseSeries(f.ctx, created.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("pausing twice should fail, got %v", err)
	}

	if _, err := f.svc.ResumeSeries(f.ctx, created.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	n, err = f.svc.ExpandDueSeries(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected the resumed series expanded, got %d, %v", n, err)
	}
	if got := len(f.repo.confirmedFor(f.doctor)); got != 4 {
		t.Errorf("expected 4 appointments after resume, got %d", got)
	}
}

func TestCancelSeries_CancelsFutureAppointments(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(4)

	s := f.weeklySeries(0)
	created, result, err := f.svc.CreateRecurringSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if len(result.Booked) != 4 {
		t.Fatalf("expected 4 booked, got %d", len(result.Booked))
	}

	// the first Monday is in the past by now
	f.clock.Advance(4 * 24 * time.Hour)

	updated, n, err := f.svc.CancelSeries(f.ctx, created.ID, "treatment finished")
	if err != nil {
		t.Fatalf("cancel series: %v", err)
	}
	if updated.Status != SeriesCancelled {
		t.Errorf("expected cancelled, got %s", updated.Status)
	}
	if n != 3 {
		t.Errorf("expected 3 future appointments cancelled, got %d", n)
	}
	if left := f.repo.confirmedFor(f.doctor); len(left) != 1 {
		t.Errorf("expected the past appointment kept, %d left", len(left))
	}
	for _, o := range f.repo.occurrencesOf(created.ID)[1:] {
		if o.Status != OccurrenceCancelled {
			t.Errorf("occurrence %s has status %s", o.OccurrenceDate.Format(time.DateOnly), o.Status)
		}
	}
	if _, _, err := f.svc.CancelSeries(f.ctx, created.ID, "again"); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("cancelling twice should fail, got %v", err)
	}
}

func TestCreateSeries_Validation(t *testing.T) {
	f := newFixture(t)

	past := f.weeklySeries(0)
	past.StartDate = testMonday.AddDate(0, 0, -7)
	if _, err := f.svc.series.CreateSeries(f.ctx, &past); !IsValidation(err) {
		t.Errorf("expected validation error for past start, got %v", err)
	}

	bad := f.weeklySeries(0)
	bad.Pattern = "hourly"
	if _, err := f.svc.series.CreateSeries(f.ctx, &bad); !IsValidation(err) {
		t.Errorf("expected validation error for pattern, got %v", err)
	}

	late := f.weeklySeries(0)
	late.StartTime = MustClock("23:45")
	if _, err := f.svc.series.CreateSeries(f.ctx, &late); !IsValidation(err) {
		t.Errorf("expected validation error for occurrence past midnight, got %v", err)
	}

	backwards := f.weeklySeries(0)
	backwards.EndDate = dayPtr("2026-03-01")
	if _, err := f.svc.series.CreateSeries(f.ctx, &backwards); !IsValidation(err) {
		t.Errorf("expected validation error for end before start, got %v", err)
	}
}

func TestExpandSeries_BusyOccurrenceIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(4)

	s := f.weeklySeries(4)
	created, err := f.svc.series.CreateSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}

	// enough conflicts to exhaust the first occurrence's retries
	f.repo.failBumps = 3
	result, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(result.Booked) != 3 || len(result.Skipped) != 1 {
		t.Fatalf("expected 3 booked and 1 skipped, got %d and %d", len(result.Booked), len(result.Skipped))
	}
	skipped := result.Skipped[0]
	if skipped.OccurrenceDate.Format(time.DateOnly) != "2026-03-02" || skipped.Reason != ReasonLedgerBusy {
		t.Errorf("unexpected skipped occurrence %+v", skipped)
	}
	if len(f.notifier.skipped) != 1 || f.notifier.skipped[0].Reason != ReasonLedgerBusy {
		t.Errorf("expected one busy skipped-occurrence event, got %+v", f.notifier.skipped)
	}
	if got := len(f.repo.confirmedFor(f.doctor)); got != 3 {
		t.Errorf("expected 3 appointments, got %d", got)
	}
	if !result.Completed {
		t.Error("series should complete once all four occurrences are accounted for")
	}
}

func TestExpandSeries_ExplicitHorizon(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(4)

	s := f.weeklySeries(0)
	created, err := f.svc.series.CreateSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}

	short, err := f.svc.ExpandSeries(f.ctx, created.ID, day("2026-03-09"))
	if err != nil {
		t.Fatalf("expand to 2026-03-09: %v", err)
	}
	if got := len(short.Booked); got != 2 {
		t.Fatalf("expected 2 occurrences through 2026-03-09, got %d", got)
	}

	rest, err := f.svc.ExpandSeries(f.ctx, created.ID, time.Time{})
	if err != nil {
		t.Fatalf("expand to default horizon: %v", err)
	}
	if len(rest.Booked) != 2 || rest.Booked[0].Start.Format(time.DateOnly) != "2026-03-16" {
		t.Errorf("expected the default horizon to add 2026-03-16 and 2026-03-23, got %d", len(rest.Booked))
	}
}

func TestCancelSeries_CompletedSeries(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "09:00", "12:00", 30)
	f.mondays(2)

	s := f.weeklySeries(2)
	created, result, err := f.svc.CreateRecurringSeries(f.ctx, &s)
	if err != nil {
		t.Fatalf("create series: %v", err)
	}
	if !result.Completed {
		t.Fatal("series should complete after two occurrences")
	}

	updated, n, err := f.svc.CancelSeries(f.ctx, created.ID, "plan changed")
	if err != nil {
		t.Fatalf("cancel series: %v", err)
	}
	if updated.Status != SeriesCancelled {
		t.Errorf("expected cancelled, got %s", updated.Status)
	}
	if n != 2 {
		t.Errorf("expected 2 appointments cancelled, got %d", n)
	}
}
