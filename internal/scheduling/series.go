package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

// AppointmentDraft is one materialized occurrence of a series, not yet booked.
type AppointmentDraft struct {
	SeriesID       uuid.UUID
	OccurrenceDate time.Time
	Start          time.Time
	End            time.Time
}

// MaterializeOccurrences steps the series pattern forward from its
// high-water mark (exclusive) or its start date, up to and including the
// horizon date. It stops early at the end date or when the occurrence
// budget is spent.
func MaterializeOccurrences(s RecurringAppointment, horizon time.Time) []AppointmentDraft {
	start := DateOf(s.StartDate)
	limit := DateOf(horizon)
	if s.EndDate != nil && DateOf(*s.EndDate).Before(limit) {
		limit = DateOf(*s.EndDate)
	}

	remaining := -1
	if s.MaxOccurrences > 0 {
		remaining = s.MaxOccurrences - s.OccurrencesGenerated
		if remaining <= 0 {
			return nil
		}
	}

	interval := s.Interval
	if interval < 1 {
		interval = 1
	}

	var drafts []AppointmentDraft
	for period := 0; ; period++ {
		dates := periodDates(s, start, period*interval)
		if len(dates) == 0 || dates[0].After(limit) {
			return drafts
		}
		for _, d := range dates {
			if d.Before(start) || d.After(limit) {
				continue
			}
			if s.LastGeneratedDate != nil && !d.After(DateOf(*s.LastGeneratedDate)) {
				continue
			}
			begin := s.StartTime.On(d)
			drafts = append(drafts, AppointmentDraft{
				SeriesID:       s.ID,
				OccurrenceDate: d,
				Start:          begin,
				End:            begin.Add(minutes(s.DurationMinutes)),
			})
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return drafts
				}
			}
		}
	}
}

// periodDates returns the sorted candidate dates of the period that starts
// offset days, weeks, months or years after the series start.
func periodDates(s RecurringAppointment, start time.Time, offset int) []time.Time {
	switch s.Pattern {
	case PatternDaily:
		return []time.Time{start.AddDate(0, 0, offset)}
	case PatternWeekly:
		days := s.DaysOfWeek
		if len(days) == 0 {
			days = []time.Weekday{start.Weekday()}
		}
		days = append([]time.Weekday(nil), days...)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		// weeks are counted from the Sunday of the start week
		anchor := start.AddDate(0, 0, -int(start.Weekday())+7*offset)
		out := make([]time.Time, 0, len(days))
		var last time.Weekday = -1
		for _, wd := range days {
			if wd == last {
				continue
			}
			last = wd
			out = append(out, anchor.AddDate(0, 0, int(wd)))
		}
		return out
	case PatternMonthly:
		day := s.DayOfMonth
		if day == 0 {
			day = start.Day()
		}
		first := time.Date(start.Year(), start.Month()+time.Month(offset), 1, 0, 0, 0, 0, start.Location())
		return []time.Time{clampDay(first.Year(), first.Month(), day, start.Location())}
	case PatternYearly:
		return []time.Time{clampDay(start.Year()+offset, start.Month(), start.Day(), start.Location())}
	default:
		return nil
	}
}

// clampDay builds a date, using the last day of the month when day is past it.
func clampDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// Locker serializes work on a key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ExpansionResult reports what one ExpandSeries run materialized.
type ExpansionResult struct {
	SeriesID  uuid.UUID
	Booked    []Appointment
	Skipped   []SeriesOccurrence
	Completed bool
}

// SeriesService expands recurring series into booked appointments.
type SeriesService struct {
	repo       Repository
	resolver   *Resolver
	locker     Locker
	notifier   Notifier
	log        zerolog.Logger
	now        func() time.Time
	horizon    time.Duration
	maxRetries int
	canceller  func(ctx context.Context, appointmentID uuid.UUID, reason string) error
}

func NewSeriesService(repo Repository, resolver *Resolver, locker Locker, notifier Notifier, log zerolog.Logger, opts Options) *SeriesService {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SeriesService{
		repo:       repo,
		resolver:   resolver,
		locker:     locker,
		notifier:   notifier,
		log:        log.With().Str("component", "series").Logger(),
		now:        opts.Now,
		horizon:    opts.SeriesHorizon,
		maxRetries: opts.MaxBookingRetries,
	}
}

// CreateSeries stores a new active series. Occurrences are booked by ExpandSeries.
func (s *SeriesService) CreateSeries(ctx context.Context, series *RecurringAppointment) (*RecurringAppointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if series.Interval == 0 {
		series.Interval = 1
	}
	if err := validateSeries(series); err != nil {
		return nil, err
	}
	if DateOf(series.StartDate).Before(DateOf(s.now().In(series.StartDate.Location()))) {
		return nil, newValidationError("StartDate", "must not be in the past")
	}

	now := s.now()
	series.ID = uuid.New()
	series.HospitalID = hospitalID
	series.StartDate = DateOf(series.StartDate)
	series.Status = SeriesActive
	series.LastGeneratedDate = nil
	series.OccurrencesGenerated = 0
	series.CreatedAt = now
	series.UpdatedAt = now
	if err := s.repo.CreateSeries(ctx, series); err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}
	return series, nil
}

// ExpandSeries books every occurrence up to horizon, or up to the configured
// series horizon from now when horizon is zero. Occurrences that conflict or
// stay busy are recorded as skipped and reported to staff; expansion goes on.
func (s *SeriesService) ExpandSeries(ctx context.Context, seriesID uuid.UUID, horizon time.Time) (*ExpansionResult, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}

	result := &ExpansionResult{SeriesID: seriesID}
	var skippedEvents []SkippedOccurrenceEvent

	err = s.locker.WithLock(ctx, redisclient.SeriesLockKey(seriesID), func(ctx context.Context) error {
		series, err := s.repo.GetSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		if series.Status != SeriesActive {
			return nil
		}

		if horizon.IsZero() {
			horizon = s.now().In(series.StartDate.Location()).Add(s.horizon)
		}
		horizon = DateOf(horizon)
		drafts := MaterializeOccurrences(*series, horizon)
		generated := series.OccurrencesGenerated

		for _, d := range drafts {
			occ, appt, conflicts, err := s.bookOccurrence(ctx, hospitalID, *series, d, generated+1)
			if err != nil {
				return fmt.Errorf("occurrence %s: %w", d.OccurrenceDate.Format("2006-01-02"), err)
			}
			generated++
			if appt != nil {
				result.Booked = append(result.Booked, *appt)
				continue
			}
			result.Skipped = append(result.Skipped, *occ)
			skippedEvents = append(skippedEvents, SkippedOccurrenceEvent{
				HospitalID:     hospitalID,
				SeriesID:       seriesID,
				OccurrenceDate: d.OccurrenceDate,
				Reason:         occ.Reason,
				Conflicts:      conflicts,
			})
		}

		done := series.MaxOccurrences > 0 && generated >= series.MaxOccurrences
		if series.EndDate != nil && !horizon.Before(DateOf(*series.EndDate)) {
			done = true
		}
		if done {
			if _, err := s.repo.UpdateSeriesStatus(ctx, seriesID, SeriesActive, SeriesCompleted); err != nil {
				return fmt.Errorf("complete series: %w", err)
			}
			result.Completed = true
		}
		return nil
	})

	// skipped occurrences are committed even when a later one failed
	for _, ev := range skippedEvents {
		if nerr := s.notifier.NotifySkippedOccurrence(ctx, ev); nerr != nil {
			s.log.Error().Err(nerr).Str("series_id", seriesID.String()).Msg("notify skipped occurrence")
		}
		logEvent(ctx, s.repo, s.log, EventSeriesOccurrenceSkipped, nil, map[string]any{
			"series_id":       seriesID.String(),
			"occurrence_date": ev.OccurrenceDate.Format("2006-01-02"),
			"reason":          ev.Reason,
		})
	}
	for i := range result.Booked {
		logEvent(ctx, s.repo, s.log, EventAppointmentBooked, &result.Booked[i].ID, map[string]any{
			"series_id":       seriesID.String(),
			"occurrence_date": result.Booked[i].OccurrenceDate,
			"source":          string(SourceSeries),
		})
	}

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSeriesLocked
		}
		return nil, err
	}
	if result.Completed {
		logEvent(ctx, s.repo, s.log, EventSeriesCompleted, nil, map[string]any{"series_id": seriesID.String()})
	}

	s.log.Info().
		Str("series_id", seriesID.String()).
		Int("booked", len(result.Booked)).
		Int("skipped", len(result.Skipped)).
		Bool("completed", result.Completed).
		Msg("series expanded")
	return result, nil
}

// bookOccurrence books one draft and records its outcome together with the
// series high-water mark in a single transaction.
func (s *SeriesService) bookOccurrence(ctx context.Context, hospitalID uuid.UUID, series RecurringAppointment, d AppointmentDraft, generated int) (*SeriesOccurrence, *Appointment, []SchedulingConflict, error) {
	date := d.OccurrenceDate
	req := BookingRequest{
		DoctorID:          series.DoctorID,
		PatientID:         series.PatientID,
		AppointmentType:   series.AppointmentType,
		Department:        series.Department,
		Start:             d.Start,
		End:               d.End,
		RequiredResources: series.RequiredResources,
		Source:            SourceSeries,
		SeriesID:          &series.ID,
		OccurrenceDate:    &date,
	}
	if err := normalizeRequest(&req); err != nil {
		return nil, nil, nil, err
	}

	var (
		occ       *SeriesOccurrence
		appt      *Appointment
		conflicts []SchedulingConflict
	)
	err := runWithRetry(ctx, s.repo, s.maxRetries, func(ctx context.Context) error {
		occ, appt, conflicts = nil, nil, nil

		res, cs, err := s.resolver.reserveInTx(ctx, hospitalID, req)
		if err != nil {
			return err
		}

		occ = &SeriesOccurrence{
			SeriesID:       series.ID,
			HospitalID:     hospitalID,
			OccurrenceDate: date,
			Status:         OccurrenceBooked,
			CreatedAt:      s.now(),
		}
		if len(cs) > 0 {
			conflicts = cs
			occ.Status = OccurrenceSkippedConflict
			occ.Reason = describeConflicts(cs)
		} else {
			appt = &res.Appointment
			occ.AppointmentID = idPtr(appt.ID)
		}

		if err := s.repo.InsertOccurrence(ctx, occ); err != nil {
			return fmt.Errorf("record occurrence: %w", err)
		}
		return s.repo.AdvanceSeries(ctx, series.ID, date, generated)
	})
	if errors.Is(err, ErrBusy) {
		return s.skipBusy(ctx, hospitalID, series.ID, date, generated)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return occ, appt, conflicts, nil
}

// skipBusy records an occurrence whose ledgers stayed contended through every
// retry. It counts against the series like any other skipped occurrence.
func (s *SeriesService) skipBusy(ctx context.Context, hospitalID, seriesID uuid.UUID, date time.Time, generated int) (*SeriesOccurrence, *Appointment, []SchedulingConflict, error) {
	occ := &SeriesOccurrence{
		SeriesID:       seriesID,
		HospitalID:     hospitalID,
		OccurrenceDate: date,
		Status:         OccurrenceSkippedConflict,
		Reason:         ReasonLedgerBusy,
		CreatedAt:      s.now(),
	}
	err := s.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.InsertOccurrence(ctx, occ); err != nil {
			return fmt.Errorf("record occurrence: %w", err)
		}
		return s.repo.AdvanceSeries(ctx, seriesID, date, generated)
	})
	if err != nil {
		return nil, nil, nil, err
	}
	s.log.Warn().
		Str("series_id", seriesID.String()).
		Str("occurrence_date", date.Format("2006-01-02")).
		Msg("occurrence skipped, ledger busy")
	return occ, nil, nil, nil
}

func describeConflicts(cs []SchedulingConflict) string {
	seen := make(map[string]bool, len(cs))
	codes := make([]string, 0, len(cs))
	for _, c := range cs {
		if !seen[c.Code] {
			seen[c.Code] = true
			codes = append(codes, c.Code)
		}
	}
	return strings.Join(codes, ", ")
}

func (s *SeriesService) PauseSeries(ctx context.Context, seriesID uuid.UUID) (*RecurringAppointment, error) {
	return s.setStatus(ctx, seriesID, SeriesActive, SeriesPaused)
}

func (s *SeriesService) ResumeSeries(ctx context.Context, seriesID uuid.UUID) (*RecurringAppointment, error) {
	return s.setStatus(ctx, seriesID, SeriesPaused, SeriesActive)
}

func (s *SeriesService) setStatus(ctx context.Context, seriesID uuid.UUID, from, to SeriesStatus) (*RecurringAppointment, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateSeriesStatus(ctx, seriesID, from, to)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("series_id", seriesID.String()).Str("status", string(to)).Msg("series status changed")
	return updated, nil
}

// CancelSeries stops a series and cancels every appointment it has booked
// from now on. Each cancellation frees its slot for the waitlist.
func (s *SeriesService) CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (*RecurringAppointment, int, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, 0, err
	}

	var (
		updated   *RecurringAppointment
		cancelled int
	)
	err := s.locker.WithLock(ctx, redisclient.SeriesLockKey(seriesID), func(ctx context.Context) error {
		series, err := s.repo.GetSeries(ctx, seriesID)
		if err != nil {
			return err
		}
		if series.Status == SeriesCancelled {
			return ErrInvalidStatusTransition
		}
		updated, err = s.repo.UpdateSeriesStatus(ctx, seriesID, series.Status, SeriesCancelled)
		if err != nil {
			return err
		}

		future, err := s.repo.ListSeriesAppointments(ctx, seriesID, s.now())
		if err != nil {
			return fmt.Errorf("load series appointments: %w", err)
		}
		for _, a := range future {
			if err := s.canceller(ctx, a.ID, reason); err != nil {
				if errors.Is(err, ErrAppointmentCancelled) {
					continue
				}
				return fmt.Errorf("cancel appointment %s: %w", a.ID, err)
			}
			cancelled++
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, 0, ErrSeriesLocked
		}
		return nil, cancelled, err
	}

	s.log.Info().Str("series_id", seriesID.String()).Int("cancelled", cancelled).Msg("series cancelled")
	return updated, cancelled, nil
}

// ExpandDue expands every active series of every hospital. Series held by
// another worker are left for the next run.
func (s *SeriesService) ExpandDue(ctx context.Context) (int, error) {
	refs, err := s.repo.ListActiveSeries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active series: %w", err)
	}

	expanded := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return expanded, ctx.Err()
		}
		_, err := s.ExpandSeries(WithHospital(ctx, ref.HospitalID), ref.ID, time.Time{})
		switch {
		case err == nil:
			expanded++
		case errors.Is(err, ErrSeriesLocked):
			s.log.Debug().Str("series_id", ref.ID.String()).Msg("series locked, skipping")
		default:
			s.log.Error().Err(err).Str("series_id", ref.ID.String()).Msg("expand series")
		}
	}
	return expanded, nil
}
