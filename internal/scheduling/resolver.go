package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BookingRequest names a doctor, a time range and the resources a booking needs.
type BookingRequest struct {
	DoctorID           uuid.UUID `validate:"required"`
	PatientID          uuid.UUID `validate:"required"`
	AppointmentType    string
	Department         string
	Start              time.Time `validate:"required"`
	End                time.Time `validate:"required"`
	RequiredResources  []uuid.UUID
	PreferredResources []uuid.UUID
	Source             AppointmentSource
	SeriesID           *uuid.UUID
	OccurrenceDate     *time.Time
	WaitlistEntryID    *uuid.UUID
}

// Reservation is the committed outcome of a clean booking request.
type Reservation struct {
	Appointment      Appointment
	Slots            []TimeSlot
	ResourceBookings []ResourceBooking
	// SkippedPreferred lists preferred resources that were not free.
	SkippedPreferred []uuid.UUID
	Rule             *AppointmentBufferRule
}

// Resolver validates booking requests against slots, buffer rules and
// resources, and commits clean ones.
type Resolver struct {
	repo       Repository
	resources  *ResourceManager
	log        zerolog.Logger
	now        func() time.Time
	maxRetries int
}

func NewResolver(repo Repository, resources *ResourceManager, log zerolog.Logger, opts Options) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{
		repo:       repo,
		resources:  resources,
		log:        log.With().Str("component", "resolver").Logger(),
		now:        opts.Now,
		maxRetries: opts.MaxBookingRetries,
	}
}

// CheckAndReserve evaluates every check and returns all conflicts found.
// The reservation is committed only when the conflict list is empty; a
// ledger that keeps moving underneath the request yields ErrBusy.
func (r *Resolver) CheckAndReserve(ctx context.Context, req BookingRequest) (*Reservation, []SchedulingConflict, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := normalizeRequest(&req); err != nil {
		return nil, nil, err
	}

	var (
		res       *Reservation
		conflicts []SchedulingConflict
		attempts  int
	)
	err = runWithRetry(ctx, r.repo, r.maxRetries, func(ctx context.Context) error {
		attempts++
		var err error
		res, conflicts, err = r.reserveInTx(ctx, hospitalID, req)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			r.log.Warn().Str("doctor_id", req.DoctorID.String()).Int("attempts", attempts).Msg("booking ledger busy")
		}
		return nil, nil, err
	}

	if len(conflicts) > 0 {
		r.log.Info().
			Str("doctor_id", req.DoctorID.String()).
			Time("start", req.Start).
			Int("conflicts", len(conflicts)).
			Msg("booking rejected")
		return nil, conflicts, nil
	}

	logEvent(ctx, r.repo, r.log, EventAppointmentBooked, &res.Appointment.ID, map[string]any{
		"doctor_id":  req.DoctorID.String(),
		"patient_id": req.PatientID.String(),
		"start":      req.Start,
		"end":        req.End,
		"source":     string(res.Appointment.Source),
		"resources":  len(res.ResourceBookings),
	})
	return res, nil, nil
}

func normalizeRequest(req *BookingRequest) error {
	if verr := checkStruct(req); verr != nil {
		return verr
	}
	if !req.End.After(req.Start) {
		return newValidationError("End", "must be after Start")
	}
	if !DateOf(req.Start).Equal(DateOf(req.End.Add(-time.Nanosecond))) {
		return newValidationError("End", "booking must end on its start date")
	}
	if req.Source == "" {
		req.Source = SourceDirect
	}
	req.RequiredResources = uniqueIDs(req.RequiredResources, nil)
	req.PreferredResources = uniqueIDs(req.PreferredResources, req.RequiredResources)
	return nil
}

func uniqueIDs(ids []uuid.UUID, exclude []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids)+len(exclude))
	for _, id := range exclude {
		seen[id] = true
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// bookingPlan carries what evaluateInTx read for a clean request into the
// commit.
type bookingPlan struct {
	doctor       ledgerRead
	rule         AppointmentBufferRule
	hasRule      bool
	blockedFrom  time.Time
	blockedUntil time.Time
	cleanup      time.Duration
	covering     []TimeSlot
	resources    []resourcePlan
}

// reserveInTx runs all checks and, when they pass, commits the reservation
// in the transaction carried by ctx. Callers that need the booking to
// commit together with their own writes call it inside their transaction.
func (r *Resolver) reserveInTx(ctx context.Context, hospitalID uuid.UUID, req BookingRequest) (*Reservation, []SchedulingConflict, error) {
	plan, conflicts, err := r.evaluateInTx(ctx, req)
	if err != nil || len(conflicts) > 0 {
		return nil, conflicts, err
	}
	return r.commitInTx(ctx, hospitalID, req, plan)
}

// evaluateInTx runs every check against the state visible in ctx's
// transaction without writing anything.
func (r *Resolver) evaluateInTx(ctx context.Context, req BookingRequest) (*bookingPlan, []SchedulingConflict, error) {
	date := DateOf(req.Start)
	doctorKey := DoctorLedger(req.DoctorID, date)

	doctorVersion, err := r.repo.LedgerVersion(ctx, doctorKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read doctor ledger: %w", err)
	}

	rules, err := r.repo.ListBufferRules(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load buffer rules: %w", err)
	}
	rule, hasRule := SelectBufferRule(rules, req.DoctorID, req.AppointmentType, req.Department)
	before, after := rule.padding()
	blockedFrom := req.Start.Add(-before)
	blockedUntil := req.End.Add(after)

	var conflicts []SchedulingConflict

	holiday, err := r.repo.FindHoliday(ctx, req.DoctorID, date)
	if err != nil {
		return nil, nil, fmt.Errorf("load holidays: %w", err)
	}
	if holiday != nil {
		code := CodeHospitalClosed
		if holiday.DoctorID != nil {
			code = CodeDoctorUnavailable
		}
		conflicts = append(conflicts, SchedulingConflict{
			Type:    ConflictHoliday,
			Code:    code,
			Message: fmt.Sprintf("%s is not a working day: %s", date.Format("2006-01-02"), holiday.Reason),
		})
	}

	// 1. doctor availability
	slots, err := r.repo.ListSlots(ctx, req.DoctorID, date)
	if err != nil {
		return nil, nil, fmt.Errorf("load slots: %w", err)
	}
	covering, slotConflicts := coverRange(slots, req.Start, req.End)
	conflicts = append(conflicts, slotConflicts...)

	// 2. buffer compliance
	dayEnd := date.AddDate(0, 0, 1)
	from, to := date, dayEnd
	if blockedFrom.Before(from) {
		from = blockedFrom
	}
	if blockedUntil.After(to) {
		to = blockedUntil
	}
	existing, err := r.repo.ListDoctorAppointments(ctx, req.DoctorID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("load doctor appointments: %w", err)
	}
	reported := make(map[uuid.UUID]bool, len(slotConflicts))
	for _, c := range slotConflicts {
		if c.AppointmentID != nil {
			reported[*c.AppointmentID] = true
		}
	}
	for _, a := range existing {
		if reported[a.ID] {
			continue
		}
		if overlaps(blockedFrom, blockedUntil, a.BlockedFrom, a.BlockedUntil) {
			c := SchedulingConflict{
				Type:          ConflictBuffer,
				Code:          CodeBufferOverlap,
				Message:       fmt.Sprintf("overlaps appointment %s-%s including buffers", a.Start.Format("15:04"), a.End.Format("15:04")),
				AppointmentID: idPtr(a.ID),
				Start:         timePtr(a.BlockedFrom),
				End:           timePtr(a.BlockedUntil),
			}
			if hasRule {
				c.RuleID = idPtr(rule.ID)
			}
			conflicts = append(conflicts, c)
		}
	}

	// 3. consecutive-appointment limit
	if hasRule && rule.MaxConsecutive > 0 {
		if run := consecutiveRun(rule, existing, req.Start, req.End); run > rule.MaxConsecutive {
			conflicts = append(conflicts, SchedulingConflict{
				Type:    ConflictBuffer,
				Code:    CodeMaxConsecutive,
				Message: fmt.Sprintf("would be %d consecutive appointments, limit is %d", run, rule.MaxConsecutive),
				RuleID:  idPtr(rule.ID),
			})
		}
	}

	// 4. resource availability
	cleanup := minutes(rule.CleanupMinutes)
	var plans []resourcePlan
	for _, id := range req.RequiredResources {
		plan, rc, err := r.resources.check(ctx, id, req.Start, req.End, cleanup)
		if err != nil {
			return nil, nil, err
		}
		if len(rc) > 0 {
			conflicts = append(conflicts, rc...)
			continue
		}
		plans = append(plans, *plan)
	}

	if len(conflicts) > 0 {
		return nil, conflicts, nil
	}
	return &bookingPlan{
		doctor:       ledgerRead{key: doctorKey, version: doctorVersion},
		rule:         rule,
		hasRule:      hasRule,
		blockedFrom:  blockedFrom,
		blockedUntil: blockedUntil,
		cleanup:      cleanup,
		covering:     covering,
		resources:    plans,
	}, nil, nil
}

// commitInTx books a request that evaluateInTx passed. Preferred resources
// that are taken are skipped and reported.
func (r *Resolver) commitInTx(ctx context.Context, hospitalID uuid.UUID, req BookingRequest, bp *bookingPlan) (*Reservation, []SchedulingConflict, error) {
	plans := bp.resources
	var skipped []uuid.UUID
	for _, id := range req.PreferredResources {
		plan, rc, err := r.resources.check(ctx, id, req.Start, req.End, bp.cleanup)
		if err != nil {
			return nil, nil, err
		}
		if len(rc) > 0 {
			skipped = append(skipped, id)
			continue
		}
		plans = append(plans, *plan)
	}

	reads := []ledgerRead{bp.doctor}
	for _, p := range plans {
		reads = append(reads, ledgerRead{key: p.key, version: p.version})
	}
	if err := bumpAll(ctx, r.repo, reads); err != nil {
		return nil, nil, err
	}

	now := r.now()
	appt := Appointment{
		ID:              uuid.New(),
		HospitalID:      hospitalID,
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		AppointmentType: req.AppointmentType,
		Department:      req.Department,
		Start:           req.Start,
		End:             req.End,
		BlockedFrom:     bp.blockedFrom,
		BlockedUntil:    bp.blockedUntil,
		Status:          AppointmentConfirmed,
		Source:          req.Source,
		SeriesID:        req.SeriesID,
		OccurrenceDate:  req.OccurrenceDate,
		WaitlistEntryID: req.WaitlistEntryID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.repo.InsertAppointment(ctx, &appt); err != nil {
		return nil, nil, fmt.Errorf("insert appointment: %w", err)
	}

	covering := bp.covering
	slotIDs := make([]uuid.UUID, len(covering))
	for i := range covering {
		slotIDs[i] = covering[i].ID
		covering[i].State = SlotBooked
		covering[i].AppointmentID = idPtr(appt.ID)
	}
	if err := r.repo.MarkSlotsBooked(ctx, slotIDs, appt.ID); err != nil {
		if errors.Is(err, ErrSlotNotFree) {
			// the ledger guards slots; a moved slot means a writer skipped it
			return nil, nil, ErrVersionConflict
		}
		return nil, nil, fmt.Errorf("mark slots booked: %w", err)
	}

	bookings := make([]ResourceBooking, 0, len(plans))
	for _, p := range plans {
		b, err := r.resources.reserve(ctx, p, appt)
		if err != nil {
			return nil, nil, err
		}
		bookings = append(bookings, *b)
	}

	res := &Reservation{
		Appointment:      appt,
		Slots:            covering,
		ResourceBookings: bookings,
		SkippedPreferred: skipped,
	}
	if bp.hasRule {
		rule := bp.rule
		res.Rule = &rule
	}
	return res, nil, nil
}

// coverRange returns the contiguous free slots covering [start, end), or
// the conflicts explaining why the doctor is not available.
func coverRange(slots []TimeSlot, start, end time.Time) ([]TimeSlot, []SchedulingConflict) {
	var touching []TimeSlot
	for _, s := range slots {
		if overlaps(s.Start, s.End, start, end) {
			touching = append(touching, s)
		}
	}
	sort.Slice(touching, func(i, j int) bool { return touching[i].Start.Before(touching[j].Start) })

	if len(touching) == 0 {
		return nil, []SchedulingConflict{{
			Type:    ConflictDoctorUnavailable,
			Code:    CodeNoSlot,
			Message: fmt.Sprintf("doctor has no slots between %s and %s", start.Format("15:04"), end.Format("15:04")),
			Start:   timePtr(start),
			End:     timePtr(end),
		}}
	}

	var conflicts []SchedulingConflict
	for _, s := range touching {
		if s.State != SlotFree {
			conflicts = append(conflicts, SchedulingConflict{
				Type:          ConflictDoctorUnavailable,
				Code:          CodeSlotBooked,
				Message:       fmt.Sprintf("slot %s-%s is already booked", s.Start.Format("15:04"), s.End.Format("15:04")),
				SlotID:        idPtr(s.ID),
				AppointmentID: s.AppointmentID,
				Start:         timePtr(s.Start),
				End:           timePtr(s.End),
			})
		}
	}

	cursor := start
	for _, s := range touching {
		if s.Start.After(cursor) {
			conflicts = append(conflicts, gapConflict(cursor, s.Start))
		}
		if s.End.After(cursor) {
			cursor = s.End
		}
	}
	if cursor.Before(end) {
		conflicts = append(conflicts, gapConflict(cursor, end))
	}

	if len(conflicts) > 0 {
		return nil, conflicts
	}
	return touching, nil
}

func gapConflict(from, to time.Time) SchedulingConflict {
	return SchedulingConflict{
		Type:    ConflictDoctorUnavailable,
		Code:    CodeSlotGap,
		Message: fmt.Sprintf("doctor is not available between %s and %s", from.Format("15:04"), to.Format("15:04")),
		Start:   timePtr(from),
		End:     timePtr(to),
	}
}
