package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes the scheduling core. Zero values take the defaults.
type Options struct {
	OfferTTL          time.Duration
	MaxBookingRetries int
	SeriesHorizon     time.Duration
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.OfferTTL <= 0 {
		o.OfferTTL = 2 * time.Hour
	}
	if o.MaxBookingRetries < 1 {
		o.MaxBookingRetries = 3
	}
	if o.SeriesHorizon <= 0 {
		o.SeriesHorizon = 30 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service is the entry point of the scheduling core. It wires the slot
// generator, resolver, resource manager, series expander and waitlist
// matcher over one repository.
type Service struct {
	repo      Repository
	log       zerolog.Logger
	now       func() time.Time
	retries   int
	slots     *SlotGenerator
	resolver  *Resolver
	resources *ResourceManager
	series    *SeriesService
	waitlist  *WaitlistMatcher
}

func NewService(repo Repository, locker Locker, notifier Notifier, log zerolog.Logger, opts Options) *Service {
	opts = opts.withDefaults()

	resources := NewResourceManager(repo, log, opts)
	resolver := NewResolver(repo, resources, log, opts)
	waitlist := NewWaitlistMatcher(repo, resolver, notifier, log, opts)
	svc := &Service{
		repo:      repo,
		log:       log.With().Str("component", "service").Logger(),
		now:       opts.Now,
		retries:   opts.MaxBookingRetries,
		slots:     NewSlotGenerator(repo, log, opts, waitlist.OnSlotCreated),
		resolver:  resolver,
		resources: resources,
		waitlist:  waitlist,
	}
	svc.series = NewSeriesService(repo, resolver, locker, notifier, log, opts)
	svc.series.canceller = func(ctx context.Context, appointmentID uuid.UUID, reason string) error {
		_, err := svc.CancelBooking(ctx, appointmentID, reason)
		return err
	}
	return svc
}

func (s *Service) CreateAvailabilityWindow(ctx context.Context, w *AvailabilityWindow) (*AvailabilityWindow, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if w.Modality == "" {
		w.Modality = ModalityInPerson
	}
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	now := s.now()
	w.ID = uuid.New()
	w.HospitalID = hospitalID
	w.CreatedAt = now
	w.UpdatedAt = now
	if err := s.repo.CreateWindow(ctx, w); err != nil {
		return nil, fmt.Errorf("create availability window: %w", err)
	}
	return w, nil
}

func (s *Service) CreateBufferRule(ctx context.Context, r *AppointmentBufferRule) (*AppointmentBufferRule, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateRule(r); err != nil {
		return nil, err
	}
	r.ID = uuid.New()
	r.HospitalID = hospitalID
	r.CreatedAt = s.now()
	if err := s.repo.CreateBufferRule(ctx, r); err != nil {
		return nil, fmt.Errorf("create buffer rule: %w", err)
	}
	return r, nil
}

func (s *Service) CreateResource(ctx context.Context, r *HospitalResource) (*HospitalResource, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateResource(r); err != nil {
		return nil, err
	}
	r.ID = uuid.New()
	r.HospitalID = hospitalID
	r.CreatedAt = s.now()
	if err := s.repo.CreateResource(ctx, r); err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return r, nil
}

func (s *Service) CreateHoliday(ctx context.Context, h *Holiday) (*Holiday, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateHoliday(h); err != nil {
		return nil, err
	}
	h.ID = uuid.New()
	h.HospitalID = hospitalID
	h.Date = DateOf(h.Date)
	if err := s.repo.CreateHoliday(ctx, h); err != nil {
		return nil, fmt.Errorf("create holiday: %w", err)
	}
	return h, nil
}

func (s *Service) GenerateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	return s.slots.GenerateSlots(ctx, doctorID, date)
}

func (s *Service) ListSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}
	slots, err := s.repo.ListSlots(ctx, doctorID, DateOf(date))
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (s *Service) CheckAndReserve(ctx context.Context, req BookingRequest) (*Reservation, []SchedulingConflict, error) {
	return s.resolver.CheckAndReserve(ctx, req)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetAppointment(ctx, id)
}

// CancelBooking cancels an appointment and frees its slots and resources
// in one transaction. The freed slots are then handed to the waitlist.
func (s *Service) CancelBooking(ctx context.Context, appointmentID uuid.UUID, reason string) (*Appointment, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}

	var (
		cancelled *Appointment
		freed     []TimeSlot
		released  []ResourceBooking
	)
	err := runWithRetry(ctx, s.repo, s.retries, func(ctx context.Context) error {
		appt, err := s.repo.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status == AppointmentCancelled {
			return ErrAppointmentCancelled
		}
		if err := touchLedger(ctx, s.repo, DoctorLedger(appt.DoctorID, appt.Start)); err != nil {
			return err
		}
		cancelled, err = s.repo.UpdateAppointmentStatus(ctx, appt.ID, AppointmentConfirmed, AppointmentCancelled, reason)
		if err != nil {
			return err
		}
		freed, err = s.repo.ReleaseSlots(ctx, appt.ID)
		if err != nil {
			return fmt.Errorf("release slots: %w", err)
		}
		released, err = s.resources.cancelForAppointment(ctx, appt.ID, reason)
		if err != nil {
			return err
		}
		if appt.SeriesID != nil && appt.OccurrenceDate != nil {
			if err := s.repo.MarkOccurrenceCancelled(ctx, *appt.SeriesID, *appt.OccurrenceDate); err != nil {
				return fmt.Errorf("mark occurrence cancelled: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logEvent(ctx, s.repo, s.log, EventAppointmentCancelled, &cancelled.ID, map[string]any{
		"reason":             reason,
		"slots_freed":        len(freed),
		"resources_released": len(released),
	})
	s.waitlist.OnSlotFreed(ctx, freed)
	return cancelled, nil
}

func (s *Service) ReserveResource(ctx context.Context, appointmentID, resourceID uuid.UUID) (*ResourceBooking, []SchedulingConflict, error) {
	return s.resources.Reserve(ctx, appointmentID, resourceID)
}

func (s *Service) ConfirmResourceBooking(ctx context.Context, bookingID, approverID uuid.UUID) (*ResourceBooking, error) {
	return s.resources.Confirm(ctx, bookingID, approverID)
}

func (s *Service) DenyResourceBooking(ctx context.Context, bookingID, approverID uuid.UUID, reason string) (*ResourceBooking, error) {
	return s.resources.Deny(ctx, bookingID, approverID, reason)
}

func (s *Service) CancelResourceBooking(ctx context.Context, bookingID uuid.UUID, reason string) (*ResourceBooking, error) {
	return s.resources.Cancel(ctx, bookingID, reason)
}

func (s *Service) CreateWaitlistEntry(ctx context.Context, e *AppointmentWaitlist) (*AppointmentWaitlist, error) {
	return s.waitlist.CreateEntry(ctx, e)
}

func (s *Service) ConfirmWaitlistOffer(ctx context.Context, entryID uuid.UUID) (*Reservation, error) {
	return s.waitlist.ConfirmOffer(ctx, entryID)
}

func (s *Service) DeclineWaitlistOffer(ctx context.Context, entryID uuid.UUID) (*AppointmentWaitlist, error) {
	return s.waitlist.DeclineOffer(ctx, entryID)
}

func (s *Service) CancelWaitlistEntry(ctx context.Context, entryID uuid.UUID) (*AppointmentWaitlist, error) {
	return s.waitlist.CancelEntry(ctx, entryID)
}

// ExpireOffers is called by the worker on a schedule.
func (s *Service) ExpireOffers(ctx context.Context) (int, error) {
	return s.waitlist.ExpireOffers(ctx)
}

// CreateRecurringSeries stores the series and books its first horizon of
// occurrences.
func (s *Service) CreateRecurringSeries(ctx context.Context, series *RecurringAppointment) (*RecurringAppointment, *ExpansionResult, error) {
	created, err := s.series.CreateSeries(ctx, series)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.series.ExpandSeries(ctx, created.ID, time.Time{})
	if err != nil {
		return created, nil, err
	}
	return created, result, nil
}

// ExpandSeries books occurrences through horizon. A zero horizon means the
// configured series horizon from now.
func (s *Service) ExpandSeries(ctx context.Context, seriesID uuid.UUID, horizon time.Time) (*ExpansionResult, error) {
	return s.series.ExpandSeries(ctx, seriesID, horizon)
}

// ExpandDueSeries is called by the worker on a schedule.
func (s *Service) ExpandDueSeries(ctx context.Context) (int, error) {
	return s.series.ExpandDue(ctx)
}

func (s *Service) PauseSeries(ctx context.Context, seriesID uuid.UUID) (*RecurringAppointment, error) {
	return s.series.PauseSeries(ctx, seriesID)
}

func (s *Service) ResumeSeries(ctx context.Context, seriesID uuid.UUID) (*RecurringAppointment, error) {
	return s.series.ResumeSeries(ctx, seriesID)
}

func (s *Service) CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (*RecurringAppointment, int, error) {
	return s.series.CancelSeries(ctx, seriesID, reason)
}
