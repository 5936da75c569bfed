package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

// Scheduler is the part of scheduling.Service the HTTP layer drives.
type Scheduler interface {
	CreateAvailabilityWindow(ctx context.Context, w *scheduling.AvailabilityWindow) (*scheduling.AvailabilityWindow, error)
	CreateBufferRule(ctx context.Context, r *scheduling.AppointmentBufferRule) (*scheduling.AppointmentBufferRule, error)
	CreateResource(ctx context.Context, r *scheduling.HospitalResource) (*scheduling.HospitalResource, error)
	CreateHoliday(ctx context.Context, h *scheduling.Holiday) (*scheduling.Holiday, error)

	GenerateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.TimeSlot, error)
	ListSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]scheduling.TimeSlot, error)

	CheckAndReserve(ctx context.Context, req scheduling.BookingRequest) (*scheduling.Reservation, []scheduling.SchedulingConflict, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	CancelBooking(ctx context.Context, appointmentID uuid.UUID, reason string) (*scheduling.Appointment, error)

	ReserveResource(ctx context.Context, appointmentID, resourceID uuid.UUID) (*scheduling.ResourceBooking, []scheduling.SchedulingConflict, error)
	ConfirmResourceBooking(ctx context.Context, bookingID, approverID uuid.UUID) (*scheduling.ResourceBooking, error)
	DenyResourceBooking(ctx context.Context, bookingID, approverID uuid.UUID, reason string) (*scheduling.ResourceBooking, error)
	CancelResourceBooking(ctx context.Context, bookingID uuid.UUID, reason string) (*scheduling.ResourceBooking, error)

	CreateWaitlistEntry(ctx context.Context, e *scheduling.AppointmentWaitlist) (*scheduling.AppointmentWaitlist, error)
	ConfirmWaitlistOffer(ctx context.Context, entryID uuid.UUID) (*scheduling.Reservation, error)
	DeclineWaitlistOffer(ctx context.Context, entryID uuid.UUID) (*scheduling.AppointmentWaitlist, error)
	CancelWaitlistEntry(ctx context.Context, entryID uuid.UUID) (*scheduling.AppointmentWaitlist, error)
	ExpireOffers(ctx context.Context) (int, error)

	CreateRecurringSeries(ctx context.Context, series *scheduling.RecurringAppointment) (*scheduling.RecurringAppointment, *scheduling.ExpansionResult, error)
	ExpandSeries(ctx context.Context, seriesID uuid.UUID, horizon time.Time) (*scheduling.ExpansionResult, error)
	ExpandDueSeries(ctx context.Context) (int, error)
	PauseSeries(ctx context.Context, seriesID uuid.UUID) (*scheduling.RecurringAppointment, error)
	ResumeSeries(ctx context.Context, seriesID uuid.UUID) (*scheduling.RecurringAppointment, error)
	CancelSeries(ctx context.Context, seriesID uuid.UUID, reason string) (*scheduling.RecurringAppointment, int, error)
}

var _ Scheduler = (*scheduling.Service)(nil)

type seriesTransition func(ctx context.Context, id uuid.UUID) (*scheduling.RecurringAppointment, error)

type waitlistTransition func(ctx context.Context, id uuid.UUID) (*scheduling.AppointmentWaitlist, error)

type RouterConfig struct {
	Service  Scheduler
	Postgres Pinger
	Redis    Pinger
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(HospitalMiddleware)

		r.Post("/availability-windows", createWindowHandler(cfg.Service))
		r.Post("/buffer-rules", createBufferRuleHandler(cfg.Service))
		r.Post("/resources", createResourceHandler(cfg.Service))
		r.Post("/holidays", createHolidayHandler(cfg.Service))

		r.Route("/doctors/{doctorID}/slots", func(r chi.Router) {
			r.Get("/", listSlotsHandler(cfg.Service))
			r.Post("/generate", generateSlotsHandler(cfg.Service))
		})

		r.Post("/appointments", createAppointmentHandler(cfg.Service))
		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Get("/", getAppointmentHandler(cfg.Service))
			r.Post("/cancel", cancelAppointmentHandler(cfg.Service))
			r.Post("/resources", reserveResourceHandler(cfg.Service))
		})

		r.Route("/resource-bookings/{id}", func(r chi.Router) {
			r.Post("/confirm", confirmResourceBookingHandler(cfg.Service))
			r.Post("/deny", denyResourceBookingHandler(cfg.Service))
			r.Post("/cancel", cancelResourceBookingHandler(cfg.Service))
		})

		r.Post("/waitlist", createWaitlistHandler(cfg.Service))
		r.Route("/waitlist/{id}", func(r chi.Router) {
			r.Post("/confirm", confirmWaitlistOfferHandler(cfg.Service))
			r.Post("/decline", declineWaitlistOfferHandler(cfg.Service))
			r.Post("/cancel", cancelWaitlistEntryHandler(cfg.Service))
		})

		r.Post("/series", createSeriesHandler(cfg.Service))
		r.Route("/series/{id}", func(r chi.Router) {
			r.Post("/expand", expandSeriesHandler(cfg.Service))
			r.Post("/pause", pauseSeriesHandler(cfg.Service))
			r.Post("/resume", resumeSeriesHandler(cfg.Service))
			r.Post("/cancel", cancelSeriesHandler(cfg.Service))
		})

		r.Post("/admin/offers/expire", expireOffersHandler(cfg.Service))
		r.Post("/admin/series/expand", expandDueSeriesHandler(cfg.Service))
	})

	return r
}
