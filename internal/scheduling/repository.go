package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Every method except those noted as spanning hospitals is scoped to the
// hospital carried by ctx (see WithHospital). Methods join the transaction
// opened by RunInTx when ctx carries one.

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type LedgerStore interface {
	// LedgerVersion returns the current version, creating the ledger at 0.
	LedgerVersion(ctx context.Context, key LedgerKey) (int64, error)
	// BumpLedger increments the version only if it still equals expected;
	// otherwise it returns ErrVersionConflict.
	BumpLedger(ctx context.Context, key LedgerKey, expected int64) error
}

type AvailabilityStore interface {
	CreateWindow(ctx context.Context, w *AvailabilityWindow) error
	ListActiveWindows(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error)
}

type SlotStore interface {
	ListSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	InsertSlots(ctx context.Context, slots []TimeSlot) error
	// DeleteFreeSlots never removes a booked slot.
	DeleteFreeSlots(ctx context.Context, ids []uuid.UUID) error
	// MarkSlotsBooked returns ErrSlotNotFree unless every slot was free.
	MarkSlotsBooked(ctx context.Context, ids []uuid.UUID, appointmentID uuid.UUID) error
	// ReleaseSlots frees the slots held by an appointment and returns them.
	ReleaseSlots(ctx context.Context, appointmentID uuid.UUID) ([]TimeSlot, error)
}

type CalendarStore interface {
	CreateHoliday(ctx context.Context, h *Holiday) error
	// FindHoliday returns nil without error when the date is a working day.
	FindHoliday(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Holiday, error)
}

type RuleStore interface {
	CreateBufferRule(ctx context.Context, r *AppointmentBufferRule) error
	ListBufferRules(ctx context.Context) ([]AppointmentBufferRule, error)
}

type AppointmentStore interface {
	InsertAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListDoctorAppointments returns confirmed appointments whose blocked
	// range overlaps [from, to).
	ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason string) (*Appointment, error)
	// ListSeriesAppointments returns confirmed appointments of a series starting at or after 'after'.
	ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID, after time.Time) ([]Appointment, error)
	InsertEvent(ctx context.Context, ev EventLog) error
}

// ResourceDecision carries the audit fields written with a status change.
type ResourceDecision struct {
	ApprovedBy   *uuid.UUID
	DecidedAt    *time.Time
	CancelReason string
}

type ResourceStore interface {
	CreateResource(ctx context.Context, r *HospitalResource) error
	GetResource(ctx context.Context, id uuid.UUID) (*HospitalResource, error)
	// ListActiveResourceBookings returns pending or confirmed bookings overlapping [from, to).
	ListActiveResourceBookings(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceBooking, error)
	InsertResourceBooking(ctx context.Context, b *ResourceBooking) error
	GetResourceBooking(ctx context.Context, id uuid.UUID) (*ResourceBooking, error)
	UpdateResourceBookingStatus(ctx context.Context, id uuid.UUID, from, to ResourceBookingStatus, d ResourceDecision) (*ResourceBooking, error)
	ListAppointmentResourceBookings(ctx context.Context, appointmentID uuid.UUID) ([]ResourceBooking, error)
}

// SeriesRef identifies a series together with its hospital.
type SeriesRef struct {
	ID         uuid.UUID
	HospitalID uuid.UUID
}

type SeriesStore interface {
	CreateSeries(ctx context.Context, s *RecurringAppointment) error
	GetSeries(ctx context.Context, id uuid.UUID) (*RecurringAppointment, error)
	UpdateSeriesStatus(ctx context.Context, id uuid.UUID, from, to SeriesStatus) (*RecurringAppointment, error)
	// AdvanceSeries moves the high-water mark and occurrence count forward, never back.
	AdvanceSeries(ctx context.Context, id uuid.UUID, through time.Time, generated int) error
	// InsertOccurrence is a no-op when the occurrence date was already recorded.
	InsertOccurrence(ctx context.Context, o *SeriesOccurrence) error
	MarkOccurrenceCancelled(ctx context.Context, seriesID uuid.UUID, date time.Time) error
	// ListActiveSeries spans all hospitals.
	ListActiveSeries(ctx context.Context) ([]SeriesRef, error)
}

// WaitlistTransition moves an entry from one status to another as a
// compare-and-set. ClearOffer resets NotifiedAt and ExpiresAt.
type WaitlistTransition struct {
	From       WaitlistStatus
	To         WaitlistStatus
	NotifiedAt *time.Time
	ExpiresAt  *time.Time
	ClearOffer bool
}

type WaitlistStore interface {
	CreateWaitlistEntry(ctx context.Context, e *AppointmentWaitlist) error
	GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*AppointmentWaitlist, error)
	ListActiveWaitlist(ctx context.Context) ([]AppointmentWaitlist, error)
	// TransitionWaitlistEntry returns ErrInvalidStatusTransition when the entry is no longer in t.From.
	TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, t WaitlistTransition) (*AppointmentWaitlist, error)
	// InsertOffer returns ErrOfferExists if the slot already has an open offer.
	InsertOffer(ctx context.Context, o *WaitlistOffer) error
	FindOpenOffer(ctx context.Context, entryID uuid.UUID) (*WaitlistOffer, error)
	FindOpenOfferForSlot(ctx context.Context, slotID uuid.UUID) (*WaitlistOffer, error)
	// ListOfferedEntries returns every entry that was ever offered the slot.
	ListOfferedEntries(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error)
	UpdateOfferStatus(ctx context.Context, id uuid.UUID, from, to OfferStatus) error
	// ListExpiredOffers spans all hospitals.
	ListExpiredOffers(ctx context.Context, now time.Time) ([]WaitlistOffer, error)
}

// Repository contains all storage interactions needed by the scheduling core.
type Repository interface {
	TxRunner
	LedgerStore
	AvailabilityStore
	SlotStore
	CalendarStore
	RuleStore
	AppointmentStore
	ResourceStore
	SeriesStore
	WaitlistStore
}
