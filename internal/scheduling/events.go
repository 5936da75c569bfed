package scheduling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventSlotsGenerated          = "SLOTS_GENERATED"
	EventAppointmentBooked       = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled    = "APPOINTMENT_CANCELLED"
	EventResourceConfirmed       = "RESOURCE_BOOKING_CONFIRMED"
	EventResourceDenied          = "RESOURCE_BOOKING_DENIED"
	EventResourceCancelled       = "RESOURCE_BOOKING_CANCELLED"
	EventSeriesOccurrenceSkipped = "SERIES_OCCURRENCE_SKIPPED"
	EventSeriesCompleted         = "SERIES_COMPLETED"
	EventWaitlistOffered         = "WAITLIST_OFFERED"
	EventWaitlistBooked          = "WAITLIST_BOOKED"
	EventWaitlistDeclined        = "WAITLIST_DECLINED"
	EventWaitlistExpired         = "WAITLIST_EXPIRED"
)

// OfferEvent asks the notification sink to contact a waitlisted patient.
type OfferEvent struct {
	HospitalID      uuid.UUID     `json:"hospital_id"`
	WaitlistEntryID uuid.UUID     `json:"waitlist_entry_id"`
	OfferID         uuid.UUID     `json:"offer_id"`
	PatientID       uuid.UUID     `json:"patient_id"`
	SlotID          uuid.UUID     `json:"slot_id"`
	SlotStart       time.Time     `json:"slot_start"`
	ExpiresAt       time.Time     `json:"expires_at"`
	ContactMethod   ContactMethod `json:"contact_method"`
}

// SkippedOccurrenceEvent tells staff a series occurrence could not be booked.
type SkippedOccurrenceEvent struct {
	HospitalID     uuid.UUID            `json:"hospital_id"`
	SeriesID       uuid.UUID            `json:"series_id"`
	OccurrenceDate time.Time            `json:"occurrence_date"`
	Reason         string               `json:"reason"`
	Conflicts      []SchedulingConflict `json:"conflicts,omitempty"`
}

// Notifier is the outbound event sink. Delivery is out of scope for the
// core; implementations only have to accept the event.
type Notifier interface {
	NotifyOffer(ctx context.Context, ev OfferEvent) error
	NotifySkippedOccurrence(ctx context.Context, ev SkippedOccurrenceEvent) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyOffer(context.Context, OfferEvent) error { return nil }

func (nopNotifier) NotifySkippedOccurrence(context.Context, SkippedOccurrenceEvent) error {
	return nil
}

// logEvent writes an audit entry. Failures are logged and swallowed so an
// audit outage never undoes a committed booking.
func logEvent(ctx context.Context, store AppointmentStore, log zerolog.Logger, eventType string, appointmentID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	hospitalID, _ := HospitalFromContext(ctx)
	ev := EventLog{
		HospitalID:    hospitalID,
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}
	if err := store.InsertEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("insert event log")
	}
}
