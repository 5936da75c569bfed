package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type ConflictType string

const (
	ConflictDoctorUnavailable ConflictType = "doctor_unavailable"
	ConflictResource          ConflictType = "resource_conflict"
	ConflictBuffer            ConflictType = "buffer_violation"
	ConflictHoliday           ConflictType = "holiday"
)

// Codes refine a conflict type for callers driving alternate-slot search.
const (
	CodeNoSlot            = "no_slot"
	CodeSlotBooked        = "slot_booked"
	CodeSlotGap           = "slot_gap"
	CodeBufferOverlap     = "buffer_overlap"
	CodeMaxConsecutive    = "max_consecutive_exceeded"
	CodeResourceMissing   = "resource_not_found"
	CodeResourceOverlap   = "resource_overlap"
	CodeResourceDuration  = "max_duration_exceeded"
	CodeHospitalClosed    = "hospital_closed"
	CodeDoctorUnavailable = "doctor_day_off"
	CodeInvalidTimeRange  = "invalid_time_range"
)

// ReasonLedgerBusy marks a series occurrence skipped because its ledgers
// stayed contended through every booking retry.
const ReasonLedgerBusy = "busy"

// SchedulingConflict is one reason a booking request cannot be committed.
type SchedulingConflict struct {
	Type          ConflictType `json:"type"`
	Code          string       `json:"code"`
	Message       string       `json:"message"`
	ResourceID    *uuid.UUID   `json:"resource_id,omitempty"`
	AppointmentID *uuid.UUID   `json:"appointment_id,omitempty"`
	SlotID        *uuid.UUID   `json:"slot_id,omitempty"`
	RuleID        *uuid.UUID   `json:"rule_id,omitempty"`
	Start         *time.Time   `json:"start,omitempty"`
	End           *time.Time   `json:"end,omitempty"`
}

func idPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// HasConflict reports whether any conflict has the given type.
func HasConflict(conflicts []SchedulingConflict, t ConflictType) bool {
	for _, c := range conflicts {
		if c.Type == t {
			return true
		}
	}
	return false
}
