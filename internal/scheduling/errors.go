package scheduling

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNoAvailability          = errors.New("no active availability for doctor on date")
	ErrSlotNotFound            = errors.New("slot not found")
	ErrSlotNotFree             = errors.New("slot is not free")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrAppointmentCancelled    = errors.New("appointment is already cancelled")
	ErrResourceNotFound        = errors.New("resource not found")
	ErrResourceBookingNotFound = errors.New("resource booking not found")
	ErrSeriesNotFound          = errors.New("recurring series not found")
	ErrWaitlistEntryNotFound   = errors.New("waitlist entry not found")
	ErrOfferNotFound           = errors.New("waitlist offer not found")
	ErrOfferExists             = errors.New("slot already has an open waitlist offer")
	ErrOfferExpired            = errors.New("waitlist offer has expired")
	ErrOfferSlotTaken          = errors.New("offered slot is no longer available")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrMissingHospital         = errors.New("hospital scope missing from context")
	ErrSeriesLocked            = errors.New("series is being expanded by another worker")

	// ErrVersionConflict is returned by the store when a ledger moved on
	// between read and compare-and-set.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrBusy is surfaced once ledger retries are exhausted.
	ErrBusy = errors.New("scheduling ledger busy, retry")
)

// ValidationError reports a malformed definition rejected before any state change.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
