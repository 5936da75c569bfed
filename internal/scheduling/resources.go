package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceManager owns the resource booking state machine:
// pending -> confirmed, pending -> cancelled, confirmed -> cancelled.
type ResourceManager struct {
	repo       Repository
	log        zerolog.Logger
	now        func() time.Time
	maxRetries int
}

func NewResourceManager(repo Repository, log zerolog.Logger, opts Options) *ResourceManager {
	opts = opts.withDefaults()
	return &ResourceManager{
		repo:       repo,
		log:        log.With().Str("component", "resources").Logger(),
		now:        opts.Now,
		maxRetries: opts.MaxBookingRetries,
	}
}

// resourcePlan is a resource that passed its availability check together
// with the ledger version the check was made against.
type resourcePlan struct {
	resource HospitalResource
	key      LedgerKey
	version  int64
	start    time.Time
	end      time.Time
}

// check decides whether the resource can be held for [start, end). The
// resource's own buffer and the rule cleanup pad the range it blocks.
func (m *ResourceManager) check(ctx context.Context, resourceID uuid.UUID, start, end time.Time, cleanup time.Duration) (*resourcePlan, []SchedulingConflict, error) {
	res, err := m.repo.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return nil, []SchedulingConflict{{
				Type:       ConflictResource,
				Code:       CodeResourceMissing,
				Message:    fmt.Sprintf("resource %s does not exist", resourceID),
				ResourceID: idPtr(resourceID),
			}}, nil
		}
		return nil, nil, fmt.Errorf("load resource %s: %w", resourceID, err)
	}

	if res.MaxBookingMinutes > 0 && end.Sub(start) > minutes(res.MaxBookingMinutes) {
		return nil, []SchedulingConflict{{
			Type:       ConflictResource,
			Code:       CodeResourceDuration,
			Message:    fmt.Sprintf("%s can be booked for at most %d minutes", res.Name, res.MaxBookingMinutes),
			ResourceID: idPtr(res.ID),
		}}, nil
	}

	key := ResourceLedger(res.ID, start)
	version, err := m.repo.LedgerVersion(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("read resource ledger: %w", err)
	}

	buf := minutes(res.BufferMinutes)
	from, to := start.Add(-buf), end.Add(buf+cleanup)
	active, err := m.repo.ListActiveResourceBookings(ctx, res.ID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("load resource bookings: %w", err)
	}

	var overlapping []ResourceBooking
	for _, b := range active {
		if overlaps(from, to, b.Start, b.End) {
			overlapping = append(overlapping, b)
		}
	}
	if len(overlapping) >= res.capacity() {
		conflicts := make([]SchedulingConflict, 0, len(overlapping))
		for _, b := range overlapping {
			conflicts = append(conflicts, SchedulingConflict{
				Type:          ConflictResource,
				Code:          CodeResourceOverlap,
				Message:       fmt.Sprintf("%s is held %s-%s", res.Name, b.Start.Format("15:04"), b.End.Format("15:04")),
				ResourceID:    idPtr(res.ID),
				AppointmentID: idPtr(b.AppointmentID),
				Start:         timePtr(b.Start),
				End:           timePtr(b.End),
			})
		}
		return nil, conflicts, nil
	}

	return &resourcePlan{resource: *res, key: key, version: version, start: start, end: end}, nil, nil
}

// reserve writes the booking for a checked plan. The caller has already
// bumped the plan's ledger.
func (m *ResourceManager) reserve(ctx context.Context, p resourcePlan, appt Appointment) (*ResourceBooking, error) {
	now := m.now()
	status := ResourceConfirmed
	if p.resource.RequiresApproval {
		status = ResourcePending
	}
	b := &ResourceBooking{
		ID:            uuid.New(),
		HospitalID:    appt.HospitalID,
		ResourceID:    p.resource.ID,
		AppointmentID: appt.ID,
		Start:         p.start,
		End:           p.end,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.InsertResourceBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("insert resource booking: %w", err)
	}
	return b, nil
}

// Reserve adds a resource to an existing appointment, for example when a
// secondary room is swapped in after booking.
func (m *ResourceManager) Reserve(ctx context.Context, appointmentID, resourceID uuid.UUID) (*ResourceBooking, []SchedulingConflict, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, nil, err
	}

	var (
		booking   *ResourceBooking
		conflicts []SchedulingConflict
	)
	err := runWithRetry(ctx, m.repo, m.maxRetries, func(ctx context.Context) error {
		booking, conflicts = nil, nil

		appt, err := m.repo.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status != AppointmentConfirmed {
			return ErrAppointmentCancelled
		}

		held, err := m.repo.ListAppointmentResourceBookings(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("load appointment resources: %w", err)
		}
		for i := range held {
			if held[i].ResourceID == resourceID && held[i].Status != ResourceCancelled {
				booking = &held[i]
				return nil
			}
		}

		rules, err := m.repo.ListBufferRules(ctx)
		if err != nil {
			return fmt.Errorf("load buffer rules: %w", err)
		}
		rule, _ := SelectBufferRule(rules, appt.DoctorID, appt.AppointmentType, appt.Department)

		plan, rc, err := m.check(ctx, resourceID, appt.Start, appt.End, minutes(rule.CleanupMinutes))
		if err != nil {
			return err
		}
		if len(rc) > 0 {
			conflicts = rc
			return nil
		}
		if err := m.repo.BumpLedger(ctx, plan.key, plan.version); err != nil {
			return err
		}
		booking, err = m.reserve(ctx, *plan, *appt)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) > 0 {
		return nil, conflicts, nil
	}
	return booking, nil, nil
}

// Confirm approves a pending booking.
func (m *ResourceManager) Confirm(ctx context.Context, bookingID, approverID uuid.UUID) (*ResourceBooking, error) {
	now := m.now()
	b, err := m.transition(ctx, bookingID, ResourceConfirmed,
		ResourceDecision{ApprovedBy: &approverID, DecidedAt: &now}, ResourcePending)
	if err != nil {
		return nil, err
	}
	logEvent(ctx, m.repo, m.log, EventResourceConfirmed, &b.AppointmentID, map[string]any{
		"resource_booking_id": b.ID.String(),
		"approved_by":         approverID.String(),
	})
	return b, nil
}

// Deny rejects a pending booking, freeing the resource.
func (m *ResourceManager) Deny(ctx context.Context, bookingID, approverID uuid.UUID, reason string) (*ResourceBooking, error) {
	now := m.now()
	b, err := m.transition(ctx, bookingID, ResourceCancelled,
		ResourceDecision{ApprovedBy: &approverID, DecidedAt: &now, CancelReason: reason}, ResourcePending)
	if err != nil {
		return nil, err
	}
	logEvent(ctx, m.repo, m.log, EventResourceDenied, &b.AppointmentID, map[string]any{
		"resource_booking_id": b.ID.String(),
		"reason":              reason,
	})
	return b, nil
}

// Cancel releases a single resource booking. The appointment itself stays
// booked, so the waitlist is not involved.
func (m *ResourceManager) Cancel(ctx context.Context, bookingID uuid.UUID, reason string) (*ResourceBooking, error) {
	b, err := m.transition(ctx, bookingID, ResourceCancelled,
		ResourceDecision{CancelReason: reason}, ResourcePending, ResourceConfirmed)
	if err != nil {
		return nil, err
	}
	logEvent(ctx, m.repo, m.log, EventResourceCancelled, &b.AppointmentID, map[string]any{
		"resource_booking_id": b.ID.String(),
		"reason":              reason,
	})
	return b, nil
}

// transition moves a booking in one of the allowed statuses to 'to', bumping
// the resource ledger in the same transaction.
func (m *ResourceManager) transition(ctx context.Context, bookingID uuid.UUID, to ResourceBookingStatus, d ResourceDecision, allowed ...ResourceBookingStatus) (*ResourceBooking, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}

	var updated *ResourceBooking
	err := runWithRetry(ctx, m.repo, m.maxRetries, func(ctx context.Context) error {
		b, err := m.repo.GetResourceBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !slices.Contains(allowed, b.Status) {
			return ErrInvalidStatusTransition
		}
		if err := touchLedger(ctx, m.repo, ResourceLedger(b.ResourceID, b.Start)); err != nil {
			return err
		}
		updated, err = m.repo.UpdateResourceBookingStatus(ctx, b.ID, b.Status, to, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// cancelForAppointment releases every live resource booking of an
// appointment inside the caller's transaction.
func (m *ResourceManager) cancelForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) ([]ResourceBooking, error) {
	held, err := m.repo.ListAppointmentResourceBookings(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment resources: %w", err)
	}

	var released []ResourceBooking
	for _, b := range held {
		if b.Status == ResourceCancelled {
			continue
		}
		if err := touchLedger(ctx, m.repo, ResourceLedger(b.ResourceID, b.Start)); err != nil {
			return nil, err
		}
		updated, err := m.repo.UpdateResourceBookingStatus(ctx, b.ID, b.Status, ResourceCancelled, ResourceDecision{CancelReason: reason})
		if err != nil {
			return nil, err
		}
		released = append(released, *updated)
	}
	return released, nil
}
