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

// MatchOutcome reports what the matcher did with a slot. Both fields are
// nil when no candidate took it.
type MatchOutcome struct {
	SlotID      uuid.UUID
	Offer       *WaitlistOffer
	Reservation *Reservation
}

// WaitlistMatcher hands free slots to waitlisted patients, either booking
// them directly or offering the slot with a response deadline.
type WaitlistMatcher struct {
	repo       Repository
	resolver   *Resolver
	notifier   Notifier
	log        zerolog.Logger
	now        func() time.Time
	offerTTL   time.Duration
	maxRetries int
}

func NewWaitlistMatcher(repo Repository, resolver *Resolver, notifier Notifier, log zerolog.Logger, opts Options) *WaitlistMatcher {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &WaitlistMatcher{
		repo:       repo,
		resolver:   resolver,
		notifier:   notifier,
		log:        log.With().Str("component", "waitlist").Logger(),
		now:        opts.Now,
		offerTTL:   opts.OfferTTL,
		maxRetries: opts.MaxBookingRetries,
	}
}

// CreateEntry puts a patient on the waitlist.
func (m *WaitlistMatcher) CreateEntry(ctx context.Context, e *AppointmentWaitlist) (*AppointmentWaitlist, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.UrgencyLevel == 0 {
		e.UrgencyLevel = 1
	}
	if e.ContactMethod == "" {
		e.ContactMethod = ContactEmail
	}
	if err := validateWaitlistEntry(e); err != nil {
		return nil, err
	}

	now := m.now()
	e.ID = uuid.New()
	e.HospitalID = hospitalID
	e.Status = WaitlistActive
	e.NotifiedAt = nil
	e.ExpiresAt = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := m.repo.CreateWaitlistEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("create waitlist entry: %w", err)
	}
	return e, nil
}

// OnSlotFreed runs matching for slots released by a cancellation.
func (m *WaitlistMatcher) OnSlotFreed(ctx context.Context, slots []TimeSlot) {
	m.matchAll(ctx, slots, "freed")
}

// OnSlotCreated runs matching for slots new to the pool.
func (m *WaitlistMatcher) OnSlotCreated(ctx context.Context, slots []TimeSlot) {
	m.matchAll(ctx, slots, "created")
}

func (m *WaitlistMatcher) matchAll(ctx context.Context, slots []TimeSlot, trigger string) {
	for _, s := range slots {
		if _, err := m.MatchSlot(ctx, s.ID); err != nil {
			m.log.Error().Err(err).Str("slot_id", s.ID.String()).Str("trigger", trigger).Msg("waitlist matching failed")
		}
	}
}

// MatchSlot offers or books one free slot for the best eligible candidate.
func (m *WaitlistMatcher) MatchSlot(ctx context.Context, slotID uuid.UUID) (*MatchOutcome, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	out := &MatchOutcome{SlotID: slotID}

	slot, err := m.repo.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if slot.State != SlotFree || !slot.Start.After(now) {
		return out, nil
	}
	if _, err := m.repo.FindOpenOfferForSlot(ctx, slotID); err == nil {
		return out, nil
	} else if !errors.Is(err, ErrOfferNotFound) {
		return nil, fmt.Errorf("check open offer: %w", err)
	}

	entries, err := m.repo.ListActiveWaitlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("load waitlist: %w", err)
	}
	offeredIDs, err := m.repo.ListOfferedEntries(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("load offer history: %w", err)
	}
	offered := make(map[uuid.UUID]bool, len(offeredIDs))
	for _, id := range offeredIDs {
		offered[id] = true
	}

	candidates := RankCandidates(entries, *slot, offered)
	for _, cand := range candidates {
		if cand.AutoBook && withinNotice(cand, *slot, now) {
			res, err := m.autoBook(ctx, hospitalID, cand, *slot)
			if err != nil {
				return nil, err
			}
			if res != nil {
				out.Reservation = res
				return out, nil
			}
			continue
		}

		offer, err := m.offer(ctx, hospitalID, cand, *slot)
		switch {
		case err == nil:
			out.Offer = offer
			return out, nil
		case errors.Is(err, ErrOfferExists):
			return out, nil
		case errors.Is(err, ErrInvalidStatusTransition):
			// entry changed since it was listed
			continue
		}
		var unbookable *unbookableError
		switch {
		case errors.As(err, &unbookable) && unbookable.slotWide():
			m.log.Info().Str("slot_id", slotID.String()).Str("reason", describeConflicts(unbookable.conflicts)).Msg("slot not bookable, not offered")
			return out, nil
		case errors.As(err, &unbookable):
			continue
		default:
			return nil, err
		}
	}

	m.log.Debug().Str("slot_id", slotID.String()).Int("candidates", len(candidates)).Msg("slot left free")
	return out, nil
}

// unbookableError reports that a slot failed the booking checks for a
// candidate when the offer was about to be written.
type unbookableError struct {
	conflicts []SchedulingConflict
}

func (e *unbookableError) Error() string {
	return "slot not bookable: " + describeConflicts(e.conflicts)
}

// slotWide reports conflicts that no other candidate could get past.
func (e *unbookableError) slotWide() bool {
	for _, c := range e.conflicts {
		if c.Type == ConflictHoliday || c.Type == ConflictDoctorUnavailable {
			return true
		}
	}
	return false
}

// RankCandidates filters the entries eligible for a slot and orders them:
// higher urgency first, then higher priority, then longest waiting.
func RankCandidates(entries []AppointmentWaitlist, slot TimeSlot, offered map[uuid.UUID]bool) []AppointmentWaitlist {
	out := make([]AppointmentWaitlist, 0, len(entries))
	for _, e := range entries {
		if !offered[e.ID] && eligible(e, slot) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UrgencyLevel != b.UrgencyLevel {
			return a.UrgencyLevel > b.UrgencyLevel
		}
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func eligible(e AppointmentWaitlist, slot TimeSlot) bool {
	if e.Status != WaitlistActive {
		return false
	}
	if e.DoctorID != nil && *e.DoctorID != slot.DoctorID {
		return false
	}
	if slot.AppointmentType != "" && slot.AppointmentType != e.AppointmentType {
		return false
	}

	day := slot.Start.Format(time.DateOnly)
	if e.PreferredDateFrom != nil && day < e.PreferredDateFrom.Format(time.DateOnly) {
		return false
	}
	if e.PreferredDateTo != nil && day > e.PreferredDateTo.Format(time.DateOnly) {
		return false
	}

	if e.PreferredStartTime != nil && e.PreferredEndTime != nil {
		start := ClockOf(slot.Start)
		end := ClockOf(slot.End)
		if DateOf(slot.End).After(DateOf(slot.Start)) {
			end = minutesPerDay
		}
		if start < *e.PreferredStartTime || end > *e.PreferredEndTime {
			return false
		}
	}
	return true
}

// withinNotice reports whether the slot starts soon enough for the entry
// to be booked without asking. Zero MaxNoticeHours places no limit.
func withinNotice(e AppointmentWaitlist, slot TimeSlot, now time.Time) bool {
	if e.MaxNoticeHours <= 0 {
		return true
	}
	return slot.Start.Sub(now) <= time.Duration(e.MaxNoticeHours)*time.Hour
}

// offerExpiry is the response deadline: the shorter of the entry's notice
// and the policy TTL, never past the slot start.
func (m *WaitlistMatcher) offerExpiry(e AppointmentWaitlist, slot TimeSlot, now time.Time) time.Time {
	ttl := m.offerTTL
	if e.MaxNoticeHours > 0 {
		if h := time.Duration(e.MaxNoticeHours) * time.Hour; h < ttl {
			ttl = h
		}
	}
	expires := now.Add(ttl)
	if slot.Start.Before(expires) {
		expires = slot.Start
	}
	return expires
}

func (m *WaitlistMatcher) requestFor(e AppointmentWaitlist, slot TimeSlot) BookingRequest {
	entryID := e.ID
	return BookingRequest{
		DoctorID:        slot.DoctorID,
		PatientID:       e.PatientID,
		AppointmentType: e.AppointmentType,
		Start:           slot.Start,
		End:             slot.End,
		Source:          SourceWaitlist,
		WaitlistEntryID: &entryID,
	}
}

// autoBook books the slot for the entry. A nil reservation without error
// means the slot did not pass the resolver and the next candidate is tried.
func (m *WaitlistMatcher) autoBook(ctx context.Context, hospitalID uuid.UUID, e AppointmentWaitlist, slot TimeSlot) (*Reservation, error) {
	req := m.requestFor(e, slot)
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	var res *Reservation
	err := runWithRetry(ctx, m.repo, m.maxRetries, func(ctx context.Context) error {
		res = nil
		r, conflicts, err := m.resolver.reserveInTx(ctx, hospitalID, req)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return nil
		}
		if _, err := m.repo.TransitionWaitlistEntry(ctx, e.ID, WaitlistTransition{From: WaitlistActive, To: WaitlistBooked}); err != nil {
			return err
		}
		now := m.now()
		if err := m.repo.InsertOffer(ctx, &WaitlistOffer{
			ID:         uuid.New(),
			HospitalID: hospitalID,
			EntryID:    e.ID,
			SlotID:     slot.ID,
			Status:     OfferBooked,
			OfferedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatusTransition) {
			return nil, nil
		}
		return nil, err
	}
	if res == nil {
		m.log.Info().Str("entry_id", e.ID.String()).Str("slot_id", slot.ID.String()).Msg("auto-book conflicted, trying next candidate")
		return nil, nil
	}

	logEvent(ctx, m.repo, m.log, EventWaitlistBooked, &res.Appointment.ID, map[string]any{
		"waitlist_entry_id": e.ID.String(),
		"slot_id":           slot.ID.String(),
		"auto_book":         true,
	})
	return res, nil
}

func (m *WaitlistMatcher) offer(ctx context.Context, hospitalID uuid.UUID, e AppointmentWaitlist, slot TimeSlot) (*WaitlistOffer, error) {
	now := m.now()
	expires := m.offerExpiry(e, slot, now)
	offer := &WaitlistOffer{
		ID:         uuid.New(),
		HospitalID: hospitalID,
		EntryID:    e.ID,
		SlotID:     slot.ID,
		Status:     OfferOpen,
		OfferedAt:  now,
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	}

	req := m.requestFor(e, slot)
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	// The booking checks run in the offer's transaction and the doctor ledger
	// is bumped, so a booking that commits in between forces a re-check.
	err := runWithRetry(ctx, m.repo, m.maxRetries, func(ctx context.Context) error {
		plan, conflicts, err := m.resolver.evaluateInTx(ctx, req)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &unbookableError{conflicts: conflicts}
		}
		if err := bumpAll(ctx, m.repo, []ledgerRead{plan.doctor}); err != nil {
			return err
		}
		if _, err := m.repo.TransitionWaitlistEntry(ctx, e.ID, WaitlistTransition{
			From:       WaitlistActive,
			To:         WaitlistNotified,
			NotifiedAt: &now,
			ExpiresAt:  &expires,
		}); err != nil {
			return err
		}
		return m.repo.InsertOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}

	ev := OfferEvent{
		HospitalID:      hospitalID,
		WaitlistEntryID: e.ID,
		OfferID:         offer.ID,
		PatientID:       e.PatientID,
		SlotID:          slot.ID,
		SlotStart:       slot.Start,
		ExpiresAt:       expires,
		ContactMethod:   e.ContactMethod,
	}
	if err := m.notifier.NotifyOffer(ctx, ev); err != nil {
		m.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("notify offer")
	}
	logEvent(ctx, m.repo, m.log, EventWaitlistOffered, nil, map[string]any{
		"waitlist_entry_id": e.ID.String(),
		"slot_id":           slot.ID.String(),
		"expires_at":        expires,
	})
	m.log.Info().Str("entry_id", e.ID.String()).Str("slot_id", slot.ID.String()).Time("expires_at", expires).Msg("slot offered")
	return offer, nil
}

// ConfirmOffer books the slot offered to a notified entry. A lapsed offer
// is expired on the spot and ErrOfferExpired returned.
func (m *WaitlistMatcher) ConfirmOffer(ctx context.Context, entryID uuid.UUID) (*Reservation, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := m.repo.GetWaitlistEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != WaitlistNotified {
		return nil, ErrInvalidStatusTransition
	}
	offer, err := m.repo.FindOpenOffer(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if offer.ExpiresAt != nil && !m.now().Before(*offer.ExpiresAt) {
		if err := m.expireOffer(ctx, *offer); err != nil {
			return nil, err
		}
		m.rematch(ctx, offer.SlotID)
		return nil, ErrOfferExpired
	}

	slot, err := m.repo.GetSlot(ctx, offer.SlotID)
	if errors.Is(err, ErrSlotNotFound) {
		// regenerated away while the offer was outstanding
		if err := m.loseOffer(ctx, *offer); err != nil {
			return nil, err
		}
		return nil, ErrOfferSlotTaken
	}
	if err != nil {
		return nil, err
	}
	req := m.requestFor(*entry, *slot)
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}

	var (
		res  *Reservation
		lost bool
	)
	err = runWithRetry(ctx, m.repo, m.maxRetries, func(ctx context.Context) error {
		res, lost = nil, false
		r, conflicts, err := m.resolver.reserveInTx(ctx, hospitalID, req)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			lost = true
			return m.loseOffer(ctx, *offer)
		}
		if _, err := m.repo.TransitionWaitlistEntry(ctx, entryID, WaitlistTransition{From: WaitlistNotified, To: WaitlistBooked}); err != nil {
			return err
		}
		if err := m.repo.UpdateOfferStatus(ctx, offer.ID, OfferOpen, OfferAccepted); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lost {
		return nil, ErrOfferSlotTaken
	}

	logEvent(ctx, m.repo, m.log, EventWaitlistBooked, &res.Appointment.ID, map[string]any{
		"waitlist_entry_id": entryID.String(),
		"slot_id":           slot.ID.String(),
		"auto_book":         false,
	})
	return res, nil
}

// loseOffer closes an offer whose slot went to someone else and puts the
// entry back on the waitlist.
func (m *WaitlistMatcher) loseOffer(ctx context.Context, o WaitlistOffer) error {
	return m.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.repo.UpdateOfferStatus(ctx, o.ID, OfferOpen, OfferLost); err != nil {
			return err
		}
		_, err := m.repo.TransitionWaitlistEntry(ctx, o.EntryID, WaitlistTransition{
			From: WaitlistNotified, To: WaitlistActive, ClearOffer: true,
		})
		return err
	})
}

// DeclineOffer returns the entry to the waitlist and passes the slot on.
// The entry is never offered the same slot again.
func (m *WaitlistMatcher) DeclineOffer(ctx context.Context, entryID uuid.UUID) (*AppointmentWaitlist, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}

	var (
		updated *AppointmentWaitlist
		offer   *WaitlistOffer
	)
	err := m.repo.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		offer, err = m.repo.FindOpenOffer(ctx, entryID)
		if err != nil {
			return err
		}
		if err := m.repo.UpdateOfferStatus(ctx, offer.ID, OfferOpen, OfferDeclined); err != nil {
			return err
		}
		updated, err = m.repo.TransitionWaitlistEntry(ctx, entryID, WaitlistTransition{
			From: WaitlistNotified, To: WaitlistActive, ClearOffer: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logEvent(ctx, m.repo, m.log, EventWaitlistDeclined, nil, map[string]any{
		"waitlist_entry_id": entryID.String(),
		"slot_id":           offer.SlotID.String(),
	})
	m.rematch(ctx, offer.SlotID)
	return updated, nil
}

// CancelEntry removes an entry from the waitlist. An outstanding offer is
// withdrawn and its slot passed on.
func (m *WaitlistMatcher) CancelEntry(ctx context.Context, entryID uuid.UUID) (*AppointmentWaitlist, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}

	var (
		updated *AppointmentWaitlist
		freed   *uuid.UUID
	)
	err := m.repo.RunInTx(ctx, func(ctx context.Context) error {
		freed = nil
		entry, err := m.repo.GetWaitlistEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status.Terminal() {
			return ErrInvalidStatusTransition
		}
		if entry.Status == WaitlistNotified {
			offer, err := m.repo.FindOpenOffer(ctx, entryID)
			switch {
			case err == nil:
				if err := m.repo.UpdateOfferStatus(ctx, offer.ID, OfferOpen, OfferDeclined); err != nil {
					return err
				}
				freed = idPtr(offer.SlotID)
			case !errors.Is(err, ErrOfferNotFound):
				return err
			}
		}
		updated, err = m.repo.TransitionWaitlistEntry(ctx, entryID, WaitlistTransition{
			From: entry.Status, To: WaitlistCancelled, ClearOffer: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if freed != nil {
		m.rematch(ctx, *freed)
	}
	return updated, nil
}

// ExpireOffers sweeps every lapsed offer across hospitals and passes each
// slot on. It returns how many offers were expired.
func (m *WaitlistMatcher) ExpireOffers(ctx context.Context) (int, error) {
	now := m.now()
	offers, err := m.repo.ListExpiredOffers(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired offers: %w", err)
	}

	expired := 0
	for _, o := range offers {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if o.ExpiresAt == nil || now.Before(*o.ExpiresAt) {
			continue
		}
		hctx := WithHospital(ctx, o.HospitalID)
		if err := m.expireOffer(hctx, o); err != nil {
			if errors.Is(err, ErrInvalidStatusTransition) {
				continue
			}
			m.log.Error().Err(err).Str("offer_id", o.ID.String()).Msg("expire offer")
			continue
		}
		expired++
		m.rematch(hctx, o.SlotID)
	}
	return expired, nil
}

// expireOffer closes an open offer. The entry moves to expired only if it
// is still notified; booked or cancelled entries stay as they are.
func (m *WaitlistMatcher) expireOffer(ctx context.Context, o WaitlistOffer) error {
	err := m.repo.RunInTx(ctx, func(ctx context.Context) error {
		if err := m.repo.UpdateOfferStatus(ctx, o.ID, OfferOpen, OfferExpired); err != nil {
			return err
		}
		_, err := m.repo.TransitionWaitlistEntry(ctx, o.EntryID, WaitlistTransition{
			From: WaitlistNotified, To: WaitlistExpired,
		})
		if errors.Is(err, ErrInvalidStatusTransition) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	logEvent(ctx, m.repo, m.log, EventWaitlistExpired, nil, map[string]any{
		"waitlist_entry_id": o.EntryID.String(),
		"slot_id":           o.SlotID.String(),
	})
	return nil
}

func (m *WaitlistMatcher) rematch(ctx context.Context, slotID uuid.UUID) {
	if _, err := m.MatchSlot(ctx, slotID); err != nil {
		m.log.Error().Err(err).Str("slot_id", slotID.String()).Msg("waitlist rematch failed")
	}
}
