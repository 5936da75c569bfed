package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func clockPtr(s string) *Clock {
	c := MustClock(s)
	return &c
}

// waitEntry adds an entry for the fixture doctor wanting Monday afternoon.
func (f *fixture) waitEntry(urgency int, priority WaitlistPriority, mutate ...func(*AppointmentWaitlist)) AppointmentWaitlist {
	f.t.Helper()
	from, to := testMonday, testMonday
	e := AppointmentWaitlist{
		PatientID:          uuid.New(),
		DoctorID:           &f.doctor,
		PreferredDateFrom:  &from,
		PreferredDateTo:    &to,
		PreferredStartTime: clockPtr("13:00"),
		PreferredEndTime:   clockPtr("16:00"),
		AppointmentType:    "consult",
		Priority:           priority,
		UrgencyLevel:       urgency,
		ContactMethod:      ContactSMS,
	}
	for _, fn := range mutate {
		fn(&e)
	}
	created, err := f.svc.CreateWaitlistEntry(f.ctx, &e)
	if err != nil {
		f.t.Fatalf("create waitlist entry: %v", err)
	}
	// distinct created_at for FIFO ordering
	f.clock.Advance(time.Second)
	return *created
}

// afternoon books 14:00-14:30 and returns the appointment and its slot.
func (f *fixture) afternoon() (Appointment, TimeSlot) {
	f.t.Helper()
	f.window(time.Monday, "13:00", "16:00", 30)
	f.generate(testMonday)
	res := f.book(f.request(testMonday, "14:00", "14:30"))
	return res.Appointment, res.Slots[0]
}

func TestRankCandidates(t *testing.T) {
	doctor := uuid.New()
	other := uuid.New()
	slotStart := MustClock("14:00").On(testMonday)
	slot := TimeSlot{ID: uuid.New(), DoctorID: doctor, Start: slotStart, End: slotStart.Add(30 * time.Minute)}
	base := testMonday.Add(-72 * time.Hour)

	entry := func(name string, urgency int, p WaitlistPriority, age time.Duration) AppointmentWaitlist {
		return AppointmentWaitlist{
			ID:              uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
			PatientID:       uuid.New(),
			AppointmentType: "consult",
			Priority:        p,
			UrgencyLevel:    urgency,
			Status:          WaitlistActive,
			CreatedAt:       base.Add(-age),
		}
	}

	u3 := entry("u3", 3, PriorityUrgent, time.Hour)
	u5 := entry("u5", 5, PriorityLow, 0)
	u5High := entry("u5high", 5, PriorityHigh, 0)
	u5HighOld := entry("u5highold", 5, PriorityHigh, 2*time.Hour)
	offered := entry("offered", 5, PriorityUrgent, 5*time.Hour)
	wrongDoctor := entry("wrongdoctor", 5, PriorityUrgent, 0)
	wrongDoctor.DoctorID = &other
	tooLate := entry("toolate", 5, PriorityUrgent, 0)
	tooLate.PreferredStartTime, tooLate.PreferredEndTime = clockPtr("15:00"), clockPtr("17:00")
	pastRange := entry("pastrange", 5, PriorityUrgent, 0)
	before := testMonday.AddDate(0, 0, -1)
	pastRange.PreferredDateTo = &before
	notified := entry("notified", 5, PriorityUrgent, 0)
	notified.Status = WaitlistNotified

	got := RankCandidates(
		[]AppointmentWaitlist{u3, u5, offered, wrongDoctor, u5High, tooLate, pastRange, notified, u5HighOld},
		slot,
		map[uuid.UUID]bool{offered.ID: true},
	)

	want := []uuid.UUID{u5HighOld.ID, u5High.ID, u5.ID, u3.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: got urgency %d priority %s", i, got[i].UrgencyLevel, got[i].Priority)
		}
	}
}

func TestRankCandidates_SlotTypeMustMatch(t *testing.T) {
	slotStart := MustClock("10:00").On(testMonday)
	slot := TimeSlot{DoctorID: uuid.New(), Start: slotStart, End: slotStart.Add(time.Hour), AppointmentType: "surgery_consult"}
	entries := []AppointmentWaitlist{
		{ID: uuid.New(), AppointmentType: "consult", Status: WaitlistActive, UrgencyLevel: 5},
		{ID: uuid.New(), AppointmentType: "surgery_consult", Status: WaitlistActive, UrgencyLevel: 1},
	}
	got := RankCandidates(entries, slot, nil)
	if len(got) != 1 || got[0].AppointmentType != "surgery_consult" {
		t.Errorf("expected only the matching type, got %+v", got)
	}
}

func TestWaitlist_CancellationOffersMostUrgent(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	low := f.waitEntry(3, PriorityNormal)
	high := f.waitEntry(5, PriorityNormal)

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, "patient unwell"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if f.repo.slot(slot.ID).State != SlotFree {
		t.Fatal("slot must be free after cancellation")
	}
	if f.notifier.offerCount() != 1 {
		t.Fatalf("expected one offer, got %d", f.notifier.offerCount())
	}
	ev := f.notifier.offers[0]
	if ev.WaitlistEntryID != high.ID || ev.SlotID != slot.ID {
		t.Errorf("expected urgency 5 entry offered the freed slot, got %+v", ev)
	}
	if ev.ContactMethod != ContactSMS {
		t.Errorf("offer should carry the contact method, got %s", ev.ContactMethod)
	}

	got := f.repo.entry(high.ID)
	if got.Status != WaitlistNotified || got.NotifiedAt == nil || got.ExpiresAt == nil {
		t.Errorf("unexpected entry state %+v", got)
	}
	if want := got.NotifiedAt.Add(2 * time.Hour); !got.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry after the default TTL, got %v", got.ExpiresAt)
	}
	if f.repo.entry(low.ID).Status != WaitlistActive {
		t.Error("lower urgency entry should still be waiting")
	}
}

func TestWaitlist_ConfirmOfferBooks(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	e := f.waitEntry(4, PriorityHigh)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := f.svc.ConfirmWaitlistOffer(f.ctx, e.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Appointment.Source != SourceWaitlist || res.Appointment.PatientID != e.PatientID {
		t.Errorf("unexpected appointment %+v", res.Appointment)
	}
	if res.Appointment.WaitlistEntryID == nil || *res.Appointment.WaitlistEntryID != e.ID {
		t.Error("appointment should reference the waitlist entry")
	}
	if f.repo.slot(slot.ID).State != SlotBooked {
		t.Error("slot should be booked")
	}
	if f.repo.entry(e.ID).Status != WaitlistBooked {
		t.Errorf("expected booked entry, got %s", f.repo.entry(e.ID).Status)
	}
	offers := f.repo.offersFor(slot.ID)
	if len(offers) != 1 || offers[0].Status != OfferAccepted {
		t.Errorf("expected accepted offer, got %+v", offers)
	}

	if _, err := f.svc.ConfirmWaitlistOffer(f.ctx, e.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("confirming twice should fail, got %v", err)
	}
}

func TestWaitlist_DeclineNeverReoffersSameSlot(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	second := f.waitEntry(3, PriorityNormal)
	first := f.waitEntry(5, PriorityNormal)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	updated, err := f.svc.DeclineWaitlistOffer(f.ctx, first.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if updated.Status != WaitlistActive || updated.NotifiedAt != nil {
		t.Errorf("declined entry should be active again, got %+v", updated)
	}
	if f.repo.entry(second.ID).Status != WaitlistNotified {
		t.Fatal("next candidate should be offered the slot")
	}

	if _, err := f.svc.DeclineWaitlistOffer(f.ctx, second.ID); err != nil {
		t.Fatalf("second decline: %v", err)
	}

	offers := f.repo.offersFor(slot.ID)
	if len(offers) != 2 {
		t.Fatalf("expected exactly two offers for the slot, got %d", len(offers))
	}
	seen := map[uuid.UUID]int{}
	for _, o := range offers {
		seen[o.EntryID]++
		if o.Status != OfferDeclined {
			t.Errorf("offer %s has status %s", o.ID, o.Status)
		}
	}
	if seen[first.ID] != 1 || seen[second.ID] != 1 {
		t.Errorf("each entry must be offered the slot once, got %v", seen)
	}
	if f.repo.slot(slot.ID).State != SlotFree {
		t.Error("slot should stay free for direct booking")
	}
	if _, err := f.svc.DeclineWaitlistOffer(f.ctx, first.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("declining without an offer should fail, got %v", err)
	}
}

func TestWaitlist_ExpirySweepPassesSlotOn(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	second := f.waitEntry(2, PriorityNormal)
	first := f.waitEntry(4, PriorityNormal)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := f.svc.ExpireOffers(f.ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing should expire yet, got %d, %v", n, err)
	}

	f.clock.Advance(2*time.Hour + time.Minute)
	n, err = f.svc.ExpireOffers(f.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one offer expired, got %d", n)
	}
	if f.repo.entry(first.ID).Status != WaitlistExpired {
		t.Errorf("expected expired, got %s", f.repo.entry(first.ID).Status)
	}
	if f.repo.entry(second.ID).Status != WaitlistNotified {
		t.Fatalf("next candidate should be offered, got %s", f.repo.entry(second.ID).Status)
	}

	f.clock.Advance(2*time.Hour + time.Minute)
	if n, _ := f.svc.ExpireOffers(f.ctx); n != 1 {
		t.Fatalf("expected the second offer expired, got %d", n)
	}
	if f.repo.entry(second.ID).Status != WaitlistExpired {
		t.Errorf("expected expired, got %s", f.repo.entry(second.ID).Status)
	}
	if _, err := f.repo.FindOpenOfferForSlot(f.ctx, slot.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Error("no open offer should remain")
	}
	if f.repo.eventCount(EventWaitlistExpired) != 2 {
		t.Errorf("expected two expiry events, got %d", f.repo.eventCount(EventWaitlistExpired))
	}
}

func TestWaitlist_ConfirmAfterExpiry(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.afternoon()
	next := f.waitEntry(1, PriorityLow)
	e := f.waitEntry(5, PriorityUrgent)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.clock.Advance(3 * time.Hour)
	if _, err := f.svc.ConfirmWaitlistOffer(f.ctx, e.ID); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	if f.repo.entry(e.ID).Status != WaitlistExpired {
		t.Errorf("expected expired entry, got %s", f.repo.entry(e.ID).Status)
	}
	if f.repo.entry(next.ID).Status != WaitlistNotified {
		t.Error("the slot should pass to the next candidate")
	}
}

func TestWaitlist_ConfirmLosesToDirectBooking(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	e := f.waitEntry(5, PriorityUrgent)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// a receptionist books the slot while the offer is outstanding
	f.book(f.request(testMonday, "14:00", "14:30"))

	if _, err := f.svc.ConfirmWaitlistOffer(f.ctx, e.ID); !errors.Is(err, ErrOfferSlotTaken) {
		t.Fatalf("expected ErrOfferSlotTaken, got %v", err)
	}
	if got := f.repo.entry(e.ID); got.Status != WaitlistActive {
		t.Errorf("entry should return to the waitlist, got %s", got.Status)
	}
	offers := f.repo.offersFor(slot.ID)
	if len(offers) != 1 || offers[0].Status != OfferLost {
		t.Errorf("expected lost offer, got %+v", offers)
	}
}

func TestWaitlist_AutoBook(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	e := f.waitEntry(3, PriorityNormal, func(e *AppointmentWaitlist) { e.AutoBook = true })

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if f.notifier.offerCount() != 0 {
		t.Errorf("auto-book should not send an offer, got %d", f.notifier.offerCount())
	}
	if f.repo.entry(e.ID).Status != WaitlistBooked {
		t.Fatalf("expected booked entry, got %s", f.repo.entry(e.ID).Status)
	}
	s := f.repo.slot(slot.ID)
	if s.State != SlotBooked || s.AppointmentID == nil || *s.AppointmentID == appt.ID {
		t.Errorf("slot should be booked by a new appointment, got %+v", s)
	}
	if f.repo.eventCount(EventWaitlistBooked) != 1 {
		t.Error("expected WAITLIST_BOOKED event")
	}
}

func TestWaitlist_AutoBookOutsideNoticeIsOffered(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.afternoon()
	e := f.waitEntry(3, PriorityNormal, func(e *AppointmentWaitlist) {
		e.AutoBook = true
		e.MaxNoticeHours = 1
	})

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := f.repo.entry(e.ID)
	if got.Status != WaitlistNotified {
		t.Fatalf("slot days away should be offered, got %s", got.Status)
	}
	if want := got.NotifiedAt.Add(time.Hour); !got.ExpiresAt.Equal(want) {
		t.Errorf("expiry should use the one hour notice, got %v", got.ExpiresAt.Sub(*got.NotifiedAt))
	}
}

func TestWaitlist_AutoBookConflictFallsThrough(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	f.book(f.request(testMonday, "14:30", "15:00"))
	if _, err := f.svc.CreateBufferRule(f.ctx, &AppointmentBufferRule{
		Scope: ScopeAppointmentType, AppointmentType: "consult", BufferAfterMinutes: 10, Active: true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	auto := f.waitEntry(5, PriorityUrgent, func(e *AppointmentWaitlist) { e.AutoBook = true })
	manual := f.waitEntry(2, PriorityNormal, func(e *AppointmentWaitlist) { e.AppointmentType = "follow_up" })

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if f.repo.entry(auto.ID).Status != WaitlistActive {
		t.Errorf("conflicting auto-book should leave the entry waiting, got %s", f.repo.entry(auto.ID).Status)
	}
	if f.repo.entry(manual.ID).Status != WaitlistNotified {
		t.Fatalf("next candidate should be offered, got %s", f.repo.entry(manual.ID).Status)
	}
	if f.repo.slot(slot.ID).State != SlotFree {
		t.Error("slot should stay free while offered")
	}
}

func TestWaitlist_OfferExpiryCappedAtSlotStart(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	e := f.waitEntry(3, PriorityNormal)

	f.clock.mu.Lock()
	f.clock.t = slot.Start.Add(-30 * time.Minute)
	f.clock.mu.Unlock()

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got := f.repo.entry(e.ID)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(slot.Start) {
		t.Errorf("expected expiry at slot start %v, got %v", slot.Start, got.ExpiresAt)
	}
}

func TestWaitlist_PastSlotNotOffered(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.afternoon()
	e := f.waitEntry(3, PriorityNormal)

	f.clock.mu.Lock()
	f.clock.t = testMonday.Add(15 * time.Hour)
	f.clock.mu.Unlock()

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.repo.entry(e.ID).Status != WaitlistActive {
		t.Error("a slot already started must not be offered")
	}
}

func TestWaitlist_NewSlotsAreMatched(t *testing.T) {
	f := newFixture(t)
	e := f.waitEntry(3, PriorityNormal)

	f.window(time.Monday, "13:00", "14:00", 30)
	f.generate(testMonday)

	if f.notifier.offerCount() != 1 {
		t.Fatalf("expected one offer for the new slots, got %d", f.notifier.offerCount())
	}
	if f.notifier.offers[0].WaitlistEntryID != e.ID {
		t.Error("offer should go to the waiting entry")
	}
	if got := f.notifier.offers[0].SlotStart.Format("15:04"); got != "13:00" {
		t.Errorf("expected the earliest slot offered, got %s", got)
	}
}

func TestWaitlist_CancelEntryWithdrawsOffer(t *testing.T) {
	f := newFixture(t)
	appt, _ := f.afternoon()
	next := f.waitEntry(2, PriorityNormal)
	e := f.waitEntry(5, PriorityNormal)
	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	cancelled, err := f.svc.CancelWaitlistEntry(f.ctx, e.ID)
	if err != nil {
		t.Fatalf("cancel entry: %v", err)
	}
	if cancelled.Status != WaitlistCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if f.repo.entry(next.ID).Status != WaitlistNotified {
		t.Error("withdrawn slot should go to the next candidate")
	}
	if _, err := f.svc.CancelWaitlistEntry(f.ctx, e.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("cancelling twice should fail, got %v", err)
	}
}

func TestWaitlist_EntryValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		entry AppointmentWaitlist
		field string
	}{
		{name: "missing type", entry: AppointmentWaitlist{PatientID: uuid.New()}, field: "AppointmentType"},
		{name: "urgency out of range", entry: AppointmentWaitlist{PatientID: uuid.New(), AppointmentType: "consult", UrgencyLevel: 9}, field: "UrgencyLevel"},
		{
			name: "dates reversed",
			entry: AppointmentWaitlist{
				PatientID: uuid.New(), AppointmentType: "consult",
				PreferredDateFrom: dayPtr("2026-03-10"), PreferredDateTo: dayPtr("2026-03-01"),
			},
			field: "PreferredDateTo",
		},
		{
			name: "half a time window",
			entry: AppointmentWaitlist{
				PatientID: uuid.New(), AppointmentType: "consult", PreferredStartTime: clockPtr("09:00"),
			},
			field: "PreferredEndTime",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.entry
			_, err := f.svc.CreateWaitlistEntry(f.ctx, &e)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("expected error on %s, got %v", tt.field, verr.Fields)
			}
		})
	}
}

func TestWaitlist_HolidaySlotNotOffered(t *testing.T) {
	f := newFixture(t)
	appt, slot := f.afternoon()
	e := f.waitEntry(5, PriorityUrgent)
	if _, err := f.svc.CreateHoliday(f.ctx, &Holiday{Date: testMonday, Reason: "public holiday"}); err != nil {
		t.Fatalf("create holiday: %v", err)
	}

	if _, err := f.svc.CancelBooking(f.ctx, appt.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if f.notifier.offerCount() != 0 {
		t.Errorf("a slot on a holiday must not be offered, got %d offers", f.notifier.offerCount())
	}
	if got := f.repo.entry(e.ID).Status; got != WaitlistActive {
		t.Errorf("entry should keep waiting, got %s", got)
	}
	if offers := f.repo.offersFor(slot.ID); len(offers) != 0 {
		t.Errorf("expected no offer rows, got %+v", offers)
	}
}

func TestWaitlist_OfferRechecksSlotInTransaction(t *testing.T) {
	f := newFixture(t)
	f.window(time.Monday, "13:00", "16:00", 30)
	var stale TimeSlot
	for _, s := range f.generate(testMonday) {
		if s.Start.Format("15:04") == "14:00" {
			stale = s
		}
	}
	e := f.waitEntry(5, PriorityUrgent)

	// booked directly after the matcher read the slot as free
	f.book(f.request(testMonday, "14:00", "14:30"))
	sent := f.notifier.offerCount()

	_, err := f.svc.waitlist.offer(f.ctx, f.hospital, e, stale)
	var unbookable *unbookableError
	if !errors.As(err, &unbookable) || !unbookable.slotWide() {
		t.Fatalf("expected a slot-wide unbookable error, got %v", err)
	}
	if f.notifier.offerCount() != sent {
		t.Errorf("no notification may go out for a taken slot")
	}
	if got := f.repo.entry(e.ID).Status; got != WaitlistActive {
		t.Errorf("entry should keep waiting, got %s", got)
	}
	if offers := f.repo.offersFor(stale.ID); len(offers) != 0 {
		t.Errorf("expected no offer rows for the taken slot, got %+v", offers)
	}
}
