package scheduling

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

// memState is the whole store. Maps hold values so a shallow clone is a
// full snapshot for rollback.
type memState struct {
	ledgers     map[string]int64
	windows     map[uuid.UUID]AvailabilityWindow
	slots       map[uuid.UUID]TimeSlot
	holidays    map[uuid.UUID]Holiday
	rules       map[uuid.UUID]AppointmentBufferRule
	appts       map[uuid.UUID]Appointment
	resources   map[uuid.UUID]HospitalResource
	rbookings   map[uuid.UUID]ResourceBooking
	series      map[uuid.UUID]RecurringAppointment
	occurrences map[string]SeriesOccurrence
	waitlist    map[uuid.UUID]AppointmentWaitlist
	offers      map[uuid.UUID]WaitlistOffer
	events      []EventLog
}

func newMemState() memState {
	return memState{
		ledgers:     map[string]int64{},
		windows:     map[uuid.UUID]AvailabilityWindow{},
		slots:       map[uuid.UUID]TimeSlot{},
		holidays:    map[uuid.UUID]Holiday{},
		rules:       map[uuid.UUID]AppointmentBufferRule{},
		appts:       map[uuid.UUID]Appointment{},
		resources:   map[uuid.UUID]HospitalResource{},
		rbookings:   map[uuid.UUID]ResourceBooking{},
		series:      map[uuid.UUID]RecurringAppointment{},
		occurrences: map[string]SeriesOccurrence{},
		waitlist:    map[uuid.UUID]AppointmentWaitlist{},
		offers:      map[uuid.UUID]WaitlistOffer{},
	}
}

func (s memState) clone() memState {
	return memState{
		ledgers:     maps.Clone(s.ledgers),
		windows:     maps.Clone(s.windows),
		slots:       maps.Clone(s.slots),
		holidays:    maps.Clone(s.holidays),
		rules:       maps.Clone(s.rules),
		appts:       maps.Clone(s.appts),
		resources:   maps.Clone(s.resources),
		rbookings:   maps.Clone(s.rbookings),
		series:      maps.Clone(s.series),
		occurrences: maps.Clone(s.occurrences),
		waitlist:    maps.Clone(s.waitlist),
		offers:      maps.Clone(s.offers),
		events:      slices.Clone(s.events),
	}
}

type memTxKey struct{}

// memRepo is an in-memory Repository. RunInTx serializes transactions and
// restores a snapshot when fn fails.
type memRepo struct {
	mu sync.Mutex
	st memState

	// failBumps makes the next n BumpLedger calls report a version conflict.
	failBumps int
	bumps     int
	txs       int
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{st: newMemState()}
}

func (m *memRepo) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs++
	snapshot := m.st.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	return a.Format(time.DateOnly) == b.Format(time.DateOnly)
}

func ledgerID(hospitalID uuid.UUID, key LedgerKey) string {
	return hospitalID.String() + "/" + key.String()
}

func (m *memRepo) LedgerVersion(ctx context.Context, key LedgerKey) (int64, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return 0, err
	}
	return m.st.ledgers[ledgerID(hid, key)], nil
}

func (m *memRepo) BumpLedger(ctx context.Context, key LedgerKey, expected int64) error {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	m.bumps++
	if m.failBumps > 0 {
		m.failBumps--
		return ErrVersionConflict
	}
	id := ledgerID(hid, key)
	if m.st.ledgers[id] != expected {
		return ErrVersionConflict
	}
	m.st.ledgers[id] = expected + 1
	return nil
}

func (m *memRepo) CreateWindow(ctx context.Context, w *AvailabilityWindow) error {
	defer m.lock(ctx)()
	m.st.windows[w.ID] = *w
	return nil
}

func (m *memRepo) ListActiveWindows(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var out []AvailabilityWindow
	for _, w := range m.st.windows {
		if w.HospitalID == hid && w.DoctorID == doctorID && w.DayOfWeek == day && w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

func (m *memRepo) ListSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var out []TimeSlot
	for _, s := range m.st.slots {
		if s.HospitalID == hid && s.DoctorID == doctorID && sameDay(s.Date, date) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *memRepo) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := m.st.slots[id]
	if !ok || s.HospitalID != hid {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *memRepo) InsertSlots(ctx context.Context, slots []TimeSlot) error {
	defer m.lock(ctx)()
	for _, s := range slots {
		m.st.slots[s.ID] = s
	}
	return nil
}

func (m *memRepo) DeleteFreeSlots(ctx context.Context, ids []uuid.UUID) error {
	defer m.lock(ctx)()
	for _, id := range ids {
		if s, ok := m.st.slots[id]; ok && s.State == SlotFree {
			delete(m.st.slots, id)
		}
	}
	return nil
}

func (m *memRepo) MarkSlotsBooked(ctx context.Context, ids []uuid.UUID, appointmentID uuid.UUID) error {
	defer m.lock(ctx)()
	for _, id := range ids {
		if s, ok := m.st.slots[id]; !ok || s.State != SlotFree {
			return ErrSlotNotFree
		}
	}
	for _, id := range ids {
		s := m.st.slots[id]
		s.State = SlotBooked
		s.AppointmentID = idPtr(appointmentID)
		m.st.slots[id] = s
	}
	return nil
}

func (m *memRepo) ReleaseSlots(ctx context.Context, appointmentID uuid.UUID) ([]TimeSlot, error) {
	defer m.lock(ctx)()
	var out []TimeSlot
	for id, s := range m.st.slots {
		if s.AppointmentID != nil && *s.AppointmentID == appointmentID {
			s.State = SlotFree
			s.AppointmentID = nil
			m.st.slots[id] = s
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *memRepo) CreateHoliday(ctx context.Context, h *Holiday) error {
	defer m.lock(ctx)()
	m.st.holidays[h.ID] = *h
	return nil
}

func (m *memRepo) FindHoliday(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Holiday, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range m.st.holidays {
		if h.HospitalID != hid || !sameDay(h.Date, date) {
			continue
		}
		if h.DoctorID == nil || *h.DoctorID == doctorID {
			return &h, nil
		}
	}
	return nil, nil
}

func (m *memRepo) CreateBufferRule(ctx context.Context, r *AppointmentBufferRule) error {
	defer m.lock(ctx)()
	m.st.rules[r.ID] = *r
	return nil
}

func (m *memRepo) ListBufferRules(ctx context.Context) ([]AppointmentBufferRule, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var out []AppointmentBufferRule
	for _, r := range m.st.rules {
		if r.HospitalID == hid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) InsertAppointment(ctx context.Context, a *Appointment) error {
	defer m.lock(ctx)()
	m.st.appts[a.ID] = *a
	return nil
}

func (m *memRepo) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := m.st.appts[id]
	if !ok || a.HospitalID != hid {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memRepo) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var out []Appointment
	for _, a := range m.st.appts {
		if a.HospitalID == hid && a.DoctorID == doctorID && a.Status == AppointmentConfirmed &&
			overlaps(a.BlockedFrom, a.BlockedUntil, from, to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *memRepo) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason string) (*Appointment, error) {
	defer m.lock(ctx)()
	a, ok := m.st.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrInvalidStatusTransition
	}
	a.Status = to
	a.CancelReason = reason
	m.st.appts[id] = a
	return &a, nil
}

func (m *memRepo) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID, after time.Time) ([]Appointment, error) {
	defer m.lock(ctx)()
	var out []Appointment
	for _, a := range m.st.appts {
		if a.SeriesID != nil && *a.SeriesID == seriesID && a.Status == AppointmentConfirmed && !a.Start.Before(after) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	defer m.lock(ctx)()
	ev.ID = int64(len(m.st.events) + 1)
	m.st.events = append(m.st.events, ev)
	return nil
}

func (m *memRepo) CreateResource(ctx context.Context, r *HospitalResource) error {
	defer m.lock(ctx)()
	m.st.resources[r.ID] = *r
	return nil
}

func (m *memRepo) GetResource(ctx context.Context, id uuid.UUID) (*HospitalResource, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := m.st.resources[id]
	if !ok || r.HospitalID != hid {
		return nil, ErrResourceNotFound
	}
	return &r, nil
}

func (m *memRepo) ListActiveResourceBookings(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceBooking, error) {
	defer m.lock(ctx)()
	var out []ResourceBooking
	for _, b := range m.st.rbookings {
		if b.ResourceID == resourceID && b.Status != ResourceCancelled && overlaps(b.Start, b.End, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memRepo) InsertResourceBooking(ctx context.Context, b *ResourceBooking) error {
	defer m.lock(ctx)()
	m.st.rbookings[b.ID] = *b
	return nil
}

func (m *memRepo) GetResourceBooking(ctx context.Context, id uuid.UUID) (*ResourceBooking, error) {
	defer m.lock(ctx)()
	b, ok := m.st.rbookings[id]
	if !ok {
		return nil, ErrResourceBookingNotFound
	}
	return &b, nil
}

func (m *memRepo) UpdateResourceBookingStatus(ctx context.Context, id uuid.UUID, from, to ResourceBookingStatus, d ResourceDecision) (*ResourceBooking, error) {
	defer m.lock(ctx)()
	b, ok := m.st.rbookings[id]
	if !ok {
		return nil, ErrResourceBookingNotFound
	}
	if b.Status != from {
		return nil, ErrInvalidStatusTransition
	}
	b.Status = to
	if d.ApprovedBy != nil {
		b.ApprovedBy = d.ApprovedBy
	}
	if d.DecidedAt != nil {
		b.DecidedAt = d.DecidedAt
	}
	if d.CancelReason != "" {
		b.CancelReason = d.CancelReason
	}
	m.st.rbookings[id] = b
	return &b, nil
}

func (m *memRepo) ListAppointmentResourceBookings(ctx context.Context, appointmentID uuid.UUID) ([]ResourceBooking, error) {
	defer m.lock(ctx)()
	var out []ResourceBooking
	for _, b := range m.st.rbookings {
		if b.AppointmentID == appointmentID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memRepo) CreateSeries(ctx context.Context, s *RecurringAppointment) error {
	defer m.lock(ctx)()
	m.st.series[s.ID] = *s
	return nil
}

func (m *memRepo) GetSeries(ctx context.Context, id uuid.UUID) (*RecurringAppointment, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := m.st.series[id]
	if !ok || s.HospitalID != hid {
		return nil, ErrSeriesNotFound
	}
	return &s, nil
}

func (m *memRepo) UpdateSeriesStatus(ctx context.Context, id uuid.UUID, from, to SeriesStatus) (*RecurringAppointment, error) {
	defer m.lock(ctx)()
	s, ok := m.st.series[id]
	if !ok {
		return nil, ErrSeriesNotFound
	}
	if s.Status != from {
		return nil, ErrInvalidStatusTransition
	}
	s.Status = to
	m.st.series[id] = s
	return &s, nil
}

func (m *memRepo) AdvanceSeries(ctx context.Context, id uuid.UUID, through time.Time, generated int) error {
	defer m.lock(ctx)()
	s, ok := m.st.series[id]
	if !ok {
		return ErrSeriesNotFound
	}
	if s.LastGeneratedDate == nil || through.After(*s.LastGeneratedDate) {
		t := through
		s.LastGeneratedDate = &t
	}
	if generated > s.OccurrencesGenerated {
		s.OccurrencesGenerated = generated
	}
	m.st.series[id] = s
	return nil
}

func occurrenceID(seriesID uuid.UUID, date time.Time) string {
	return seriesID.String() + "/" + date.Format(time.DateOnly)
}

func (m *memRepo) InsertOccurrence(ctx context.Context, o *SeriesOccurrence) error {
	defer m.lock(ctx)()
	id := occurrenceID(o.SeriesID, o.OccurrenceDate)
	if _, ok := m.st.occurrences[id]; !ok {
		m.st.occurrences[id] = *o
	}
	return nil
}

func (m *memRepo) MarkOccurrenceCancelled(ctx context.Context, seriesID uuid.UUID, date time.Time) error {
	defer m.lock(ctx)()
	id := occurrenceID(seriesID, date)
	if o, ok := m.st.occurrences[id]; ok {
		o.Status = OccurrenceCancelled
		m.st.occurrences[id] = o
	}
	return nil
}

func (m *memRepo) ListActiveSeries(ctx context.Context) ([]SeriesRef, error) {
	defer m.lock(ctx)()
	var out []SeriesRef
	for _, s := range m.st.series {
		if s.Status == SeriesActive {
			out = append(out, SeriesRef{ID: s.ID, HospitalID: s.HospitalID})
		}
	}
	return out, nil
}

func (m *memRepo) CreateWaitlistEntry(ctx context.Context, e *AppointmentWaitlist) error {
	defer m.lock(ctx)()
	m.st.waitlist[e.ID] = *e
	return nil
}

func (m *memRepo) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*AppointmentWaitlist, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := m.st.waitlist[id]
	if !ok || e.HospitalID != hid {
		return nil, ErrWaitlistEntryNotFound
	}
	return &e, nil
}

func (m *memRepo) ListActiveWaitlist(ctx context.Context) ([]AppointmentWaitlist, error) {
	defer m.lock(ctx)()
	hid, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var out []AppointmentWaitlist
	for _, e := range m.st.waitlist {
		if e.HospitalID == hid && e.Status == WaitlistActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, t WaitlistTransition) (*AppointmentWaitlist, error) {
	defer m.lock(ctx)()
	e, ok := m.st.waitlist[id]
	if !ok {
		return nil, ErrWaitlistEntryNotFound
	}
	if e.Status != t.From {
		return nil, ErrInvalidStatusTransition
	}
	e.Status = t.To
	if t.ClearOffer {
		e.NotifiedAt, e.ExpiresAt = nil, nil
	} else {
		if t.NotifiedAt != nil {
			e.NotifiedAt = t.NotifiedAt
		}
		if t.ExpiresAt != nil {
			e.ExpiresAt = t.ExpiresAt
		}
	}
	m.st.waitlist[id] = e
	return &e, nil
}

func (m *memRepo) InsertOffer(ctx context.Context, o *WaitlistOffer) error {
	defer m.lock(ctx)()
	for _, other := range m.st.offers {
		if other.EntryID == o.EntryID && other.SlotID == o.SlotID {
			return ErrOfferExists
		}
		if o.Status == OfferOpen && other.Status == OfferOpen && other.SlotID == o.SlotID {
			return ErrOfferExists
		}
	}
	m.st.offers[o.ID] = *o
	return nil
}

func (m *memRepo) FindOpenOffer(ctx context.Context, entryID uuid.UUID) (*WaitlistOffer, error) {
	defer m.lock(ctx)()
	for _, o := range m.st.offers {
		if o.EntryID == entryID && o.Status == OfferOpen {
			return &o, nil
		}
	}
	return nil, ErrOfferNotFound
}

func (m *memRepo) FindOpenOfferForSlot(ctx context.Context, slotID uuid.UUID) (*WaitlistOffer, error) {
	defer m.lock(ctx)()
	for _, o := range m.st.offers {
		if o.SlotID == slotID && o.Status == OfferOpen {
			return &o, nil
		}
	}
	return nil, ErrOfferNotFound
}

func (m *memRepo) ListOfferedEntries(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error) {
	defer m.lock(ctx)()
	var out []uuid.UUID
	for _, o := range m.st.offers {
		if o.SlotID == slotID {
			out = append(out, o.EntryID)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateOfferStatus(ctx context.Context, id uuid.UUID, from, to OfferStatus) error {
	defer m.lock(ctx)()
	o, ok := m.st.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	if o.Status != from {
		return ErrInvalidStatusTransition
	}
	o.Status = to
	m.st.offers[id] = o
	return nil
}

func (m *memRepo) ListExpiredOffers(ctx context.Context, now time.Time) ([]WaitlistOffer, error) {
	defer m.lock(ctx)()
	var out []WaitlistOffer
	for _, o := range m.st.offers {
		if o.Status == OfferOpen && o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

// read helpers for assertions

func (m *memRepo) slot(id uuid.UUID) TimeSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.slots[id]
}

func (m *memRepo) entry(id uuid.UUID) AppointmentWaitlist {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.waitlist[id]
}

func (m *memRepo) resourceBooking(id uuid.UUID) ResourceBooking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.rbookings[id]
}

func (m *memRepo) offersFor(slotID uuid.UUID) []WaitlistOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WaitlistOffer
	for _, o := range m.st.offers {
		if o.SlotID == slotID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferedAt.Before(out[j].OfferedAt) })
	return out
}

func (m *memRepo) confirmedFor(doctorID uuid.UUID) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.st.appts {
		if a.DoctorID == doctorID && a.Status == AppointmentConfirmed {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *memRepo) occurrencesOf(seriesID uuid.UUID) []SeriesOccurrence {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SeriesOccurrence
	for _, o := range m.st.occurrences {
		if o.SeriesID == seriesID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurrenceDate.Before(out[j].OccurrenceDate) })
	return out
}

func (m *memRepo) eventCount(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.st.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// memLocker grants each key to one holder at a time.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type recordingNotifier struct {
	mu      sync.Mutex
	offers  []OfferEvent
	skipped []SkippedOccurrenceEvent
}

func (n *recordingNotifier) NotifyOffer(_ context.Context, ev OfferEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, ev)
	return nil
}

func (n *recordingNotifier) NotifySkippedOccurrence(_ context.Context, ev SkippedOccurrenceEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.skipped = append(n.skipped, ev)
	return nil
}

func (n *recordingNotifier) offerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testMonday is a Monday; the clock starts the Friday before it.
var testMonday = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	repo     *memRepo
	notifier *recordingNotifier
	locker   *memLocker
	clock    *testClock
	svc      *Service
	hospital uuid.UUID
	doctor   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		repo:     newMemRepo(),
		notifier: &recordingNotifier{},
		locker:   newMemLocker(),
		clock:    &testClock{t: testMonday.Add(-68 * time.Hour)},
		hospital: uuid.New(),
		doctor:   uuid.New(),
	}
	f.ctx = WithHospital(context.Background(), f.hospital)
	f.svc = NewService(f.repo, f.locker, f.notifier, zerolog.Nop(), Options{Now: f.clock.Now})
	return f
}

func (f *fixture) window(day time.Weekday, from, to string, slotMinutes int) AvailabilityWindow {
	f.t.Helper()
	w, err := f.svc.CreateAvailabilityWindow(f.ctx, &AvailabilityWindow{
		DoctorID:    f.doctor,
		DayOfWeek:   day,
		StartTime:   MustClock(from),
		EndTime:     MustClock(to),
		SlotMinutes: slotMinutes,
		Active:      true,
	})
	if err != nil {
		f.t.Fatalf("create window: %v", err)
	}
	return *w
}

func (f *fixture) generate(date time.Time) []TimeSlot {
	f.t.Helper()
	slots, err := f.svc.GenerateSlots(f.ctx, f.doctor, date)
	if err != nil {
		f.t.Fatalf("generate slots: %v", err)
	}
	return slots
}

func (f *fixture) at(date time.Time, clock string) time.Time {
	return MustClock(clock).On(date)
}

func (f *fixture) request(date time.Time, from, to string) BookingRequest {
	return BookingRequest{
		DoctorID:  f.doctor,
		PatientID: uuid.New(),
		Start:     f.at(date, from),
		End:       f.at(date, to),
	}
}

func (f *fixture) book(req BookingRequest) *Reservation {
	f.t.Helper()
	res, conflicts, err := f.svc.CheckAndReserve(f.ctx, req)
	if err != nil {
		f.t.Fatalf("CheckAndReserve error: %v", err)
	}
	if len(conflicts) > 0 {
		f.t.Fatalf("unexpected conflicts: %s", fmtConflicts(conflicts))
	}
	return res
}

func fmtConflicts(cs []SchedulingConflict) string {
	out := ""
	for _, c := range cs {
		out += fmt.Sprintf("[%s/%s %s] ", c.Type, c.Code, c.Message)
	}
	return out
}

func hasCode(cs []SchedulingConflict, code string) bool {
	for _, c := range cs {
		if c.Code == code {
			return true
		}
	}
	return false
}
