package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Modality string

const (
	ModalityInPerson     Modality = "in_person"
	ModalityTelemedicine Modality = "telemedicine"
)

type SlotState string

const (
	SlotFree   SlotState = "free"
	SlotBooked SlotState = "booked"
)

type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type AppointmentSource string

const (
	SourceDirect   AppointmentSource = "direct"
	SourceWaitlist AppointmentSource = "waitlist"
	SourceSeries   AppointmentSource = "series"
)

type ResourceType string

const (
	ResourceRoom      ResourceType = "room"
	ResourceEquipment ResourceType = "equipment"
	ResourceVehicle   ResourceType = "vehicle"
)

type ResourceBookingStatus string

const (
	ResourcePending   ResourceBookingStatus = "pending"
	ResourceConfirmed ResourceBookingStatus = "confirmed"
	ResourceCancelled ResourceBookingStatus = "cancelled"
)

type RuleScope string

const (
	ScopeHospital              RuleScope = "hospital"
	ScopeDepartment            RuleScope = "department"
	ScopeAppointmentType       RuleScope = "appointment_type"
	ScopeDoctor                RuleScope = "doctor"
	ScopeDoctorAppointmentType RuleScope = "doctor_appointment_type"
)

type Pattern string

const (
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
	PatternYearly  Pattern = "yearly"
)

type SeriesStatus string

const (
	SeriesActive    SeriesStatus = "active"
	SeriesPaused    SeriesStatus = "paused"
	SeriesCompleted SeriesStatus = "completed"
	SeriesCancelled SeriesStatus = "cancelled"
)

type OccurrenceStatus string

const (
	OccurrenceBooked          OccurrenceStatus = "booked"
	OccurrenceSkippedConflict OccurrenceStatus = "skipped_conflict"
	OccurrenceCancelled       OccurrenceStatus = "cancelled"
)

type WaitlistPriority string

const (
	PriorityLow    WaitlistPriority = "low"
	PriorityNormal WaitlistPriority = "normal"
	PriorityHigh   WaitlistPriority = "high"
	PriorityUrgent WaitlistPriority = "urgent"
)

// Rank orders priorities so that urgent sorts above low.
func (p WaitlistPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type WaitlistStatus string

const (
	WaitlistActive    WaitlistStatus = "active"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistBooked    WaitlistStatus = "booked"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s WaitlistStatus) Terminal() bool {
	return s == WaitlistBooked || s == WaitlistCancelled || s == WaitlistExpired
}

type OfferStatus string

const (
	OfferOpen     OfferStatus = "offered"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
	OfferBooked   OfferStatus = "booked"
	OfferLost     OfferStatus = "lost"
)

type ContactMethod string

const (
	ContactEmail ContactMethod = "email"
	ContactSMS   ContactMethod = "sms"
	ContactPhone ContactMethod = "phone"
	ContactPush  ContactMethod = "push"
)

// Clock is a time of day in minutes since midnight.
type Clock int

const minutesPerDay = 24 * 60

func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q, use HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	c := Clock(h*60 + m)
	if c > minutesPerDay {
		return 0, fmt.Errorf("time of day %q is past midnight", s)
	}
	return c, nil
}

func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the wall-clock time of day of t.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On places the time of day on the given calendar date.
func (c Clock) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, int(c), 0, 0, date.Location())
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

type AvailabilityWindow struct {
	ID              uuid.UUID
	HospitalID      uuid.UUID
	DoctorID        uuid.UUID    `validate:"required"`
	DayOfWeek       time.Weekday `validate:"gte=0,lte=6"`
	StartTime       Clock        `validate:"gte=0,lte=1440"`
	EndTime         Clock        `validate:"gte=0,lte=1440"`
	SlotMinutes     int          `validate:"gt=0"`
	Modality        Modality     `validate:"oneof=in_person telemedicine"`
	AppointmentType string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TimeSlot struct {
	ID              uuid.UUID
	HospitalID      uuid.UUID
	DoctorID        uuid.UUID
	Date            time.Time
	Start           time.Time
	End             time.Time
	Modality        Modality
	AppointmentType string
	State           SlotState
	AppointmentID   *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s TimeSlot) sameRange(o TimeSlot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

type HospitalResource struct {
	ID                uuid.UUID
	HospitalID        uuid.UUID
	Name              string       `validate:"required"`
	Type              ResourceType `validate:"oneof=room equipment vehicle"`
	Capacity          int          `validate:"gte=0"`
	BufferMinutes     int          `validate:"gte=0"`
	MaxBookingMinutes int          `validate:"gte=0"`
	RequiresApproval  bool
	CreatedAt         time.Time
}

func (r HospitalResource) capacity() int {
	if r.Capacity <= 0 {
		return 1
	}
	return r.Capacity
}

type ResourceBooking struct {
	ID            uuid.UUID
	HospitalID    uuid.UUID
	ResourceID    uuid.UUID
	AppointmentID uuid.UUID
	Start         time.Time
	End           time.Time
	Status        ResourceBookingStatus
	ApprovedBy    *uuid.UUID
	DecidedAt     *time.Time
	CancelReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type AppointmentBufferRule struct {
	ID                   uuid.UUID
	HospitalID           uuid.UUID
	Scope                RuleScope  `validate:"oneof=hospital department appointment_type doctor doctor_appointment_type"`
	DoctorID             *uuid.UUID `validate:"required_if=Scope doctor,required_if=Scope doctor_appointment_type"`
	AppointmentType      string     `validate:"required_if=Scope appointment_type,required_if=Scope doctor_appointment_type"`
	Department           string     `validate:"required_if=Scope department"`
	BufferBeforeMinutes  int        `validate:"gte=0"`
	BufferAfterMinutes   int        `validate:"gte=0"`
	CleanupMinutes       int        `validate:"gte=0"`
	MaxConsecutive       int        `validate:"gte=0"`
	RequiredBreakMinutes int        `validate:"gte=0"`
	Priority             int
	Active               bool
	CreatedAt            time.Time
}

type Appointment struct {
	ID              uuid.UUID
	HospitalID      uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	AppointmentType string
	Department      string
	Start           time.Time
	End             time.Time
	// BlockedFrom and BlockedUntil hold the range the doctor is unavailable
	// for, including the buffers and cleanup of the rule in force at booking.
	BlockedFrom     time.Time
	BlockedUntil    time.Time
	Status          AppointmentStatus
	Source          AppointmentSource
	SeriesID        *uuid.UUID
	OccurrenceDate  *time.Time
	WaitlistEntryID *uuid.UUID
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Holiday struct {
	ID         uuid.UUID
	HospitalID uuid.UUID
	DoctorID   *uuid.UUID
	Date       time.Time `validate:"required"`
	Reason     string
}

type RecurringAppointment struct {
	ID                   uuid.UUID
	HospitalID           uuid.UUID
	PatientID            uuid.UUID `validate:"required"`
	DoctorID             uuid.UUID `validate:"required"`
	AppointmentType      string
	Department           string
	Pattern              Pattern        `validate:"oneof=daily weekly monthly yearly"`
	Interval             int            `validate:"gte=1"`
	DaysOfWeek           []time.Weekday `validate:"dive,gte=0,lte=6"`
	DayOfMonth           int            `validate:"gte=0,lte=31"`
	StartTime            Clock          `validate:"gte=0,lt=1440"`
	DurationMinutes      int            `validate:"gt=0"`
	StartDate            time.Time      `validate:"required"`
	EndDate              *time.Time
	MaxOccurrences       int `validate:"gte=0"`
	RequiredResources    []uuid.UUID
	Status               SeriesStatus
	LastGeneratedDate    *time.Time
	OccurrencesGenerated int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type SeriesOccurrence struct {
	SeriesID       uuid.UUID
	HospitalID     uuid.UUID
	OccurrenceDate time.Time
	Status         OccurrenceStatus
	AppointmentID  *uuid.UUID
	Reason         string
	CreatedAt      time.Time
}

type AppointmentWaitlist struct {
	ID                 uuid.UUID
	HospitalID         uuid.UUID
	PatientID          uuid.UUID `validate:"required"`
	DoctorID           *uuid.UUID
	PreferredDateFrom  *time.Time
	PreferredDateTo    *time.Time
	PreferredStartTime *Clock
	PreferredEndTime   *Clock
	AppointmentType    string           `validate:"required"`
	Priority           WaitlistPriority `validate:"oneof=low normal high urgent"`
	UrgencyLevel       int              `validate:"gte=1,lte=5"`
	ContactMethod      ContactMethod    `validate:"oneof=email sms phone push"`
	AutoBook           bool
	MaxNoticeHours     int `validate:"gte=0"`
	Status             WaitlistStatus
	NotifiedAt         *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type WaitlistOffer struct {
	ID         uuid.UUID
	HospitalID uuid.UUID
	EntryID    uuid.UUID
	SlotID     uuid.UUID
	Status     OfferStatus
	OfferedAt  time.Time
	ExpiresAt  *time.Time
	UpdatedAt  time.Time
}

type EventLog struct {
	ID            int64
	HospitalID    uuid.UUID
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type LedgerKind string

const (
	LedgerDoctor   LedgerKind = "doctor"
	LedgerResource LedgerKind = "resource"
)

// LedgerKey names one versioned booking ledger: every change to the
// bookings of a doctor or resource on a date bumps its version.
type LedgerKey struct {
	Kind      LedgerKind
	SubjectID uuid.UUID
	Date      time.Time
}

func DoctorLedger(doctorID uuid.UUID, date time.Time) LedgerKey {
	return LedgerKey{Kind: LedgerDoctor, SubjectID: doctorID, Date: DateOf(date)}
}

func ResourceLedger(resourceID uuid.UUID, date time.Time) LedgerKey {
	return LedgerKey{Kind: LedgerResource, SubjectID: resourceID, Date: DateOf(date)}
}

func (k LedgerKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.SubjectID, k.Date.Format("2006-01-02"))
}
