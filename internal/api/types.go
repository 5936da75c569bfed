package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

const dateLayout = "2006-01-02"

// Date is a calendar date in YYYY-MM-DD form, read as UTC midnight.
type Date struct {
	time.Time
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.Format(dateLayout)), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	t, err := time.Parse(dateLayout, string(b))
	if err != nil {
		return fmt.Errorf("invalid date %q, use YYYY-MM-DD", b)
	}
	d.Time = t
	return nil
}

func (d *Date) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func datePtr(t *time.Time) *Date {
	if t == nil {
		return nil
	}
	return &Date{Time: *t}
}

type CreateWindowRequest struct {
	DoctorID        uuid.UUID        `json:"doctor_id" validate:"required"`
	DayOfWeek       int              `json:"day_of_week" validate:"gte=0,lte=6"`
	StartTime       scheduling.Clock `json:"start_time"`
	EndTime         scheduling.Clock `json:"end_time"`
	SlotMinutes     int              `json:"slot_minutes" validate:"gt=0"`
	Modality        string           `json:"modality" validate:"omitempty,oneof=in_person telemedicine"`
	AppointmentType string           `json:"appointment_type"`
	Active          *bool            `json:"active"`
}

func (r CreateWindowRequest) toModel() *scheduling.AvailabilityWindow {
	w := &scheduling.AvailabilityWindow{
		DoctorID:        r.DoctorID,
		DayOfWeek:       time.Weekday(r.DayOfWeek),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		SlotMinutes:     r.SlotMinutes,
		Modality:        scheduling.Modality(r.Modality),
		AppointmentType: r.AppointmentType,
		Active:          r.Active == nil || *r.Active,
	}
	if w.Modality == "" {
		w.Modality = scheduling.ModalityInPerson
	}
	return w
}

type WindowResponse struct {
	ID              uuid.UUID        `json:"id"`
	DoctorID        uuid.UUID        `json:"doctor_id"`
	DayOfWeek       int              `json:"day_of_week"`
	StartTime       scheduling.Clock `json:"start_time"`
	EndTime         scheduling.Clock `json:"end_time"`
	SlotMinutes     int              `json:"slot_minutes"`
	Modality        string           `json:"modality"`
	AppointmentType string           `json:"appointment_type,omitempty"`
	Active          bool             `json:"active"`
}

func windowResponse(w *scheduling.AvailabilityWindow) WindowResponse {
	return WindowResponse{
		ID:              w.ID,
		DoctorID:        w.DoctorID,
		DayOfWeek:       int(w.DayOfWeek),
		StartTime:       w.StartTime,
		EndTime:         w.EndTime,
		SlotMinutes:     w.SlotMinutes,
		Modality:        string(w.Modality),
		AppointmentType: w.AppointmentType,
		Active:          w.Active,
	}
}

type CreateBufferRuleRequest struct {
	Scope                string     `json:"scope" validate:"required"`
	DoctorID             *uuid.UUID `json:"doctor_id"`
	AppointmentType      string     `json:"appointment_type"`
	Department           string     `json:"department"`
	BufferBeforeMinutes  int        `json:"buffer_before_minutes"`
	BufferAfterMinutes   int        `json:"buffer_after_minutes"`
	CleanupMinutes       int        `json:"cleanup_minutes"`
	MaxConsecutive       int        `json:"max_consecutive"`
	RequiredBreakMinutes int        `json:"required_break_minutes"`
	Priority             int        `json:"priority"`
	Active               *bool      `json:"active"`
}

func (r CreateBufferRuleRequest) toModel() *scheduling.AppointmentBufferRule {
	return &scheduling.AppointmentBufferRule{
		Scope:                scheduling.RuleScope(r.Scope),
		DoctorID:             r.DoctorID,
		AppointmentType:      r.AppointmentType,
		Department:           r.Department,
		BufferBeforeMinutes:  r.BufferBeforeMinutes,
		BufferAfterMinutes:   r.BufferAfterMinutes,
		CleanupMinutes:       r.CleanupMinutes,
		MaxConsecutive:       r.MaxConsecutive,
		RequiredBreakMinutes: r.RequiredBreakMinutes,
		Priority:             r.Priority,
		Active:               r.Active == nil || *r.Active,
	}
}

type BufferRuleResponse struct {
	ID                   uuid.UUID  `json:"id"`
	Scope                string     `json:"scope"`
	DoctorID             *uuid.UUID `json:"doctor_id,omitempty"`
	AppointmentType      string     `json:"appointment_type,omitempty"`
	Department           string     `json:"department,omitempty"`
	BufferBeforeMinutes  int        `json:"buffer_before_minutes"`
	BufferAfterMinutes   int        `json:"buffer_after_minutes"`
	CleanupMinutes       int        `json:"cleanup_minutes"`
	MaxConsecutive       int        `json:"max_consecutive"`
	RequiredBreakMinutes int        `json:"required_break_minutes"`
	Priority             int        `json:"priority"`
	Active               bool       `json:"active"`
}

func bufferRuleResponse(r *scheduling.AppointmentBufferRule) BufferRuleResponse {
	return BufferRuleResponse{
		ID:                   r.ID,
		Scope:                string(r.Scope),
		DoctorID:             r.DoctorID,
		AppointmentType:      r.AppointmentType,
		Department:           r.Department,
		BufferBeforeMinutes:  r.BufferBeforeMinutes,
		BufferAfterMinutes:   r.BufferAfterMinutes,
		CleanupMinutes:       r.CleanupMinutes,
		MaxConsecutive:       r.MaxConsecutive,
		RequiredBreakMinutes: r.RequiredBreakMinutes,
		Priority:             r.Priority,
		Active:               r.Active,
	}
}

type CreateResourceRequest struct {
	Name              string `json:"name" validate:"required"`
	Type              string `json:"type" validate:"required"`
	Capacity          int    `json:"capacity"`
	BufferMinutes     int    `json:"buffer_minutes"`
	MaxBookingMinutes int    `json:"max_booking_minutes"`
	RequiresApproval  bool   `json:"requires_approval"`
}

func (r CreateResourceRequest) toModel() *scheduling.HospitalResource {
	return &scheduling.HospitalResource{
		Name:              r.Name,
		Type:              scheduling.ResourceType(r.Type),
		Capacity:          r.Capacity,
		BufferMinutes:     r.BufferMinutes,
		MaxBookingMinutes: r.MaxBookingMinutes,
		RequiresApproval:  r.RequiresApproval,
	}
}

type ResourceResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Capacity          int       `json:"capacity"`
	BufferMinutes     int       `json:"buffer_minutes"`
	MaxBookingMinutes int       `json:"max_booking_minutes"`
	RequiresApproval  bool      `json:"requires_approval"`
}

func resourceResponse(r *scheduling.HospitalResource) ResourceResponse {
	return ResourceResponse{
		ID:                r.ID,
		Name:              r.Name,
		Type:              string(r.Type),
		Capacity:          r.Capacity,
		BufferMinutes:     r.BufferMinutes,
		MaxBookingMinutes: r.MaxBookingMinutes,
		RequiresApproval:  r.RequiresApproval,
	}
}

type CreateHolidayRequest struct {
	DoctorID *uuid.UUID `json:"doctor_id"`
	Date     Date       `json:"date" validate:"required"`
	Reason   string     `json:"reason"`
}

type HolidayResponse struct {
	ID       uuid.UUID  `json:"id"`
	DoctorID *uuid.UUID `json:"doctor_id,omitempty"`
	Date     Date       `json:"date"`
	Reason   string     `json:"reason,omitempty"`
}

func holidayResponse(h *scheduling.Holiday) HolidayResponse {
	return HolidayResponse{ID: h.ID, DoctorID: h.DoctorID, Date: Date{Time: h.Date}, Reason: h.Reason}
}

type GenerateSlotsRequest struct {
	Date Date `json:"date" validate:"required"`
}

type SlotResponse struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	Date            Date       `json:"date"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Modality        string     `json:"modality"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	State           string     `json:"state"`
	AppointmentID   *uuid.UUID `json:"appointment_id,omitempty"`
}

func slotResponses(slots []scheduling.TimeSlot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			ID:              s.ID,
			DoctorID:        s.DoctorID,
			Date:            Date{Time: s.Date},
			Start:           s.Start,
			End:             s.End,
			Modality:        string(s.Modality),
			AppointmentType: s.AppointmentType,
			State:           string(s.State),
			AppointmentID:   s.AppointmentID,
		})
	}
	return out
}

type CreateAppointmentRequest struct {
	DoctorID           uuid.UUID   `json:"doctor_id" validate:"required"`
	PatientID          uuid.UUID   `json:"patient_id" validate:"required"`
	AppointmentType    string      `json:"appointment_type"`
	Department         string      `json:"department"`
	Start              time.Time   `json:"start" validate:"required"`
	End                time.Time   `json:"end" validate:"required"`
	RequiredResources  []uuid.UUID `json:"required_resources"`
	PreferredResources []uuid.UUID `json:"preferred_resources"`
}

func (r CreateAppointmentRequest) toModel() scheduling.BookingRequest {
	return scheduling.BookingRequest{
		DoctorID:           r.DoctorID,
		PatientID:          r.PatientID,
		AppointmentType:    r.AppointmentType,
		Department:         r.Department,
		Start:              r.Start,
		End:                r.End,
		RequiredResources:  r.RequiredResources,
		PreferredResources: r.PreferredResources,
		Source:             scheduling.SourceDirect,
	}
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	Department      string     `json:"department,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	BlockedFrom     time.Time  `json:"blocked_from"`
	BlockedUntil    time.Time  `json:"blocked_until"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	SeriesID        *uuid.UUID `json:"series_id,omitempty"`
	OccurrenceDate  *Date      `json:"occurrence_date,omitempty"`
	WaitlistEntryID *uuid.UUID `json:"waitlist_entry_id,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
}

func appointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		AppointmentType: a.AppointmentType,
		Department:      a.Department,
		Start:           a.Start,
		End:             a.End,
		BlockedFrom:     a.BlockedFrom,
		BlockedUntil:    a.BlockedUntil,
		Status:          string(a.Status),
		Source:          string(a.Source),
		SeriesID:        a.SeriesID,
		OccurrenceDate:  datePtr(a.OccurrenceDate),
		WaitlistEntryID: a.WaitlistEntryID,
		CancelReason:    a.CancelReason,
	}
}

type ResourceBookingResponse struct {
	ID            uuid.UUID  `json:"id"`
	ResourceID    uuid.UUID  `json:"resource_id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	Status        string     `json:"status"`
	ApprovedBy    *uuid.UUID `json:"approved_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
}

func resourceBookingResponse(b *scheduling.ResourceBooking) ResourceBookingResponse {
	return ResourceBookingResponse{
		ID:            b.ID,
		ResourceID:    b.ResourceID,
		AppointmentID: b.AppointmentID,
		Start:         b.Start,
		End:           b.End,
		Status:        string(b.Status),
		ApprovedBy:    b.ApprovedBy,
		DecidedAt:     b.DecidedAt,
		CancelReason:  b.CancelReason,
	}
}

type ReservationResponse struct {
	Appointment      AppointmentResponse       `json:"appointment"`
	Slots            []SlotResponse            `json:"slots"`
	ResourceBookings []ResourceBookingResponse `json:"resource_bookings"`
	SkippedPreferred []uuid.UUID               `json:"skipped_preferred,omitempty"`
	RuleID           *uuid.UUID                `json:"rule_id,omitempty"`
}

func reservationResponse(res *scheduling.Reservation) ReservationResponse {
	out := ReservationResponse{
		Appointment:      appointmentResponse(&res.Appointment),
		Slots:            slotResponses(res.Slots),
		ResourceBookings: make([]ResourceBookingResponse, 0, len(res.ResourceBookings)),
		SkippedPreferred: res.SkippedPreferred,
	}
	for i := range res.ResourceBookings {
		out.ResourceBookings = append(out.ResourceBookings, resourceBookingResponse(&res.ResourceBookings[i]))
	}
	if res.Rule != nil {
		id := res.Rule.ID
		out.RuleID = &id
	}
	return out
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// ExpandSeriesRequest is optional; without a horizon the configured series
// horizon applies.
type ExpandSeriesRequest struct {
	HorizonDate *Date `json:"horizon_date"`
}

func (r ExpandSeriesRequest) horizon() time.Time {
	if r.HorizonDate == nil {
		return time.Time{}
	}
	return r.HorizonDate.Time
}

type ReserveResourceRequest struct {
	ResourceID uuid.UUID `json:"resource_id" validate:"required"`
}

type ApprovalRequest struct {
	ApproverID uuid.UUID `json:"approver_id" validate:"required"`
	Reason     string    `json:"reason"`
}

type CreateWaitlistRequest struct {
	PatientID          uuid.UUID         `json:"patient_id" validate:"required"`
	DoctorID           *uuid.UUID        `json:"doctor_id"`
	PreferredDateFrom  *Date             `json:"preferred_date_from"`
	PreferredDateTo    *Date             `json:"preferred_date_to"`
	PreferredStartTime *scheduling.Clock `json:"preferred_start_time"`
	PreferredEndTime   *scheduling.Clock `json:"preferred_end_time"`
	AppointmentType    string            `json:"appointment_type" validate:"required"`
	Priority           string            `json:"priority"`
	UrgencyLevel       int               `json:"urgency_level"`
	ContactMethod      string            `json:"contact_method"`
	AutoBook           bool              `json:"auto_book"`
	MaxNoticeHours     int               `json:"max_notice_hours"`
}

func (r CreateWaitlistRequest) toModel() *scheduling.AppointmentWaitlist {
	e := &scheduling.AppointmentWaitlist{
		PatientID:          r.PatientID,
		DoctorID:           r.DoctorID,
		PreferredDateFrom:  r.PreferredDateFrom.ptr(),
		PreferredDateTo:    r.PreferredDateTo.ptr(),
		PreferredStartTime: r.PreferredStartTime,
		PreferredEndTime:   r.PreferredEndTime,
		AppointmentType:    r.AppointmentType,
		Priority:           scheduling.WaitlistPriority(r.Priority),
		UrgencyLevel:       r.UrgencyLevel,
		ContactMethod:      scheduling.ContactMethod(r.ContactMethod),
		AutoBook:           r.AutoBook,
		MaxNoticeHours:     r.MaxNoticeHours,
	}
	if e.Priority == "" {
		e.Priority = scheduling.PriorityNormal
	}
	if e.UrgencyLevel == 0 {
		e.UrgencyLevel = 3
	}
	if e.ContactMethod == "" {
		e.ContactMethod = scheduling.ContactEmail
	}
	return e
}

type WaitlistResponse struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	DoctorID           *uuid.UUID        `json:"doctor_id,omitempty"`
	PreferredDateFrom  *Date             `json:"preferred_date_from,omitempty"`
	PreferredDateTo    *Date             `json:"preferred_date_to,omitempty"`
	PreferredStartTime *scheduling.Clock `json:"preferred_start_time,omitempty"`
	PreferredEndTime   *scheduling.Clock `json:"preferred_end_time,omitempty"`
	AppointmentType    string            `json:"appointment_type"`
	Priority           string            `json:"priority"`
	UrgencyLevel       int               `json:"urgency_level"`
	ContactMethod      string            `json:"contact_method"`
	AutoBook           bool              `json:"auto_book"`
	MaxNoticeHours     int               `json:"max_notice_hours"`
	Status             string            `json:"status"`
	NotifiedAt         *time.Time        `json:"notified_at,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

func waitlistResponse(e *scheduling.AppointmentWaitlist) WaitlistResponse {
	return WaitlistResponse{
		ID:                 e.ID,
		PatientID:          e.PatientID,
		DoctorID:           e.DoctorID,
		PreferredDateFrom:  datePtr(e.PreferredDateFrom),
		PreferredDateTo:    datePtr(e.PreferredDateTo),
		PreferredStartTime: e.PreferredStartTime,
		PreferredEndTime:   e.PreferredEndTime,
		AppointmentType:    e.AppointmentType,
		Priority:           string(e.Priority),
		UrgencyLevel:       e.UrgencyLevel,
		ContactMethod:      string(e.ContactMethod),
		AutoBook:           e.AutoBook,
		MaxNoticeHours:     e.MaxNoticeHours,
		Status:             string(e.Status),
		NotifiedAt:         e.NotifiedAt,
		ExpiresAt:          e.ExpiresAt,
		CreatedAt:          e.CreatedAt,
	}
}

type CreateSeriesRequest struct {
	PatientID         uuid.UUID        `json:"patient_id" validate:"required"`
	DoctorID          uuid.UUID        `json:"doctor_id" validate:"required"`
	AppointmentType   string           `json:"appointment_type"`
	Department        string           `json:"department"`
	Pattern           string           `json:"pattern" validate:"required"`
	Interval          int              `json:"interval"`
	DaysOfWeek        []int            `json:"days_of_week" validate:"dive,gte=0,lte=6"`
	DayOfMonth        int              `json:"day_of_month"`
	StartTime         scheduling.Clock `json:"start_time"`
	DurationMinutes   int              `json:"duration_minutes" validate:"gt=0"`
	StartDate         Date             `json:"start_date" validate:"required"`
	EndDate           *Date            `json:"end_date"`
	MaxOccurrences    int              `json:"max_occurrences"`
	RequiredResources []uuid.UUID      `json:"required_resources"`
}

func (r CreateSeriesRequest) toModel() *scheduling.RecurringAppointment {
	s := &scheduling.RecurringAppointment{
		PatientID:         r.PatientID,
		DoctorID:          r.DoctorID,
		AppointmentType:   r.AppointmentType,
		Department:        r.Department,
		Pattern:           scheduling.Pattern(r.Pattern),
		Interval:          r.Interval,
		DayOfMonth:        r.DayOfMonth,
		StartTime:         r.StartTime,
		DurationMinutes:   r.DurationMinutes,
		StartDate:         r.StartDate.Time,
		EndDate:           r.EndDate.ptr(),
		MaxOccurrences:    r.MaxOccurrences,
		RequiredResources: r.RequiredResources,
	}
	if s.Interval == 0 {
		s.Interval = 1
	}
	for _, d := range r.DaysOfWeek {
		s.DaysOfWeek = append(s.DaysOfWeek, time.Weekday(d))
	}
	return s
}

type SeriesResponse struct {
	ID                   uuid.UUID        `json:"id"`
	PatientID            uuid.UUID        `json:"patient_id"`
	DoctorID             uuid.UUID        `json:"doctor_id"`
	AppointmentType      string           `json:"appointment_type,omitempty"`
	Pattern              string           `json:"pattern"`
	Interval             int              `json:"interval"`
	DaysOfWeek           []int            `json:"days_of_week,omitempty"`
	DayOfMonth           int              `json:"day_of_month,omitempty"`
	StartTime            scheduling.Clock `json:"start_time"`
	DurationMinutes      int              `json:"duration_minutes"`
	StartDate            Date             `json:"start_date"`
	EndDate              *Date            `json:"end_date,omitempty"`
	MaxOccurrences       int              `json:"max_occurrences,omitempty"`
	Status               string           `json:"status"`
	LastGeneratedDate    *Date            `json:"last_generated_date,omitempty"`
	OccurrencesGenerated int              `json:"occurrences_generated"`
}

func seriesResponse(s *scheduling.RecurringAppointment) SeriesResponse {
	out := SeriesResponse{
		ID:                   s.ID,
		PatientID:            s.PatientID,
		DoctorID:             s.DoctorID,
		AppointmentType:      s.AppointmentType,
		Pattern:              string(s.Pattern),
		Interval:             s.Interval,
		DayOfMonth:           s.DayOfMonth,
		StartTime:            s.StartTime,
		DurationMinutes:      s.DurationMinutes,
		StartDate:            Date{Time: s.StartDate},
		EndDate:              datePtr(s.EndDate),
		MaxOccurrences:       s.MaxOccurrences,
		Status:               string(s.Status),
		LastGeneratedDate:    datePtr(s.LastGeneratedDate),
		OccurrencesGenerated: s.OccurrencesGenerated,
	}
	for _, d := range s.DaysOfWeek {
		out.DaysOfWeek = append(out.DaysOfWeek, int(d))
	}
	return out
}

type SkippedOccurrenceResponse struct {
	OccurrenceDate Date   `json:"occurrence_date"`
	Reason         string `json:"reason"`
}

type ExpansionResponse struct {
	SeriesID  uuid.UUID                   `json:"series_id"`
	Booked    []AppointmentResponse       `json:"booked"`
	Skipped   []SkippedOccurrenceResponse `json:"skipped"`
	Completed bool                        `json:"completed"`
}

func expansionResponse(r *scheduling.ExpansionResult) ExpansionResponse {
	out := ExpansionResponse{
		SeriesID:  r.SeriesID,
		Booked:    make([]AppointmentResponse, 0, len(r.Booked)),
		Skipped:   make([]SkippedOccurrenceResponse, 0, len(r.Skipped)),
		Completed: r.Completed,
	}
	for i := range r.Booked {
		out.Booked = append(out.Booked, appointmentResponse(&r.Booked[i]))
	}
	for _, occ := range r.Skipped {
		out.Skipped = append(out.Skipped, SkippedOccurrenceResponse{
			OccurrenceDate: Date{Time: occ.OccurrenceDate},
			Reason:         occ.Reason,
		})
	}
	return out
}

type CreateSeriesResponse struct {
	Series    SeriesResponse     `json:"series"`
	Expansion *ExpansionResponse `json:"expansion,omitempty"`
}

type CancelSeriesResponse struct {
	Series                SeriesResponse `json:"series"`
	CancelledAppointments int            `json:"cancelled_appointments"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Error     string                          `json:"error"`
	Details   string                          `json:"details,omitempty"`
	Fields    map[string]string               `json:"fields,omitempty"`
	Conflicts []scheduling.SchedulingConflict `json:"conflicts,omitempty"`
}
