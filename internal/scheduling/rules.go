package scheduling

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// specificity ranks rule scopes; a higher value wins over a lower one.
func (r AppointmentBufferRule) specificity() int {
	switch r.Scope {
	case ScopeDoctorAppointmentType:
		return 5
	case ScopeDoctor:
		return 4
	case ScopeAppointmentType:
		return 3
	case ScopeDepartment:
		return 2
	case ScopeHospital:
		return 1
	default:
		return 0
	}
}

func (r AppointmentBufferRule) appliesTo(doctorID uuid.UUID, appointmentType, department string) bool {
	if !r.Active {
		return false
	}
	switch r.Scope {
	case ScopeDoctorAppointmentType:
		return r.DoctorID != nil && *r.DoctorID == doctorID &&
			r.AppointmentType != "" && r.AppointmentType == appointmentType
	case ScopeDoctor:
		return r.DoctorID != nil && *r.DoctorID == doctorID
	case ScopeAppointmentType:
		return r.AppointmentType != "" && r.AppointmentType == appointmentType
	case ScopeDepartment:
		return r.Department != "" && r.Department == department
	case ScopeHospital:
		return true
	default:
		return false
	}
}

// ruleBefore is the total precedence order: more specific scope first, then
// higher priority, then the lexically smaller rule id.
func ruleBefore(a, b AppointmentBufferRule) bool {
	if sa, sb := a.specificity(), b.specificity(); sa != sb {
		return sa > sb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID.String() < b.ID.String()
}

// SelectBufferRule returns the rule in force for a booking, or false when
// no active rule matches and no buffers apply.
func SelectBufferRule(rules []AppointmentBufferRule, doctorID uuid.UUID, appointmentType, department string) (AppointmentBufferRule, bool) {
	matching := make([]AppointmentBufferRule, 0, len(rules))
	for _, r := range rules {
		if r.appliesTo(doctorID, appointmentType, department) {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return AppointmentBufferRule{}, false
	}
	sort.Slice(matching, func(i, j int) bool { return ruleBefore(matching[i], matching[j]) })
	return matching[0], true
}

// padding returns the idle time required before and after an appointment;
// cleanup is part of the time after.
func (r AppointmentBufferRule) padding() (before, after time.Duration) {
	return minutes(r.BufferBeforeMinutes), minutes(r.BufferAfterMinutes + r.CleanupMinutes)
}

// linked reports whether two appointments separated by gap count as back to back.
func (r AppointmentBufferRule) linked(gap time.Duration) bool {
	if gap < 0 {
		return true
	}
	if r.RequiredBreakMinutes > 0 {
		return gap < minutes(r.RequiredBreakMinutes)
	}
	before, after := r.padding()
	return gap <= before+after
}

type span struct {
	start, end time.Time
	candidate  bool
}

// consecutiveRun counts the back-to-back run the candidate would join,
// including the candidate itself.
func consecutiveRun(rule AppointmentBufferRule, existing []Appointment, start, end time.Time) int {
	spans := make([]span, 0, len(existing)+1)
	for _, a := range existing {
		spans = append(spans, span{start: a.Start, end: a.End})
	}
	spans = append(spans, span{start: start, end: end, candidate: true})
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })

	idx := 0
	for i, s := range spans {
		if s.candidate {
			idx = i
			break
		}
	}

	run := 1
	for i := idx; i > 0; i-- {
		if !rule.linked(spans[i].start.Sub(spans[i-1].end)) {
			break
		}
		run++
	}
	for i := idx; i < len(spans)-1; i++ {
		if !rule.linked(spans[i+1].start.Sub(spans[i].end)) {
			break
		}
		run++
	}
	return run
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
