package scheduling

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkStruct runs tag validation and converts failures into a ValidationError.
func checkStruct(v any) *ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newValidationError("_", err.Error())
	}

	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

func (e *ValidationError) add(field, msg string) *ValidationError {
	if e == nil {
		e = &ValidationError{Fields: map[string]string{}}
	}
	e.Fields[field] = msg
	return e
}

func validateWindow(w *AvailabilityWindow) error {
	verr := checkStruct(w)
	if w.StartTime >= w.EndTime {
		verr = verr.add("EndTime", "must be after StartTime")
	} else if w.SlotMinutes > 0 && int(w.EndTime-w.StartTime) < w.SlotMinutes {
		verr = verr.add("SlotMinutes", "must fit inside the window")
	}
	if verr != nil {
		return verr
	}
	return nil
}

func validateRule(r *AppointmentBufferRule) error {
	verr := checkStruct(r)
	if r.RequiredBreakMinutes > 0 && r.MaxConsecutive == 0 {
		verr = verr.add("RequiredBreakMinutes", "needs MaxConsecutive")
	}
	if verr != nil {
		return verr
	}
	return nil
}

func validateResource(r *HospitalResource) error {
	if verr := checkStruct(r); verr != nil {
		return verr
	}
	return nil
}

func validateHoliday(h *Holiday) error {
	if verr := checkStruct(h); verr != nil {
		return verr
	}
	return nil
}

func validateSeries(s *RecurringAppointment) error {
	verr := checkStruct(s)
	if s.StartTime+Clock(s.DurationMinutes) > minutesPerDay {
		verr = verr.add("DurationMinutes", "occurrence must end on its start date")
	}
	if s.EndDate != nil && s.EndDate.Before(DateOf(s.StartDate)) {
		verr = verr.add("EndDate", "must not be before StartDate")
	}
	if verr != nil {
		return verr
	}
	return nil
}

func validateWaitlistEntry(e *AppointmentWaitlist) error {
	verr := checkStruct(e)
	if e.PreferredDateFrom != nil && e.PreferredDateTo != nil && e.PreferredDateTo.Before(*e.PreferredDateFrom) {
		verr = verr.add("PreferredDateTo", "must not be before PreferredDateFrom")
	}
	if (e.PreferredStartTime == nil) != (e.PreferredEndTime == nil) {
		verr = verr.add("PreferredEndTime", "preferred times must be given together")
	} else if e.PreferredStartTime != nil && *e.PreferredStartTime >= *e.PreferredEndTime {
		verr = verr.add("PreferredEndTime", fmt.Sprintf("must be after %s", e.PreferredStartTime))
	}
	if verr != nil {
		return verr
	}
	return nil
}
