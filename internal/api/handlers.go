package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func createWindowHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateWindowRequest
		if !decode(w, r, &req) {
			return
		}
		window, err := svc.CreateAvailabilityWindow(r.Context(), req.toModel())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, windowResponse(window))
	}
}

func createBufferRuleHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBufferRuleRequest
		if !decode(w, r, &req) {
			return
		}
		rule, err := svc.CreateBufferRule(r.Context(), req.toModel())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, bufferRuleResponse(rule))
	}
}

func createResourceHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateResourceRequest
		if !decode(w, r, &req) {
			return
		}
		res, err := svc.CreateResource(r.Context(), req.toModel())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resourceResponse(res))
	}
}

func createHolidayHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateHolidayRequest
		if !decode(w, r, &req) {
			return
		}
		h, err := svc.CreateHoliday(r.Context(), &scheduling.Holiday{
			DoctorID: req.DoctorID,
			Date:     req.Date.Time,
			Reason:   req.Reason,
		})
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, holidayResponse(h))
	}
}

func generateSlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}
		var req GenerateSlotsRequest
		if !decode(w, r, &req) {
			return
		}
		slots, err := svc.GenerateSlots(r.Context(), doctorID, req.Date.Time)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slotResponses(slots))
	}
}

func listSlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "doctorID")
		if !ok {
			return
		}
		date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date query parameter must be YYYY-MM-DD")
			return
		}
		slots, err := svc.ListSlots(r.Context(), doctorID, date)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, slotResponses(slots))
	}
}

func createAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decode(w, r, &req) {
			return
		}
		res, conflicts, err := svc.CheckAndReserve(r.Context(), req.toModel())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if len(conflicts) > 0 {
			writeConflicts(w, conflicts)
			return
		}
		writeJSON(w, http.StatusCreated, reservationResponse(res))
	}
}

func getAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		appt, err := svc.CancelBooking(r.Context(), id, req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func reserveResourceHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ReserveResourceRequest
		if !decode(w, r, &req) {
			return
		}
		booking, conflicts, err := svc.ReserveResource(r.Context(), id, req.ResourceID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		if len(conflicts) > 0 {
			writeConflicts(w, conflicts)
			return
		}
		writeJSON(w, http.StatusCreated, resourceBookingResponse(booking))
	}
}

func confirmResourceBookingHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ApprovalRequest
		if !decode(w, r, &req) {
			return
		}
		booking, err := svc.ConfirmResourceBooking(r.Context(), id, req.ApproverID)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resourceBookingResponse(booking))
	}
}

func denyResourceBookingHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ApprovalRequest
		if !decode(w, r, &req) {
			return
		}
		booking, err := svc.DenyResourceBooking(r.Context(), id, req.ApproverID, req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resourceBookingResponse(booking))
	}
}

func cancelResourceBookingHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		booking, err := svc.CancelResourceBooking(r.Context(), id, req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resourceBookingResponse(booking))
	}
}

func createWaitlistHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateWaitlistRequest
		if !decode(w, r, &req) {
			return
		}
		entry, err := svc.CreateWaitlistEntry(r.Context(), req.toModel())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, waitlistResponse(entry))
	}
}

func confirmWaitlistOfferHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		res, err := svc.ConfirmWaitlistOffer(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, reservationResponse(res))
	}
}

func declineWaitlistOfferHandler(svc Scheduler) http.HandlerFunc {
	return waitlistTransitionHandler(svc.DeclineWaitlistOffer)
}

func cancelWaitlistEntryHandler(svc Scheduler) http.HandlerFunc {
	return waitlistTransitionHandler(svc.CancelWaitlistEntry)
}

func waitlistTransitionHandler(fn waitlistTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		entry, err := fn(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, waitlistResponse(entry))
	}
}

func createSeriesHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSeriesRequest
		if !decode(w, r, &req) {
			return
		}
		series, result, err := svc.CreateRecurringSeries(r.Context(), req.toModel())
		if err != nil && series == nil {
			handleServiceError(w, err)
			return
		}
		resp := CreateSeriesResponse{Series: seriesResponse(series)}
		if err != nil {
			// the series is stored; the worker expands it on its next run
			zerolog.Ctx(r.Context()).Warn().Err(err).
				Str("series_id", series.ID.String()).
				Msg("initial series expansion failed")
		} else if result != nil {
			exp := expansionResponse(result)
			resp.Expansion = &exp
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func expandSeriesHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req ExpandSeriesRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		result, err := svc.ExpandSeries(r.Context(), id, req.horizon())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, expansionResponse(result))
	}
}

func pauseSeriesHandler(svc Scheduler) http.HandlerFunc {
	return seriesTransitionHandler(svc.PauseSeries)
}

func resumeSeriesHandler(svc Scheduler) http.HandlerFunc {
	return seriesTransitionHandler(svc.ResumeSeries)
}

func seriesTransitionHandler(fn seriesTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		series, err := fn(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seriesResponse(series))
	}
}

func cancelSeriesHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeOptional(w, r, &req) {
			return
		}
		series, n, err := svc.CancelSeries(r.Context(), id, req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CancelSeriesResponse{Series: seriesResponse(series), CancelledAppointments: n})
	}
}

func expireOffersHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.ExpireOffers(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

func expandDueSeriesHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.ExpandDueSeries(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CountResponse{Count: n})
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	var verr *scheduling.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: verr.Fields})
	case errors.Is(err, scheduling.ErrMissingHospital):
		writeError(w, http.StatusBadRequest, "missing_hospital", err.Error())
	case errors.Is(err, scheduling.ErrNoAvailability):
		writeError(w, http.StatusNotFound, "no_availability", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrResourceNotFound):
		writeError(w, http.StatusNotFound, "resource_not_found", err.Error())
	case errors.Is(err, scheduling.ErrResourceBookingNotFound):
		writeError(w, http.StatusNotFound, "resource_booking_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSeriesNotFound):
		writeError(w, http.StatusNotFound, "series_not_found", err.Error())
	case errors.Is(err, scheduling.ErrWaitlistEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, scheduling.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "offer_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentCancelled):
		writeError(w, http.StatusConflict, "appointment_cancelled", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotFree):
		writeError(w, http.StatusConflict, "slot_not_free", err.Error())
	case errors.Is(err, scheduling.ErrOfferExpired):
		writeError(w, http.StatusConflict, "offer_expired", err.Error())
	case errors.Is(err, scheduling.ErrOfferSlotTaken):
		writeError(w, http.StatusConflict, "offer_slot_taken", err.Error())
	case errors.Is(err, scheduling.ErrOfferExists):
		writeError(w, http.StatusConflict, "offer_exists", err.Error())
	case errors.Is(err, scheduling.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, scheduling.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "scheduling_busy", "booking ledger is busy, please retry shortly")
	case errors.Is(err, scheduling.ErrSeriesLocked):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "series_locked", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeConflicts(w http.ResponseWriter, conflicts []scheduling.SchedulingConflict) {
	writeJSON(w, http.StatusConflict, ErrorResponse{
		Error:     "scheduling_conflict",
		Conflicts: conflicts,
	})
}

// decode reads a JSON body into dst and runs tag validation on it.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return check(w, dst)
}

// decodeOptional is decode for endpoints where the body may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil {
		err := json.NewDecoder(r.Body).Decode(dst)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
			return false
		}
	}
	return check(w, dst)
}

func check(w http.ResponseWriter, dst any) bool {
	err := validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = "failed " + fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: fields})
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
