package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hospital-scheduling/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

func (r *PgRepository) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// RunInTx maps serialization failures and deadlocks onto ErrVersionConflict
// so the caller retries them like a lost compare-and-set.
func (r *PgRepository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := db.RunInTx(ctx, r.pool, fn)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return ErrVersionConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dateArg(t time.Time) string {
	return t.Format(time.DateOnly)
}

// Helpers

const slotCols = `id, hospital_id, doctor_id, slot_date, start_at, end_at, modality,
	appointment_type, state, appointment_id, created_at, updated_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	err := row.Scan(
		&s.ID,
		&s.HospitalID,
		&s.DoctorID,
		&s.Date,
		&s.Start,
		&s.End,
		&s.Modality,
		&s.AppointmentType,
		&s.State,
		&s.AppointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

const windowCols = `id, hospital_id, doctor_id, day_of_week, start_minute, end_minute,
	slot_minutes, modality, appointment_type, active, created_at, updated_at`

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var day, start, end int
	err := row.Scan(
		&w.ID,
		&w.HospitalID,
		&w.DoctorID,
		&day,
		&start,
		&end,
		&w.SlotMinutes,
		&w.Modality,
		&w.AppointmentType,
		&w.Active,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.DayOfWeek = time.Weekday(day)
	w.StartTime = Clock(start)
	w.EndTime = Clock(end)
	return &w, nil
}

const ruleCols = `id, hospital_id, scope, doctor_id, appointment_type, department,
	buffer_before_minutes, buffer_after_minutes, cleanup_minutes, max_consecutive,
	required_break_minutes, priority, active, created_at`

func scanRule(row pgx.Row) (*AppointmentBufferRule, error) {
	var b AppointmentBufferRule
	err := row.Scan(
		&b.ID,
		&b.HospitalID,
		&b.Scope,
		&b.DoctorID,
		&b.AppointmentType,
		&b.Department,
		&b.BufferBeforeMinutes,
		&b.BufferAfterMinutes,
		&b.CleanupMinutes,
		&b.MaxConsecutive,
		&b.RequiredBreakMinutes,
		&b.Priority,
		&b.Active,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const appointmentCols = `id, hospital_id, doctor_id, patient_id, appointment_type, department,
	start_at, end_at, blocked_from, blocked_until, status, source, series_id,
	occurrence_date, waitlist_entry_id, cancel_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.HospitalID,
		&a.DoctorID,
		&a.PatientID,
		&a.AppointmentType,
		&a.Department,
		&a.Start,
		&a.End,
		&a.BlockedFrom,
		&a.BlockedUntil,
		&a.Status,
		&a.Source,
		&a.SeriesID,
		&a.OccurrenceDate,
		&a.WaitlistEntryID,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

const resourceCols = `id, hospital_id, name, resource_type, capacity, buffer_minutes,
	max_booking_minutes, requires_approval, created_at`

func scanResource(row pgx.Row) (*HospitalResource, error) {
	var res HospitalResource
	err := row.Scan(
		&res.ID,
		&res.HospitalID,
		&res.Name,
		&res.Type,
		&res.Capacity,
		&res.BufferMinutes,
		&res.MaxBookingMinutes,
		&res.RequiresApproval,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	return &res, nil
}

const resourceBookingCols = `id, hospital_id, resource_id, appointment_id, start_at, end_at,
	status, approved_by, decided_at, cancel_reason, created_at, updated_at`

func scanResourceBooking(row pgx.Row) (*ResourceBooking, error) {
	var b ResourceBooking
	err := row.Scan(
		&b.ID,
		&b.HospitalID,
		&b.ResourceID,
		&b.AppointmentID,
		&b.Start,
		&b.End,
		&b.Status,
		&b.ApprovedBy,
		&b.DecidedAt,
		&b.CancelReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

const seriesCols = `id, hospital_id, patient_id, doctor_id, appointment_type, department,
	pattern, interval_count, days_of_week, day_of_month, start_minute, duration_minutes,
	start_date, end_date, max_occurrences, required_resources, status,
	last_generated_date, occurrences_generated, created_at, updated_at`

func scanSeries(row pgx.Row) (*RecurringAppointment, error) {
	var s RecurringAppointment
	var days []int32
	var start int
	err := row.Scan(
		&s.ID,
		&s.HospitalID,
		&s.PatientID,
		&s.DoctorID,
		&s.AppointmentType,
		&s.Department,
		&s.Pattern,
		&s.Interval,
		&days,
		&s.DayOfMonth,
		&start,
		&s.DurationMinutes,
		&s.StartDate,
		&s.EndDate,
		&s.MaxOccurrences,
		&s.RequiredResources,
		&s.Status,
		&s.LastGeneratedDate,
		&s.OccurrencesGenerated,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeriesNotFound
		}
		return nil, err
	}
	for _, d := range days {
		s.DaysOfWeek = append(s.DaysOfWeek, time.Weekday(d))
	}
	s.StartTime = Clock(start)
	return &s, nil
}

const waitlistCols = `id, hospital_id, patient_id, doctor_id, preferred_date_from, preferred_date_to,
	preferred_start_minute, preferred_end_minute, appointment_type, priority, urgency_level,
	contact_method, auto_book, max_notice_hours, status, notified_at, expires_at,
	created_at, updated_at`

func scanWaitlistEntry(row pgx.Row) (*AppointmentWaitlist, error) {
	var e AppointmentWaitlist
	var start, end *int
	err := row.Scan(
		&e.ID,
		&e.HospitalID,
		&e.PatientID,
		&e.DoctorID,
		&e.PreferredDateFrom,
		&e.PreferredDateTo,
		&start,
		&end,
		&e.AppointmentType,
		&e.Priority,
		&e.UrgencyLevel,
		&e.ContactMethod,
		&e.AutoBook,
		&e.MaxNoticeHours,
		&e.Status,
		&e.NotifiedAt,
		&e.ExpiresAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistEntryNotFound
		}
		return nil, err
	}
	if start != nil {
		c := Clock(*start)
		e.PreferredStartTime = &c
	}
	if end != nil {
		c := Clock(*end)
		e.PreferredEndTime = &c
	}
	return &e, nil
}

const offerCols = `id, hospital_id, entry_id, slot_id, status, offered_at, expires_at, updated_at`

func scanOffer(row pgx.Row) (*WaitlistOffer, error) {
	var o WaitlistOffer
	err := row.Scan(
		&o.ID,
		&o.HospitalID,
		&o.EntryID,
		&o.SlotID,
		&o.Status,
		&o.OfferedAt,
		&o.ExpiresAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &o, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func clockArg(c *Clock) *int {
	if c == nil {
		return nil
	}
	v := int(*c)
	return &v
}

// Ledgers

func (r *PgRepository) LedgerVersion(ctx context.Context, key LedgerKey) (int64, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return 0, err
	}
	q := r.conn(ctx)
	_, err = q.Exec(ctx, `
		INSERT INTO scheduling_ledgers (hospital_id, kind, subject_id, ledger_date, version)
		VALUES ($1, $2, $3, $4::date, 0)
		ON CONFLICT (hospital_id, kind, subject_id, ledger_date) DO NOTHING
	`, hospitalID, key.Kind, key.SubjectID, dateArg(key.Date))
	if err != nil {
		return 0, fmt.Errorf("ensure ledger %s: %w", key, err)
	}

	var version int64
	err = q.QueryRow(ctx, `
		SELECT version
		FROM scheduling_ledgers
		WHERE hospital_id = $1 AND kind = $2 AND subject_id = $3 AND ledger_date = $4::date
	`, hospitalID, key.Kind, key.SubjectID, dateArg(key.Date)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read ledger %s: %w", key, err)
	}
	return version, nil
}

func (r *PgRepository) BumpLedger(ctx context.Context, key LedgerKey, expected int64) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE scheduling_ledgers
		SET version = version + 1,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND kind = $2
		  AND subject_id = $3
		  AND ledger_date = $4::date
		  AND version = $5
	`, hospitalID, key.Kind, key.SubjectID, dateArg(key.Date), expected)
	if err != nil {
		return fmt.Errorf("bump ledger %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Availability

func (r *PgRepository) CreateWindow(ctx context.Context, w *AvailabilityWindow) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO availability_windows (`+windowCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, w.ID, w.HospitalID, w.DoctorID, int(w.DayOfWeek), int(w.StartTime), int(w.EndTime),
		w.SlotMinutes, w.Modality, w.AppointmentType, w.Active, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *PgRepository) ListActiveWindows(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+windowCols+`
		FROM availability_windows
		WHERE hospital_id = $1 AND doctor_id = $2 AND day_of_week = $3 AND active
		ORDER BY start_minute
	`, hospitalID, doctorID, int(day))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWindow)
}

// Slots

func (r *PgRepository) ListSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+`
		FROM time_slots
		WHERE hospital_id = $1 AND doctor_id = $2 AND slot_date = $3::date
		ORDER BY start_at
	`, hospitalID, doctorID, dateArg(date))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+slotCols+`
		FROM time_slots
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanSlot(row)
}

func (r *PgRepository) InsertSlots(ctx context.Context, slots []TimeSlot) error {
	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`
			INSERT INTO time_slots (`+slotCols+`)
			VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12)
		`, s.ID, s.HospitalID, s.DoctorID, dateArg(s.Date), s.Start, s.End, s.Modality,
			s.AppointmentType, s.State, s.AppointmentID, s.CreatedAt, s.UpdatedAt)
	}
	return r.sendBatch(ctx, batch)
}

func (r *PgRepository) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.SendBatch(ctx, batch).Close()
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

func (r *PgRepository) DeleteFreeSlots(ctx context.Context, ids []uuid.UUID) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		DELETE FROM time_slots
		WHERE hospital_id = $1 AND id = ANY($2) AND state = 'free'
	`, hospitalID, ids)
	return err
}

func (r *PgRepository) MarkSlotsBooked(ctx context.Context, ids []uuid.UUID, appointmentID uuid.UUID) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE time_slots
		SET state = 'booked',
		    appointment_id = $3,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = ANY($2)
		  AND state = 'free'
	`, hospitalID, ids, appointmentID)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return ErrSlotNotFree
	}
	return nil
}

func (r *PgRepository) ReleaseSlots(ctx context.Context, appointmentID uuid.UUID) ([]TimeSlot, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE time_slots
		SET state = 'free',
		    appointment_id = NULL,
		    updated_at = now()
		WHERE hospital_id = $1 AND appointment_id = $2
		RETURNING `+slotCols,
		hospitalID, appointmentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

// Holidays

func (r *PgRepository) CreateHoliday(ctx context.Context, h *Holiday) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO holidays (id, hospital_id, doctor_id, holiday_date, reason)
		VALUES ($1, $2, $3, $4::date, $5)
	`, h.ID, h.HospitalID, h.DoctorID, dateArg(h.Date), h.Reason)
	return err
}

func (r *PgRepository) FindHoliday(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Holiday, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	var h Holiday
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT id, hospital_id, doctor_id, holiday_date, reason
		FROM holidays
		WHERE hospital_id = $1
		  AND holiday_date = $2::date
		  AND (doctor_id IS NULL OR doctor_id = $3)
		ORDER BY doctor_id NULLS FIRST
		LIMIT 1
	`, hospitalID, dateArg(date), doctorID).Scan(&h.ID, &h.HospitalID, &h.DoctorID, &h.Date, &h.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

// Buffer rules

func (r *PgRepository) CreateBufferRule(ctx context.Context, b *AppointmentBufferRule) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO buffer_rules (`+ruleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.HospitalID, b.Scope, b.DoctorID, b.AppointmentType, b.Department,
		b.BufferBeforeMinutes, b.BufferAfterMinutes, b.CleanupMinutes, b.MaxConsecutive,
		b.RequiredBreakMinutes, b.Priority, b.Active, b.CreatedAt)
	return err
}

func (r *PgRepository) ListBufferRules(ctx context.Context) ([]AppointmentBufferRule, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+`
		FROM buffer_rules
		WHERE hospital_id = $1 AND active
	`, hospitalID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRule)
}

// Appointments

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (`+appointmentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, a.ID, a.HospitalID, a.DoctorID, a.PatientID, a.AppointmentType, a.Department,
		a.Start, a.End, a.BlockedFrom, a.BlockedUntil, a.Status, a.Source, a.SeriesID,
		a.OccurrenceDate, a.WaitlistEntryID, a.CancelReason, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE hospital_id = $1
		  AND doctor_id = $2
		  AND status = 'confirmed'
		  AND blocked_from < $4
		  AND blocked_until > $3
		ORDER BY start_at
	`, hospitalID, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason string) (*Appointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    cancel_reason = $5,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = $2
		  AND status = $4
		RETURNING `+appointmentCols,
		hospitalID, id, to, from, reason)
	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.missedTransition(ctx, "appointments", id, ErrAppointmentNotFound)
	}
	return a, err
}

func (r *PgRepository) ListSeriesAppointments(ctx context.Context, seriesID uuid.UUID, after time.Time) ([]Appointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE hospital_id = $1
		  AND series_id = $2
		  AND status = 'confirmed'
		  AND start_at >= $3
		ORDER BY start_at
	`, hospitalID, seriesID, after)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var hospitalID *uuid.UUID
	if ev.HospitalID != uuid.Nil {
		hospitalID = &ev.HospitalID
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO event_logs (hospital_id, event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, hospitalID, ev.EventType, ev.AppointmentID, ev.Payload, ev.CreatedAt)
	return err
}

// missedTransition tells a row that does not exist apart from one whose
// status moved on since it was read.
func (r *PgRepository) missedTransition(ctx context.Context, table string, id uuid.UUID, notFound error) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	var exists bool
	err = r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE hospital_id = $1 AND id = $2)`,
		hospitalID, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return ErrInvalidStatusTransition
}

// Resources

func (r *PgRepository) CreateResource(ctx context.Context, res *HospitalResource) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hospital_resources (`+resourceCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.HospitalID, res.Name, res.Type, res.Capacity, res.BufferMinutes,
		res.MaxBookingMinutes, res.RequiresApproval, res.CreatedAt)
	return err
}

func (r *PgRepository) GetResource(ctx context.Context, id uuid.UUID) (*HospitalResource, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+`
		FROM hospital_resources
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanResource(row)
}

func (r *PgRepository) ListActiveResourceBookings(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]ResourceBooking, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resourceBookingCols+`
		FROM resource_bookings
		WHERE hospital_id = $1
		  AND resource_id = $2
		  AND status IN ('pending', 'confirmed')
		  AND start_at < $4
		  AND end_at > $3
		ORDER BY start_at
	`, hospitalID, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanResourceBooking)
}

func (r *PgRepository) InsertResourceBooking(ctx context.Context, b *ResourceBooking) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO resource_bookings (`+resourceBookingCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.HospitalID, b.ResourceID, b.AppointmentID, b.Start, b.End, b.Status,
		b.ApprovedBy, b.DecidedAt, b.CancelReason, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *PgRepository) GetResourceBooking(ctx context.Context, id uuid.UUID) (*ResourceBooking, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceBookingCols+`
		FROM resource_bookings
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanResourceBooking(row)
}

func (r *PgRepository) UpdateResourceBookingStatus(ctx context.Context, id uuid.UUID, from, to ResourceBookingStatus, d ResourceDecision) (*ResourceBooking, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE resource_bookings
		SET status = $3,
		    approved_by = COALESCE($5, approved_by),
		    decided_at = COALESCE($6, decided_at),
		    cancel_reason = CASE WHEN $7 <> '' THEN $7 ELSE cancel_reason END,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = $2
		  AND status = $4
		RETURNING `+resourceBookingCols,
		hospitalID, id, to, from, d.ApprovedBy, d.DecidedAt, d.CancelReason)
	b, err := scanResourceBooking(row)
	if errors.Is(err, ErrResourceBookingNotFound) {
		return nil, r.missedTransition(ctx, "resource_bookings", id, ErrResourceBookingNotFound)
	}
	return b, err
}

func (r *PgRepository) ListAppointmentResourceBookings(ctx context.Context, appointmentID uuid.UUID) ([]ResourceBooking, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resourceBookingCols+`
		FROM resource_bookings
		WHERE hospital_id = $1 AND appointment_id = $2
		ORDER BY created_at
	`, hospitalID, appointmentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanResourceBooking)
}

// Series

func (r *PgRepository) CreateSeries(ctx context.Context, s *RecurringAppointment) error {
	days := make([]int32, len(s.DaysOfWeek))
	for i, d := range s.DaysOfWeek {
		days[i] = int32(d)
	}
	var endDate *string
	if s.EndDate != nil {
		v := dateArg(*s.EndDate)
		endDate = &v
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO recurring_series (`+seriesCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::date, $14::date,
		        $15, $16, $17, NULL, 0, $18, $19)
	`, s.ID, s.HospitalID, s.PatientID, s.DoctorID, s.AppointmentType, s.Department,
		s.Pattern, s.Interval, days, s.DayOfMonth, int(s.StartTime), s.DurationMinutes,
		dateArg(s.StartDate), endDate, s.MaxOccurrences, s.RequiredResources, s.Status,
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *PgRepository) GetSeries(ctx context.Context, id uuid.UUID) (*RecurringAppointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+seriesCols+`
		FROM recurring_series
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanSeries(row)
}

func (r *PgRepository) UpdateSeriesStatus(ctx context.Context, id uuid.UUID, from, to SeriesStatus) (*RecurringAppointment, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE recurring_series
		SET status = $3,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = $2
		  AND status = $4
		RETURNING `+seriesCols,
		hospitalID, id, to, from)
	s, err := scanSeries(row)
	if errors.Is(err, ErrSeriesNotFound) {
		return nil, r.missedTransition(ctx, "recurring_series", id, ErrSeriesNotFound)
	}
	return s, err
}

func (r *PgRepository) AdvanceSeries(ctx context.Context, id uuid.UUID, through time.Time, generated int) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE recurring_series
		SET last_generated_date = GREATEST(COALESCE(last_generated_date, $3::date), $3::date),
		    occurrences_generated = GREATEST(occurrences_generated, $4),
		    updated_at = now()
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id, dateArg(through), generated)
	return err
}

func (r *PgRepository) InsertOccurrence(ctx context.Context, o *SeriesOccurrence) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO series_occurrences (series_id, hospital_id, occurrence_date, status, appointment_id, reason, created_at)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7)
		ON CONFLICT (series_id, occurrence_date) DO NOTHING
	`, o.SeriesID, o.HospitalID, dateArg(o.OccurrenceDate), o.Status, o.AppointmentID, o.Reason, o.CreatedAt)
	return err
}

func (r *PgRepository) MarkOccurrenceCancelled(ctx context.Context, seriesID uuid.UUID, date time.Time) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE series_occurrences
		SET status = 'cancelled'
		WHERE hospital_id = $1 AND series_id = $2 AND occurrence_date = $3::date
	`, hospitalID, seriesID, dateArg(date))
	return err
}

func (r *PgRepository) ListActiveSeries(ctx context.Context) ([]SeriesRef, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, hospital_id
		FROM recurring_series
		WHERE status = 'active'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []SeriesRef
	for rows.Next() {
		var ref SeriesRef
		if err := rows.Scan(&ref.ID, &ref.HospitalID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Waitlist

func (r *PgRepository) CreateWaitlistEntry(ctx context.Context, e *AppointmentWaitlist) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO waitlist_entries (`+waitlistCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, e.ID, e.HospitalID, e.PatientID, e.DoctorID, e.PreferredDateFrom, e.PreferredDateTo,
		clockArg(e.PreferredStartTime), clockArg(e.PreferredEndTime), e.AppointmentType,
		e.Priority, e.UrgencyLevel, e.ContactMethod, e.AutoBook, e.MaxNoticeHours, e.Status,
		e.NotifiedAt, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *PgRepository) GetWaitlistEntry(ctx context.Context, id uuid.UUID) (*AppointmentWaitlist, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE hospital_id = $1 AND id = $2
	`, hospitalID, id)
	return scanWaitlistEntry(row)
}

func (r *PgRepository) ListActiveWaitlist(ctx context.Context) ([]AppointmentWaitlist, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+waitlistCols+`
		FROM waitlist_entries
		WHERE hospital_id = $1 AND status = 'active'
		ORDER BY urgency_level DESC, created_at
	`, hospitalID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWaitlistEntry)
}

func (r *PgRepository) TransitionWaitlistEntry(ctx context.Context, id uuid.UUID, t WaitlistTransition) (*AppointmentWaitlist, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $3,
		    notified_at = CASE WHEN $5 THEN NULL ELSE COALESCE($6, notified_at) END,
		    expires_at = CASE WHEN $5 THEN NULL ELSE COALESCE($7, expires_at) END,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = $2
		  AND status = $4
		RETURNING `+waitlistCols,
		hospitalID, id, t.To, t.From, t.ClearOffer, t.NotifiedAt, t.ExpiresAt)
	e, err := scanWaitlistEntry(row)
	if errors.Is(err, ErrWaitlistEntryNotFound) {
		return nil, r.missedTransition(ctx, "waitlist_entries", id, ErrWaitlistEntryNotFound)
	}
	return e, err
}

func (r *PgRepository) InsertOffer(ctx context.Context, o *WaitlistOffer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO waitlist_offers (`+offerCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.HospitalID, o.EntryID, o.SlotID, o.Status, o.OfferedAt, o.ExpiresAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrOfferExists
	}
	return err
}

func (r *PgRepository) FindOpenOffer(ctx context.Context, entryID uuid.UUID) (*WaitlistOffer, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+offerCols+`
		FROM waitlist_offers
		WHERE hospital_id = $1 AND entry_id = $2 AND status = 'offered'
		ORDER BY offered_at DESC
		LIMIT 1
	`, hospitalID, entryID)
	return scanOffer(row)
}

func (r *PgRepository) FindOpenOfferForSlot(ctx context.Context, slotID uuid.UUID) (*WaitlistOffer, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+offerCols+`
		FROM waitlist_offers
		WHERE hospital_id = $1 AND slot_id = $2 AND status = 'offered'
	`, hospitalID, slotID)
	return scanOffer(row)
}

func (r *PgRepository) ListOfferedEntries(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error) {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT entry_id
		FROM waitlist_offers
		WHERE hospital_id = $1 AND slot_id = $2
	`, hospitalID, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) UpdateOfferStatus(ctx context.Context, id uuid.UUID, from, to OfferStatus) error {
	hospitalID, err := requireHospital(ctx)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE waitlist_offers
		SET status = $3,
		    updated_at = now()
		WHERE hospital_id = $1
		  AND id = $2
		  AND status = $4
	`, hospitalID, id, to, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, "waitlist_offers", id, ErrOfferNotFound)
	}
	return nil
}

func (r *PgRepository) ListExpiredOffers(ctx context.Context, now time.Time) ([]WaitlistOffer, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+offerCols+`
		FROM waitlist_offers
		WHERE status = 'offered'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOffer)
}
