package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SlotsForWindow tiles a window on the given date into back-to-back slots.
// A trailing remainder shorter than one slot is dropped.
func SlotsForWindow(w AvailabilityWindow, date time.Time) []TimeSlot {
	if w.SlotMinutes <= 0 || w.EndTime <= w.StartTime {
		return nil
	}
	day := DateOf(date)
	n := int(w.EndTime-w.StartTime) / w.SlotMinutes
	out := make([]TimeSlot, 0, n)
	for i := 0; i < n; i++ {
		start := w.StartTime + Clock(i*w.SlotMinutes)
		out = append(out, TimeSlot{
			HospitalID:      w.HospitalID,
			DoctorID:        w.DoctorID,
			Date:            day,
			Start:           start.On(day),
			End:             (start + Clock(w.SlotMinutes)).On(day),
			Modality:        w.Modality,
			AppointmentType: w.AppointmentType,
			State:           SlotFree,
		})
	}
	return out
}

// SlotGenerator keeps the slot pool of a doctor in line with their
// availability windows.
type SlotGenerator struct {
	repo       Repository
	log        zerolog.Logger
	now        func() time.Time
	maxRetries int
	onCreated  func(ctx context.Context, slots []TimeSlot)
}

func NewSlotGenerator(repo Repository, log zerolog.Logger, opts Options, onCreated func(ctx context.Context, slots []TimeSlot)) *SlotGenerator {
	opts = opts.withDefaults()
	return &SlotGenerator{
		repo:       repo,
		log:        log.With().Str("component", "slots").Logger(),
		now:        opts.Now,
		maxRetries: opts.MaxBookingRetries,
		onCreated:  onCreated,
	}
}

// GenerateSlots recomputes the slots of a doctor on a date. Booked slots
// are never touched and free slots that still match keep their ids, so
// running it twice yields the same pool.
func (g *SlotGenerator) GenerateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	if _, err := requireHospital(ctx); err != nil {
		return nil, err
	}
	day := DateOf(date)

	var pool, inserted []TimeSlot
	var deleted int
	err := runWithRetry(ctx, g.repo, g.maxRetries, func(ctx context.Context) error {
		pool, inserted, deleted = nil, nil, 0

		key := DoctorLedger(doctorID, day)
		version, err := g.repo.LedgerVersion(ctx, key)
		if err != nil {
			return fmt.Errorf("read doctor ledger: %w", err)
		}

		windows, err := g.repo.ListActiveWindows(ctx, doctorID, day.Weekday())
		if err != nil {
			return fmt.Errorf("load availability windows: %w", err)
		}
		if len(windows) == 0 {
			return ErrNoAvailability
		}

		existing, err := g.repo.ListSlots(ctx, doctorID, day)
		if err != nil {
			return fmt.Errorf("load slots: %w", err)
		}

		var booked, free []TimeSlot
		for _, s := range existing {
			if s.State == SlotBooked {
				booked = append(booked, s)
			} else {
				free = append(free, s)
			}
		}

		var computed []TimeSlot
		for _, w := range windows {
			computed = append(computed, SlotsForWindow(w, day)...)
		}
		sort.SliceStable(computed, func(i, j int) bool { return computed[i].Start.Before(computed[j].Start) })

		kept := make(map[uuid.UUID]bool, len(free))
		accepted := make([]TimeSlot, 0, len(computed))
		now := g.now()
		for _, c := range computed {
			if overlapsAny(c, booked) || overlapsAny(c, accepted) {
				continue
			}
			if match, ok := findFree(free, c); ok && !kept[match.ID] {
				kept[match.ID] = true
				accepted = append(accepted, match)
				continue
			}
			c.ID = uuid.New()
			c.CreatedAt = now
			c.UpdatedAt = now
			accepted = append(accepted, c)
			inserted = append(inserted, c)
		}

		var stale []uuid.UUID
		for _, s := range free {
			if !kept[s.ID] {
				stale = append(stale, s.ID)
			}
		}
		deleted = len(stale)

		if len(stale) > 0 || len(inserted) > 0 {
			if err := g.repo.BumpLedger(ctx, key, version); err != nil {
				return err
			}
			if len(stale) > 0 {
				if err := g.repo.DeleteFreeSlots(ctx, stale); err != nil {
					return fmt.Errorf("delete stale slots: %w", err)
				}
			}
			if len(inserted) > 0 {
				if err := g.repo.InsertSlots(ctx, inserted); err != nil {
					return fmt.Errorf("insert slots: %w", err)
				}
			}
		}

		pool = append(booked, accepted...)
		sort.Slice(pool, func(i, j int) bool { return pool[i].Start.Before(pool[j].Start) })
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(inserted) > 0 || deleted > 0 {
		g.log.Info().
			Str("doctor_id", doctorID.String()).
			Str("date", day.Format("2006-01-02")).
			Int("inserted", len(inserted)).
			Int("deleted", deleted).
			Msg("slots regenerated")
		logEvent(ctx, g.repo, g.log, EventSlotsGenerated, nil, map[string]any{
			"doctor_id": doctorID.String(),
			"date":      day.Format("2006-01-02"),
			"inserted":  len(inserted),
			"deleted":   deleted,
		})
	}
	if len(inserted) > 0 && g.onCreated != nil {
		g.onCreated(ctx, inserted)
	}
	return pool, nil
}

func overlapsAny(s TimeSlot, others []TimeSlot) bool {
	for _, o := range others {
		if overlaps(s.Start, s.End, o.Start, o.End) {
			return true
		}
	}
	return false
}

func findFree(free []TimeSlot, c TimeSlot) (TimeSlot, bool) {
	for _, s := range free {
		if s.sameRange(c) && s.Modality == c.Modality && s.AppointmentType == c.AppointmentType {
			return s, true
		}
	}
	return TimeSlot{}, false
}
