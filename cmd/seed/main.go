package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-scheduling/internal/app"
	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

var appointmentTypes = []string{
	"consultation",
	"follow_up",
	"mri",
	"ct_scan",
	"physiotherapy",
	"vaccination",
}

var departments = []string{
	"Cardiology",
	"Radiology",
	"General Practice",
	"Orthopedics",
	"Neurology",
	"Pediatrics",
}

type seedPlan struct {
	hospitals int
	doctors   int
	resources int
	waitlist  int
	days      int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("dev", "seed").Fatal().Err(err).Msg("config load error")
	}
	log := app.NewLogger(cfg.Env, "seed")
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer deps.Close()

	plan := seedPlan{hospitals: 2, doctors: 20, resources: 8, waitlist: 200, days: 14}
	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	for i := 0; i < plan.hospitals; i++ {
		hospitalID := uuid.New()
		hctx := scheduling.WithHospital(ctx, hospitalID)
		if err := seedHospital(hctx, deps.Service, faker, plan, log.With().Str("hospital_id", hospitalID.String()).Logger()); err != nil {
			log.Error().Err(err).Str("hospital_id", hospitalID.String()).Msg("seed hospital failed")
			os.Exit(1)
		}
	}

	log.Info().Msg("seed complete")
}

func seedHospital(ctx context.Context, svc *scheduling.Service, faker *gofakeit.Faker, plan seedPlan, log zerolog.Logger) error {
	if _, err := svc.CreateBufferRule(ctx, &scheduling.AppointmentBufferRule{
		Scope:              scheduling.ScopeHospital,
		BufferAfterMinutes: 5,
		Active:             true,
	}); err != nil {
		return fmt.Errorf("hospital rule: %w", err)
	}
	if _, err := svc.CreateBufferRule(ctx, &scheduling.AppointmentBufferRule{
		Scope:               scheduling.ScopeAppointmentType,
		AppointmentType:     "mri",
		BufferBeforeMinutes: 10,
		CleanupMinutes:      15,
		Priority:            10,
		Active:              true,
	}); err != nil {
		return fmt.Errorf("mri rule: %w", err)
	}

	for i := 0; i < plan.resources; i++ {
		r := &scheduling.HospitalResource{
			Name:             fmt.Sprintf("%s %s", faker.RandomString([]string{"Room", "Suite", "Bay"}), faker.DigitN(3)),
			Type:             scheduling.ResourceRoom,
			Capacity:         faker.Number(1, 2),
			BufferMinutes:    faker.RandomInt([]int{0, 5, 10}),
			RequiresApproval: faker.Bool(),
		}
		if i%4 == 0 {
			r.Name = "MRI " + faker.DigitN(2)
			r.Type = scheduling.ResourceEquipment
			r.MaxBookingMinutes = 90
			r.RequiresApproval = true
		}
		if _, err := svc.CreateResource(ctx, r); err != nil {
			return fmt.Errorf("resource %s: %w", r.Name, err)
		}
	}
	log.Info().Int("count", plan.resources).Msg("resources seeded")

	today := scheduling.DateOf(time.Now().UTC())
	doctors := make([]uuid.UUID, 0, plan.doctors)
	slots := 0
	for i := 0; i < plan.doctors; i++ {
		doctorID := uuid.New()
		doctors = append(doctors, doctorID)

		slotMinutes := faker.RandomInt([]int{15, 20, 30})
		start := scheduling.Clock(faker.Number(7, 10) * 60)
		for day := time.Monday; day <= time.Friday; day++ {
			if _, err := svc.CreateAvailabilityWindow(ctx, &scheduling.AvailabilityWindow{
				DoctorID:    doctorID,
				DayOfWeek:   day,
				StartTime:   start,
				EndTime:     start + 4*60,
				SlotMinutes: slotMinutes,
				Modality:    scheduling.ModalityInPerson,
				Active:      true,
			}); err != nil {
				return fmt.Errorf("window for doctor %s: %w", doctorID, err)
			}
		}
		if faker.Bool() {
			if _, err := svc.CreateAvailabilityWindow(ctx, &scheduling.AvailabilityWindow{
				DoctorID:    doctorID,
				DayOfWeek:   time.Wednesday,
				StartTime:   scheduling.MustClock("14:00"),
				EndTime:     scheduling.MustClock("16:00"),
				SlotMinutes: 30,
				Modality:    scheduling.ModalityTelemedicine,
				Active:      true,
			}); err != nil {
				return fmt.Errorf("telemedicine window for doctor %s: %w", doctorID, err)
			}
		}

		for d := 0; d < plan.days; d++ {
			generated, err := svc.GenerateSlots(ctx, doctorID, today.AddDate(0, 0, d))
			if err != nil {
				if errors.Is(err, scheduling.ErrNoAvailability) {
					continue
				}
				return fmt.Errorf("generate slots: %w", err)
			}
			slots += len(generated)
		}
	}
	log.Info().Int("doctors", plan.doctors).Int("slots", slots).Msg("doctors seeded")

	priorities := []scheduling.WaitlistPriority{
		scheduling.PriorityLow,
		scheduling.PriorityNormal,
		scheduling.PriorityHigh,
		scheduling.PriorityUrgent,
	}
	contacts := []scheduling.ContactMethod{
		scheduling.ContactEmail,
		scheduling.ContactSMS,
		scheduling.ContactPhone,
		scheduling.ContactPush,
	}
	for i := 0; i < plan.waitlist; i++ {
		from := today.AddDate(0, 0, faker.Number(0, plan.days/2))
		to := from.AddDate(0, 0, faker.Number(1, plan.days/2))
		e := &scheduling.AppointmentWaitlist{
			PatientID:         uuid.New(),
			PreferredDateFrom: &from,
			PreferredDateTo:   &to,
			AppointmentType:   faker.RandomString(appointmentTypes),
			Priority:          priorities[faker.Number(0, len(priorities)-1)],
			UrgencyLevel:      faker.Number(1, 5),
			ContactMethod:     contacts[faker.Number(0, len(contacts)-1)],
			AutoBook:          faker.Bool(),
			MaxNoticeHours:    faker.RandomInt([]int{0, 4, 24, 48}),
		}
		if faker.Bool() {
			doctorID := doctors[faker.Number(0, len(doctors)-1)]
			e.DoctorID = &doctorID
		}
		if _, err := svc.CreateWaitlistEntry(ctx, e); err != nil {
			return fmt.Errorf("waitlist entry: %w", err)
		}
	}
	log.Info().Int("count", plan.waitlist).Msg("waitlist seeded")

	doctorID := doctors[0]
	series := &scheduling.RecurringAppointment{
		PatientID:       uuid.New(),
		DoctorID:        doctorID,
		AppointmentType: "physiotherapy",
		Department:      faker.RandomString(departments),
		Pattern:         scheduling.PatternWeekly,
		Interval:        1,
		DaysOfWeek:      []time.Weekday{time.Tuesday, time.Thursday},
		StartDate:       today.AddDate(0, 0, 1),
		MaxOccurrences:  8,
		// every seeded window starts between 07:00 and 10:00 and runs four hours
		StartTime:       scheduling.MustClock("10:00"),
		DurationMinutes: 30,
	}
	if _, result, err := svc.CreateRecurringSeries(ctx, series); err != nil {
		log.Warn().Err(err).Msg("sample series not expanded")
	} else if result != nil {
		log.Info().Int("booked", len(result.Booked)).Int("skipped", len(result.Skipped)).Msg("sample series seeded")
	}

	return nil
}
