package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/hospital-scheduling/internal/app"
	"github.com/hackgods/hospital-scheduling/internal/config"
	"github.com/hackgods/hospital-scheduling/internal/db"
	"github.com/hackgods/hospital-scheduling/internal/scheduling"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "schedctl",
		Short:        "Hospital scheduling admin tool",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("hospital", "", "Hospital ID to act for")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(generateSlotsCmd())
	rootCmd.AddCommand(expandSeriesCmd())
	rootCmd.AddCommand(sweepOffersCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func generateSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-slots",
		Short: "Generate slots for a doctor over a range of dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawDoctor, _ := cmd.Flags().GetString("doctor")
			rawDate, _ := cmd.Flags().GetString("from")
			days, _ := cmd.Flags().GetInt("days")

			doctorID, err := uuid.Parse(rawDoctor)
			if err != nil {
				return fmt.Errorf("--doctor must be a UUID: %w", err)
			}
			from, err := time.Parse("2006-01-02", rawDate)
			if err != nil {
				return fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
			}

			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) error {
				for i := 0; i < days; i++ {
					date := from.AddDate(0, 0, i)
					slots, err := svc.GenerateSlots(ctx, doctorID, date)
					if err != nil {
						if errors.Is(err, scheduling.ErrNoAvailability) {
							fmt.Printf("%s: no availability\n", date.Format("2006-01-02"))
							continue
						}
						return fmt.Errorf("generate %s: %w", date.Format("2006-01-02"), err)
					}
					fmt.Printf("%s: %d slot(s)\n", date.Format("2006-01-02"), len(slots))
				}
				return nil
			})
		},
	}
	cmd.Flags().String("doctor", "", "Doctor ID")
	cmd.Flags().String("from", time.Now().Format("2006-01-02"), "First date (YYYY-MM-DD)")
	cmd.Flags().Int("days", 14, "Number of days to generate")
	_ = cmd.MarkFlagRequired("doctor")
	return cmd
}

func expandSeriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expand-series",
		Short: "Expand one recurring series, or every active series with --due",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawSeries, _ := cmd.Flags().GetString("series")
			due, _ := cmd.Flags().GetBool("due")
			rawHorizon, _ := cmd.Flags().GetString("horizon")

			var horizon time.Time
			if rawHorizon != "" {
				var err error
				horizon, err = time.Parse("2006-01-02", rawHorizon)
				if err != nil {
					return fmt.Errorf("--horizon must be YYYY-MM-DD: %w", err)
				}
			}

			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) error {
				if due {
					n, err := svc.ExpandDueSeries(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Expanded %d series.\n", n)
					return nil
				}

				seriesID, err := uuid.Parse(rawSeries)
				if err != nil {
					return fmt.Errorf("--series must be a UUID: %w", err)
				}
				result, err := svc.ExpandSeries(ctx, seriesID, horizon)
				if err != nil {
					return err
				}
				fmt.Printf("Booked %d, skipped %d, completed=%t\n", len(result.Booked), len(result.Skipped), result.Completed)
				for _, occ := range result.Skipped {
					fmt.Printf("  skipped %s: %s\n", occ.OccurrenceDate.Format("2006-01-02"), occ.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("series", "", "Series ID")
	cmd.Flags().Bool("due", false, "Expand every active series across hospitals")
	cmd.Flags().String("horizon", "", "Last date to book for --series (YYYY-MM-DD, default SERIES_HORIZON from now)")
	cmd.MarkFlagsOneRequired("series", "due")
	return cmd
}

func sweepOffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-offers",
		Short: "Expire lapsed waitlist offers and pass their slots on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *scheduling.Service) error {
				n, err := svc.ExpireOffers(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d offer(s).\n", n)
				return nil
			})
		},
	}
}

// withService opens the full stack and scopes the context to --hospital
// when it is given.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *scheduling.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Env, "schedctl")

	ctx := cmd.Context()
	if raw, _ := cmd.Flags().GetString("hospital"); raw != "" {
		hospitalID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("--hospital must be a UUID: %w", err)
		}
		ctx = scheduling.WithHospital(ctx, hospitalID)
	}

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps.Service)
}
