package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/posting"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/reminder"
	"github.com/diewo77/school-billing/internal/revenue"
	"github.com/spf13/cobra"
)

func (c *cli) migrateCmd() *cobra.Command {
	var sqlFiles bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the database schema.

With --sql the versioned files in ./migrations are applied with golang-migrate,
otherwise the models are auto-migrated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, d, err := c.database()
			if err != nil {
				return err
			}
			useSQL := sqlFiles || cfg.App.Migrations
			if err := db.Migrate(d, useSQL, db.ToURLDSN(db.NormalizeDSN(cfg.Database.DSN()))); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&sqlFiles, "sql", false, "run SQL migrations instead of AutoMigrate")
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load development tenants, fees and reminder rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, d, err := c.database()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.App.SeedFile
			}
			f, err := db.LoadFixture(file)
			if err != nil {
				return err
			}
			if err := db.Seed(d, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tenant(s)\n", len(f.Tenants))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file (default: embedded fixture)")
	return cmd
}

func (c *cli) postCmd() *cobra.Command {
	var (
		month, year int
		campus      uint
		due         string
		sync        bool
	)
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Generate monthly challans for a tenant",
		Long: `Generate monthly challans for a tenant.

Without --sync the run is reserved and queued for the server's workers.

Examples:
  billingctl post --tenant $TENANT --month 7 --year 2025
  billingctl post --tenant $TENANT --month 7 --year 2025 --campus 2 --sync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			_, d, err := c.database()
			if err != nil {
				return err
			}
			req := posting.Request{TenantID: tenant, Month: month, Year: year, RequestedBy: "billingctl"}
			if campus > 0 {
				req.CampusID = &campus
			}
			if due != "" {
				t, err := time.Parse("2006-01-02", due)
				if err != nil {
					return fmt.Errorf("invalid --due: %w", err)
				}
				req.DueDate = &t
			}
			svc := posting.NewService(d, queue.New(d), events.NewMemoryBus(1))
			if sync {
				res, err := svc.RunMonthlyPosting(cmd.Context(), req)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), res)
			}
			run, err := svc.Reserve(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), run)
		},
	}
	now := time.Now().UTC()
	cmd.Flags().IntVar(&month, "month", int(now.Month()), "billing month (1-12)")
	cmd.Flags().IntVar(&year, "year", now.Year(), "billing year")
	cmd.Flags().UintVar(&campus, "campus", 0, "restrict to one campus")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD (default: the 10th)")
	cmd.Flags().BoolVar(&sync, "sync", false, "execute in this process instead of queueing")
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [posting-run-id]",
		Short: "Re-queue a FAILED posting run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid posting run id %q", args[0])
			}
			_, d, err := c.database()
			if err != nil {
				return err
			}
			svc := posting.NewService(d, queue.New(d), events.NewMemoryBus(1))
			run, err := svc.Resume(cmd.Context(), tenant, uint(id))
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), run)
		},
	}
}

func (c *cli) remindersCmd() *cobra.Command {
	var (
		campus  uint
		deliver bool
	)
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Evaluate reminder rules for a tenant",
		Long: `Evaluate reminder rules for a tenant and queue one delivery per due reminder.

With --deliver the queued deliveries are sent from this process using the
configured providers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			cfg, d, err := c.database()
			if err != nil {
				return err
			}
			q := queue.New(d)
			engine := reminder.NewEngine(d, q, reminder.SendersFromConfig(cfg.Reminder)...)
			scope := reminder.Scope{TenantID: tenant}
			if campus > 0 {
				scope.CampusID = &campus
			}
			res, err := engine.Run(cmd.Context(), scope)
			if err != nil {
				return err
			}
			out := map[string]any{"run": res}
			if deliver {
				n, err := drain(cmd.Context(), q, queue.Reminders, models.JobReminderDelivery, engine.DeliveryHandler())
				if err != nil {
					return err
				}
				out["delivered"] = n
			}
			return c.render(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().UintVar(&campus, "campus", 0, "restrict to one campus")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "send queued deliveries now")
	return cmd
}

// drain processes every ready job of one type on the named queue.
func drain(ctx context.Context, q *queue.Queue, name string, t models.JobType, h queue.Handler) (int, error) {
	w := queue.NewWorker(q, time.Second)
	w.Register(t, h)
	return w.Drain(ctx, name)
}

func (c *cli) cyclesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Manage platform revenue cycles",
	}

	var month, year, limit int
	create := &cobra.Command{
		Use:   "create",
		Short: "Open the cycle for a period for every active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := c.database()
			if err != nil {
				return err
			}
			res, err := revenue.NewService(d, nil).CreateMonthlyCycles(cmd.Context(), month, year)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res)
		},
	}
	now := time.Now().UTC()
	create.Flags().IntVar(&month, "month", int(now.Month()), "cycle month")
	create.Flags().IntVar(&year, "year", now.Year(), "cycle year")

	closeCmd := &cobra.Command{
		Use:   "close [cycle-id]",
		Short: "Close a cycle and freeze its totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid cycle id %q", args[0])
			}
			_, d, err := c.database()
			if err != nil {
				return err
			}
			sum, err := revenue.NewService(d, nil).CloseCycle(cmd.Context(), tenant, uint(id))
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), sum)
		},
	}

	orchestrate := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run the daily open/close pass the scheduler performs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := c.database()
			if err != nil {
				return err
			}
			res, err := revenue.NewService(d, nil).Orchestrate(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), res)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's cycles, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := c.tenant()
			if err != nil {
				return err
			}
			_, d, err := c.database()
			if err != nil {
				return err
			}
			cycles, err := revenue.NewService(d, nil).ListCycles(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), cycles)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 12, "maximum cycles")

	cmd.AddCommand(create, closeCmd, orchestrate, list)
	return cmd
}
