package main

import (
	"strings"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/spf13/cobra"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair the job queue",
	}

	var (
		status, queueName, jobType string
		limit                      int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Long: `List jobs, newest first.

Examples:
  billingctl jobs list --status dead
  billingctl jobs list --queue webhooks -n 20 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := c.database()
			if err != nil {
				return err
			}
			jobs, err := queue.New(d).ListJobs(cmd.Context(), queue.Filter{
				Status: models.JobStatus(strings.ToUpper(status)),
				Queue:  queueName,
				Type:   models.JobType(strings.ToUpper(jobType)),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, RUNNING, COMPLETED, FAILED or DEAD")
	list.Flags().StringVar(&queueName, "queue", "", "fee-posting, reminders or webhooks")
	list.Flags().StringVar(&jobType, "type", "", "job type")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum jobs")

	metrics := &cobra.Command{
		Use:   "metrics",
		Short: "Show backlog and failures per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := c.database()
			if err != nil {
				return err
			}
			m, err := queue.New(d).Metrics(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), m)
		},
	}

	retry := &cobra.Command{
		Use:   "retry [job-id]",
		Short: "Requeue a DEAD job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, d, err := c.database()
			if err != nil {
				return err
			}
			job, err := queue.New(d).Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), job)
		},
	}

	var timeout time.Duration
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Release RUNNING jobs whose worker stopped reporting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, d, err := c.database()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Queue.VisibilityTimeout
			}
			recovered, dead, err := queue.New(d).RecoverStale(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]int{"recovered": recovered, "dead": dead})
		},
	}
	recoverCmd.Flags().DurationVar(&timeout, "timeout", 0, "lock age after which a job is stale (default: QUEUE_VISIBILITY_TIMEOUT)")

	cmd.AddCommand(list, metrics, retry, recoverCmd)
	return cmd
}
