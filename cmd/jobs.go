package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/monitoring"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run scheduled jobs on demand and inspect their history",
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one scheduled job now (cost_aggregate, cost_evaluate, recovery_sweep, cache_cleanup, health_check)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := monitoring.NewScheduler(env.Store, env.jobs()...).RunOnce(ctx, args[0])
		if run != nil {
			if perr := printJSON(run); perr != nil {
				return perr
			}
		}
		return err
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history [job]",
	Short: "List recent job runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		job := ""
		if len(args) == 1 {
			job = args[0]
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListJobRuns(ctx, job, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No job runs found.")
			return nil
		}
		formatJobRuns(os.Stdout, runs)
		return nil
	},
}

func formatJobRuns(w io.Writer, runs []model.JobRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tJOB\tSTATUS\tDURATION\tDETAIL")
	for _, r := range runs {
		detail := string(r.Detail)
		if len(detail) > 80 {
			detail = detail[:77] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Job,
			r.Status,
			r.DurationMs,
			detail,
		)
	}
	_ = tw.Flush()
}

func init() {
	jobsHistoryCmd.Flags().Int("limit", 20, "max number of runs to display")

	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	rootCmd.AddCommand(jobsCmd)
}
