package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/site-enrich/internal/recovery"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [application-id...]",
	Short: "Recover failed or stalled applications",
	Long:  "Resets failed and stalled applications below the attempt cap and retires the ones that reached it. Ids select records directly instead of by staleness.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		trigger, _ := cmd.Flags().GetBool("trigger")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Sweeper.Sweep(ctx, recovery.Options{
			IDs:     args,
			Limit:   limit,
			DryRun:  dryRun,
			Trigger: trigger,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "report what would change without writing")
	sweepCmd.Flags().Bool("trigger", false, "re-trigger a pipeline run for each reset record")
	sweepCmd.Flags().Int("limit", 0, "max records to reset (default from config)")
	rootCmd.AddCommand(sweepCmd)
}
