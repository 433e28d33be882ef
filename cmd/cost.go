package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/site-enrich/internal/cost"
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Provider spend aggregation and budget checks",
}

// -- cost aggregate --

var costAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate the usage log into hourly cost snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		hourFlag, _ := cmd.Flags().GetString("hour")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		agg := cost.NewAggregator(env.Store, env.Calc)
		var res *cost.AggregateResult
		if hourFlag == "" {
			res, err = agg.RunPrevious(ctx, time.Now())
		} else {
			hour, perr := time.Parse(time.RFC3339, hourFlag)
			if perr != nil {
				return eris.Wrap(perr, "cost aggregate: parse --hour")
			}
			res, err = agg.Run(ctx, hour)
		}
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// -- cost evaluate --

var costEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Check today's spend against budgets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ev, err := env.Evaluator.Evaluate(ctx, time.Now())
		if err != nil {
			return err
		}
		return printJSON(ev)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	costAggregateCmd.Flags().String("hour", "", "hour to aggregate, RFC3339 (default: the previous full hour)")

	costCmd.AddCommand(costAggregateCmd)
	costCmd.AddCommand(costEvaluateCmd)
	rootCmd.AddCommand(costCmd)
}
