package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/site-enrich/internal/cost"
	"github.com/sells-group/site-enrich/internal/model"
)

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Inspect or reset the system mode",
}

var modeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current system mode",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cur, err := cost.NewModeController(st).Current(ctx)
		if err != nil {
			return err
		}
		return printJSON(cur)
	},
}

var modeResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return the system from emergency to normal mode",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, changed, err := cost.NewModeController(st).Reset(ctx, actor, reason)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintln(os.Stderr, "System was not in emergency mode.")
		}
		return printJSON(state)
	},
}

var modeHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent system mode changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events, err := cost.NewModeController(st).History(ctx, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No mode changes recorded.")
			return nil
		}
		formatModeHistory(os.Stdout, events)
		return nil
	},
}

func formatModeHistory(w io.Writer, events []model.SystemModeState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANGED AT\tMODE\tBY\tPROVIDERS\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ChangedAt.Format("2006-01-02 15:04:05"),
			e.Mode,
			e.ChangedBy,
			strings.Join(e.Providers, ","),
			e.Reason,
		)
	}
	_ = tw.Flush()
}

func init() {
	modeResetCmd.Flags().String("actor", "", "who is resetting the mode (required)")
	modeResetCmd.Flags().String("reason", "", "why the mode is being reset")
	_ = modeResetCmd.MarkFlagRequired("actor")

	modeHistoryCmd.Flags().Int("limit", 20, "max number of changes to display")

	modeCmd.AddCommand(modeShowCmd)
	modeCmd.AddCommand(modeResetCmd)
	modeCmd.AddCommand(modeHistoryCmd)
	rootCmd.AddCommand(modeCmd)
}
