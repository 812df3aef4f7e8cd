package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/display"
	"github.com/daviddao/mailcrm/internal/types"
)

var (
	runsMailbox string
	runsLimit   int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		connID := ""
		if runsMailbox != "" {
			conn, err := resolveConnection(ctx, runsMailbox)
			if err != nil {
				return err
			}
			connID = conn.ID
		}
		runs, err := store.ListSyncRuns(ctx, cfg.UserID, connID, runsLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			if runs == nil {
				runs = []*types.SyncRun{}
			}
			return writeJSON(cmd.OutOrStdout(), runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sync runs yet.")
			return nil
		}
		now := time.Now()
		for _, r := range runs {
			display.RunRow(cmd.OutOrStdout(), r, now)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one sync run with its errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := store.GetSyncRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if run == nil || run.UserID != cfg.UserID {
			return fmt.Errorf("sync run %q not found", args[0])
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), run)
		}
		display.RunSummary(cmd.OutOrStdout(), run, len(run.Errors))
		fmt.Fprintf(cmd.OutOrStdout(), "  Started    %s\n", run.StartedAt.Local().Format(time.DateTime))
		if run.CompletedAt != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  Took       %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsMailbox, "mailbox", "", "Only runs for this mailbox")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
