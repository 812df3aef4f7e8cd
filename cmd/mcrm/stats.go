package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/display"
	"github.com/daviddao/mailcrm/internal/types"
)

type statsOutput struct {
	*types.CRMStats
	ContactsByStatus map[string]int       `json:"contacts_by_status"`
	Mailboxes        []mailboxStatsOutput `json:"mailboxes"`
}

type mailboxStatsOutput struct {
	Email    string     `json:"email"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show CRM statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stats, err := store.Stats(ctx, cfg.UserID)
		if err != nil {
			return fmt.Errorf("counts: %w", err)
		}
		byStatus, err := store.ContactCountByStatus(ctx, cfg.UserID)
		if err != nil {
			return fmt.Errorf("status counts: %w", err)
		}
		conns, err := store.ListConnections(ctx, cfg.UserID)
		if err != nil {
			return fmt.Errorf("connections: %w", err)
		}

		out := statsOutput{CRMStats: stats, ContactsByStatus: byStatus, Mailboxes: []mailboxStatsOutput{}}
		for _, c := range conns {
			out.Mailboxes = append(out.Mailboxes, mailboxStatsOutput{Email: c.Email, LastSync: c.LastSyncAt})
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), out)
		}

		w := cmd.OutOrStdout()
		now := time.Now()
		display.Header("Mailcrm Statistics")
		fmt.Fprintln(w)

		fmt.Fprintln(w, "  Mailboxes")
		for _, m := range out.Mailboxes {
			var last time.Time
			if m.LastSync != nil {
				last = *m.LastSync
			}
			fmt.Fprintf(w, "    %-32s %s\n", m.Email, display.Dim.Render("last sync: "+display.TimeAgo(last, now)))
		}
		if len(out.Mailboxes) == 0 {
			fmt.Fprintln(w, display.Dim.Render("    (none connected)"))
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "  Contacts")
		for _, s := range types.ValidContactStatuses {
			fmt.Fprintf(w, "    %s %-18s %4d\n", display.StatusDot(s), s, byStatus[string(s)])
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "  Total: %d companies, %d contacts, %d interactions over %d sync runs\n",
			stats.Companies, stats.Contacts, stats.Interactions, stats.SyncRuns)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
