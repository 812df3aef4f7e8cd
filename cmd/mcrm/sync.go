package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/display"
	msync "github.com/daviddao/mailcrm/internal/sync"
	"github.com/daviddao/mailcrm/internal/types"
)

var (
	syncDays  int
	syncMax   int
	syncBatch int
	syncAll   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [EMAIL]",
	Short: "Pull recent mail into the CRM",
	Long: `Fetch recent messages from a connected mailbox and record companies,
contacts and interactions for them.

Messages already synced are skipped, so re-running is safe. A message that
cannot be processed is reported and the rest of the run continues.`,
	Example: `  mcrm sync
  mcrm sync me@example.com --days 90 --max 2000
  mcrm sync --all --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var conns []*types.MailboxConnection
		if syncAll {
			all, err := store.ListConnections(ctx, cfg.UserID)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				return fmt.Errorf("no mailboxes connected, run 'mcrm connect' first")
			}
			conns = all
		} else {
			email := ""
			if len(args) == 1 {
				email = args[0]
			}
			conn, err := resolveConnection(ctx, email)
			if err != nil {
				return err
			}
			conns = []*types.MailboxConnection{conn}
		}

		oc, err := cfg.OAuth()
		if err != nil {
			return err
		}
		syncer := msync.NewSyncer(store, oc,
			msync.WithLogger(logger),
			msync.WithGmailOptions(gmailOptions()...),
		)

		showProgress := !quietFlag && !jsonOutput
		var results []*msync.Result
		var failed int
		for _, conn := range conns {
			if showProgress {
				fmt.Fprintf(cmd.ErrOrStderr(), "Syncing %s...\n", conn.Email)
			}
			req := msync.Request{
				UserID:       conn.UserID,
				ConnectionID: conn.ID,
				UserEmail:    conn.Email,
				AccessToken:  conn.AccessToken,
				RefreshToken: conn.RefreshToken,
				TokenExpiry:  conn.TokenExpiry,
				DaysSince:    pick(syncDays, cfg.Sync.DaysSince),
				MaxEmails:    pick(syncMax, cfg.Sync.MaxEmails),
				BatchSize:    pick(syncBatch, cfg.Sync.BatchSize),
			}
			if showProgress {
				req.OnProgress = func(p msync.Progress) {
					display.Progress(cmd.ErrOrStderr(), string(p.Phase), p.Processed, p.Total)
				}
			}

			res, err := syncer.Sync(ctx, req)
			if showProgress {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if errors.Is(err, msync.ErrSyncInProgress) {
				display.ErrorMsg("%s: a sync is already running", conn.Email)
				failed++
				continue
			}
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				display.ErrorMsg("%s: %v", conn.Email, err)
				failed++
				if ctx.Err() != nil {
					break
				}
				continue
			}
			if showProgress {
				if run, err := store.GetSyncRun(ctx, res.RunID); err == nil && run != nil {
					display.RunSummary(cmd.OutOrStdout(), run, 5)
				}
			}
		}

		if jsonOutput {
			if results == nil {
				results = []*msync.Result{}
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else if !quietFlag && failed == 0 {
			var processed, interactions int
			for _, r := range results {
				processed += r.EmailsProcessed
				interactions += r.InteractionsCreated
			}
			display.SuccessMsg("Done! %d emails processed, %d new interactions.", processed, interactions)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d sync(s) failed", failed, len(conns))
		}
		return nil
	},
}

// pick returns flag when it was set, else the configured value.
func pick(flag, configured int) int {
	if flag > 0 {
		return flag
	}
	return configured
}

func init() {
	syncCmd.Flags().IntVar(&syncDays, "days", 0, "Look back this many days (default: config sync.days_since)")
	syncCmd.Flags().IntVar(&syncMax, "max", 0, "Process at most this many messages (default: config sync.max_emails)")
	syncCmd.Flags().IntVar(&syncBatch, "batch", 0, "Messages per listing page, up to 500 (default: config sync.batch_size)")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "Sync every connected mailbox")
	rootCmd.AddCommand(syncCmd)
}
