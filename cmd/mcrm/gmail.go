package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/classify"
	"github.com/daviddao/mailcrm/internal/display"
	"github.com/daviddao/mailcrm/internal/extract"
	"github.com/daviddao/mailcrm/internal/gmail"
	"github.com/daviddao/mailcrm/internal/types"
)

var (
	gmailMailbox    string
	gmailMaxResults int64
)

// gmailCmd is the parent command for direct mailbox access.
var gmailCmd = &cobra.Command{
	Use:   "gmail",
	Short: "Gmail operations (search, read)",
	Long:  "Search and read messages in a connected mailbox without touching the CRM.",
}

var gmailSearchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search Gmail messages",
	Long: `Search messages matching a query.

Uses the same query syntax as Gmail's search box.`,
	Example: `  mcrm gmail search "from:someone@example.com"
  mcrm gmail search "subject:coffee newer_than:7d" -n 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := resolveConnection(ctx, gmailMailbox)
		if err != nil {
			return err
		}
		client, err := mailboxClient(ctx, conn)
		if err != nil {
			return err
		}

		page, err := client.ListMessages(ctx, gmail.ListOptions{Query: args[0], MaxResults: gmailMaxResults})
		if err != nil {
			return err
		}
		ids := make([]string, len(page.IDs))
		for i, ref := range page.IDs {
			ids[i] = ref.ID
		}
		msgs, err := client.GetMessages(ctx, ids, gmail.FormatMetadata)
		if err != nil {
			return err
		}

		results := make([]*types.NormalizedEmail, 0, len(msgs))
		for _, m := range msgs {
			e, err := gmail.Parse(m, conn.Email)
			if err != nil {
				logger.Warn("skipping unparseable message", "id", m.Id, "err", err)
				continue
			}
			results = append(results, e)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		w := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintf(w, "No messages found matching: %s\n", args[0])
			return nil
		}
		fmt.Fprintf(w, "Found %d message(s) matching: %s\n\n", len(results), args[0])
		for i, e := range results {
			fmt.Fprintf(w, "[%d] ID: %s\n", i+1, e.ID)
			fmt.Fprintf(w, "    From: %s\n", formatAddress(e.From))
			fmt.Fprintf(w, "    Subject: %s\n", e.Subject)
			fmt.Fprintf(w, "    Date: %s\n", e.DateISO())
			fmt.Fprintf(w, "    Preview: %s\n\n", display.Truncate(e.Snippet, 100))
		}
		return nil
	},
}

type readOutput struct {
	*types.NormalizedEmail
	Attachments []gmail.Attachment `json:"attachments,omitempty"`
	Preview     crmPreview         `json:"crm_preview"`
}

// crmPreview is what a sync would record for the message.
type crmPreview struct {
	Type      types.InteractionType `json:"interaction_type"`
	Companies []types.Company       `json:"companies"`
	Contacts  []types.Contact       `json:"contacts"`
}

var gmailReadCmd = &cobra.Command{
	Use:   "read MESSAGE_ID",
	Short: "Read a Gmail message by ID",
	Long: `Read the full content of a message, with the interaction type, companies
and contacts a sync would record for it.`,
	Example: `  mcrm gmail read 18d5a7b3c4e5f6a7
  mcrm gmail read 18d5a7b3c4e5f6a7 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := resolveConnection(ctx, gmailMailbox)
		if err != nil {
			return err
		}
		client, err := mailboxClient(ctx, conn)
		if err != nil {
			return err
		}

		msg, err := client.GetMessage(ctx, args[0], gmail.FormatFull)
		if errors.Is(err, gmail.ErrNotFound) {
			return fmt.Errorf("message %s not found in %s", args[0], conn.Email)
		}
		if err != nil {
			return err
		}
		email, err := gmail.Parse(msg, conn.Email)
		if err != nil {
			return err
		}

		out := readOutput{
			NormalizedEmail: email,
			Attachments:     gmail.Attachments(msg),
			Preview: crmPreview{
				Type:      classify.Default().Classify(email),
				Companies: extract.Companies(email),
				Contacts:  extract.Contacts(email, conn.Email),
			},
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "From: %s\n", formatAddress(email.From))
		fmt.Fprintf(w, "To: %s\n", formatAddresses(email.To))
		if len(email.CC) > 0 {
			fmt.Fprintf(w, "Cc: %s\n", formatAddresses(email.CC))
		}
		fmt.Fprintf(w, "Subject: %s\n", email.Subject)
		fmt.Fprintf(w, "Date: %s\n", email.DateISO())
		fmt.Fprintf(w, "Mailbox: %s\n", display.AccountLabel(conn.Email))
		if len(out.Attachments) > 0 {
			fmt.Fprintf(w, "Attachments:\n")
			for _, att := range out.Attachments {
				fmt.Fprintf(w, "  - %s (%s, %d bytes)\n", att.Filename, att.MimeType, att.Size)
			}
		}

		fmt.Fprintln(w)
		display.SubHeader("CRM preview")
		fmt.Fprintf(w, "  Type: %s\n", out.Preview.Type)
		for _, c := range out.Preview.Companies {
			fmt.Fprintf(w, "  Company: %s (%s)\n", c.Name, c.Domain)
		}
		for _, c := range out.Preview.Contacts {
			fmt.Fprintf(w, "  Contact: %s <%s>\n", c.Name, c.Email)
		}
		if len(out.Preview.Contacts) == 0 {
			fmt.Fprintln(w, display.Dim.Render("  (no business contacts, a sync would skip this message)"))
		}

		fmt.Fprintf(w, "\n%s\n\n", strings.Repeat("=", 60))
		fmt.Fprintf(w, "%s\n", email.Body)
		return nil
	},
}

func formatAddress(a types.Address) string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

func formatAddresses(as []types.Address) string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = formatAddress(a)
	}
	return strings.Join(parts, ", ")
}

func init() {
	gmailCmd.PersistentFlags().StringVar(&gmailMailbox, "mailbox", "", "Connected mailbox to use (default: the only one)")
	gmailSearchCmd.Flags().Int64VarP(&gmailMaxResults, "max-results", "n", 10, "Maximum results to return")

	gmailCmd.AddCommand(gmailSearchCmd)
	gmailCmd.AddCommand(gmailReadCmd)
	rootCmd.AddCommand(gmailCmd)
}
