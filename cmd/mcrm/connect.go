package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailcrm/internal/auth"
	"github.com/daviddao/mailcrm/internal/db"
	"github.com/daviddao/mailcrm/internal/display"
	"github.com/daviddao/mailcrm/internal/gmail"
	"github.com/daviddao/mailcrm/internal/types"
)

var (
	connectCode    string
	disconnectKeep bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Link a Gmail mailbox",
	Long: `Link a Gmail mailbox with read-only access.

Open the printed URL, grant access, then paste either the authorization code
or the whole URL the browser was redirected to. Reconnecting a mailbox
replaces its stored tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		oc, err := cfg.OAuth()
		if err != nil {
			return err
		}
		mgr := auth.NewManager(oc, auth.Token{}, auth.WithLogger(logger))

		code := connectCode
		if code == "" {
			state := db.GenID()
			fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL in your browser:\n\n  %s\n\n", mgr.AuthURL(state))
			fmt.Fprint(cmd.ErrOrStderr(), "Paste the authorization code: ")
			code, err = readCode(cmd.InOrStdin(), state)
			if err != nil {
				return err
			}
		}

		tok, err := mgr.Exchange(ctx, code)
		if err != nil {
			return err
		}
		if tok.RefreshToken == "" {
			logger.Warn("provider returned no refresh token; the connection will need re-linking when the access token expires")
		}

		client, err := gmail.NewClient(ctx, mgr.TokenSource(ctx), gmailOptions(gmail.WithLogger(logger))...)
		if err != nil {
			return err
		}
		email, err := client.Profile(ctx)
		if err != nil {
			return fmt.Errorf("look up mailbox address: %w", err)
		}

		conn := &types.MailboxConnection{
			UserID:       cfg.UserID,
			Email:        email,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenExpiry:  tok.Expiry,
		}
		created, err := store.UpsertConnection(ctx, conn)
		if err != nil {
			return fmt.Errorf("save connection: %w", err)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), conn)
		}
		if !quietFlag {
			verb := "Reconnected"
			if created {
				verb = "Connected"
			}
			display.SuccessMsg("%s %s", verb, email)
		}
		return nil
	},
}

// readCode reads one line and accepts either a bare authorization code or
// the redirect URL carrying it. A redirect URL whose state does not match is
// rejected.
func readCode(r io.Reader, state string) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read authorization code: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("empty authorization code")
	}
	u, err := url.Parse(line)
	if err != nil || u.Scheme == "" {
		return line, nil
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if s := q.Get("state"); s != "" && s != state {
		return "", fmt.Errorf("authorization state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("no code in redirect URL")
	}
	return code, nil
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List linked mailboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		conns, err := store.ListConnections(cmd.Context(), cfg.UserID)
		if err != nil {
			return err
		}
		if jsonOutput {
			if conns == nil {
				conns = []*types.MailboxConnection{}
			}
			return writeJSON(cmd.OutOrStdout(), conns)
		}
		if len(conns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No mailboxes connected. Run 'mcrm connect'.")
			return nil
		}
		now := time.Now()
		for _, c := range conns {
			last := "never synced"
			if c.LastSyncAt != nil {
				last = "synced " + display.TimeAgo(*c.LastSyncAt, now)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-32s %s\n", c.Email, display.Dim.Render(last))
		}
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect EMAIL",
	Short: "Revoke access and forget a mailbox",
	Long: `Revoke the mailbox's token at Google and delete the connection.

Companies, contacts and interactions already synced are kept, as are the
connection's sync run records.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := resolveConnection(ctx, args[0])
		if err != nil {
			return err
		}

		if !disconnectKeep {
			tok := conn.RefreshToken
			if tok == "" {
				tok = conn.AccessToken
			}
			mgr := auth.NewManager(nil, auth.Token{}, auth.WithLogger(logger))
			if err := mgr.Revoke(ctx, tok); err != nil {
				// An already revoked grant must not block forgetting the mailbox.
				logger.Warn("token revocation failed", "email", conn.Email, "err", err)
			}
		}

		if err := store.DeleteConnection(ctx, conn.ID); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Disconnected %s", conn.Email)
		}
		return nil
	},
}

// resolveConnection finds the connection for email, or the only connection
// when email is empty.
func resolveConnection(ctx context.Context, email string) (*types.MailboxConnection, error) {
	if email != "" {
		conn, err := store.ConnectionByEmail(ctx, cfg.UserID, email)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, fmt.Errorf("no connected mailbox %q", email)
		}
		return conn, nil
	}
	conns, err := store.ListConnections(ctx, cfg.UserID)
	if err != nil {
		return nil, err
	}
	switch len(conns) {
	case 0:
		return nil, fmt.Errorf("no mailboxes connected, run 'mcrm connect' first")
	case 1:
		return conns[0], nil
	default:
		return nil, fmt.Errorf("%d mailboxes connected, name one", len(conns))
	}
}

// mailboxClient returns a Gmail client for conn whose refreshed tokens are
// written back to the store.
func mailboxClient(ctx context.Context, conn *types.MailboxConnection) (*gmail.Client, error) {
	oc, err := cfg.OAuth()
	if err != nil {
		return nil, err
	}
	mgr := auth.NewManager(oc, auth.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       conn.TokenExpiry,
	},
		auth.WithLogger(logger),
		auth.WithOnRefresh(func(ctx context.Context, tok auth.Token) error {
			return store.UpdateConnectionTokens(ctx, conn.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry)
		}),
	)
	if _, err := mgr.EnsureValidToken(ctx); err != nil {
		return nil, err
	}
	return gmail.NewClient(ctx, mgr.TokenSource(ctx), gmailOptions(gmail.WithLogger(logger))...)
}

// gmailOptions returns the configured client options followed by extra.
func gmailOptions(extra ...gmail.Option) []gmail.Option {
	var opts []gmail.Option
	if cfg.Google.APIEndpoint != "" {
		opts = append(opts, gmail.WithEndpoint(cfg.Google.APIEndpoint))
	}
	return append(opts, extra...)
}

func init() {
	connectCmd.Flags().StringVar(&connectCode, "code", "", "Authorization code (skips the interactive prompt)")
	disconnectCmd.Flags().BoolVar(&disconnectKeep, "no-revoke", false, "Forget the mailbox without revoking its token")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(disconnectCmd)
}
