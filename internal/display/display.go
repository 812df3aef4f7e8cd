// Package display provides terminal formatting for mailcrm output.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/daviddao/mailcrm/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	Accent   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563eb"))
)

// StatusDot returns a colored dot for a contact status.
func StatusDot(status types.ContactStatus) string {
	switch status {
	case types.StatusMeetingScheduled:
		return Success.Render("●")
	case types.StatusConnected:
		return Accent.Render("●")
	case types.StatusFollowingUp:
		return Warn.Render("○")
	case types.StatusToReachOut:
		return Muted.Render("○")
	case types.StatusNotInterested:
		return Dim.Render("◌")
	default:
		return Dim.Render("·")
	}
}

// RunStatus returns a styled label for a sync run status.
func RunStatus(s types.SyncStatus) string {
	label := fmt.Sprintf("%-21s", s)
	switch s {
	case types.SyncCompleted:
		return Success.Render(label)
	case types.SyncCompletedWithErrors:
		return Warn.Render(label)
	case types.SyncFailed:
		return ErrStyle.Render(label)
	case types.SyncInProgress:
		return Accent.Render(label)
	default:
		return label
	}
}

// AccountLabel returns a short label for a mailbox.
// Derives the label from the domain (e.g., "user@example.com" -> "example").
func AccountLabel(account string) string {
	if idx := strings.Index(account, "@"); idx > 0 {
		domain := account[idx+1:]
		if dotIdx := strings.Index(domain, "."); dotIdx > 0 {
			return domain[:dotIdx]
		}
		return domain
	}
	return account
}

// TimeAgo formats t relative to now.
func TimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens a string to maxLen runes, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(Success.Render("✓") + " " + msg)
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+msg)
}

// Header prints a section header.
func Header(title string) {
	fmt.Println(Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(title string) {
	fmt.Println(Muted.Render(title))
}

// Progress renders one in-place progress line, e.g. "fetching 120/500".
func Progress(w io.Writer, phase string, processed, total int) {
	if total > 0 {
		fmt.Fprintf(w, "\r  %s %d/%d   ", Muted.Render(fmt.Sprintf("%-12s", phase)), processed, total)
		return
	}
	fmt.Fprintf(w, "\r  %s %d   ", Muted.Render(fmt.Sprintf("%-12s", phase)), processed)
}

// RunSummary prints the counters of a finished sync run followed by up to
// maxErrors per-message errors.
func RunSummary(w io.Writer, run *types.SyncRun, maxErrors int) {
	fmt.Fprintf(w, "  Run        %s\n", Dim.Render(run.ID))
	fmt.Fprintf(w, "  Status     %s\n", RunStatus(run.Status))
	fmt.Fprintf(w, "  Processed  %4d emails\n", run.EmailsProcessed)
	fmt.Fprintf(w, "  Companies  %4d new\n", run.CompaniesCreated)
	fmt.Fprintf(w, "  Contacts   %4d new\n", run.ContactsCreated)
	fmt.Fprintf(w, "  Logged     %4d interactions\n", run.InteractionsCreated)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error      %s\n", ErrStyle.Render(run.ErrorMessage))
	}
	if len(run.Errors) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s\n", Warn.Render(fmt.Sprintf("%d message(s) failed:", len(run.Errors))))
	for i, e := range run.Errors {
		if i >= maxErrors {
			fmt.Fprintf(w, "    %s\n", Dim.Render(fmt.Sprintf("... (%d more)", len(run.Errors)-maxErrors)))
			break
		}
		fmt.Fprintf(w, "    %s\n", Truncate(e, 100))
	}
}

// RunRow prints one line of a sync run listing.
func RunRow(w io.Writer, run *types.SyncRun, now time.Time) {
	fmt.Fprintf(w, "  %s  %s  %4d emails  +%d co  +%d ct  +%d int  %s\n",
		Dim.Render(Truncate(run.ID, 8)),
		RunStatus(run.Status),
		run.EmailsProcessed,
		run.CompaniesCreated,
		run.ContactsCreated,
		run.InteractionsCreated,
		Dim.Render(TimeAgo(run.StartedAt, now)),
	)
}
