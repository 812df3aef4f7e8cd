package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/mailcrm/internal/types"
)

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
		{30 * 24 * time.Hour, "Feb 8"},
	}
	for _, tt := range tests {
		if got := TimeAgo(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("TimeAgo(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
	if got := TimeAgo(time.Time{}, now); got != "never" {
		t.Errorf("zero time = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "ab"},
		{"Jürgen Müller GmbH", 9, "Jürgen..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestAccountLabel(t *testing.T) {
	if got := AccountLabel("me@acme.io"); got != "acme" {
		t.Errorf("got %q", got)
	}
	if got := AccountLabel("local"); got != "local" {
		t.Errorf("got %q", got)
	}
}

func TestRunSummaryCapsErrors(t *testing.T) {
	run := &types.SyncRun{
		ID:              "run-1",
		Status:          types.SyncCompletedWithErrors,
		EmailsProcessed: 7,
		Errors:          []string{"m1: boom", "m2: boom", "m3: boom"},
	}
	var buf bytes.Buffer
	RunSummary(&buf, run, 2)
	out := buf.String()
	for _, want := range []string{"run-1", "7 emails", "3 message(s) failed", "m1: boom", "m2: boom", "(1 more)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "m3: boom") {
		t.Error("third error should be elided")
	}
}
