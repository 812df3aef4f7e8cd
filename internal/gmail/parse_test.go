package gmail

import (
	"errors"
	"reflect"
	"testing"
	"time"

	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailcrm/internal/gmail/gmailtest"
	"github.com/daviddao/mailcrm/internal/types"
)

func header(name, value string) *gm.MessagePartHeader {
	return &gm.MessagePartHeader{Name: name, Value: value}
}

func textPart(mimeType, body string) *gm.MessagePart {
	return &gm.MessagePart{
		MimeType: mimeType,
		Body:     &gm.MessagePartBody{Data: gmailtest.Encode(body)},
	}
}

func TestParseAddresses(t *testing.T) {
	msg := &gm.Message{
		Id:       "m1",
		ThreadId: "t1",
		Payload: &gm.MessagePart{
			MimeType: "text/plain",
			Headers: []*gm.MessagePartHeader{
				header("from", "Alice Smith <Alice@Acme.io>"),
				header("TO", "bob@example.com, \"Doe, Jane\" <jane.doe@corp.co.uk>"),
				header("Cc", "=?UTF-8?B?SsO8cmdlbg==?= <juergen@beispiel.de>"),
				header("Subject", "Quarterly sync"),
			},
			Body: &gm.MessagePartBody{Data: gmailtest.Encode("hi")},
		},
	}

	got, err := Parse(msg, "")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if want := (types.Address{Name: "Alice Smith", Email: "alice@acme.io"}); got.From != want {
		t.Errorf("From = %+v, want %+v", got.From, want)
	}
	wantTo := []types.Address{
		{Email: "bob@example.com"},
		{Name: "Doe, Jane", Email: "jane.doe@corp.co.uk"},
	}
	if !reflect.DeepEqual(got.To, wantTo) {
		t.Errorf("To = %+v, want %+v", got.To, wantTo)
	}
	wantCC := []types.Address{{Name: "Jürgen", Email: "juergen@beispiel.de"}}
	if !reflect.DeepEqual(got.CC, wantCC) {
		t.Errorf("CC = %+v, want %+v", got.CC, wantCC)
	}
	if got.Subject != "Quarterly sync" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.ThreadID != "t1" {
		t.Errorf("ThreadID = %q", got.ThreadID)
	}
}

func TestParseDropsMalformedAddresses(t *testing.T) {
	msg := &gm.Message{
		Id: "m1",
		Payload: &gm.MessagePart{
			Headers: []*gm.MessagePartHeader{
				header("From", "carol@acme.io"),
				header("To", "not an address, dave@acme.io, <<broken"),
			},
		},
	}

	got, err := Parse(msg, "")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := []types.Address{{Email: "dave@acme.io"}}
	if !reflect.DeepEqual(got.To, want) {
		t.Errorf("To = %+v, want %+v", got.To, want)
	}
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		name  string
		from  string
		owner string
		want  bool
	}{
		{name: "Sent by owner", from: "Me <ME@example.com>", owner: "me@example.com", want: true},
		{name: "Received", from: "alice@acme.io", owner: "me@example.com", want: false},
		{name: "Unknown owner", from: "alice@acme.io", owner: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := gmailtest.NewMessage(gmailtest.Mail{ID: "m1", From: tt.from, To: "x@y.com", Body: "b"})
			got, err := Parse(msg, tt.owner)
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if got.IsFromUser != tt.want {
				t.Errorf("IsFromUser = %v, want %v", got.IsFromUser, tt.want)
			}
		})
	}
}

func TestParseBodyPreference(t *testing.T) {
	tests := []struct {
		name    string
		payload *gm.MessagePart
		snippet string
		want    string
	}{
		{
			name:    "Top-level plain body",
			payload: textPart("text/plain", "  direct body \n"),
			want:    "direct body",
		},
		{
			name:    "Top-level HTML body is stripped",
			payload: textPart("text/html", "<p>Hello <b>there</b></p>"),
			want:    "Hello there",
		},
		{
			name: "Plain part wins over HTML part",
			payload: &gm.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gm.MessagePart{
					textPart("text/html", "<p>html version</p>"),
					textPart("text/plain", "plain version"),
				},
			},
			want: "plain version",
		},
		{
			name: "HTML part when no plain part",
			payload: &gm.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gm.MessagePart{
					textPart("text/html", "<html><head><style>p{color:red}</style><script>alert(1)</script></head><body><p>Let&#39;s   meet</p>\n<p>Thursday</p></body></html>"),
				},
			},
			want: "Let's meet Thursday",
		},
		{
			name: "Top-level HTML beats nested plain",
			payload: &gm.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gm.MessagePart{
					{MimeType: "multipart/alternative", Parts: []*gm.MessagePart{textPart("text/plain", "nested plain")}},
					textPart("text/html", "<div>top html</div>"),
				},
			},
			want: "top html",
		},
		{
			name: "Nested plain",
			payload: &gm.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gm.MessagePart{
					{
						MimeType: "multipart/alternative",
						Parts: []*gm.MessagePart{
							textPart("text/html", "<p>nested html</p>"),
							textPart("text/plain", "nested plain"),
						},
					},
					{MimeType: "application/pdf", Filename: "a.pdf", Body: &gm.MessagePartBody{AttachmentId: "att1"}},
				},
			},
			want: "nested plain",
		},
		{
			name: "Nested HTML",
			payload: &gm.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gm.MessagePart{
					{MimeType: "multipart/related", Parts: []*gm.MessagePart{textPart("text/html", "<p>only html</p>")}},
				},
			},
			want: "only html",
		},
		{
			name:    "Snippet fallback",
			payload: &gm.MessagePart{MimeType: "multipart/mixed"},
			snippet: "see you then",
			want:    "see you then",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &gm.Message{Id: "m1", Snippet: tt.snippet, Payload: tt.payload}
			got, err := Parse(msg, "")
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if got.Body != tt.want {
				t.Errorf("Body = %q, want %q", got.Body, tt.want)
			}
		})
	}
}

func TestParseCharset(t *testing.T) {
	part := &gm.MessagePart{
		MimeType: "text/plain",
		Headers:  []*gm.MessagePartHeader{header("Content-Type", "text/plain; charset=ISO-8859-1")},
		Body:     &gm.MessagePartBody{Data: gmailtest.Encode("Caf\xe9 at noon")},
	}
	got, err := Parse(&gm.Message{Id: "m1", Payload: part}, "")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Body != "Café at noon" {
		t.Errorf("Body = %q, want %q", got.Body, "Café at noon")
	}
}

func TestParseDate(t *testing.T) {
	when := time.Date(2026, 2, 3, 14, 30, 0, 0, time.UTC)

	t.Run("Internal date wins", func(t *testing.T) {
		msg := &gm.Message{
			Id:           "m1",
			InternalDate: when.UnixMilli(),
			Payload: &gm.MessagePart{Headers: []*gm.MessagePartHeader{
				header("Date", "Mon, 01 Jan 2024 00:00:00 +0000"),
			}},
		}
		got, err := Parse(msg, "")
		if err != nil {
			t.Fatalf("Parse() error: %v", err)
		}
		if !got.Date.Equal(when) {
			t.Errorf("Date = %v, want %v", got.Date, when)
		}
		if got.DateISO() != "2026-02-03T14:30:00Z" {
			t.Errorf("DateISO() = %q", got.DateISO())
		}
	})

	t.Run("Date header fallback", func(t *testing.T) {
		msg := &gm.Message{
			Id: "m1",
			Payload: &gm.MessagePart{Headers: []*gm.MessagePartHeader{
				header("Date", "Tue, 03 Feb 2026 15:30:00 +0100"),
			}},
		}
		got, err := Parse(msg, "")
		if err != nil {
			t.Fatalf("Parse() error: %v", err)
		}
		if !got.Date.Equal(when) {
			t.Errorf("Date = %v, want %v", got.Date, when)
		}
	})

	t.Run("No date", func(t *testing.T) {
		got, err := Parse(&gm.Message{Id: "m1", Payload: &gm.MessagePart{}}, "")
		if err != nil {
			t.Fatalf("Parse() error: %v", err)
		}
		if !got.Date.IsZero() || got.DateISO() != "" {
			t.Errorf("Date = %v, want zero", got.Date)
		}
	})
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		msg  *gm.Message
	}{
		{name: "Nil message", msg: nil},
		{name: "Missing id", msg: &gm.Message{Payload: &gm.MessagePart{}}},
		{name: "Missing payload", msg: &gm.Message{Id: "m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.msg, ""); !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestAttachments(t *testing.T) {
	msg := &gm.Message{
		Id: "m1",
		Payload: &gm.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gm.MessagePart{
				textPart("text/plain", "see attached"),
				{
					MimeType: "multipart/mixed",
					Parts: []*gm.MessagePart{
						{MimeType: "application/pdf", Filename: "deck.pdf", Body: &gm.MessagePartBody{Size: 2048, AttachmentId: "a1"}},
					},
				},
			},
		},
	}
	want := []Attachment{{Filename: "deck.pdf", MimeType: "application/pdf", Size: 2048, AttachmentID: "a1"}}
	if got := Attachments(msg); !reflect.DeepEqual(got, want) {
		t.Errorf("Attachments() = %+v, want %+v", got, want)
	}
}
