package gmail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailcrm/internal/types"
)

// ErrMalformed is returned by Parse for messages missing required structure.
var ErrMalformed = errors.New("malformed message")

// Parse decodes a full-format Gmail message. ownerEmail is the mailbox owner
// and decides IsFromUser.
func Parse(msg *gm.Message, ownerEmail string) (*types.NormalizedEmail, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if msg.Id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", ErrMalformed, msg.Id)
	}

	h := mailHeader(msg.Payload.Headers)

	email := &types.NormalizedEmail{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		To:       addressList(h, "To"),
		CC:       addressList(h, "Cc"),
		Snippet:  html.UnescapeString(msg.Snippet),
	}
	if from := addressList(h, "From"); len(from) > 0 {
		email.From = from[0]
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	email.Subject = strings.TrimSpace(subject)

	switch {
	case msg.InternalDate > 0:
		email.Date = time.UnixMilli(msg.InternalDate).UTC()
	case h.Has("Date"):
		if d, err := h.Date(); err == nil {
			email.Date = d.UTC()
		}
	}

	email.Body = extractBody(msg.Payload, email.Snippet)

	owner := strings.TrimSpace(ownerEmail)
	email.IsFromUser = owner != "" && strings.EqualFold(email.From.Email, owner)

	return email, nil
}

// mailHeader copies Gmail's header list into a go-message header, which
// matches names case-insensitively and decodes RFC 2047 words.
func mailHeader(headers []*gm.MessagePartHeader) mail.Header {
	var h mail.Header
	for _, hdr := range headers {
		if hdr == nil {
			continue
		}
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

// addressList parses an address header. When the whole list fails to parse,
// entries are parsed one at a time and the malformed ones dropped.
func addressList(h mail.Header, key string) []types.Address {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parsed, err := h.AddressList(key)
	if err != nil {
		parsed = parsed[:0]
		for _, part := range splitAddresses(raw) {
			addr, err := mail.ParseAddress(part)
			if err != nil {
				continue
			}
			parsed = append(parsed, addr)
		}
	}

	out := make([]types.Address, 0, len(parsed))
	for _, a := range parsed {
		email := strings.ToLower(strings.TrimSpace(a.Address))
		if !strings.Contains(email, "@") {
			continue
		}
		out = append(out, types.Address{Name: strings.TrimSpace(a.Name), Email: email})
	}
	return out
}

// splitAddresses splits on commas that sit outside quotes and angle brackets.
func splitAddresses(s string) []string {
	var (
		parts   []string
		start   int
		quoted  bool
		bracket bool
	)
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				bracket = true
			}
		case '>':
			if !quoted {
				bracket = false
			}
		case ',':
			if !quoted && !bracket {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// extractBody picks the most readable body: the payload's own body, then the
// first top-level text/plain part, then the first top-level text/html part,
// then nested parts depth-first, and finally the snippet.
func extractBody(payload *gm.MessagePart, snippet string) string {
	if isText(payload) {
		if body := partText(payload); body != "" {
			return body
		}
	}

	for _, part := range payload.Parts {
		if mimeIs(part, "text/plain") {
			if body := partText(part); body != "" {
				return body
			}
		}
	}
	for _, part := range payload.Parts {
		if mimeIs(part, "text/html") {
			if body := partText(part); body != "" {
				return body
			}
		}
	}

	if body := findNested(payload.Parts, "text/plain"); body != "" {
		return body
	}
	if body := findNested(payload.Parts, "text/html"); body != "" {
		return body
	}

	return strings.TrimSpace(snippet)
}

func findNested(parts []*gm.MessagePart, mimeType string) string {
	for _, part := range parts {
		for _, sub := range part.Parts {
			if mimeIs(sub, mimeType) {
				if body := partText(sub); body != "" {
					return body
				}
			}
		}
		if body := findNested(part.Parts, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func mimeIs(part *gm.MessagePart, mimeType string) bool {
	return part != nil && strings.EqualFold(part.MimeType, mimeType)
}

func isText(part *gm.MessagePart) bool {
	return part.MimeType == "" || strings.HasPrefix(strings.ToLower(part.MimeType), "text/")
}

// partText decodes a part's body into UTF-8, stripping markup for HTML parts.
func partText(part *gm.MessagePart) string {
	if part == nil || part.Body == nil || part.Body.Data == "" {
		return ""
	}
	data, err := decodeBase64URL(part.Body.Data)
	if err != nil {
		return ""
	}
	text := toUTF8(data, partCharset(part))
	if mimeIs(part, "text/html") {
		return stripHTML(text)
	}
	return strings.TrimSpace(text)
}

func partCharset(part *gm.MessagePart) string {
	for _, hdr := range part.Headers {
		if hdr == nil || !strings.EqualFold(hdr.Name, "Content-Type") {
			continue
		}
		_, params, err := mime.ParseMediaType(hdr.Value)
		if err != nil {
			return ""
		}
		return params["charset"]
	}
	return ""
}

func toUTF8(data []byte, label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "us-ascii" || label == "utf8" {
		return string(data)
	}
	r, err := charset.Reader(label, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// stripHTML returns the visible text of an HTML document with whitespace
// collapsed. Script and style contents are dropped.
func stripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// decodeBase64URL decodes Gmail's base64url-encoded content, padded or not.
func decodeBase64URL(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// Attachments lists attachment metadata found anywhere in a message payload.
func Attachments(msg *gm.Message) []Attachment {
	if msg == nil || msg.Payload == nil {
		return nil
	}
	var out []Attachment

	var scan func(parts []*gm.MessagePart)
	scan = func(parts []*gm.MessagePart) {
		for _, part := range parts {
			if part.Filename != "" {
				att := Attachment{Filename: part.Filename, MimeType: part.MimeType}
				if part.Body != nil {
					att.Size = part.Body.Size
					att.AttachmentID = part.Body.AttachmentId
				}
				out = append(out, att)
			}
			if len(part.Parts) > 0 {
				scan(part.Parts)
			}
		}
	}
	scan(msg.Payload.Parts)
	return out
}
