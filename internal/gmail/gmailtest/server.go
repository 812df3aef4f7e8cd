// Package gmailtest provides an in-memory Gmail REST API for tests.
package gmailtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	gm "google.golang.org/api/gmail/v1"
)

// ListCall records the parameters of one messages.list request.
type ListCall struct {
	Query      string
	MaxResults int
	PageToken  string
}

// Server serves users/me/messages, users/me/messages/{id} and users/me/profile
// from a fixed message list. Page tokens are offsets into that list.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	profile   string
	messages  []*gm.Message
	estimate  int64
	fail      map[string]int
	listFail  int
	listCalls []ListCall
	gets      []string
	auths     []string
}

// NewServer starts a server holding msgs, newest first.
func NewServer(profile string, msgs ...*gm.Message) *Server {
	s := &Server{profile: profile, messages: msgs, fail: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint is the API root to pass to gmail.WithEndpoint.
func (s *Server) Endpoint() string {
	return s.URL + "/"
}

// SetEstimate overrides resultSizeEstimate on list responses.
func (s *Server) SetEstimate(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimate = n
}

// FailMessage makes fetching id answer with status.
func (s *Server) FailMessage(id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = status
}

// FailList makes every messages.list request answer with status.
func (s *Server) FailList(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFail = status
}

// ListCalls returns the list requests seen so far.
func (s *Server) ListCalls() []ListCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ListCall(nil), s.listCalls...)
}

// Gets returns the ids fetched so far, in request order.
func (s *Server) Gets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.gets...)
}

// Authorizations returns the Authorization headers seen so far.
func (s *Server) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auths...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auths = append(s.auths, r.Header.Get("Authorization"))

	const prefix = "/gmail/v1/users/me/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case rest == "profile":
		writeJSON(w, &gm.Profile{EmailAddress: s.profile, MessagesTotal: int64(len(s.messages))})
	case rest == "messages":
		s.list(w, r)
	case strings.HasPrefix(rest, "messages/"):
		s.get(w, strings.TrimPrefix(rest, "messages/"))
	default:
		writeError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	call := ListCall{Query: q.Get("q"), PageToken: q.Get("pageToken")}
	call.MaxResults, _ = strconv.Atoi(q.Get("maxResults"))
	s.listCalls = append(s.listCalls, call)

	if s.listFail != 0 {
		writeError(w, s.listFail, "list failed")
		return
	}

	offset, _ := strconv.Atoi(call.PageToken)
	size := call.MaxResults
	if size <= 0 {
		size = 100
	}
	end := min(offset+size, len(s.messages))
	if offset > end {
		offset = end
	}

	resp := &gm.ListMessagesResponse{ResultSizeEstimate: int64(len(s.messages))}
	if s.estimate != 0 {
		resp.ResultSizeEstimate = s.estimate
	}
	for _, m := range s.messages[offset:end] {
		resp.Messages = append(resp.Messages, &gm.Message{Id: m.Id, ThreadId: m.ThreadId})
	}
	if end < len(s.messages) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (s *Server) get(w http.ResponseWriter, id string) {
	s.gets = append(s.gets, id)
	if status, ok := s.fail[id]; ok {
		writeError(w, status, "injected failure")
		return
	}
	for _, m := range s.messages {
		if m.Id == id {
			writeJSON(w, m)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Requested entity was not found.")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, msg)
}

// Mail describes a simple single-part message for NewMessage.
type Mail struct {
	ID       string
	ThreadID string
	From     string
	To       string
	Cc       string
	Subject  string
	Body     string
	HTML     bool
	Date     time.Time
}

// NewMessage builds a full-format message the way Gmail returns it.
func NewMessage(m Mail) *gm.Message {
	headers := []*gm.MessagePartHeader{
		{Name: "From", Value: m.From},
		{Name: "To", Value: m.To},
		{Name: "Subject", Value: m.Subject},
	}
	if m.Cc != "" {
		headers = append(headers, &gm.MessagePartHeader{Name: "Cc", Value: m.Cc})
	}
	if !m.Date.IsZero() {
		headers = append(headers, &gm.MessagePartHeader{Name: "Date", Value: m.Date.Format(time.RFC1123Z)})
	}

	mimeType := "text/plain"
	if m.HTML {
		mimeType = "text/html"
	}
	thread := m.ThreadID
	if thread == "" {
		thread = "t-" + m.ID
	}

	msg := &gm.Message{
		Id:       m.ID,
		ThreadId: thread,
		Snippet:  firstLine(m.Body),
		Payload: &gm.MessagePart{
			MimeType: mimeType,
			Headers:  headers,
			Body:     &gm.MessagePartBody{Data: Encode(m.Body), Size: int64(len(m.Body))},
		},
	}
	if !m.Date.IsZero() {
		msg.InternalDate = m.Date.UnixMilli()
	}
	return msg
}

// Encode returns s in Gmail's unpadded base64url form.
func Encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
