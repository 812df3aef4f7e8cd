// Package types defines core data structures for mailcrm.
package types

import (
	"strings"
	"time"
)

// MailboxConnection is a user's linked Gmail mailbox and its OAuth tokens.
type MailboxConnection struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Email        string     `json:"email"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  time.Time  `json:"token_expiry"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Address is a single parsed mailbox address.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Domain returns the lower-cased part after the @, or "" for a malformed address.
func (a Address) Domain() string {
	idx := strings.LastIndex(a.Email, "@")
	if idx <= 0 || idx == len(a.Email)-1 {
		return ""
	}
	return strings.ToLower(a.Email[idx+1:])
}

// LocalPart returns the part before the @.
func (a Address) LocalPart() string {
	if idx := strings.LastIndex(a.Email, "@"); idx > 0 {
		return a.Email[:idx]
	}
	return a.Email
}

// NormalizedEmail is a provider message decoded into the fields the CRM
// pipeline needs. It is never persisted as-is.
type NormalizedEmail struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	From       Address   `json:"from"`
	To         []Address `json:"to,omitempty"`
	CC         []Address `json:"cc,omitempty"`
	Subject    string    `json:"subject"`
	Date       time.Time `json:"date"`
	Body       string    `json:"body,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	IsFromUser bool      `json:"is_from_user"`
}

// DateISO returns the message date as RFC 3339, or "" when unknown.
func (e *NormalizedEmail) DateISO() string {
	if e.Date.IsZero() {
		return ""
	}
	return e.Date.UTC().Format(time.RFC3339)
}

// Addresses returns sender, To and Cc in header order.
func (e *NormalizedEmail) Addresses() []Address {
	all := make([]Address, 0, 1+len(e.To)+len(e.CC))
	if e.From.Email != "" {
		all = append(all, e.From)
	}
	all = append(all, e.To...)
	all = append(all, e.CC...)
	return all
}

// Company is an organization inferred from an email domain.
type Company struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Website   string    `json:"website"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactStatus is the outreach lifecycle state of a contact.
type ContactStatus string

const (
	StatusToReachOut       ContactStatus = "To Reach Out"
	StatusFollowingUp      ContactStatus = "Following Up"
	StatusConnected        ContactStatus = "Connected"
	StatusMeetingScheduled ContactStatus = "Meeting Scheduled"
	StatusNotInterested    ContactStatus = "Not Interested"
)

// ValidContactStatuses is the set of allowed contact status values.
var ValidContactStatuses = []ContactStatus{
	StatusToReachOut, StatusFollowingUp, StatusConnected, StatusMeetingScheduled, StatusNotInterested,
}

// IsValidContactStatus checks if a status string is valid.
func IsValidContactStatus(s string) bool {
	for _, v := range ValidContactStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// Contact is a person the user corresponds with.
type Contact struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	CompanyID string        `json:"company_id,omitempty"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Status    ContactStatus `json:"status"`
	IsAlumni  bool          `json:"is_alumni"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`

	// CompanyDomain links an extracted candidate to its company candidate.
	// It is not stored.
	CompanyDomain string `json:"-"`
}

// InteractionType categorizes an interaction with a contact.
type InteractionType string

const (
	InteractionInformationalInterview InteractionType = "Informational Interview"
	InteractionVideoMeeting           InteractionType = "Video Meeting"
	InteractionInPersonMeeting        InteractionType = "In-Person Meeting"
	InteractionCoffeeChat             InteractionType = "Coffee Chat"
	InteractionEvent                  InteractionType = "Event/Conference"
	InteractionEmail                  InteractionType = "Email"
)

// Interaction records one synced message against a contact.
type Interaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	ContactID         string          `json:"contact_id"`
	Date              time.Time       `json:"interaction_date"`
	Type              InteractionType `json:"interaction_type"`
	Notes             string          `json:"notes,omitempty"`
	ExternalMessageID string          `json:"external_message_id"`
	ExternalThreadID  string          `json:"external_thread_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SyncStatus is the state of a sync run.
type SyncStatus string

const (
	SyncInProgress          SyncStatus = "in_progress"
	SyncCompleted           SyncStatus = "completed"
	SyncCompletedWithErrors SyncStatus = "completed_with_errors"
	SyncFailed              SyncStatus = "failed"
)

// SyncRun is the audit record of one pipeline execution.
type SyncRun struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	ConnectionID        string     `json:"connection_id"`
	Status              SyncStatus `json:"status"`
	EmailsProcessed     int        `json:"emails_processed"`
	CompaniesCreated    int        `json:"companies_created"`
	ContactsCreated     int        `json:"contacts_created"`
	InteractionsCreated int        `json:"interactions_created"`
	Errors              []string   `json:"errors,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// CRMStats holds row counts for a user.
type CRMStats struct {
	Companies    int `json:"companies"`
	Contacts     int `json:"contacts"`
	Interactions int `json:"interactions"`
	SyncRuns     int `json:"sync_runs"`
}
