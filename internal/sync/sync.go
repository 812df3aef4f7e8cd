// Package sync runs the mailbox-to-CRM pipeline for one mailbox connection:
// fetch recent messages, parse them, and reconcile companies, contacts and
// interactions against the store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdsync "sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"

	"github.com/daviddao/mailcrm/internal/auth"
	"github.com/daviddao/mailcrm/internal/classify"
	"github.com/daviddao/mailcrm/internal/db"
	"github.com/daviddao/mailcrm/internal/extract"
	"github.com/daviddao/mailcrm/internal/gmail"
	"github.com/daviddao/mailcrm/internal/types"
)

// ErrSyncInProgress is returned when another run holds the connection.
var ErrSyncInProgress = errors.New("sync already in progress for this connection")

const (
	DefaultDaysSince = 30
	DefaultMaxEmails = 500
	// DefaultStaleAfter is how long an in_progress run blocks new runs before
	// it is considered abandoned.
	DefaultStaleAfter = time.Hour
)

// Phase is a step of a sync run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFetching    Phase = "fetching"
	PhaseParsing     Phase = "parsing"
	PhaseReconciling Phase = "reconciling"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Store is the persistence the pipeline needs. Lookups return (nil, nil)
// when no row matches; inserts that violate a uniqueness constraint return
// an error wrapping db.ErrDuplicate.
type Store interface {
	UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
	SetLastSync(ctx context.Context, id string, at time.Time) error

	CreateSyncRun(ctx context.Context, r *types.SyncRun) error
	FinalizeSyncRun(ctx context.Context, r *types.SyncRun) error
	HasActiveRun(ctx context.Context, connectionID string, staleBefore time.Time) (bool, error)
	FailStaleRuns(ctx context.Context, connectionID string, staleBefore time.Time) (int, error)

	FindCompanyByDomain(ctx context.Context, userID, domain string) (*types.Company, error)
	CreateCompany(ctx context.Context, c *types.Company) error
	FindContactByEmail(ctx context.Context, userID, email string) (*types.Contact, error)
	CreateContact(ctx context.Context, c *types.Contact) error
	UpdateContactStatus(ctx context.Context, id string, status types.ContactStatus) error
	InteractionExists(ctx context.Context, userID, externalMessageID string) (bool, error)
	CreateInteraction(ctx context.Context, i *types.Interaction) error
}

// Progress is reported to Request.OnProgress as a run advances.
type Progress struct {
	Phase     Phase
	Processed int
	Total     int
}

// Request describes one run for one mailbox connection.
type Request struct {
	UserID       string
	ConnectionID string
	// UserEmail is the mailbox owner. When empty it is read from the
	// provider profile.
	UserEmail    string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	// DaysSince, MaxEmails and BatchSize fall back to their defaults when <= 0.
	DaysSince  int
	MaxEmails  int
	BatchSize  int
	OnProgress func(Progress)
}

// Result summarizes a run. Success is false when the run failed or any
// message produced an error.
type Result struct {
	RunID               string           `json:"run_id"`
	Status              types.SyncStatus `json:"status"`
	Success             bool             `json:"success"`
	EmailsProcessed     int              `json:"emails_processed"`
	CompaniesCreated    int              `json:"companies_created"`
	ContactsCreated     int              `json:"contacts_created"`
	InteractionsCreated int              `json:"interactions_created"`
	Errors              []string         `json:"errors,omitempty"`
}

// Syncer runs sync requests. It is safe for concurrent use; runs for the
// same connection are serialized by rejection.
type Syncer struct {
	store       Store
	oauth       *oauth2.Config
	classifier  *classify.Classifier
	logger      *log.Logger
	now         func() time.Time
	staleAfter  time.Duration
	notesLength int
	authOpts    []auth.Option
	gmailOpts   []gmail.Option

	locks connLocks
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(s *Syncer) { s.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithStaleAfter sets how old an in_progress run must be before it is ignored.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Syncer) { s.staleAfter = d }
}

// WithNotesLength bounds interaction notes.
func WithNotesLength(n int) Option {
	return func(s *Syncer) { s.notesLength = n }
}

// WithAuthOptions passes options to each run's token manager.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(s *Syncer) { s.authOpts = append(s.authOpts, opts...) }
}

// WithGmailOptions passes options to each run's mailbox client.
func WithGmailOptions(opts ...gmail.Option) Option {
	return func(s *Syncer) { s.gmailOpts = append(s.gmailOpts, opts...) }
}

// NewSyncer returns a Syncer that persists to store and refreshes tokens
// with oauth.
func NewSyncer(store Store, oauth *oauth2.Config, opts ...Option) *Syncer {
	s := &Syncer{
		store:       store,
		oauth:       oauth,
		classifier:  classify.Default(),
		logger:      log.New(io.Discard),
		now:         time.Now,
		staleAfter:  DefaultStaleAfter,
		notesLength: classify.DefaultNotesLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs the pipeline once. Errors before reconciliation (token refresh,
// fetch) mark the run failed and are returned; per-message errors are
// collected in Result.Errors and never abort the run.
func (s *Syncer) Sync(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" || req.ConnectionID == "" {
		return nil, fmt.Errorf("sync: user and connection are required")
	}

	if !s.locks.tryLock(req.ConnectionID) {
		return nil, ErrSyncInProgress
	}
	defer s.locks.unlock(req.ConnectionID)

	staleBefore := s.now().Add(-s.staleAfter)
	active, err := s.store.HasActiveRun(ctx, req.ConnectionID, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("check active runs: %w", err)
	}
	if active {
		return nil, ErrSyncInProgress
	}
	if n, err := s.store.FailStaleRuns(ctx, req.ConnectionID, staleBefore); err != nil {
		s.logger.Warn("could not close stale runs", "connection", req.ConnectionID, "err", err)
	} else if n > 0 {
		s.logger.Info("closed abandoned runs", "connection", req.ConnectionID, "count", n)
	}

	run := &types.SyncRun{
		UserID:       req.UserID,
		ConnectionID: req.ConnectionID,
		StartedAt:    s.now().UTC(),
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		// Another process started a run since the check above.
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrSyncInProgress
		}
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	logger := s.logger.With("run", run.ID, "connection", req.ConnectionID)
	logger.Info("sync started")

	r := &runner{
		Syncer: s,
		req:    req,
		run:    run,
		logger: logger,
		result: &Result{RunID: run.ID},
	}
	return r.execute(ctx)
}

// runner holds the state of one run.
type runner struct {
	*Syncer
	req     Request
	run     *types.SyncRun
	logger  *log.Logger
	manager *auth.Manager
	result  *Result
}

func (r *runner) execute(ctx context.Context) (*Result, error) {
	req := r.req

	opts := append([]auth.Option{}, r.authOpts...)
	opts = append(opts,
		auth.WithClock(r.now),
		auth.WithLogger(r.logger),
		auth.WithOnRefresh(func(ctx context.Context, tok auth.Token) error {
			return r.store.UpdateConnectionTokens(ctx, req.ConnectionID, tok.AccessToken, tok.RefreshToken, tok.Expiry)
		}),
	)
	r.manager = auth.NewManager(r.oauth, auth.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Expiry:       req.TokenExpiry,
	}, opts...)

	if _, err := r.manager.EnsureValidToken(ctx); err != nil {
		return r.fail(ctx, err)
	}

	gmailOpts := append([]gmail.Option{gmail.WithLogger(r.logger)}, r.gmailOpts...)
	client, err := gmail.NewClient(ctx, r.manager.TokenSource(ctx), gmailOpts...)
	if err != nil {
		return r.fail(ctx, err)
	}

	owner := req.UserEmail
	if owner == "" {
		if owner, err = client.Profile(ctx); err != nil {
			return r.fail(ctx, fmt.Errorf("resolve mailbox owner: %w", err))
		}
	}

	raw, err := r.fetch(ctx, client)
	if err != nil {
		return r.fail(ctx, err)
	}

	emails := r.parse(raw, owner)

	if err := r.reconcileAll(ctx, emails, owner); err != nil {
		return r.fail(ctx, err)
	}

	return r.finish(ctx)
}

func (r *runner) report(phase Phase, processed, total int) {
	if r.req.OnProgress != nil {
		r.req.OnProgress(Progress{Phase: phase, Processed: processed, Total: total})
	}
}

// fetch pulls every message newer than the request window.
func (r *runner) fetch(ctx context.Context, client *gmail.Client) (*gmail.PaginateResult, error) {
	days := r.req.DaysSince
	if days <= 0 {
		days = DefaultDaysSince
	}
	maxEmails := r.req.MaxEmails
	if maxEmails <= 0 {
		maxEmails = DefaultMaxEmails
	}
	since := r.now().Add(-time.Duration(days) * 24 * time.Hour)
	query := fmt.Sprintf("after:%d", since.Unix())

	r.logger.Info("fetching messages", "query", query, "max", maxEmails)
	r.report(PhaseFetching, 0, maxEmails)

	res, err := client.GetAllPaginated(ctx, gmail.PaginateOptions{
		Query:     query,
		MaxTotal:  maxEmails,
		BatchSize: r.req.BatchSize,
		OnProgress: func(processed int, estimate int64) {
			total := min(int(estimate), maxEmails)
			if total < processed {
				total = processed
			}
			r.report(PhaseFetching, processed, total)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	for _, id := range res.Missing {
		r.logger.Debug("listed message no longer exists", "id", id)
	}
	r.logger.Info("fetched messages", "count", len(res.Messages), "pages", res.Pages)
	return res, nil
}

func (r *runner) parse(res *gmail.PaginateResult, owner string) []*types.NormalizedEmail {
	emails := make([]*types.NormalizedEmail, 0, len(res.Messages))
	for i, msg := range res.Messages {
		email, err := gmail.Parse(msg, owner)
		if err != nil {
			id := ""
			if msg != nil {
				id = msg.Id
			}
			r.recordError(id, err)
		} else {
			emails = append(emails, email)
		}
		r.report(PhaseParsing, i+1, len(res.Messages))
	}
	return emails
}

// reconcileAll processes messages strictly in order, so entities created for
// one message are visible to the next. Only cancellation stops the loop.
func (r *runner) reconcileAll(ctx context.Context, emails []*types.NormalizedEmail, owner string) error {
	for i, email := range emails {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled: %w", err)
		}
		if err := r.reconcile(ctx, email, owner); err != nil {
			r.recordError(email.ID, err)
		} else {
			r.result.EmailsProcessed++
		}
		r.report(PhaseReconciling, i+1, len(emails))
	}
	return nil
}

// reconcile records one message. Companies and contacts are found or
// created; one interaction is stored against the primary contact.
func (r *runner) reconcile(ctx context.Context, email *types.NormalizedEmail, owner string) error {
	userID := r.req.UserID

	exists, err := r.store.InteractionExists(ctx, userID, email.ID)
	if err != nil {
		return fmt.Errorf("check existing interaction: %w", err)
	}
	if exists {
		return nil
	}

	companyIDs := make(map[string]string)
	for _, candidate := range extract.Companies(email) {
		company, err := r.findOrCreateCompany(ctx, candidate)
		if err != nil {
			return err
		}
		companyIDs[company.Domain] = company.ID
	}

	var contacts []*types.Contact
	for _, candidate := range extract.Contacts(email, owner) {
		candidate.CompanyID = companyIDs[candidate.CompanyDomain]
		contact, err := r.findOrCreateContact(ctx, candidate)
		if err != nil {
			return err
		}
		contacts = append(contacts, contact)
	}

	// Candidates come in header order (sender, To, Cc) with the owner
	// removed: the sender of a received message, else the first recipient.
	if len(contacts) == 0 {
		return nil
	}
	primary := contacts[0]

	interaction := &types.Interaction{
		UserID:            userID,
		ContactID:         primary.ID,
		Date:              email.Date,
		Type:              r.classifier.Classify(email),
		Notes:             classify.BuildNotes(email, r.notesLength),
		ExternalMessageID: email.ID,
		ExternalThreadID:  email.ThreadID,
	}
	if err := r.store.CreateInteraction(ctx, interaction); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create interaction: %w", err)
	}
	r.result.InteractionsCreated++

	if primary.Status == types.StatusToReachOut {
		if err := r.store.UpdateContactStatus(ctx, primary.ID, types.StatusFollowingUp); err != nil {
			return fmt.Errorf("advance contact status: %w", err)
		}
		primary.Status = types.StatusFollowingUp
	}
	return nil
}

func (r *runner) findOrCreateCompany(ctx context.Context, candidate types.Company) (*types.Company, error) {
	userID := r.req.UserID
	company, err := r.store.FindCompanyByDomain(ctx, userID, candidate.Domain)
	if err != nil {
		return nil, fmt.Errorf("find company %s: %w", candidate.Domain, err)
	}
	if company != nil {
		return company, nil
	}

	candidate.UserID = userID
	if err := r.store.CreateCompany(ctx, &candidate); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return refindCompany(r.store.FindCompanyByDomain(ctx, userID, candidate.Domain))
		}
		return nil, fmt.Errorf("create company %s: %w", candidate.Domain, err)
	}
	r.result.CompaniesCreated++
	r.logger.Debug("created company", "name", candidate.Name, "domain", candidate.Domain)
	return &candidate, nil
}

func (r *runner) findOrCreateContact(ctx context.Context, candidate types.Contact) (*types.Contact, error) {
	userID := r.req.UserID
	contact, err := r.store.FindContactByEmail(ctx, userID, candidate.Email)
	if err != nil {
		return nil, fmt.Errorf("find contact %s: %w", candidate.Email, err)
	}
	if contact != nil {
		return contact, nil
	}

	candidate.UserID = userID
	candidate.Status = types.StatusConnected
	if err := r.store.CreateContact(ctx, &candidate); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return refindContact(r.store.FindContactByEmail(ctx, userID, candidate.Email))
		}
		return nil, fmt.Errorf("create contact %s: %w", candidate.Email, err)
	}
	r.result.ContactsCreated++
	r.logger.Debug("created contact", "email", candidate.Email)
	return &candidate, nil
}

// refindCompany resolves a row another writer inserted between lookup and insert.
func refindCompany(c *types.Company, err error) (*types.Company, error) {
	if err != nil {
		return nil, fmt.Errorf("find company after conflict: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("company vanished after insert conflict")
	}
	return c, nil
}

func refindContact(c *types.Contact, err error) (*types.Contact, error) {
	if err != nil {
		return nil, fmt.Errorf("find contact after conflict: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("contact vanished after insert conflict")
	}
	return c, nil
}

func (r *runner) recordError(messageID string, err error) {
	msg := fmt.Sprintf("%s: %v", messageID, err)
	r.result.Errors = append(r.result.Errors, msg)
	r.logger.Warn("message failed", "id", messageID, "err", err)
}

// finish persists the token and the run's counts.
func (r *runner) finish(ctx context.Context) (*Result, error) {
	tok := r.manager.Current()
	if err := r.store.UpdateConnectionTokens(ctx, r.req.ConnectionID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		r.logger.Warn("could not persist token", "err", err)
	}
	if err := r.store.SetLastSync(ctx, r.req.ConnectionID, r.now().UTC()); err != nil {
		r.logger.Warn("could not record last sync", "err", err)
	}

	res := r.result
	res.Success = len(res.Errors) == 0
	res.Status = types.SyncCompleted
	if !res.Success {
		res.Status = types.SyncCompletedWithErrors
	}
	r.copyCounts()
	r.run.Status = res.Status
	if err := r.store.FinalizeSyncRun(ctx, r.run); err != nil {
		return res, fmt.Errorf("finalize sync run: %w", err)
	}

	r.report(PhaseCompleted, res.EmailsProcessed, res.EmailsProcessed)
	r.logger.Info("sync finished",
		"status", res.Status,
		"processed", res.EmailsProcessed,
		"companies", res.CompaniesCreated,
		"contacts", res.ContactsCreated,
		"interactions", res.InteractionsCreated,
		"errors", len(res.Errors),
	)
	return res, nil
}

// fail marks the run failed. The store write ignores cancellation of ctx so
// a cancelled run still leaves an audit record.
func (r *runner) fail(ctx context.Context, cause error) (*Result, error) {
	res := r.result
	res.Success = false
	res.Status = types.SyncFailed
	r.copyCounts()
	r.run.Status = types.SyncFailed
	r.run.ErrorMessage = cause.Error()

	if err := r.store.FinalizeSyncRun(context.WithoutCancel(ctx), r.run); err != nil {
		r.logger.Error("could not mark run failed", "err", err)
	}
	r.report(PhaseFailed, res.EmailsProcessed, res.EmailsProcessed)
	r.logger.Error("sync failed", "err", cause)
	return res, cause
}

func (r *runner) copyCounts() {
	r.run.EmailsProcessed = r.result.EmailsProcessed
	r.run.CompaniesCreated = r.result.CompaniesCreated
	r.run.ContactsCreated = r.result.ContactsCreated
	r.run.InteractionsCreated = r.result.InteractionsCreated
	r.run.Errors = r.result.Errors
}

// connLocks is an in-process set of held connection IDs.
type connLocks struct {
	mu   stdsync.Mutex
	held map[string]bool
}

func (l *connLocks) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *connLocks) unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
