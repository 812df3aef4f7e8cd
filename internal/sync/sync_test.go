package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailcrm/internal/auth"
	"github.com/daviddao/mailcrm/internal/db"
	"github.com/daviddao/mailcrm/internal/gmail"
	"github.com/daviddao/mailcrm/internal/gmail/gmailtest"
	"github.com/daviddao/mailcrm/internal/types"
)

const (
	testUser  = "user-1"
	testOwner = "me@gmail.com"
)

type testEnv struct {
	t         *testing.T
	store     *db.DB
	mail      *gmailtest.Server
	syncer    *Syncer
	conn      *types.MailboxConnection
	oauth     *oauth2.Config
	now       time.Time
	refreshes int32
}

// newTestEnv wires a Syncer to a temporary database, a fake Gmail API holding
// msgs, and a token endpoint that rejects the refresh token "revoked".
func newTestEnv(t *testing.T, msgs ...*gm.Message) *testEnv {
	t.Helper()
	env := &testEnv{t: t, now: time.Now().UTC().Truncate(time.Second)}

	store, err := db.Open(filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("db.Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	env.store = store

	env.mail = gmailtest.NewServer(testOwner, msgs...)
	t.Cleanup(env.mail.Close)

	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		n := atomic.AddInt32(&env.refreshes, 1)
		fmt.Fprintf(w, `{"access_token":"fresh-%d","refresh_token":"rotated-%d","expires_in":3600,"token_type":"Bearer"}`, n, n)
	}))
	t.Cleanup(tokens.Close)

	env.oauth = &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokens.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	env.syncer = env.newSyncer(store)

	env.conn = &types.MailboxConnection{
		UserID:       testUser,
		Email:        testOwner,
		AccessToken:  "valid",
		RefreshToken: "refresh",
		TokenExpiry:  env.now.Add(time.Hour),
	}
	if _, err := store.UpsertConnection(context.Background(), env.conn); err != nil {
		t.Fatalf("UpsertConnection() error: %v", err)
	}
	return env
}

// newSyncer returns a Syncer sharing the environment's mailbox, token
// endpoint and clock but with its own in-process locks.
func (e *testEnv) newSyncer(store Store) *Syncer {
	return NewSyncer(store, e.oauth,
		WithClock(func() time.Time { return e.now }),
		WithGmailOptions(gmail.WithEndpoint(e.mail.Endpoint())),
	)
}

func (e *testEnv) request() Request {
	return Request{
		UserID:       testUser,
		ConnectionID: e.conn.ID,
		UserEmail:    testOwner,
		AccessToken:  e.conn.AccessToken,
		RefreshToken: e.conn.RefreshToken,
		TokenExpiry:  e.conn.TokenExpiry,
	}
}

func (e *testEnv) stats() types.CRMStats {
	e.t.Helper()
	s, err := e.store.Stats(context.Background(), testUser)
	if err != nil {
		e.t.Fatalf("Stats() error: %v", err)
	}
	return *s
}

func (e *testEnv) runs() []*types.SyncRun {
	e.t.Helper()
	runs, err := e.store.ListSyncRuns(context.Background(), testUser, "", 0)
	if err != nil {
		e.t.Fatalf("ListSyncRuns() error: %v", err)
	}
	return runs
}

func mail(id, from, to, subject, body string) *gm.Message {
	return gmailtest.NewMessage(gmailtest.Mail{
		ID:      id,
		From:    from,
		To:      to,
		Subject: subject,
		Body:    body,
		Date:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	})
}

func TestSyncInterviewScenario(t *testing.T) {
	env := newTestEnv(t, mail("m1", "Alice <alice@acme.io>", testOwner, "Interview next week", "Does Tuesday work?"))
	ctx := context.Background()

	res, err := env.syncer.Sync(ctx, env.request())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !res.Success || res.Status != types.SyncCompleted {
		t.Fatalf("Sync() = %+v, want success", res)
	}
	if res.EmailsProcessed != 1 || res.CompaniesCreated != 1 || res.ContactsCreated != 1 || res.InteractionsCreated != 1 {
		t.Errorf("counts = %+v", res)
	}

	company, _ := env.store.FindCompanyByDomain(ctx, testUser, "acme.io")
	if company == nil || company.Name != "Acme" || !strings.Contains(company.Website, "acme.io") {
		t.Fatalf("company = %+v", company)
	}

	contact, _ := env.store.FindContactByEmail(ctx, testUser, "alice@acme.io")
	if contact == nil {
		t.Fatal("contact alice@acme.io not created")
	}
	if contact.CompanyID != company.ID || contact.Name != "Alice" || contact.Status != types.StatusConnected {
		t.Errorf("contact = %+v", contact)
	}

	interactions, _ := env.store.ContactInteractions(ctx, contact.ID)
	if len(interactions) != 1 {
		t.Fatalf("got %d interactions, want 1", len(interactions))
	}
	got := interactions[0]
	if got.Type != types.InteractionInformationalInterview || got.ExternalMessageID != "m1" || got.ExternalThreadID != "t-m1" {
		t.Errorf("interaction = %+v", got)
	}
	if !strings.HasPrefix(got.Notes, "Subject: Interview next week\n\n") {
		t.Errorf("notes = %q", got.Notes)
	}

	runs := env.runs()
	if len(runs) != 1 || runs[0].Status != types.SyncCompleted || runs[0].InteractionsCreated != 1 || runs[0].CompletedAt == nil {
		t.Errorf("sync run = %+v", runs[0])
	}
	conn, _ := env.store.GetConnection(ctx, env.conn.ID)
	if conn.LastSyncAt == nil || !conn.LastSyncAt.Equal(env.now) {
		t.Errorf("LastSyncAt = %v, want %v", conn.LastSyncAt, env.now)
	}
}

func TestSyncAdvancesToReachOut(t *testing.T) {
	env := newTestEnv(t, mail("m1", "alice@acme.io", testOwner, "Interview next week", ""))
	ctx := context.Background()

	existing := &types.Contact{UserID: testUser, Name: "Alice", Email: "alice@acme.io", Status: types.StatusToReachOut}
	if err := env.store.CreateContact(ctx, existing); err != nil {
		t.Fatalf("CreateContact() error: %v", err)
	}

	res, err := env.syncer.Sync(ctx, env.request())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.ContactsCreated != 0 || res.InteractionsCreated != 1 {
		t.Errorf("counts = %+v", res)
	}
	contact, _ := env.store.FindContactByEmail(ctx, testUser, "alice@acme.io")
	if contact.Status != types.StatusFollowingUp {
		t.Errorf("Status = %q, want %q", contact.Status, types.StatusFollowingUp)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t,
		mail("m1", "alice@acme.io", testOwner, "Coffee?", "Grab a coffee"),
		mail("m2", "bob@globex.com", testOwner+", carol@globex.com", "Conference", "See you there"),
		mail("m3", testOwner, "dave@initech.co.uk", "Meeting on Zoom", "link"),
	)
	ctx := context.Background()

	first, err := env.syncer.Sync(ctx, env.request())
	if err != nil {
		t.Fatalf("first Sync() error: %v", err)
	}
	if first.InteractionsCreated != 3 || first.CompaniesCreated != 3 || first.ContactsCreated != 4 {
		t.Fatalf("first run counts = %+v", first)
	}
	after := env.stats()

	second, err := env.syncer.Sync(ctx, env.request())
	if err != nil {
		t.Fatalf("second Sync() error: %v", err)
	}
	if second.EmailsProcessed != 3 {
		t.Errorf("second EmailsProcessed = %d, want 3", second.EmailsProcessed)
	}
	if second.InteractionsCreated != 0 || second.CompaniesCreated != 0 || second.ContactsCreated != 0 {
		t.Errorf("second run created rows: %+v", second)
	}

	again := env.stats()
	again.SyncRuns = after.SyncRuns
	if again != after {
		t.Errorf("stats after re-run = %+v, want %+v", again, after)
	}
	if n := len(env.runs()); n != 2 {
		t.Errorf("got %d sync runs, want 2", n)
	}
}

func TestSyncPartialFailure(t *testing.T) {
	bad := &gm.Message{Id: "m2", ThreadId: "t2"} // no payload
	env := newTestEnv(t,
		mail("m1", "alice@acme.io", testOwner, "Hi", "one"),
		bad,
		mail("m3", "bob@globex.com", testOwner, "Hi", "three"),
	)

	res, err := env.syncer.Sync(context.Background(), env.request())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.Success || res.Status != types.SyncCompletedWithErrors {
		t.Errorf("Success = %v, Status = %q; want completed_with_errors", res.Success, res.Status)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "m2: ") {
		t.Errorf("Errors = %v, want one entry for m2", res.Errors)
	}
	if res.EmailsProcessed != 2 || res.InteractionsCreated != 2 {
		t.Errorf("counts = %+v", res)
	}

	run := env.runs()[0]
	if run.Status != types.SyncCompletedWithErrors || len(run.Errors) != 1 {
		t.Errorf("sync run = %+v", run)
	}
}

func TestSyncFreeMailAndSelf(t *testing.T) {
	env := newTestEnv(t,
		mail("m1", "friend@gmail.com", testOwner, "Hey", "long time"),
		mail("m2", testOwner, testOwner, "Note to self", "remember"),
	)

	res, err := env.syncer.Sync(context.Background(), env.request())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !res.Success || res.EmailsProcessed != 2 {
		t.Errorf("Sync() = %+v", res)
	}
	s := env.stats()
	if s.Companies != 0 || s.Contacts != 0 || s.Interactions != 0 {
		t.Errorf("stats = %+v, want no CRM rows", s)
	}
}

func TestSyncSentMessage(t *testing.T) {
	msg := gmailtest.NewMessage(gmailtest.Mail{
		ID:      "m1",
		From:    "Me <ME@gmail.com>",
		To:      "Bob <bob@globex.com>",
		Cc:      "carol@initech.com",
		Subject: "Following up",
		Body:    "Thanks for your time",
	})
	env := newTestEnv(t, msg)
	ctx := context.Background()

	req := env.request()
	req.UserEmail = "" // resolved from the profile
	res, err := env.syncer.Sync(ctx, req)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.ContactsCreated != 2 || res.CompaniesCreated != 2 || res.InteractionsCreated != 1 {
		t.Errorf("counts = %+v", res)
	}

	bob, _ := env.store.FindContactByEmail(ctx, testUser, "bob@globex.com")
	if bob == nil {
		t.Fatal("bob not created")
	}
	interactions, _ := env.store.ContactInteractions(ctx, bob.ID)
	if len(interactions) != 1 || interactions[0].Type != types.InteractionEmail {
		t.Errorf("bob's interactions = %+v", interactions)
	}
	if me, _ := env.store.FindContactByEmail(ctx, testUser, testOwner); me != nil {
		t.Errorf("owner became a contact: %+v", me)
	}
}

func TestSyncFetchWindow(t *testing.T) {
	env := newTestEnv(t, mail("m1", "alice@acme.io", testOwner, "Hi", "x"))

	req := env.request()
	req.DaysSince = 7
	req.MaxEmails = 10
	req.BatchSize = 4
	if _, err := env.syncer.Sync(context.Background(), req); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	calls := env.mail.ListCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d list calls, want 1", len(calls))
	}
	want := fmt.Sprintf("after:%d", env.now.Add(-7*24*time.Hour).Unix())
	if calls[0].Query != want || calls[0].MaxResults != 4 {
		t.Errorf("list call = %+v, want query %q and page size 4", calls[0], want)
	}
}

func TestSyncProgress(t *testing.T) {
	env := newTestEnv(t,
		mail("m1", "alice@acme.io", testOwner, "Hi", "x"),
		mail("m2", "bob@globex.com", testOwner, "Hi", "y"),
	)

	var phases []Phase
	req := env.request()
	req.OnProgress = func(p Progress) {
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	}
	if _, err := env.syncer.Sync(context.Background(), req); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	want := []Phase{PhaseFetching, PhaseParsing, PhaseReconciling, PhaseCompleted}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestSyncAuthFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t)

	req := env.request()
	req.AccessToken = "stale"
	req.RefreshToken = "revoked"
	req.TokenExpiry = env.now.Add(-time.Minute)

	res, err := env.syncer.Sync(context.Background(), req)
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("Sync() error = %v, want ErrAuth", err)
	}
	if res == nil || res.Success || res.Status != types.SyncFailed {
		t.Errorf("Sync() result = %+v, want failed", res)
	}

	runs := env.runs()
	if len(runs) != 1 || runs[0].Status != types.SyncFailed || runs[0].ErrorMessage == "" {
		t.Fatalf("sync runs = %+v", runs)
	}
	if calls := env.mail.ListCalls(); len(calls) != 0 {
		t.Errorf("mailbox was queried %d times after auth failure", len(calls))
	}
}

func TestSyncFetchFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t, mail("m1", "alice@acme.io", testOwner, "Hi", "x"))
	env.mail.FailList(http.StatusInternalServerError)

	_, err := env.syncer.Sync(context.Background(), env.request())
	if !errors.Is(err, gmail.ErrUnavailable) {
		t.Fatalf("Sync() error = %v, want ErrUnavailable", err)
	}
	run := env.runs()[0]
	if run.Status != types.SyncFailed || !strings.Contains(run.ErrorMessage, "fetch messages") {
		t.Errorf("sync run = %+v", run)
	}
	if env.stats().Interactions != 0 {
		t.Error("failed run wrote interactions")
	}
}

func TestSyncPersistsRefreshedTokenImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.mail.FailList(http.StatusInternalServerError)
	ctx := context.Background()

	req := env.request()
	req.TokenExpiry = env.now.Add(time.Minute) // inside the refresh skew

	if _, err := env.syncer.Sync(ctx, req); err == nil {
		t.Fatal("Sync() should fail on fetch")
	}

	conn, _ := env.store.GetConnection(ctx, env.conn.ID)
	if conn.AccessToken != "fresh-1" || conn.RefreshToken != "rotated-1" {
		t.Errorf("stored tokens = %q/%q, want the refreshed pair even though the run failed",
			conn.AccessToken, conn.RefreshToken)
	}
	for _, a := range env.mail.Authorizations() {
		if a != "Bearer fresh-1" {
			t.Errorf("Authorization = %q, want Bearer fresh-1", a)
		}
	}
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	t.Run("In-process run", func(t *testing.T) {
		env := newTestEnv(t)
		if !env.syncer.locks.tryLock(env.conn.ID) {
			t.Fatal("tryLock() on idle connection failed")
		}
		defer env.syncer.locks.unlock(env.conn.ID)

		_, err := env.syncer.Sync(context.Background(), env.request())
		if !errors.Is(err, ErrSyncInProgress) {
			t.Fatalf("Sync() error = %v, want ErrSyncInProgress", err)
		}
		if n := len(env.runs()); n != 0 {
			t.Errorf("rejected run created %d sync runs", n)
		}
	})

	t.Run("Run recorded by another process", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		other := &types.SyncRun{UserID: testUser, ConnectionID: env.conn.ID, StartedAt: env.now.Add(-time.Minute)}
		if err := env.store.CreateSyncRun(ctx, other); err != nil {
			t.Fatalf("CreateSyncRun() error: %v", err)
		}

		_, err := env.syncer.Sync(ctx, env.request())
		if !errors.Is(err, ErrSyncInProgress) {
			t.Fatalf("Sync() error = %v, want ErrSyncInProgress", err)
		}
		if n := len(env.runs()); n != 1 {
			t.Errorf("got %d sync runs, want only the existing one", n)
		}
	})

	t.Run("Other connection is independent", func(t *testing.T) {
		env := newTestEnv(t)
		if !env.syncer.locks.tryLock("another-connection") {
			t.Fatal("tryLock() failed")
		}
		defer env.syncer.locks.unlock("another-connection")

		if _, err := env.syncer.Sync(context.Background(), env.request()); err != nil {
			t.Fatalf("Sync() error: %v", err)
		}
	})
}

// barrier blocks callers of wait until n of them have arrived.
type barrier struct {
	n       int32
	arrived int32
	open    chan struct{}
}

func newBarrier(n int32) *barrier {
	return &barrier{n: n, open: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context) error {
	if atomic.AddInt32(&b.arrived, 1) == b.n {
		close(b.open)
	}
	select {
	case <-b.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockstepStore holds every caller after the active-run check and again
// after the insert, so two Syncers both see an idle connection and both
// attempt to record a run before either one finishes.
type lockstepStore struct {
	*db.DB
	checked  *barrier
	inserted *barrier
}

func (s *lockstepStore) HasActiveRun(ctx context.Context, connectionID string, staleBefore time.Time) (bool, error) {
	active, err := s.DB.HasActiveRun(ctx, connectionID, staleBefore)
	if werr := s.checked.wait(ctx); werr != nil {
		return false, werr
	}
	return active, err
}

func (s *lockstepStore) CreateSyncRun(ctx context.Context, r *types.SyncRun) error {
	err := s.DB.CreateSyncRun(ctx, r)
	if werr := s.inserted.wait(ctx); werr != nil {
		return werr
	}
	return err
}

func TestSyncRejectsRunStartedByAnotherSyncer(t *testing.T) {
	env := newTestEnv(t, mail("m1", "alice@acme.io", testOwner, "Hi", "x"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := &lockstepStore{DB: env.store, checked: newBarrier(2), inserted: newBarrier(2)}
	syncers := []*Syncer{env.newSyncer(store), env.newSyncer(store)}

	errs := make(chan error, len(syncers))
	for _, s := range syncers {
		go func() {
			_, err := s.Sync(ctx, env.request())
			errs <- err
		}()
	}

	var started, rejected int
	for range syncers {
		err := <-errs
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrSyncInProgress):
			rejected++
		default:
			t.Fatalf("Sync() error: %v", err)
		}
	}
	if started != 1 || rejected != 1 {
		t.Errorf("started %d runs and rejected %d, want 1 and 1", started, rejected)
	}
	runs := env.runs()
	if len(runs) != 1 || runs[0].Status != types.SyncCompleted {
		t.Errorf("sync runs = %+v, want one completed run", runs)
	}
	if n := env.stats().Interactions; n != 1 {
		t.Errorf("got %d interactions, want 1", n)
	}
}

func TestSyncClosesStaleRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := &types.SyncRun{UserID: testUser, ConnectionID: env.conn.ID, StartedAt: env.now.Add(-2 * DefaultStaleAfter)}
	if err := env.store.CreateSyncRun(ctx, stale); err != nil {
		t.Fatalf("CreateSyncRun() error: %v", err)
	}

	if _, err := env.syncer.Sync(ctx, env.request()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	got, _ := env.store.GetSyncRun(ctx, stale.ID)
	if got.Status != types.SyncFailed {
		t.Errorf("stale run status = %q, want failed", got.Status)
	}
}

func TestSyncCancelled(t *testing.T) {
	env := newTestEnv(t, mail("m1", "alice@acme.io", testOwner, "Hi", "x"))

	ctx, cancel := context.WithCancel(context.Background())
	req := env.request()
	req.OnProgress = func(p Progress) {
		if p.Phase == PhaseParsing {
			cancel()
		}
	}

	_, err := env.syncer.Sync(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync() error = %v, want context.Canceled", err)
	}
	run := env.runs()[0]
	if run.Status != types.SyncFailed {
		t.Errorf("cancelled run status = %q, want failed", run.Status)
	}
}

func TestSyncRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.syncer.Sync(context.Background(), Request{ConnectionID: env.conn.ID}); err == nil {
		t.Error("Sync() without user should fail")
	}
}
