// Package db provides SQLite storage for mailcrm.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/daviddao/mailcrm/internal/types"
)

var (
	// ErrNotFound is returned by updates and deletes that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)

// DB wraps a SQLite connection for mailcrm operations.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens (or creates) a mailcrm database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// GenID returns a new random row ID.
func GenID() string {
	return uuid.NewString()
}

// Now returns the current time as an RFC 3339 string.
func (d *DB) Now() string {
	return formatTime(d.now())
}

// DiscoverDB finds a mailcrm database by walking up from cwd.
// Returns the path to .mailcrm/crm.db or empty string if not found.
func DiscoverDB() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".mailcrm", "crm.db")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// FindProjectRoot walks up from cwd looking for a .git directory.
func FindProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// --- Mailbox connections ---

const connectionColumns = "id, user_id, email, access_token, refresh_token, token_expiry, last_sync_at, created_at"

// UpsertConnection stores a connection, replacing the tokens of an existing
// connection for the same user and mailbox. c.ID is set to the stored row's ID.
func (d *DB) UpsertConnection(ctx context.Context, c *types.MailboxConnection) (created bool, err error) {
	c.Email = strings.ToLower(c.Email)
	existing, err := d.ConnectionByEmail(ctx, c.UserID, c.Email)
	if err != nil {
		return false, err
	}
	if existing != nil {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.LastSyncAt = existing.LastSyncAt
		return false, d.UpdateConnectionTokens(ctx, c.ID, c.AccessToken, c.RefreshToken, c.TokenExpiry)
	}

	c.ID = GenID()
	c.CreatedAt = d.now().UTC()
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO mailbox_connections
			(id, user_id, email, access_token, refresh_token, token_expiry, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Email, c.AccessToken, c.RefreshToken, nullTime(c.TokenExpiry), formatTime(c.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert connection: %w", err)
	}
	return true, nil
}

// GetConnection returns a connection by ID, or nil if it does not exist.
func (d *DB) GetConnection(ctx context.Context, id string) (*types.MailboxConnection, error) {
	row := d.conn.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM mailbox_connections WHERE id = ?", id)
	return scanConnection(row)
}

// ConnectionByEmail returns a user's connection for a mailbox, or nil.
func (d *DB) ConnectionByEmail(ctx context.Context, userID, email string) (*types.MailboxConnection, error) {
	row := d.conn.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM mailbox_connections WHERE user_id = ? AND email = ?",
		userID, strings.ToLower(email))
	return scanConnection(row)
}

// ListConnections returns a user's connections, oldest first.
func (d *DB) ListConnections(ctx context.Context, userID string) ([]*types.MailboxConnection, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT "+connectionColumns+" FROM mailbox_connections WHERE user_id = ? ORDER BY created_at, email", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.MailboxConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnectionTokens stores a refreshed token for a connection.
func (d *DB) UpdateConnectionTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE mailbox_connections
		SET access_token = ?, refresh_token = ?, token_expiry = ?
		WHERE id = ?`,
		accessToken, refreshToken, nullTime(expiry), id,
	)
	return checkAffected(res, err, "connection", id)
}

// SetLastSync records when a connection last completed a sync.
func (d *DB) SetLastSync(ctx context.Context, id string, at time.Time) error {
	res, err := d.conn.ExecContext(ctx,
		"UPDATE mailbox_connections SET last_sync_at = ? WHERE id = ?", formatTime(at), id)
	return checkAffected(res, err, "connection", id)
}

// DeleteConnection removes a connection. Its sync runs stay as audit records.
func (d *DB) DeleteConnection(ctx context.Context, id string) error {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM mailbox_connections WHERE id = ?", id)
	return checkAffected(res, err, "connection", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(s scanner) (*types.MailboxConnection, error) {
	c := &types.MailboxConnection{}
	var expiry, lastSync sql.NullString
	var createdAt string
	err := s.Scan(&c.ID, &c.UserID, &c.Email, &c.AccessToken, &c.RefreshToken, &expiry, &lastSync, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.TokenExpiry = parseTime(expiry.String)
	c.LastSyncAt = parseTimePtr(lastSync)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// --- Companies ---

// FindCompanyByDomain returns the user's company for a normalized domain, or nil.
func (d *DB) FindCompanyByDomain(ctx context.Context, userID, domain string) (*types.Company, error) {
	c := &types.Company{}
	var website sql.NullString
	var createdAt string
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, user_id, name, website, domain, created_at
		FROM companies WHERE user_id = ? AND domain = ?`,
		userID, strings.ToLower(domain),
	).Scan(&c.ID, &c.UserID, &c.Name, &website, &c.Domain, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Website = website.String
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// CreateCompany inserts a company, assigning its ID and creation time.
func (d *DB) CreateCompany(ctx context.Context, c *types.Company) error {
	c.ID = GenID()
	c.Domain = strings.ToLower(c.Domain)
	c.CreatedAt = d.now().UTC()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO companies (id, user_id, name, website, domain, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, nullStr(c.Website), c.Domain, formatTime(c.CreatedAt),
	)
	return insertErr(err, "company")
}

// --- Contacts ---

// FindContactByEmail returns the user's contact for an address, or nil.
func (d *DB) FindContactByEmail(ctx context.Context, userID, email string) (*types.Contact, error) {
	c := &types.Contact{}
	var companyID sql.NullString
	var status, createdAt, updatedAt string
	err := d.conn.QueryRowContext(ctx, `
		SELECT id, user_id, company_id, name, email, status, is_alumni, created_at, updated_at
		FROM contacts WHERE user_id = ? AND lower(email) = lower(?)`,
		userID, email,
	).Scan(&c.ID, &c.UserID, &companyID, &c.Name, &c.Email, &status, &c.IsAlumni, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CompanyID = companyID.String
	c.Status = types.ContactStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// CreateContact inserts a contact, assigning its ID and timestamps.
func (d *DB) CreateContact(ctx context.Context, c *types.Contact) error {
	if c.Status == "" {
		c.Status = types.StatusToReachOut
	}
	if !types.IsValidContactStatus(string(c.Status)) {
		return fmt.Errorf("invalid contact status %q", c.Status)
	}
	c.ID = GenID()
	c.Email = strings.ToLower(c.Email)
	c.CreatedAt = d.now().UTC()
	c.UpdatedAt = c.CreatedAt
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, company_id, name, email, status, is_alumni, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, nullStr(c.CompanyID), c.Name, c.Email, string(c.Status), c.IsAlumni,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return insertErr(err, "contact")
}

// UpdateContactStatus sets a contact's lifecycle status.
func (d *DB) UpdateContactStatus(ctx context.Context, id string, status types.ContactStatus) error {
	if !types.IsValidContactStatus(string(status)) {
		return fmt.Errorf("invalid contact status %q", status)
	}
	res, err := d.conn.ExecContext(ctx,
		"UPDATE contacts SET status = ?, updated_at = ? WHERE id = ?",
		string(status), d.Now(), id,
	)
	return checkAffected(res, err, "contact", id)
}

// --- Interactions ---

// InteractionExists reports whether a message was already recorded for a user.
func (d *DB) InteractionExists(ctx context.Context, userID, externalMessageID string) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		"SELECT 1 FROM interactions WHERE user_id = ? AND external_message_id = ?",
		userID, externalMessageID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateInteraction inserts an interaction. A second insert for the same
// (user, external message id) returns ErrDuplicate.
func (d *DB) CreateInteraction(ctx context.Context, i *types.Interaction) error {
	i.ID = GenID()
	i.CreatedAt = d.now().UTC()
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO interactions
			(id, user_id, contact_id, interaction_date, interaction_type, notes,
			 external_message_id, external_thread_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.ContactID, nullTime(i.Date), string(i.Type), nullStr(i.Notes),
		i.ExternalMessageID, nullStr(i.ExternalThreadID), formatTime(i.CreatedAt),
	)
	return insertErr(err, "interaction")
}

// ContactInteractions returns a contact's interactions, newest first.
func (d *DB) ContactInteractions(ctx context.Context, contactID string) ([]*types.Interaction, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, user_id, contact_id, interaction_date, interaction_type, notes,
		       external_message_id, external_thread_id, created_at
		FROM interactions WHERE contact_id = ?
		ORDER BY interaction_date DESC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Interaction
	for rows.Next() {
		i := &types.Interaction{}
		var date, notes, thread sql.NullString
		var typ, createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &i.ContactID, &date, &typ, &notes,
			&i.ExternalMessageID, &thread, &createdAt); err != nil {
			return nil, err
		}
		i.Date = parseTime(date.String)
		i.Type = types.InteractionType(typ)
		i.Notes = notes.String
		i.ExternalThreadID = thread.String
		i.CreatedAt = parseTime(createdAt)
		out = append(out, i)
	}
	return out, rows.Err()
}

// --- Sync runs ---

const syncRunColumns = `id, user_id, connection_id, status, emails_processed, companies_created,
	contacts_created, interactions_created, errors, error_message, started_at, completed_at`

// CreateSyncRun inserts a run in the in_progress state. It returns an error
// wrapping ErrDuplicate when the connection already has an in_progress run.
func (d *DB) CreateSyncRun(ctx context.Context, r *types.SyncRun) error {
	if r.ID == "" {
		r.ID = GenID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = d.now().UTC()
	}
	r.Status = types.SyncInProgress
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sync_runs (id, user_id, connection_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ConnectionID, string(r.Status), formatTime(r.StartedAt),
	)
	return insertErr(err, "sync run")
}

// FinalizeSyncRun stores a run's status, counts and errors and stamps completed_at.
func (d *DB) FinalizeSyncRun(ctx context.Context, r *types.SyncRun) error {
	var errs any
	if len(r.Errors) > 0 {
		b, err := json.Marshal(r.Errors)
		if err != nil {
			return fmt.Errorf("encode run errors: %w", err)
		}
		errs = string(b)
	}
	completed := d.now().UTC()
	r.CompletedAt = &completed

	res, err := d.conn.ExecContext(ctx, `
		UPDATE sync_runs SET
			status = ?, emails_processed = ?, companies_created = ?, contacts_created = ?,
			interactions_created = ?, errors = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		string(r.Status), r.EmailsProcessed, r.CompaniesCreated, r.ContactsCreated,
		r.InteractionsCreated, errs, nullStr(r.ErrorMessage), formatTime(completed), r.ID,
	)
	return checkAffected(res, err, "sync run", r.ID)
}

// HasActiveRun reports whether a connection has an in_progress run that
// started after staleBefore.
func (d *DB) HasActiveRun(ctx context.Context, connectionID string, staleBefore time.Time) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_runs
		WHERE connection_id = ? AND status = ? AND started_at > ?`,
		connectionID, string(types.SyncInProgress), formatTime(staleBefore),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailStaleRuns marks in_progress runs that started at or before staleBefore
// as failed. It returns the number of runs updated.
func (d *DB) FailStaleRuns(ctx context.Context, connectionID string, staleBefore time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, error_message = ?, completed_at = ?
		WHERE connection_id = ? AND status = ? AND started_at <= ?`,
		string(types.SyncFailed), "abandoned: run did not finish", d.Now(),
		connectionID, string(types.SyncInProgress), formatTime(staleBefore),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetSyncRun returns a run by ID, or nil.
func (d *DB) GetSyncRun(ctx context.Context, id string) (*types.SyncRun, error) {
	row := d.conn.QueryRowContext(ctx, "SELECT "+syncRunColumns+" FROM sync_runs WHERE id = ?", id)
	return scanSyncRun(row)
}

// ListSyncRuns returns a user's most recent runs, newest first. A connectionID
// narrows the list to one mailbox.
func (d *DB) ListSyncRuns(ctx context.Context, userID, connectionID string, limit int) ([]*types.SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs WHERE user_id = ?"
	args := []any{userID}
	if connectionID != "" {
		query += " AND connection_id = ?"
		args = append(args, connectionID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSyncRun(s scanner) (*types.SyncRun, error) {
	r := &types.SyncRun{}
	var status, startedAt string
	var errs, errMsg, completedAt sql.NullString
	err := s.Scan(&r.ID, &r.UserID, &r.ConnectionID, &status, &r.EmailsProcessed, &r.CompaniesCreated,
		&r.ContactsCreated, &r.InteractionsCreated, &errs, &errMsg, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = types.SyncStatus(status)
	r.ErrorMessage = errMsg.String
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	if errs.Valid && errs.String != "" {
		if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	return r, nil
}

// --- Stats ---

// Stats returns row counts for a user.
func (d *DB) Stats(ctx context.Context, userID string) (*types.CRMStats, error) {
	s := &types.CRMStats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"companies", &s.Companies},
		{"contacts", &s.Contacts},
		{"interactions", &s.Interactions},
		{"sync_runs", &s.SyncRuns},
	}
	for _, c := range counts {
		if err := d.conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+c.table+" WHERE user_id = ?", userID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return s, nil
}

// ContactCountByStatus returns the number of a user's contacts in each status.
func (d *DB) ContactCountByStatus(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM contacts WHERE user_id = ? GROUP BY status", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// --- helpers ---

func checkAffected(res sql.Result, err error, what, id string) error {
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
	}
	return nil
}

// insertErr maps uniqueness violations onto ErrDuplicate.
func insertErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("insert %s: %w: %w", what, ErrDuplicate, err)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
