// Package auth manages the Google OAuth2 token lifecycle for mailcrm.
//
// A Manager holds one mailbox connection's access token, refresh token and
// expiry, and refreshes the access token before any authenticated call that
// would otherwise run within RefreshSkew of expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// DefaultScopes is read-only: the pipeline never sends or modifies mail.
var DefaultScopes = []string{gmail.GmailReadonlyScope}

// RefreshSkew is how long before expiry a token is treated as expired.
const RefreshSkew = 5 * time.Minute

// RevokeURL is Google's token revocation endpoint.
const RevokeURL = "https://oauth2.googleapis.com/revoke"

// ErrAuth marks a failure to obtain a usable access token. It is fatal to a sync run.
var ErrAuth = errors.New("authentication failed")

// Token is the persisted part of an OAuth2 token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// RefreshFunc is called after every successful refresh, with the lock held.
type RefreshFunc func(ctx context.Context, tok Token) error

// Manager holds a token and refreshes it on demand.
type Manager struct {
	config     *oauth2.Config
	httpClient *http.Client
	revokeURL  string
	onRefresh  RefreshFunc
	now        func() time.Time
	logger     *log.Logger

	mu    sync.Mutex
	token Token
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnRefresh registers a hook that persists refreshed tokens.
func WithOnRefresh(fn RefreshFunc) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

// WithHTTPClient sets the client used for token and revoke requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRevokeURL overrides the revocation endpoint.
func WithRevokeURL(u string) Option {
	return func(m *Manager) { m.revokeURL = u }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager for the given OAuth config and starting token.
func NewManager(config *oauth2.Config, tok Token, opts ...Option) *Manager {
	m := &Manager{
		config:    config,
		token:     tok,
		revokeURL: RevokeURL,
		now:       time.Now,
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewOAuthConfig returns an OAuth2 config for Gmail read access.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       DefaultScopes,
		Endpoint:     google.Endpoint,
	}
}

// ConfigFromFile reads a Google Cloud credentials.json and returns an OAuth2 config.
func ConfigFromFile(credentialsPath string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", credentialsPath, err)
	}

	config, err := google.ConfigFromJSON(data, DefaultScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return config, nil
}

// Current returns the held token without refreshing it.
func (m *Manager) Current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// EnsureValidToken returns a token that is valid for at least RefreshSkew,
// exchanging the refresh token first if necessary.
func (m *Manager) EnsureValidToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.needsRefresh() {
		return m.token, nil
	}
	if m.token.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: access token expired and no refresh token is held", ErrAuth)
	}

	// An empty access token forces the oauth2 token source to refresh.
	src := m.config.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: m.token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w: %w", ErrAuth, err)
	}

	next := Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = m.token.RefreshToken
	}
	m.token = next
	m.logger.Debug("access token refreshed", "expiry", next.Expiry.Format(time.RFC3339))

	if m.onRefresh != nil {
		if err := m.onRefresh(ctx, next); err != nil {
			// The in-memory token is still good; the next refresh or the
			// run finalization will try to persist again.
			m.logger.Warn("could not persist refreshed token", "err", err)
		}
	}
	return next, nil
}

func (m *Manager) needsRefresh() bool {
	if m.token.AccessToken == "" || m.token.Expiry.IsZero() {
		return true
	}
	return !m.now().Before(m.token.Expiry.Add(-RefreshSkew))
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// TokenSource adapts the manager to oauth2.TokenSource. Every Token call goes
// through EnsureValidToken, so wrap it in an oauth2.Transport rather than
// oauth2.NewClient, which would cache tokens on its own schedule.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerSource{ctx: ctx, m: m}
}

// HTTPClient returns a client that authorizes every request through the manager.
func (m *Manager) HTTPClient(ctx context.Context) *http.Client {
	base := http.DefaultTransport
	if m.httpClient != nil && m.httpClient.Transport != nil {
		base = m.httpClient.Transport
	}
	return &http.Client{
		Transport: &oauth2.Transport{Source: m.TokenSource(ctx), Base: base},
	}
}

type managerSource struct {
	ctx context.Context
	m   *Manager
}

func (s *managerSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.EnsureValidToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tok.Expiry,
	}, nil
}

// AuthURL returns the consent page URL. Offline access with forced consent
// makes Google issue a refresh token on every grant.
func (m *Manager) AuthURL(state string) string {
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and holds it.
func (m *Manager) Exchange(ctx context.Context, code string) (Token, error) {
	t, err := m.config.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return Token{}, fmt.Errorf("exchange code: %w: %w", ErrAuth, err)
	}
	tok := Token{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken, Expiry: t.Expiry}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	return tok, nil
}

// Revoke invalidates a token (access or refresh) at the provider.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("revoke: empty token")
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revoke token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
