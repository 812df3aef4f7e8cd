// Package gmail wraps the Gmail REST API for mailcrm: listing and fetching
// messages, walking pagination cursors, and decoding messages into
// types.NormalizedEmail.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Format is the detail level requested for a message.
type Format string

const (
	FormatFull     Format = "full"
	FormatMetadata Format = "metadata"
	FormatMinimal  Format = "minimal"
)

const (
	// DefaultBatchSize is the page size used when a caller does not set one.
	DefaultBatchSize = 100
	// MaxPageSize is the largest maxResults Gmail accepts on messages.list.
	MaxPageSize = 500
)

var (
	ErrUnauthorized = errors.New("gmail: unauthorized")
	ErrNotFound     = errors.New("gmail: not found")
	ErrUnavailable  = errors.New("gmail: unavailable")
)

// Client is a Gmail API client bound to one authenticated mailbox.
type Client struct {
	svc    *gm.Service
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
	user   string
}

type clientOptions struct {
	endpoint   string
	httpClient *http.Client
	logger     *log.Logger
	breaker    *gobreaker.Settings
}

// Option configures a Client.
type Option func(*clientOptions)

// WithEndpoint points the client at a different API root (tests, proxies).
func WithEndpoint(endpoint string) Option {
	return func(o *clientOptions) { o.endpoint = endpoint }
}

// WithHTTPClient sets the client whose transport carries authorized requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithBreakerSettings overrides the circuit breaker settings.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(o *clientOptions) { o.breaker = &s }
}

// NewClient returns a Client whose requests are authorized by ts. Pass
// auth.Manager.TokenSource so every call checks the token first.
func NewClient(ctx context.Context, ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	o := clientOptions{logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(&o)
	}

	base := http.DefaultTransport
	if o.httpClient != nil && o.httpClient.Transport != nil {
		base = o.httpClient.Transport
	}
	httpClient := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: base}}

	svcOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if o.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(o.endpoint))
	}
	svc, err := gm.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	settings := defaultBreakerSettings(o.logger)
	if o.breaker != nil {
		settings = *o.breaker
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = isBreakerSuccess
	}

	return &Client{
		svc:    svc,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: o.logger,
		user:   "me",
	}, nil
}

func defaultBreakerSettings(logger *log.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// MessageRef is one entry of a messages.list page.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

// ListOptions selects a page of message ids.
type ListOptions struct {
	Query      string
	MaxResults int64
	PageToken  string
	LabelIDs   []string
}

// ListResult is one page of message ids.
type ListResult struct {
	IDs           []MessageRef
	NextPageToken string
	TotalEstimate int64
}

// Profile returns the mailbox owner's address.
func (c *Client) Profile(ctx context.Context) (string, error) {
	var profile *gm.Profile
	err := c.execute("users.getProfile", func() error {
		var err error
		profile, err = c.svc.Users.GetProfile(c.user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", wrapError(err, "get profile")
	}
	return strings.ToLower(profile.EmailAddress), nil
}

// ListMessages returns one page of message ids matching opts.
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) (*ListResult, error) {
	call := c.svc.Users.Messages.List(c.user).Context(ctx)
	if opts.Query != "" {
		call = call.Q(opts.Query)
	}
	if opts.MaxResults > 0 {
		call = call.MaxResults(opts.MaxResults)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if len(opts.LabelIDs) > 0 {
		call = call.LabelIds(opts.LabelIDs...)
	}

	var resp *gm.ListMessagesResponse
	err := c.execute("messages.list", func() error {
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "list messages")
	}

	result := &ListResult{
		IDs:           make([]MessageRef, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
		TotalEstimate: resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		result.IDs = append(result.IDs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return result, nil
}

// GetMessage fetches a single message.
func (c *Client) GetMessage(ctx context.Context, id string, format Format) (*gm.Message, error) {
	if format == "" {
		format = FormatFull
	}
	var msg *gm.Message
	err := c.execute("messages.get", func() error {
		var err error
		msg, err = c.svc.Users.Messages.Get(c.user, id).Format(string(format)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("get message %s", id))
	}
	return msg, nil
}

// GetMessages fetches each id with its own request, in input order.
// Callers should bound len(ids); there is no batching on the wire.
func (c *Client) GetMessages(ctx context.Context, ids []string, format Format) ([]*gm.Message, error) {
	msgs := make([]*gm.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := c.GetMessage(ctx, id, format)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ProgressFunc reports messages processed so far against the provider's estimate.
type ProgressFunc func(processed int, estimatedTotal int64)

// PaginateOptions bounds a paginated fetch.
type PaginateOptions struct {
	Query      string
	LabelIDs   []string
	MaxTotal   int
	BatchSize  int
	OnProgress ProgressFunc
}

// PaginateResult is the outcome of GetAllPaginated.
type PaginateResult struct {
	Messages []*gm.Message
	// Missing lists ids that were listed but gone by the time they were fetched.
	Missing  []string
	Pages    int
	Estimate int64
}

// GetAllPaginated lists pages of at most BatchSize ids, fetches every message
// on each page in full, and stops once MaxTotal ids were processed or the
// provider reports no further page. OnProgress runs once per page.
func (c *Client) GetAllPaginated(ctx context.Context, opts PaginateOptions) (*PaginateResult, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if batch > MaxPageSize {
		batch = MaxPageSize
	}

	res := &PaginateResult{}
	processed := 0
	pageToken := ""

	for processed < opts.MaxTotal {
		pageSize := min(batch, opts.MaxTotal-processed)

		page, err := c.ListMessages(ctx, ListOptions{
			Query:      opts.Query,
			MaxResults: int64(pageSize),
			PageToken:  pageToken,
			LabelIDs:   opts.LabelIDs,
		})
		if err != nil {
			return res, fmt.Errorf("page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		res.Estimate = page.TotalEstimate

		refs := page.IDs
		if len(refs) > pageSize {
			refs = refs[:pageSize]
		}
		for _, ref := range refs {
			msg, err := c.GetMessage(ctx, ref.ID, FormatFull)
			if errors.Is(err, ErrNotFound) {
				c.logger.Warn("message disappeared before fetch", "id", ref.ID)
				res.Missing = append(res.Missing, ref.ID)
				continue
			}
			if err != nil {
				return res, err
			}
			res.Messages = append(res.Messages, msg)
		}
		processed += len(refs)

		if opts.OnProgress != nil {
			opts.OnProgress(processed, page.TotalEstimate)
		}
		c.logger.Debug("fetched page", "page", res.Pages, "processed", processed, "estimate", page.TotalEstimate)

		if page.NextPageToken == "" || len(refs) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}

	return res, nil
}

// execute runs fn through the circuit breaker. Client errors (4xx) are
// passed through without counting as breaker failures.
func (c *Client) execute(operation string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nce.err
	}
	if err != nil {
		c.logger.Debug("gmail call failed", "op", operation, "breaker", c.cb.State().String(), "err", err)
	}
	return err
}

// isBreakerSuccess counts client errors as successes so a run of 404s for
// vanished messages cannot open the breaker.
func isBreakerSuccess(err error) bool {
	var nce *nonCircuitError
	return err == nil || errors.As(err, &nce)
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// wrapError maps API failures onto the package sentinels.
func wrapError(err error, op string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
