package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	"github.com/ekaya-inc/patient-sync/pkg/apperrors"
	"github.com/ekaya-inc/patient-sync/pkg/config"
	"github.com/ekaya-inc/patient-sync/pkg/kvstore"
	"github.com/ekaya-inc/patient-sync/pkg/models"
)

const personFields = "names,phoneNumbers,emailAddresses,addresses,photos,metadata"

// Client lists Google contacts on behalf of owners who linked their account.
type Client struct {
	oauth             *oauth2.Config
	store             kvstore.Store
	pageSize          int64
	timeout           time.Duration
	defaultRetryAfter time.Duration
	logger            *zap.Logger

	// Overridden in tests to point at a local server.
	httpClient  *http.Client
	serviceOpts []option.ClientOption
}

// NewClient creates a Client. store caches access tokens between pages and jobs.
func NewClient(cfg config.GoogleConfig, store kvstore.Store, logger *zap.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 200
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryAfter := cfg.DefaultRetryAfter
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	return &Client{
		oauth:             NewOAuthConfig(cfg),
		store:             store,
		pageSize:          pageSize,
		timeout:           timeout,
		defaultRetryAfter: retryAfter,
		logger:            logger.Named("google"),
	}
}

// httpContext carries the test HTTP client into oauth2 token calls.
func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return ctx
}

func (c *Client) tokenSource(ctx context.Context, ownerID, refreshToken string) oauth2.TokenSource {
	ctx = c.httpContext(ctx)
	base := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return oauth2.ReuseTokenSource(nil, &cachedTokenSource{
		ctx:    ctx,
		store:  c.store,
		key:    accessTokenKey(ownerID, refreshToken),
		base:   base,
		logger: c.logger,
	})
}

func (c *Client) service(ctx context.Context, ts oauth2.TokenSource) (*people.Service, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.serviceOpts...)
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create people client: %w", err)
	}
	return svc, nil
}

// ListContacts fetches one page of the owner's connections. An empty
// syncToken lists everything; otherwise only changes since the token are
// returned, including deletions. The last page carries the next sync token.
func (c *Client) ListContacts(ctx context.Context, ownerID, refreshToken, pageToken, syncToken string) (*models.ContactPage, error) {
	svc, err := c.service(ctx, c.tokenSource(ctx, ownerID, refreshToken))
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := svc.People.Connections.List("people/me").
		PersonFields(personFields).
		PageSize(c.pageSize).
		RequestSyncToken(true).
		Context(callCtx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classifyError(err, c.defaultRetryAfter)
	}

	page := &models.ContactPage{
		Contacts:      make([]models.ExternalContact, 0, len(resp.Connections)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
		TotalItems:    int(resp.TotalItems),
	}
	for _, p := range resp.Connections {
		if p == nil || p.ResourceName == "" {
			continue
		}
		page.Contacts = append(page.Contacts, toExternalContact(p))
	}

	c.logger.Debug("Listed contacts page",
		zap.String("owner_id", ownerID),
		zap.Int("count", len(page.Contacts)),
		zap.Bool("incremental", syncToken != ""),
		zap.Bool("last_page", page.NextPageToken == ""))

	return page, nil
}

// AccountEmail returns the primary email of the account that granted tok.
func (c *Client) AccountEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	svc, err := c.service(ctx, c.oauth.TokenSource(c.httpContext(ctx), tok))
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	me, err := svc.People.Get("people/me").PersonFields("emailAddresses").Context(callCtx).Do()
	if err != nil {
		return "", classifyError(err, c.defaultRetryAfter)
	}
	emails := primaryFirst(me.EmailAddresses, func(e *people.EmailAddress) *people.FieldMetadata { return e.Metadata })
	for _, e := range emails {
		if e.Value != "" {
			return e.Value, nil
		}
	}
	return "", nil
}

func toExternalContact(p *people.Person) models.ExternalContact {
	c := models.ExternalContact{ResourceName: p.ResourceName}
	if raw, err := p.MarshalJSON(); err == nil {
		c.Raw = raw
	}
	if p.Metadata != nil {
		c.Deleted = p.Metadata.Deleted
	}

	names := primaryFirst(p.Names, func(n *people.Name) *people.FieldMetadata { return n.Metadata })
	if len(names) > 0 {
		c.DisplayName = names[0].DisplayName
		c.GivenName = names[0].GivenName
		c.FamilyName = names[0].FamilyName
	}

	for _, ph := range primaryFirst(p.PhoneNumbers, func(n *people.PhoneNumber) *people.FieldMetadata { return n.Metadata }) {
		value := ph.Value
		if value == "" {
			value = ph.CanonicalForm
		}
		c.Phones = append(c.Phones, value)
	}
	for _, e := range primaryFirst(p.EmailAddresses, func(n *people.EmailAddress) *people.FieldMetadata { return n.Metadata }) {
		c.Emails = append(c.Emails, e.Value)
	}
	for _, a := range primaryFirst(p.Addresses, func(n *people.Address) *people.FieldMetadata { return n.Metadata }) {
		c.Addresses = append(c.Addresses, a.FormattedValue)
	}
	for _, ph := range primaryFirst(p.Photos, func(n *people.Photo) *people.FieldMetadata { return n.Metadata }) {
		// Default photos are generated initials, not a real picture.
		if !ph.Default && ph.Url != "" {
			c.PhotoURL = ph.Url
			break
		}
	}
	return c
}

// primaryFirst moves the value flagged primary to the front, keeping the
// provider's order otherwise.
func primaryFirst[T any](values []*T, meta func(*T) *people.FieldMetadata) []*T {
	out := make([]*T, 0, len(values))
	for _, v := range values {
		if v != nil {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := meta(out[i]), meta(out[j])
		return mi != nil && mi.Primary && (mj == nil || !mj.Primary)
	})
	return out
}

// classifyError maps provider failures onto the errors the import job acts on.
func classifyError(err error, defaultRetryAfter time.Duration) error {
	if errors.Is(err, apperrors.ErrProviderAuthExpired) {
		return err
	}
	if isInvalidGrant(err) {
		return authExpired(err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &apperrors.RateLimitedError{RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After"), defaultRetryAfter)}
	case gerr.Code == http.StatusGone,
		strings.Contains(gerr.Body, "EXPIRED_SYNC_TOKEN"),
		strings.Contains(gerr.Message, "EXPIRED_SYNC_TOKEN"):
		return fmt.Errorf("%w: %s", apperrors.ErrSyncTokenExpired, gerr.Message)
	case gerr.Code == http.StatusUnauthorized:
		return authExpired(err)
	}
	return fmt.Errorf("google people api: %w", err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
