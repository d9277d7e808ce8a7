package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultMargin is how long before expiry a token is considered stale.
const DefaultMargin = 60 * time.Second

// Refresher hands out valid access tokens for stored accounts. Concurrent
// callers needing a refresh of the same account share one token request.
type Refresher struct {
	store  Store
	conf   *oauth2.Config
	margin time.Duration
	now    func() time.Time
	client *http.Client
	log    *slog.Logger

	group singleflight.Group
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.margin = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.log = l }
}

// NewRefresher returns a Refresher for accounts in store issued by conf.
func NewRefresher(store Store, conf *oauth2.Config, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:  store,
		conf:   conf,
		margin: DefaultMargin,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the OAuth client configuration.
func (r *Refresher) Config() *oauth2.Config { return r.conf }

// Store returns the account store.
func (r *Refresher) Store() Store { return r.store }

// AccessToken returns a valid access token for the named account,
// refreshing and persisting it first when it expires within the margin.
func (r *Refresher) AccessToken(ctx context.Context, name string) (string, error) {
	acct, err := r.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if r.fresh(acct) {
		return acct.AccessToken, nil
	}

	v, err, shared := r.group.Do(name, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), name)
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.log.DebugContext(ctx, "credentials.refresh.shared", slog.String("account", name))
	}
	return v.(string), nil
}

// TokenSource returns a source of valid tokens for the named account,
// backed by AccessToken.
func (r *Refresher) TokenSource(ctx context.Context, name string) oauth2.TokenSource {
	return &accountTokenSource{ctx: ctx, r: r, name: name}
}

type accountTokenSource struct {
	ctx  context.Context
	r    *Refresher
	name string
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.r.AccessToken(s.ctx, s.name)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

// Exchange trades an authorization code for tokens. The returned account
// has no display name or user id; callers fill them from the upstream
// profile before storing it.
func (r *Refresher) Exchange(ctx context.Context, code string) (Account, error) {
	tok, err := r.conf.Exchange(r.clientContext(ctx), code)
	if err != nil {
		return Account{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	scopes, _ := tok.Extra("scope").(string)
	return Account{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
		AddedAt:      r.now().UTC(),
	}, nil
}

func (r *Refresher) fresh(acct Account) bool {
	return acct.AccessToken != "" && r.now().Before(acct.ExpiresAt.Add(-r.margin))
}

func (r *Refresher) refresh(ctx context.Context, name string) (string, error) {
	start := time.Now()

	// Another caller may have refreshed between the first read and
	// acquiring the flight.
	acct, err := r.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if r.fresh(acct) {
		return acct.AccessToken, nil
	}
	if acct.RefreshToken == "" {
		return "", fmt.Errorf("account %q has no refresh token; reconnect it", name)
	}

	stale := &oauth2.Token{RefreshToken: acct.RefreshToken, Expiry: r.now().Add(-time.Minute)}
	tok, err := r.conf.TokenSource(r.clientContext(ctx), stale).Token()
	if err != nil {
		r.log.WarnContext(ctx, "credentials.refresh.fail", slog.String("account", name), slog.String("err", err.Error()))
		return "", fmt.Errorf("refresh token for %q: %w", name, err)
	}

	acct.AccessToken = tok.AccessToken
	acct.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		acct.RefreshToken = tok.RefreshToken
	}
	if scopes, ok := tok.Extra("scope").(string); ok && scopes != "" {
		acct.Scopes = scopes
	}
	if err := r.store.Put(ctx, name, acct); err != nil {
		return "", fmt.Errorf("store refreshed token for %q: %w", name, err)
	}

	r.log.InfoContext(ctx, "credentials.refresh.ok", slog.String("account", name), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return acct.AccessToken, nil
}

func (r *Refresher) clientContext(ctx context.Context) context.Context {
	if r.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}
