package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ggoodman/mcp-hub-go/internal/jwtauth"
)

// JWTOption configures the JWT access token authenticator.
type JWTOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithUsernameClaim selects the claim mapped to the directory username.
// Defaults to "preferred_username", falling back to "sub".
func WithUsernameClaim(claim string) JWTOption {
	return func(c *jwtauth.Config) { c.UsernameClaim = claim }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() JWTOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

// NewFromDiscovery returns an Authenticator that verifies JWTs issued by
// issuer, locating its keys through OpenID Connect discovery. audience is the
// expected "aud" claim, typically the public hub URL.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

// NewFromJWKS returns an Authenticator that verifies JWTs against a fixed
// JWKS URL without discovery.
func NewFromJWKS(ctx context.Context, issuer, audience, jwksURL string, opts ...JWTOption) (Authenticator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

func jwtConfig(issuer, audience string, opts []JWTOption) (*jwtauth.Config, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	if audience == "" {
		return nil, errors.New("auth: audience required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

type jwtAuthenticator struct {
	v *jwtauth.Validator
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	id, err := a.v.Validate(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return jwtUser{id: id}, nil
}

type jwtUser struct{ id *jwtauth.Identity }

func (u jwtUser) UserID() string       { return u.id.Subject }
func (u jwtUser) Username() string     { return u.id.Username }
func (u jwtUser) Claims(ref any) error { return u.id.Claims(ref) }

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
