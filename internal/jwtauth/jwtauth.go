package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls token validation.
type Config struct {
	Issuer string
	// Audiences lists the accepted "aud" values. A token is accepted when
	// any of its audiences is listed.
	Audiences      []string
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string
	Leeway         time.Duration
	// UsernameClaim names the claim carrying the hub username. When the
	// claim is absent the subject is used.
	UsernameClaim string
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		UsernameClaim: "preferred_username",
	}
}

// Identity is the validated principal of a token.
type Identity struct {
	Subject  string
	Username string
	claims   map[string]any
}

// Claims unmarshals the raw token claims into ref.
func (id *Identity) Claims(ref any) error {
	b, err := json.Marshal(id.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator verifies signed JWTs against an auto-refreshing JWKS.
type Validator struct {
	cfg     Config
	issuer  string
	jwksURI string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery resolves issuer metadata through OpenID Connect discovery
// and returns a Validator using the advertised jwks_uri.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Validator, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	issuer := meta.Issuer
	if issuer == "" {
		issuer = cfg.Issuer
	}
	return newValidator(ctx, cfg, issuer, meta.JwksURI)
}

// NewStatic returns a Validator for a fixed issuer and JWKS URI, without
// discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Validator, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newValidator(ctx, cfg, cfg.Issuer, jwksURI)
}

func checkConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return errors.New("at least one audience required")
	}
	return nil
}

func newValidator(ctx context.Context, cfg *Config, issuer, jwksURI string) (*Validator, error) {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	c.Audiences = slices.Clone(c.Audiences)
	c.RequiredScopes = slices.Clone(c.RequiredScopes)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Validator{
		cfg:     c,
		issuer:  issuer,
		jwksURI: jwksURI,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer returns the issuer tokens must carry.
func (v *Validator) Issuer() string { return v.issuer }

// JWKSURI returns the key set location.
func (v *Validator) JWKSURI() string { return v.jwksURI }

// Validate verifies tok and returns its principal.
func (v *Validator) Validate(ctx context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		if iat := time.Unix(int64(iatf), 0); iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := v.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	username := sub
	if v.cfg.UsernameClaim != "" {
		if s, _ := claims[v.cfg.UsernameClaim].(string); s != "" {
			username = s
		}
	}
	return &Identity{Subject: sub, Username: username, claims: claims}, nil
}

func (v *Validator) checkScopes(claims jwt.MapClaims) error {
	if len(v.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if v.cfg.ScopeModeAny {
		for _, want := range v.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return ErrInsufficientScope
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
