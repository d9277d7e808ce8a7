package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/auth"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/logctx"
	"github.com/ggoodman/mcp-hub-go/providers/gcalendar"
	"github.com/ggoodman/mcp-hub-go/providers/imagegen"
	"github.com/ggoodman/mcp-hub-go/providers/n8n"
	"github.com/ggoodman/mcp-hub-go/providers/soundcharts"
	"github.com/ggoodman/mcp-hub-go/providers/spotify"
	"github.com/joeshaw/envdecode"
)

// Config is the process configuration. Everything except Providers comes
// from the environment; Providers comes from the optional TOML file.
type Config struct {
	// Host to listen on. ENV: HOST
	Host string `env:"HOST,default=127.0.0.1"`
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// Version reported by discovery and initialize. ENV: HUB_VERSION
	Version string `env:"HUB_VERSION,default=1.0.0"`
	// DataDir holds account stores and identity directories. ENV: DATA_DIR
	DataDir string `env:"DATA_DIR,default=data"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// RedisAddr selects the Redis session host and account store when set.
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// IdleTimeout destroys sessions idle for longer. Zero disables the sweep.
	IdleTimeout     time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
	// InitTimeout bounds the startup of a shared provider. ENV: PROVIDER_INIT_TIMEOUT
	InitTimeout     time.Duration `env:"PROVIDER_INIT_TIMEOUT,default=60s"`
	KeepAlive       time.Duration `env:"SSE_KEEPALIVE,default=15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	Auth AuthConfig

	Spotify     spotify.Config
	GCalendar   gcalendar.Config
	ImageGen    imagegen.Config
	Soundcharts soundcharts.Config
	N8N         n8n.Config

	Providers map[string]ProviderOverride
}

// AuthConfig selects the authenticators consulted at session creation. With
// nothing set, sessions are anonymous.
type AuthConfig struct {
	// KeyFile is a JSON file mapping API keys to usernames. ENV: AUTH_KEY_FILE
	KeyFile string `env:"AUTH_KEY_FILE"`
	// Issuer enables JWT bearer tokens. ENV: AUTH_ISSUER
	Issuer   string `env:"AUTH_ISSUER"`
	Audience string `env:"AUTH_AUDIENCE"`
	// JWKSURL skips OIDC discovery when set. ENV: AUTH_JWKS_URL
	JWKSURL        string   `env:"AUTH_JWKS_URL"`
	UsernameClaim  string   `env:"AUTH_USERNAME_CLAIM"`
	RequiredScopes []string `env:"AUTH_REQUIRED_SCOPES"`
	Realm          string   `env:"AUTH_REALM,default=mcp-hub"`
}

// ProviderOverride adjusts one registered provider:
//
//	[providers.spotify]
//	directory = "data/spotify-acl.yaml"
//
//	[providers.ping]
//	open = "viewer"
//	policy = { counter = "editor" }
type ProviderOverride struct {
	Disabled  bool                 `toml:"disabled"`
	Directory string               `toml:"directory"`
	Open      acl.Level            `toml:"open"`
	Policy    map[string]acl.Level `toml:"policy"`
}

type fileConfig struct {
	Providers map[string]ProviderOverride `toml:"providers"`
}

// LoadConfig reads the environment and, when path is not empty, the TOML
// file at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("env config: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Providers = fc.Providers
	return cfg, nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return slog.New(logctx.New(h)), nil
}

// Apply returns d adjusted by the provider's override, if any.
func (c Config) Apply(d hub.Descriptor) (hub.Descriptor, error) {
	o, ok := c.Providers[d.Name]
	if !ok {
		return d, nil
	}
	if o.Disabled {
		d.Enabled = false
		d.DisabledReason = "disabled by configuration"
	}
	if o.Directory != "" {
		d.Directory = acl.FileLoader{Path: o.Directory}
	}
	if o.Open != 0 || len(o.Policy) > 0 {
		rules := d.Policy.Rules()
		for op, lvl := range o.Policy {
			rules[op] = lvl
		}
		open := d.Policy.Open
		if o.Open != 0 {
			open = o.Open
		}
		p, err := acl.NewPolicy(open, rules)
		if err != nil {
			return d, fmt.Errorf("provider %s policy: %w", d.Name, err)
		}
		d.Policy = p
	}
	return d, nil
}

// Authenticator builds the configured authenticator. It returns nil when
// authentication is off.
func (a AuthConfig) Authenticator(ctx context.Context) (auth.Authenticator, error) {
	var chain []auth.Authenticator
	if a.KeyFile != "" {
		ks, err := auth.LoadKeyFile(a.KeyFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ks)
	}
	if a.Issuer != "" {
		var opts []auth.JWTOption
		if a.UsernameClaim != "" {
			opts = append(opts, auth.WithUsernameClaim(a.UsernameClaim))
		}
		if len(a.RequiredScopes) > 0 {
			opts = append(opts, auth.WithRequiredScopes(a.RequiredScopes...))
		}
		var (
			jwt auth.Authenticator
			err error
		)
		if a.JWKSURL != "" {
			jwt, err = auth.NewFromJWKS(ctx, a.Issuer, a.Audience, a.JWKSURL, opts...)
		} else {
			jwt, err = auth.NewFromDiscovery(ctx, a.Issuer, a.Audience, opts...)
		}
		if err != nil {
			return nil, fmt.Errorf("jwt authenticator: %w", err)
		}
		chain = append(chain, jwt)
	}
	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return auth.Chain(chain...), nil
	}
}
