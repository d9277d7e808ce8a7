// Package gcalendar is the Google Calendar provider: account management
// through OAuth and event create, list, read, update and delete on each
// account's primary calendar.
//
// Accounts are stored under a friendly name in a credentials.Store. A
// session whose identity carries an account list only sees and acts on
// those accounts.
package gcalendar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/httpretry"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"golang.org/x/oauth2"
)

// Name is the registry name of the provider.
const Name = "google-calendar"

// CallbackPattern is the route pattern of the OAuth redirect target.
const CallbackPattern = "GET /google-calendar/callback"

const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	DefaultRedirectURL = "http://127.0.0.1:3000/google-calendar/callback"
)

// Scopes requested when connecting an account.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Policy is the level required by each operation. Reading is open to
// viewers.
var Policy = acl.MustPolicy(acl.Viewer, map[string]acl.Level{
	"google-calendar-auth":           acl.Admin,
	"google-calendar-remove-account": acl.Admin,
	"google-calendar-create-event":   acl.Editor,
	"google-calendar-update-event":   acl.Editor,
	"google-calendar-delete-event":   acl.Editor,
})

// Config configures the provider.
type Config struct {
	ClientID     string `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	RedirectURL  string `env:"GOOGLE_REDIRECT_URI"`

	// Endpoint overrides, mostly for tests.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	APIBaseURL  string

	// Store holds connected accounts. Nil means an in-memory store.
	Store credentials.Store
	// States holds pending authorization states.
	States *credentials.StateStore
	// ACL, when set, adds the identify and session tools.
	ACL       *acl.Registry
	Directory acl.Loader
	// HTTPClient carries API and token calls. Nil means a client that
	// honours Retry-After.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider holds the state shared by all sessions of the provider.
type Provider struct {
	cfg    Config
	oauth  *oauth2.Config
	tokens *credentials.Refresher
	api    *Client
	log    *slog.Logger
}

// New returns a Provider for cfg.
func New(cfg Config) *Provider {
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = DefaultUserInfoURL
	}
	if cfg.Store == nil {
		cfg.Store = credentials.NewMemoryStore()
	}
	if cfg.States == nil {
		cfg.States = credentials.NewStateStore(0, nil)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpretry.New(http.DefaultTransport, 10, 5).Client(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tokens := credentials.NewRefresher(cfg.Store, oc,
		credentials.WithHTTPClient(cfg.HTTPClient),
		credentials.WithLogger(cfg.Logger),
	)

	return &Provider{
		cfg:    cfg,
		oauth:  oc,
		tokens: tokens,
		api:    NewClient(cfg.APIBaseURL, cfg.HTTPClient, tokens),
		log:    cfg.Logger,
	}
}

// Configured reports whether client credentials are present.
func (p *Provider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

// Descriptor returns the registry entry. Without client credentials the
// provider is registered disabled.
func (p *Provider) Descriptor() hub.Descriptor {
	d := hub.Descriptor{
		Name:        Name,
		Description: "Google Calendar - create, list, update, and delete events",
		Version:     "1.0.0",
		Enabled:     p.Configured(),
		Policy:      Policy,
		Directory:   p.cfg.Directory,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return mcpservice.NewToolsContainer(p.tools(ctx)...), nil
		},
	}
	if !d.Enabled {
		d.DisabledReason = "GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are not set"
	}
	return d
}

// AuthURL returns the consent URL that connects an account under name.
// Offline access with forced consent makes Google return a refresh token
// every time.
func (p *Provider) AuthURL(name string) string {
	return p.oauth.AuthCodeURL(p.cfg.States.Issue(name), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (p *Provider) resolve(ctx context.Context, requested string) (string, error) {
	return credentials.ResolveScopedAccount(ctx, p.cfg.Store, accountScope(ctx), requested)
}

func accountScope(ctx context.Context) *credentials.Scope {
	id, ok := hub.IdentityFrom(ctx)
	if !ok || id.Accounts == nil {
		return nil
	}
	return &credentials.Scope{User: id.Username, Accounts: id.Accounts}
}
