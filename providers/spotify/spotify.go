// Package spotify is the Spotify Web API provider: account management
// through OAuth, search, metadata, playlists, library and playback.
//
// Accounts are stored under a friendly name in a credentials.Store and
// refreshed on demand. Operations that change playback or account state
// require the admin level; playlist and library edits require editor.
package spotify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/httpretry"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"golang.org/x/oauth2"
)

// Name is the registry name of the provider.
const Name = "spotify"

// CallbackPattern is the route pattern of the OAuth redirect target.
const CallbackPattern = "GET /spotify/callback"

const (
	DefaultAuthURL     = "https://accounts.spotify.com/authorize"
	DefaultTokenURL    = "https://accounts.spotify.com/api/token"
	DefaultRedirectURL = "http://127.0.0.1:3000/spotify/callback"
)

// Scopes requested when connecting an account.
var Scopes = []string{
	"playlist-read-private",
	"playlist-read-collaborative",
	"playlist-modify-public",
	"playlist-modify-private",
	"ugc-image-upload",
	"user-read-playback-state",
	"user-modify-playback-state",
	"user-read-currently-playing",
	"user-read-recently-played",
	"user-library-read",
	"user-library-modify",
	"user-read-private",
	"user-read-email",
	"user-top-read",
}

// Policy is the level required by each operation. Everything else is open
// to viewers.
var Policy = acl.MustPolicy(acl.Viewer, map[string]acl.Level{
	"spotify-auth":           acl.Admin,
	"spotify-remove-account": acl.Admin,
	"spotify-play":           acl.Admin,
	"spotify-pause":          acl.Admin,
	"spotify-next":           acl.Admin,
	"spotify-previous":       acl.Admin,
	"spotify-set-volume":     acl.Admin,
	"spotify-add-to-queue":   acl.Admin,

	"spotify-create-playlist":       acl.Editor,
	"spotify-update-playlist":       acl.Editor,
	"spotify-add-to-playlist":       acl.Editor,
	"spotify-remove-from-playlist":  acl.Editor,
	"spotify-reorder-playlist":      acl.Editor,
	"spotify-update-playlist-cover": acl.Editor,
	"spotify-save-tracks":           acl.Editor,
	"spotify-remove-saved-tracks":   acl.Editor,
})

// Config configures the provider.
type Config struct {
	ClientID     string `env:"SPOTIFY_CLIENT_ID"`
	ClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`
	RedirectURL  string `env:"SPOTIFY_REDIRECT_URI"`

	// Endpoint overrides, mostly for tests.
	AuthURL    string
	TokenURL   string
	APIBaseURL string

	// Store holds connected accounts. Nil means an in-memory store.
	Store credentials.Store
	// States holds pending authorization states. Nil means a store with
	// credentials.DefaultStateTTL.
	States *credentials.StateStore
	// ACL, when set, adds the identify and session tools.
	ACL *acl.Registry
	// Directory is the identity directory of the provider.
	Directory acl.Loader
	// HTTPClient is used for API and token calls. Nil means a rate limited
	// client that honours Retry-After.
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
			AuthStyle: oauth2.AuthStyleInHeader,
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
		Description: "Spotify - playlists, playback, search, library management",
		Version:     "1.1.0",
		Enabled:     p.Configured(),
		Policy:      Policy,
		Directory:   p.cfg.Directory,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return mcpservice.NewToolsContainer(p.tools(ctx)...), nil
		},
	}
	if !d.Enabled {
		d.DisabledReason = "SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET are not set"
	}
	return d
}

// AuthURL returns the consent URL that connects an account under name. The
// state parameter is a single-use value that the callback maps back to name.
func (p *Provider) AuthURL(name string) string {
	return p.oauth.AuthCodeURL(p.cfg.States.Issue(name), oauth2.SetAuthURLParam("show_dialog", "true"))
}

// resolve picks the account for a call, see credentials.ResolveScopedAccount.
func (p *Provider) resolve(ctx context.Context, requested string) (string, error) {
	return credentials.ResolveScopedAccount(ctx, p.cfg.Store, accountScope(ctx), requested)
}

// accountScope limits account access to the caller's identity, if it has
// an account list.
func accountScope(ctx context.Context) *credentials.Scope {
	id, ok := hub.IdentityFrom(ctx)
	if !ok || id.Accounts == nil {
		return nil
	}
	return &credentials.Scope{User: id.Username, Accounts: id.Accounts}
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}
