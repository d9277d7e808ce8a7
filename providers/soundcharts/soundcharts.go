// Package soundcharts exposes read-only music market data from the
// Soundcharts API.
package soundcharts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/httpretry"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// Name is the registry name of the provider.
const Name = "soundcharts"

// DefaultBaseURL is the customer API root.
const DefaultBaseURL = "https://customer.api.soundcharts.com"

// Config configures the provider.
type Config struct {
	AppID   string `env:"SOUNDCHARTS_APP_ID"`
	APIKey  string `env:"SOUNDCHARTS_API_KEY"`
	BaseURL string `env:"SOUNDCHARTS_BASE_URL"`

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a minimal Soundcharts API client.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpretry.New(http.DefaultTransport, 5, 5).Client(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, http: cfg.HTTPClient, log: cfg.Logger}
}

// Get returns the decoded JSON answer of path.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (any, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-app-id", c.cfg.AppID)
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	c.log.DebugContext(ctx, "soundcharts.request", slog.String("path", path))
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, fmt.Errorf("Soundcharts API error %d: %s", res.StatusCode, msg)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Descriptor returns the registry entry. Without both credentials the
// provider is registered disabled.
func Descriptor(cfg Config) hub.Descriptor {
	c := NewClient(cfg)
	d := hub.Descriptor{
		Name:        Name,
		Description: "Soundcharts - artist and song market data",
		Version:     "1.0.0",
		Enabled:     cfg.AppID != "" && cfg.APIKey != "",
		Shared:      true,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return mcpservice.NewToolsContainer(c.tools()...), nil
		},
	}
	if !d.Enabled {
		d.DisabledReason = "SOUNDCHARTS_APP_ID and SOUNDCHARTS_API_KEY are not set"
	}
	return d
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Name or title to search for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results (default 10),minimum=1,maximum=100"`
}

type uuidArgs struct {
	UUID string `json:"uuid" jsonschema:"description=Soundcharts artist UUID"`
}

func (c *Client) tools() []mcpservice.StaticTool {
	search := func(kind string) func(ctx context.Context, a searchArgs) (any, error) {
		return func(ctx context.Context, a searchArgs) (any, error) {
			if strings.TrimSpace(a.Query) == "" {
				return nil, fmt.Errorf("query is required")
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 10
			}
			return c.Get(ctx, "/api/v2/"+kind+"/search/"+url.PathEscape(a.Query), url.Values{"limit": {strconv.Itoa(limit)}})
		}
	}
	artist := func(suffix string) func(ctx context.Context, a uuidArgs) (any, error) {
		return func(ctx context.Context, a uuidArgs) (any, error) {
			if strings.TrimSpace(a.UUID) == "" {
				return nil, fmt.Errorf("uuid is required")
			}
			return c.Get(ctx, "/api/v2/artist/"+url.PathEscape(a.UUID)+suffix, nil)
		}
	}
	referential := func(kind string) func(ctx context.Context, _ struct{}) (any, error) {
		return func(ctx context.Context, _ struct{}) (any, error) {
			return c.Get(ctx, "/api/v2/referential/"+kind, nil)
		}
	}

	return []mcpservice.StaticTool{
		jsonTool("soundcharts-search-artists", "Search for artists on Soundcharts by name", search("artist")),
		jsonTool("soundcharts-search-songs", "Search for songs on Soundcharts by title", search("song")),
		jsonTool("soundcharts-get-artist", "Get detailed information about an artist", artist("")),
		jsonTool("soundcharts-get-artist-identifiers", "Get the platform identifiers of an artist", artist("/identifiers")),
		jsonTool("soundcharts-get-platforms", "Get the list of all available streaming platforms", referential("platforms")),
		jsonTool("soundcharts-get-genres", "Get the list of all music genres", referential("genres")),
	}
}

func jsonTool[A any](name, desc string, fn func(ctx context.Context, a A) (any, error)) mcpservice.StaticTool {
	return mcpservice.NewTool(name, func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[A]) error {
		out, err := fn(ctx, r.Args())
		if err != nil {
			return w.Fail("Error: %v", err)
		}
		return w.AppendJSON(out)
	}, mcpservice.WithToolDescription(desc), mcpservice.WithToolReadOnly())
}
