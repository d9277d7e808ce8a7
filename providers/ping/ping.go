// Package ping is the connectivity provider. It is always enabled and needs
// no configuration.
package ping

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// Name is the registry name of the provider.
const Name = "ping"

// Stats reports hub-wide counters for the server-info operation.
type Stats struct {
	RegisteredServers int
	ActiveConnections int
}

// StatsFunc returns the current Stats.
type StatsFunc func() Stats

type config struct {
	hubName string
	version string
	stats   StatsFunc
	now     func() time.Time
}

// Option configures the provider.
type Option func(*config)

// WithHubName sets the name reported by server-info.
func WithHubName(name string) Option {
	return func(c *config) { c.hubName = name }
}

// WithVersion sets the version reported by server-info.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithStats sets the source of the server-info counters.
func WithStats(fn StatsFunc) Option {
	return func(c *config) { c.stats = fn }
}

// WithClock overrides the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

type echoArgs struct {
	Message string `json:"message,omitempty" jsonschema:"description=Text to send back. Defaults to pong."`
}

type serverInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	Uptime            int64  `json:"uptime"`
	RegisteredServers int    `json:"registeredServers"`
	ActiveConnections int    `json:"activeConnections"`
}

// New returns the ping descriptor. Every session gets its own instance so
// the counter operation is per session.
func New(opts ...Option) hub.Descriptor {
	cfg := config{hubName: "mcp-hub", version: "dev", now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	started := cfg.now()

	return hub.Descriptor{
		Name:        Name,
		Description: "Connectivity test server",
		Version:     "1.0.0",
		Enabled:     true,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return newOperations(cfg, started), nil
		},
	}
}

func newOperations(cfg config, started time.Time) *mcpservice.ToolsContainer {
	var calls atomic.Int64

	return mcpservice.NewToolsContainer(
		mcpservice.NewTool("ping", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			return w.AppendText("pong")
		}, mcpservice.WithToolDescription("Returns pong - used to test connectivity"), mcpservice.WithToolReadOnly()),

		mcpservice.NewTool("echo", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[echoArgs]) error {
			msg := r.Args().Message
			if msg == "" {
				msg = "pong"
			}
			return w.AppendText(msg)
		}, mcpservice.WithToolDescription("Echo a message back"), mcpservice.WithToolReadOnly()),

		mcpservice.NewTool("server-info", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			info := serverInfo{
				Name:    cfg.hubName,
				Version: cfg.version,
				Uptime:  int64(cfg.now().Sub(started).Seconds()),
			}
			if cfg.stats != nil {
				s := cfg.stats()
				info.RegisteredServers = s.RegisteredServers
				info.ActiveConnections = s.ActiveConnections
			}
			return w.AppendJSON(info)
		}, mcpservice.WithToolDescription("Returns information about the hub"), mcpservice.WithToolReadOnly()),

		mcpservice.NewTool("counter", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			return w.AppendJSON(map[string]int64{"count": calls.Add(1)})
		}, mcpservice.WithToolDescription("Increments and returns a counter private to this session")),
	)
}
