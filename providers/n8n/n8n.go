// Package n8n proxies tools/list and tools/call to an n8n-mcp subprocess.
// One subprocess serves every session of the hub.
package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Name is the registry name of the provider.
const Name = "n8n"

// ErrNotConnected is returned while the upstream session is down.
var ErrNotConnected = errors.New("n8n-mcp is not connected")

// Config configures the provider.
type Config struct {
	// Command and Args start the upstream server. They default to
	// "npx --yes n8n-mcp".
	Command string   `env:"N8N_MCP_COMMAND,default=npx"`
	Args    []string `env:"N8N_MCP_ARGS,default=--yes;n8n-mcp"`
	APIURL  string   `env:"N8N_API_URL"`
	APIKey  string   `env:"N8N_API_KEY"`

	// Transport, when set, replaces the subprocess. Each call must return a
	// fresh transport.
	Transport func() sdk.Transport
	Logger    *slog.Logger
}

// Descriptor returns the registry entry of the shared proxy. Without the
// upstream command on PATH the provider is registered disabled.
func Descriptor(cfg Config) hub.Descriptor {
	if cfg.Command == "" {
		cfg.Command = "npx"
		cfg.Args = []string{"--yes", "n8n-mcp"}
	}
	d := hub.Descriptor{
		Name:        Name,
		Description: "n8n workflow automation - nodes, templates, pipeline creation",
		Version:     "1.0.0",
		Enabled:     true,
		Shared:      true,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			p := newProxy(cfg)
			if err := p.connect(ctx); err != nil {
				return nil, err
			}
			return p, nil
		},
	}
	if cfg.Transport == nil {
		if _, err := exec.LookPath(cfg.Command); err != nil {
			d.Enabled = false
			d.DisabledReason = fmt.Sprintf("%s not found on PATH", cfg.Command)
		}
	}
	return d
}

// Proxy forwards operations to the upstream MCP server. A lost upstream
// session is re-established on the next call.
type Proxy struct {
	cfg    Config
	log    *slog.Logger
	client *sdk.Client

	notifier mcpservice.ChangeNotifier

	mu      sync.Mutex
	session *sdk.ClientSession
	closed  bool
}

var (
	_ mcpservice.OperationSet     = (*Proxy)(nil)
	_ mcpservice.ListChangeSource = (*Proxy)(nil)
)

func newProxy(cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Proxy{cfg: cfg, log: cfg.Logger}
	p.client = sdk.NewClient(&sdk.Implementation{Name: "mcp-hub-n8n-proxy", Version: "1.0.0"}, &sdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *sdk.ToolListChangedRequest) {
			p.notifier.Notify()
		},
	})
	return p
}

func (p *Proxy) transport() sdk.Transport {
	if p.cfg.Transport != nil {
		return p.cfg.Transport()
	}
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), "MCP_MODE=stdio", "LOG_LEVEL=error", "DISABLE_CONSOLE_OUTPUT=true")
	if p.cfg.APIURL != "" {
		cmd.Env = append(cmd.Env, "N8N_API_URL="+p.cfg.APIURL)
	}
	if p.cfg.APIKey != "" {
		cmd.Env = append(cmd.Env, "N8N_API_KEY="+p.cfg.APIKey)
	}
	return &sdk.CommandTransport{Command: cmd}
}

func (p *Proxy) connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.connectLocked(ctx)
	return err
}

func (p *Proxy) connectLocked(ctx context.Context) (*sdk.ClientSession, error) {
	if p.closed {
		return nil, ErrNotConnected
	}
	if p.session != nil {
		return p.session, nil
	}

	start := time.Now()
	cs, err := p.client.Connect(ctx, p.transport(), nil)
	if err != nil {
		p.log.WarnContext(ctx, "n8n.connect.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("connect n8n-mcp: %w", err)
	}
	p.session = cs
	p.log.InfoContext(ctx, "n8n.connect.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	go func() {
		err := cs.Wait()
		p.mu.Lock()
		if p.session == cs {
			p.session = nil
		}
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			attrs := []any{}
			if err != nil {
				attrs = append(attrs, slog.String("err", err.Error()))
			}
			p.log.Warn("n8n.session.lost", attrs...)
		}
	}()
	return cs, nil
}

func (p *Proxy) current(ctx context.Context) (*sdk.ClientSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

// ListTools returns every upstream tool, following pagination.
func (p *Proxy) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	cs, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []mcp.Tool
	params := &sdk.ListToolsParams{}
	for {
		res, err := cs.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list n8n tools: %w", err)
		}
		for _, t := range res.Tools {
			var tool mcp.Tool
			if err := remarshal(t, &tool); err != nil {
				return nil, fmt.Errorf("convert tool %s: %w", t.Name, err)
			}
			out = append(out, tool)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool forwards the call. Upstream tool failures come back as isError
// results; transport failures are returned as errors.
func (p *Proxy) CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	cs, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	params := &sdk.CallToolParams{Name: req.Name}
	if len(req.Arguments) > 0 {
		params.Arguments = req.Arguments
	} else {
		params.Arguments = map[string]any{}
	}
	res, err := cs.CallTool(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("call n8n tool %s: %w", req.Name, err)
	}
	var out mcp.CallToolResult
	if err := remarshal(res, &out); err != nil {
		return nil, fmt.Errorf("convert result of %s: %w", req.Name, err)
	}
	if out.Content == nil {
		out.Content = []mcp.ContentBlock{}
	}
	return &out, nil
}

// SubscribeListChanged implements mcpservice.ListChangeSource.
func (p *Proxy) SubscribeListChanged(ctx context.Context) <-chan struct{} {
	return p.notifier.Subscribe(ctx)
}

// Close ends the upstream session and the subprocess.
func (p *Proxy) Close() error {
	p.mu.Lock()
	cs := p.session
	p.session = nil
	p.closed = true
	p.mu.Unlock()

	p.notifier.Close()
	if cs == nil {
		return nil
	}
	return cs.Close()
}

func remarshal(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, to)
}
