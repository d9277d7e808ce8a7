package n8n

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type upstream struct {
	srv   *sdk.Server
	dials atomic.Int32

	mu       sync.Mutex
	sessions []*sdk.ServerSession
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{srv: sdk.NewServer(&sdk.Implementation{Name: "fake-n8n", Version: "1.0.0"}, nil)}
	u.srv.AddTool(&sdk.Tool{
		Name:        "search_nodes",
		Description: "Search n8n nodes",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string", "minLength": 1}},
			"required":   []string{"query"},
		},
	}, func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(req.Params.Arguments, &args)
		if args.Query == "" {
			return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: "query required"}}}, nil
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "found " + args.Query}}}, nil
	})
	return u
}

func (u *upstream) transport(t *testing.T) func() sdk.Transport {
	return func() sdk.Transport {
		u.dials.Add(1)
		clientSide, serverSide := sdk.NewInMemoryTransports()
		ss, err := u.srv.Connect(context.Background(), serverSide, nil)
		if err != nil {
			t.Errorf("server connect: %v", err)
		}
		u.mu.Lock()
		u.sessions = append(u.sessions, ss)
		u.mu.Unlock()
		return clientSide
	}
}

func (u *upstream) dropSessions() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, ss := range u.sessions {
		_ = ss.Close()
	}
	u.sessions = nil
}

func newTestProxy(t *testing.T, u *upstream) *Proxy {
	t.Helper()
	ops, err := Descriptor(Config{Transport: u.transport(t)}).Factory(t.Context())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	p := ops.(*Proxy)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestListAndCall(t *testing.T) {
	u := newUpstream(t)
	p := newTestProxy(t, u)

	tools, err := p.ListTools(t.Context())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search_nodes" || tools[0].Description != "Search n8n nodes" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	// Keywords outside the simplified schema model survive the proxy.
	raw, _ := json.Marshal(tools[0].InputSchema)
	if !strings.Contains(string(raw), `"minLength":1`) {
		t.Fatalf("schema lost keywords: %s", raw)
	}

	res, err := p.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "search_nodes", Arguments: json.RawMessage(`{"query":"webhook"}`)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "found webhook" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = p.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "search_nodes"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError || res.Content[0].Text != "query required" {
		t.Fatalf("expected upstream error result, got %+v", res)
	}
}

func TestListChangedIsForwarded(t *testing.T) {
	u := newUpstream(t)
	p := newTestProxy(t, u)

	ch := p.SubscribeListChanged(t.Context())
	u.srv.AddTool(&sdk.Tool{Name: "get_template", InputSchema: map[string]any{"type": "object"}}, func(context.Context, *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		return &sdk.CallToolResult{}, nil
	})

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no list change signal")
	}
	tools, _ := p.ListTools(t.Context())
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
}

func TestReconnectsAfterUpstreamLoss(t *testing.T) {
	u := newUpstream(t)
	p := newTestProxy(t, u)

	u.dropSessions()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		gone := p.session == nil
		p.mu.Unlock()
		if gone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lost session not noticed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := p.ListTools(t.Context()); err != nil {
		t.Fatalf("list after reconnect: %v", err)
	}
	if got := u.dials.Load(); got != 2 {
		t.Fatalf("expected 2 dials, got %d", got)
	}
}

func TestClosedProxyRefusesCalls(t *testing.T) {
	u := newUpstream(t)
	p := newTestProxy(t, u)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.ListTools(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSharedAcrossSessions(t *testing.T) {
	u := newUpstream(t)
	reg := hub.NewRegistry()
	if err := reg.Register(Descriptor(Config{Transport: u.transport(t)})); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	reg.Warm(t.Context())
	for range 3 {
		ops, err := reg.Instantiate(t.Context(), Name)
		if err != nil {
			t.Fatalf("instantiate: %v", err)
		}
		if _, err := ops.ListTools(t.Context()); err != nil {
			t.Fatalf("list: %v", err)
		}
	}
	if got := u.dials.Load(); got != 1 {
		t.Fatalf("expected a single upstream connection, got %d", got)
	}
}

func TestDisabledWithoutCommand(t *testing.T) {
	d := Descriptor(Config{Command: "mcp-hub-no-such-command"})
	if d.Enabled || !strings.Contains(d.DisabledReason, "mcp-hub-no-such-command") {
		t.Fatalf("unexpected descriptor %+v", d)
	}
}
