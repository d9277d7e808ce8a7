package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdoutR *bufio.Scanner
	outMu   sync.Mutex
	lines   []string
	served  chan error
}

var defaultProtocolVersion = mcp.LatestProtocolVersion

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: defaultProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

type noArgs struct{}

type testProvider struct {
	acl *acl.Registry

	mu      sync.Mutex
	tools   *mcpservice.ToolsContainer
	started chan struct{}
}

func (p *testProvider) container() *mcpservice.ToolsContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tools
}

func newTestRegistry(t *testing.T) (*hub.Registry, *testProvider) {
	t.Helper()
	p := &testProvider{acl: acl.NewRegistry(nil), started: make(chan struct{}, 1)}
	reg := hub.NewRegistry(hub.WithACL(p.acl))
	err := reg.Register(hub.Descriptor{
		Name:    "local",
		Version: "0.1.0",
		Enabled: true,
		Policy:  acl.MustPolicy(acl.Viewer, map[string]acl.Level{"danger": acl.Admin}),
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			tools := mcpservice.NewToolsContainer(
				mcpservice.NewTool("echo", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct {
					Message string `json:"message"`
				}]) error {
					return w.AppendText(r.Args().Message)
				}),
				mcpservice.NewTool("danger", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
					caller, _ := mcpservice.CallerFrom(ctx)
					return w.AppendText(fmt.Sprintf("done for %q", caller.SessionID))
				}),
				mcpservice.NewTool("block", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
					p.started <- struct{}{}
					<-ctx.Done()
					return ctx.Err()
				}),
			)
			p.mu.Lock()
			p.tools = tools
			p.mu.Unlock()
			return tools, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(hub.Descriptor{Name: "off", DisabledReason: "missing token"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, p
}

func newHarness(t *testing.T, providers *hub.Registry, provider string, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(providers, provider, append([]Option{
		WithIO(inR, outW),
		WithLogger(slog.Default()),
		WithUserProvider(UserProviderFunc(func() (string, error) { return "tester", nil })),
	}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, ctx: ctx, cancel: cancel, stdinW: inW, stdoutR: bufio.NewScanner(outR), served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		// allow goroutines to wind down
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

// send helper writes a JSON-RPC request (as marshalled JSON + newline) to stdin.
func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = th.stdinW.Write(append(b, '\n'))
	return err
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		return nil, err
	}
	if any.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s", any.Type())
	}
	return any.AsResponse(), nil
}

func (th *testHarness) initialize(t *testing.T, id string, req mcp.InitializeRequest) *mcp.InitializeResult {
	t.Helper()

	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, req),
	}

	if err := th.send(initReq); err != nil {
		t.Fatalf("send initialize: %v", err)
	}

	res, err := th.expectResponse(1 * time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	return &initRes
}

func (th *testHarness) callTool(t *testing.T, id int, name string, args any) *mcp.CallToolResult {
	t.Helper()
	if err := th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, map[string]any{"name": name, "arguments": args}),
	}); err != nil {
		t.Fatalf("send call: %v", err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect call response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("call %s failed: %+v", name, res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	return &out
}

func (th *testHarness) drainUntilMethod(method string, timeout time.Duration) (*jsonrpc.Request, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := th.nextLine(10 * time.Millisecond)
		if err != nil {
			continue
		}
		var any jsonrpc.AnyMessage
		if json.Unmarshal([]byte(line), &any) != nil {
			continue
		}
		if any.Type() == "response" {
			// push response back into queue for future expectations
			th.outMu.Lock()
			th.lines = append([]string{line}, th.lines...)
			th.outMu.Unlock()
			continue
		}
		req := any.AsRequest()
		if req != nil && req.Method == method {
			return req, true
		}
	}
	return nil, false
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestInitializeListAndCall(t *testing.T) {
	reg, _ := newTestRegistry(t)
	th := newHarness(t, reg, "local")

	got := th.initialize(t, "1", defaultInitializeRequest())
	if got.ServerInfo.Name != "local" || got.ServerInfo.Version != "0.1.0" {
		t.Fatalf("unexpected server info: %+v", got.ServerInfo)
	}
	if got.ProtocolVersion != defaultProtocolVersion {
		t.Fatalf("unexpected protocol version %q", got.ProtocolVersion)
	}

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(2)}); err != nil {
		t.Fatalf("send list: %v", err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect list response: %v", err)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(list.Tools))
	}

	out := th.callTool(t, 3, "echo", map[string]any{"message": "hi"})
	if out.IsError || out.Content[0].Text != "hi" {
		t.Fatalf("unexpected echo result: %+v", out)
	}
}

func TestTrustedLocalBypassesPolicy(t *testing.T) {
XX, map[string]any{})
	if out.IsError {
		t.Fatalf("trusted local call denied: %+v", out)
	}
	if out.Content[0].Text != `done for ""` {
		t.Fatalf("expected empty session id, got %q", out.Content[0].Text)
	}
}

func TestInvalidMessages(t *testing.T) {
	reg, _ := newTestRegistry(t)
	th := newHarness(t, reg, "local")

	if _, err := th.stdinW.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect error response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "resources/list", ID: jsonrpc.NewRequestID(7)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect error response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", res)
	}
}

func TestListChangedNotification(t *testing.T) {
	reg, p := newTestRegistry(t)
	th := newHarness(t, reg, "local")
	th.initialize(t, "1", defaultInitializeRequest())

	p.container().Add(mcpservice.NewTool("late", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
		return nil
	}))
	if _, ok := th.drainUntilMethod(string(mcp.ToolsListChangedNotificationMethod), time.Second); !ok {
		t.Fatalf("expected tools list_changed notification")
	}
}

func TestCancelledNotificationAbortsCall(t *testing.T) {
	reg, p := newTestRegistry(t)
	th := newHarness(t, reg, "local")
	th.initialize(t, "1", defaultInitializeRequest())

	if err := th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID("slow"),
		Params:         mustJSON(t, map[string]any{"name": "block"}),
	}); err != nil {
		t.Fatalf("send call: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(time.Second):
		t.Fatalf("tool did not start")
	}

	if err := th.send(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         mustJSON(t, map[string]any{"requestId": "slow", "reason": "user abort"}),
	}); err != nil {
		t.Fatalf("send cancel: %v", err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("expected request cancelled error, got %+v", res)
	}
}

func TestServeEndsOnEOF(t *testing.T) {
	reg, _ := newTestRegistry(t)
	th := newHarness(t, reg, "local")
	th.initialize(t, "1", defaultInitializeRequest())

	_ = th.stdinW.Close()
	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serve did not return after EOF")
	}
}

func TestServeRejectsUnavailableProviders(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tests := []struct {
		provider string
		want     error
	}{
		{provider: "nope", want: hub.ErrUnknownProvider},
		{provider: "off", want: hub.ErrProviderDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			h := NewHandler(reg, tt.provider, WithIO(strings.NewReader(""), io.Discard))
			if err := h.Serve(t.Context()); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
