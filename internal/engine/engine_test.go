package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"github.com/ggoodman/mcp-hub-go/sessions"
	"github.com/ggoodman/mcp-hub-go/sessions/memoryhost"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []jsonrpc.Request
	got  chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{got: make(chan struct{}, 64)}
}

func (p *recordingPublisher) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, req)
	p.mu.Unlock()
	p.got <- struct{}{}
	return "1", nil
}

func (p *recordingPublisher) wait(t *testing.T) jsonrpc.Request {
	t.Helper()
	select {
	case <-p.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published message")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

type blockArgs struct{}

type progressArgs struct {
	Steps int `json:"steps"`
}

type completingOps struct {
	*mcpservice.ToolsContainer
	done chan struct{}
}

func (c *completingOps) Done() <-chan struct{} { return c.done }

type fixture struct {
	eng     *Engine
	table   *sessions.Table
	out     *recordingPublisher
	started chan struct{}
	tools   *mcpservice.ToolsContainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		table:   sessions.NewTable(),
		out:     newRecordingPublisher(),
		started: make(chan struct{}, 1),
	}
	t.Cleanup(f.table.Close)

	providers := hub.NewRegistry()
	mustRegister(t, providers, hub.Descriptor{
		Name:    "ping",
		Version: "1.2.3",
		Enabled: true,
		Factory: func(context.Context) (mcpservice.OperationSet, error) {
			f.tools = mcpservice.NewToolsContainer(
				mcpservice.NewTool("ping", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
					return w.AppendText("pong")
				}),
				mcpservice.NewTool("block", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
					f.started <- struct{}{}
					<-ctx.Done()
					return ctx.Err()
				}),
				mcpservice.NewTool("steps", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[progressArgs]) error {
					for i := 1; i <= r.Args().Steps; i++ {
						if err := w.SendProgress(float64(i), float64(r.Args().Steps)); err != nil {
							return err
						}
					}
					return w.AppendText("done")
				}),
			)
			return f.tools, nil
		},
	})
	mustRegister(t, providers, hub.Descriptor{Name: "off", Enabled: false, DisabledReason: "missing credentials"})
	mustRegister(t, providers, hub.Descriptor{
		Name:    "broken",
		Enabled: true,
		Factory: func(context.Context) (mcpservice.OperationSet, error) { return nil, errors.New("upstream down") },
	})

	f.eng = NewEngine(providers, f.table, hub.NewInvoker(nil), f.out)
	return f
}

func mustRegister(t *testing.T, r *hub.Registry, d hub.Descriptor) {
	t.Helper()
	if err := r.Register(d); err != nil {
		t.Fatalf("Register %s: %v", d.Name, err)
	}
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	return req
}

func decodeResult[T any](t *testing.T, res *jsonrpc.Response) T {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("unexpected error response: %+v", res.Error)
	}
	var out T
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestOpenErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.Open(t.Context(), "nope"); !errors.Is(err, hub.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, err := f.eng.Open(t.Context(), "off"); !errors.Is(err, hub.ErrProviderDisabled) {
		t.Fatalf("expected ErrProviderDisabled, got %v", err)
	}
	if _, err := f.eng.Open(t.Context(), "broken"); !errors.Is(err, ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
	if n := f.table.Len(); n != 0 {
		t.Fatalf("expected no sessions after failures, got %d", n)
	}
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	res := f.eng.HandleRequest(t.Context(), sess, request(t, 1, "initialize", mcp.InitializeRequest{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      mcp.ImplementationInfo{Name: "test", Version: "0"},
	}))
	init := decodeResult[mcp.InitializeResult](t, res)
	if init.ProtocolVersion != "2025-03-26" {
		t.Fatalf("expected echoed version, got %q", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "ping" || init.ServerInfo.Version != "1.2.3" {
		t.Fatalf("unexpected server info %+v", init.ServerInfo)
	}
	if init.Capabilities.Tools == nil || !init.Capabilities.Tools.ListChanged {
		t.Fatalf("expected tools capability with listChanged")
	}
	if sess.ProtocolVersion() != "2025-03-26" {
		t.Fatalf("session did not record version")
	}

	res = f.eng.HandleRequest(t.Context(), sess, request(t, 2, "initialize", mcp.InitializeRequest{ProtocolVersion: "1999-01-01"}))
	if got := decodeResult[mcp.InitializeResult](t, res).ProtocolVersion; got != mcp.LatestProtocolVersion {
		t.Fatalf("expected latest version for unsupported request, got %q", got)
	}
}

func TestListCallPingAndUnknownMethod(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	list := decodeResult[mcp.ListToolsResult](t, f.eng.HandleRequest(t.Context(), sess, request(t, 1, "tools/list", nil)))
	if len(list.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(list.Tools))
	}

	call := decodeResult[mcp.CallToolResult](t, f.eng.HandleRequest(t.Context(), sess, request(t, "a", "tools/call", map[string]any{"name": "ping"})))
	if call.IsError || len(call.Content) != 1 || call.Content[0].Text != "pong" {
		t.Fatalf("unexpected call result %+v", call)
	}

	call = decodeResult[mcp.CallToolResult](t, f.eng.HandleRequest(t.Context(), sess, request(t, "b", "tools/call", map[string]any{"name": "missing"})))
	if !call.IsError {
		t.Fatalf("expected isError for unknown tool")
	}

	if res := f.eng.HandleRequest(t.Context(), sess, request(t, 3, "ping", nil)); res.Error != nil {
		t.Fatalf("ping failed: %+v", res.Error)
	}

	res := f.eng.HandleRequest(t.Context(), sess, request(t, 4, "resources/list", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", res)
	}

	res = f.eng.HandleRequest(t.Context(), sess, request(t, 5, "tools/call", map[string]any{}))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", res)
	}
}

func TestCancelledNotificationAbortsCall(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- f.eng.HandleRequest(context.Background(), sess, request(t, 7, "tools/call", map[string]any{"name": "block"}))
	}()

	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool did not start")
	}

	note := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "notifications/cancelled",
		Params:         json.RawMessage(`{"requestId":7,"reason":"user aborted"}`),
	}
	f.eng.HandleNotification(t.Context(), sess, note)

	select {
	case res := <-done:
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
			t.Fatalf("expected RequestCancelled, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled call did not return")
	}

	// The session keeps serving after a cancellation.
	call := decodeResult[mcp.CallToolResult](t, f.eng.HandleRequest(t.Context(), sess, request(t, 8, "tools/call", map[string]any{"name": "ping"})))
	if call.IsError {
		t.Fatalf("expected ping to succeed after cancel")
	}
}

func TestDestroyAbortsInFlightCall(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- f.eng.HandleRequest(context.Background(), sess, request(t, 1, "tools/call", map[string]any{"name": "block"}))
	}()
	<-f.started
	f.table.Destroy(sess.ID)

	select {
	case res := <-done:
		if res.Error == nil && !decodeResult[mcp.CallToolResult](t, res).IsError {
			t.Fatalf("expected the aborted call to fail, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("destroy did not abort the call")
	}

	res := f.eng.HandleRequest(t.Context(), sess, request(t, 2, "tools/list", nil))
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeSessionNotFound {
		t.Fatalf("expected SessionNotFound after destroy, got %+v", res)
	}
}

func TestProgressNotificationsArePublished(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	res := f.eng.HandleRequest(t.Context(), sess, request(t, 1, "tools/call", map[string]any{
		"name":      "steps",
		"arguments": map[string]any{"steps": 2},
		"_meta":     map[string]any{"progressToken": "tok"},
	}))
	if call := decodeResult[mcp.CallToolResult](t, res); call.IsError {
		t.Fatalf("unexpected error result %+v", call)
	}

	for i := 1; i <= 2; i++ {
		msg := f.out.wait(t)
		if msg.Method != "notifications/progress" {
			t.Fatalf("expected progress notification, got %q", msg.Method)
		}
		var p struct {
			ProgressToken string  `json:"progressToken"`
			Progress      float64 `json:"progress"`
			Total         float64 `json:"total"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if p.ProgressToken != "tok" || p.Progress != float64(i) || p.Total != 2 {
			t.Fatalf("unexpected progress %+v", p)
		}
	}
}

func TestListChangedIsPublished(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.Open(t.Context(), "ping"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.tools.Remove("steps")
	if msg := f.out.wait(t); msg.Method != "notifications/tools/list_changed" {
		t.Fatalf("expected list_changed, got %q", msg.Method)
	}
}

func TestCompleterDestroysSession(t *testing.T) {
	table := sessions.NewTable()
	defer table.Close()
	ops := &completingOps{ToolsContainer: mcpservice.NewToolsContainer(), done: make(chan struct{})}

	providers := hub.NewRegistry()
	mustRegister(t, providers, hub.Descriptor{
		Name:    "proc",
		Enabled: true,
		Factory: func(context.Context) (mcpservice.OperationSet, error) { return ops, nil },
	})
	eng := NewEngine(providers, table, hub.NewInvoker(nil), nil)

	sess, err := eng.Open(t.Context(), "proc")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	close(ops.done)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not destroyed after completion")
	}
	if _, ok := table.Get(sess.ID); ok {
		t.Fatalf("session still in table")
	}
}

func TestLocalSessionIsTrusted(t *testing.T) {
	tools := mcpservice.NewToolsContainer(mcpservice.NewTool("secret", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[blockArgs]) error {
		c, _ := mcpservice.CallerFrom(ctx)
		if c.SessionID != "" {
			return w.Fail("expected local caller")
		}
		return w.AppendText("ok")
	}))
	sess := sessions.NewLocalSession("ping", tools)
	defer sess.Close()

	eng := NewEngine(hub.NewRegistry(), nil, hub.NewInvoker(nil), nil)
	call := decodeResult[mcp.CallToolResult](t, eng.HandleRequest(t.Context(), sess, request(t, 1, "tools/call", map[string]any{"name": "secret"})))
	if call.IsError || call.Content[0].Text != "ok" {
		t.Fatalf("unexpected result %+v", call)
	}
}

func TestOpenOpensSessionStream(t *testing.T) {
	table := sessions.NewTable()
	defer table.Close()
	host := memoryhost.New()
	table.OnDestroy(func(s *sessions.Session) { _ = host.CleanupSession(context.Background(), s.ID) })

	providers := hub.NewRegistry()
	mustRegister(t, providers, hub.Descriptor{
		Name:    "ping",
		Enabled: true,
		Factory: func(context.Context) (mcpservice.OperationSet, error) { return mcpservice.NewToolsContainer(), nil },
	})
	eng := NewEngine(providers, table, hub.NewInvoker(nil), host)

	sess, err := eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := host.PublishSession(t.Context(), sess.ID, []byte(`{}`)); err != nil {
		t.Fatalf("stream not opened with the session: %v", err)
	}
	table.Destroy(sess.ID)
	if _, err := host.PublishSession(t.Context(), sess.ID, []byte(`{}`)); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected closed stream after destroy, got %v", err)
	}
}

func TestNotifyAfterDestroyIsDropped(t *testing.T) {
	f := newFixture(t)
	sess, err := f.eng.Open(t.Context(), "ping")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.table.Destroy(sess.ID)

	reporter := &progressReporter{e: f.eng, sess: sess, token: json.RawMessage(`"tok"`)}
	_ = reporter.Report(context.Background(), 1, 2)
	f.eng.notify(context.Background(), sess, string(mcp.ToolsListChangedNotificationMethod), nil)

	f.out.mu.Lock()
	defer f.out.mu.Unlock()
	if len(f.out.msgs) != 0 {
		t.Fatalf("published %d messages for a destroyed session", len(f.out.msgs))
	}
}
