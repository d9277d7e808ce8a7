package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"github.com/ggoodman/mcp-hub-go/providers/ping"
)

// script renders requests as newline-delimited JSON input.
func script(t *testing.T, reqs ...*jsonrpc.Request) string {
	t.Helper()
	var b strings.Builder
	for _, r := range reqs {
		b.Write(mustJSON(t, r))
		b.WriteByte('\n')
	}
	return b.String()
}

func initRequest(t *testing.T) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init"),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
}

func toolCall(t *testing.T, id int, name string) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, map[string]any{"name": name}),
	}
}

// serveScript runs a handler over input until EOF and returns the tool
// results keyed by request id.
func serveScript(t *testing.T, reg *hub.Registry, provider, input string) map[string]*mcp.CallToolResult {
	t.Helper()
	var out bytes.Buffer
	h := NewHandler(reg, provider, WithIO(strings.NewReader(input), &out))
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("serve: %v", err)
	}

	results := make(map[string]*mcp.CallToolResult)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		res := msg.AsResponse()
		if res == nil || res.ID.String() == "init" {
			continue
		}
		if res.Error != nil {
			t.Fatalf("request %s failed: %+v", res.ID.String(), res.Error)
		}
		var r mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &r); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		results[res.ID.String()] = &r
	}
	return results
}

func TestCallsRunInLineOrder(t *testing.T) {
	reg := hub.NewRegistry()
	if err := reg.Register(ping.New()); err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 50
	reqs := []*jsonrpc.Request{initRequest(t)}
	for i := 1; i <= n; i++ {
		reqs = append(reqs, toolCall(t, i, "counter"))
	}
	results := serveScript(t, reg, ping.Name, script(t, reqs...))

	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i := 1; i <= n; i++ {
		id := jsonrpc.NewRequestID(i).String()
		r, ok := results[id]
		if !ok {
			t.Fatalf("missing result for %s", id)
		}
		var got struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal([]byte(r.Content[0].Text), &got); err != nil {
			t.Fatalf("decode count: %v", err)
		}
		if got.Count != i {
			t.Fatalf("request %d ran as call %d", i, got.Count)
		}
	}
}

func TestEOFAnswersCallsInFlight(t *testing.T) {
	reg := hub.NewRegistry()
	err := reg.Register(hub.Descriptor{
		Name:    "slow",
		Enabled: true,
		Factory: func(ctx context.Context) (mcpservice.OperationSet, error) {
			return mcpservice.NewToolsContainer(
				mcpservice.NewTool("settle", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
					select {
					case <-time.After(50 * time.Millisecond):
					case <-ctx.Done():
						return ctx.Err()
					}
					return w.AppendText("settled")
				}),
			), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	results := serveScript(t, reg, "slow", script(t, initRequest(t), toolCall(t, 1, "settle"), toolCall(t, 2, "settle")))
	for _, id := range []int{1, 2} {
		r, ok := results[jsonrpc.NewRequestID(id).String()]
		if !ok {
			t.Fatalf("no answer for call %d", id)
		}
		if r.IsError || r.Content[0].Text != "settled" {
			t.Fatalf("call %d: unexpected result %+v", id, r)
		}
	}
}
