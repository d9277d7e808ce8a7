package ping

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

func call(t *testing.T, ops mcpservice.OperationSet, name, args string) *mcp.CallToolResult {
	t.Helper()
	req := &mcp.CallToolRequestReceived{Name: name}
	if args != "" {
		req.Arguments = json.RawMessage(args)
	}
	res, err := ops.CallTool(t.Context(), req)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if res.IsError {
		t.Fatalf("%s: unexpected error result %+v", name, res.Content)
	}
	return res
}

func TestPingAndEcho(t *testing.T) {
	d := New()
	if !d.Enabled || d.Name != Name {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	ops, err := d.Factory(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	tools, _ := ops.ListTools(t.Context())
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}

	if got := call(t, ops, "ping", "").Content[0].Text; got != "pong" {
		t.Fatalf("ping: %q", got)
	}
	if got := call(t, ops, "echo", `{"message":"hello"}`).Content[0].Text; got != "hello" {
		t.Fatalf("echo: %q", got)
	}
	if got := call(t, ops, "echo", `{}`).Content[0].Text; got != "pong" {
		t.Fatalf("echo default: %q", got)
	}
}

func TestServerInfo(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := New(
		WithHubName("test-hub"),
		WithVersion("1.2.3"),
		WithClock(clock),
		WithStats(func() Stats { return Stats{RegisteredServers: 5, ActiveConnections: 2} }),
	)
	ops, _ := d.Factory(t.Context())
	now = now.Add(90 * time.Second)

	var info serverInfo
	if err := json.Unmarshal([]byte(call(t, ops, "server-info", "").Content[0].Text), &info); err != nil {
		t.Fatal(err)
	}
	want := serverInfo{Name: "test-hub", Version: "1.2.3", Uptime: 90, RegisteredServers: 5, ActiveConnections: 2}
	if info != want {
		t.Fatalf("got %+v want %+v", info, want)
	}
}

func TestCounterIsPerInstance(t *testing.T) {
	d := New()
	a, _ := d.Factory(t.Context())
	b, _ := d.Factory(t.Context())

	count := func(ops mcpservice.OperationSet) int64 {
		var out map[string]int64
		_ = json.Unmarshal([]byte(call(t, ops, "counter", "").Content[0].Text), &out)
		return out["count"]
	}
	count(a)
	if got := count(a); got != 2 {
		t.Fatalf("a: expected 2, got %d", got)
	}
	if got := count(b); got != 1 {
		t.Fatalf("b: expected 1, got %d", got)
	}
}
