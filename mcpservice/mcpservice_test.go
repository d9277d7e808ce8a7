package mcpservice

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-hub-go/mcp"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
	Repeat  int    `json:"repeat,omitempty" jsonschema:"minimum=1,maximum=5"`
}

func echoTool() StaticTool {
	return NewTool("echo", func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[echoArgs]) error {
		n := r.Args().Repeat
		if n == 0 {
			n = 1
		}
		return w.AppendText(strings.Repeat(r.Args().Message, n))
	}, WithToolDescription("Echo a message"))
}

func TestNewTool_ReflectsSchema(t *testing.T) {
	tool := echoTool()
	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	msg, ok := schema.Properties["message"]
	if !ok || msg.Type != "string" || msg.Description != "Text to echo" {
		t.Fatalf("unexpected message property: %+v", msg)
	}
	rep := schema.Properties["repeat"]
	if rep.Minimum == nil || *rep.Minimum != 1 || rep.Maximum == nil || *rep.Maximum != 5 {
		t.Fatalf("expected repeat bounds, got %+v", rep)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "message" {
		t.Fatalf("expected message required, got %v", schema.Required)
	}
	if tool.Descriptor.Description != "Echo a message" {
		t.Fatalf("unexpected description %q", tool.Descriptor.Description)
	}
}

func TestNewTool_StrictDecoding(t *testing.T) {
	tool := echoTool()
	res, err := tool.Handler(t.Context(), &mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result for unknown field")
	}
	if !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Fatalf("unexpected message %q", res.Content[0].Text)
	}
}

func TestToolsContainer_CallAndList(t *testing.T) {
	c := NewToolsContainer(echoTool())

	tools, err := c.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools %+v", tools)
	}

	res, err := c.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "echo", Arguments: json.RawMessage(`{"message":"ab","repeat":2}`)})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || res.Content[0].Text != "abab" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = c.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "nope"})
	if err != nil {
		t.Fatalf("CallTool unknown: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError for unknown tool")
	}
}

func TestToolsContainer_ReplaceLastWins(t *testing.T) {
	first := TypedTool(mcp.Tool{Name: "dup"}, func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return TextResult("first"), nil
	})
	second := TypedTool(mcp.Tool{Name: "dup", Description: "second"}, func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return TextResult("second"), nil
	})
	c := NewToolsContainer(first, second)
	list := c.Snapshot()
	if len(list) != 1 || list[0].Description != "second" {
		t.Fatalf("expected single descriptor from last definition, got %+v", list)
	}
	res, _ := c.CallTool(t.Context(), &mcp.CallToolRequestReceived{Name: "dup"})
	if res.Content[0].Text != "second" {
		t.Fatalf("expected second handler, got %q", res.Content[0].Text)
	}
}

func TestToolsContainer_ListChanged(t *testing.T) {
	c := NewToolsContainer()
	ctx, cancel := context.WithCancel(t.Context())
	ch := c.SubscribeListChanged(ctx)

	if !c.Add(echoTool()) {
		t.Fatalf("expected Add to succeed")
	}
	if c.Add(echoTool()) {
		t.Fatalf("expected duplicate Add to fail")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for list change")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A pending signal may still be buffered; the next receive must observe close.
			if _, ok := <-ch; ok {
				t.Fatalf("expected channel closed after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscription release")
	}
}

func TestToolResponseWriter_FailAndFinalize(t *testing.T) {
	w := newToolResponseWriter(t.Context())
	if err := w.Fail("boom %d", 1); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	res := w.Result()
	if !res.IsError || res.Content[0].Text != "boom 1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := w.AppendText("late"); err != ErrFinalized {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}

func TestCallerRoundTrip(t *testing.T) {
	ctx := WithCaller(t.Context(), Caller{SessionID: "s1", Provider: "ping"})
	c, ok := CallerFrom(ctx)
	if !ok || c.SessionID != "s1" || c.Provider != "ping" {
		t.Fatalf("unexpected caller %+v", c)
	}
	if _, ok := CallerFrom(t.Context()); ok {
		t.Fatalf("expected no caller on bare context")
	}
}
