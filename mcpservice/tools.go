package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/invopop/jsonschema"
)

// ToolHandler handles one invocation of a tool.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest carries the decoded arguments of a typed tool call.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
	annotations               *mcp.ToolAnnotations
}

// WithToolDescription sets the description shown in tool listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolTitle sets a human readable title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. The default is strict.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolReadOnly marks the tool as free of side effects.
func WithToolReadOnly() ToolOption {
	return func(c *toolConfig) {
		if c.annotations == nil {
			c.annotations = &mcp.ToolAnnotations{}
		}
		t := true
		c.annotations.ReadOnlyHint = &t
	}
}

// NewTool builds a StaticTool from a typed argument struct A. The input
// schema is reflected from A and arguments are decoded into A before fn runs.
// Decoding failures are reported to the caller as isError results.
func NewTool[A any](name string, fn func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		Annotations: cfg.annotations,
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](req.Arguments, cfg.allowAdditionalProperties)
		if err != nil {
			return Errorf("invalid arguments: %v", err), nil
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// TypedTool wraps a function over decoded arguments with an explicit
// descriptor. Unknown fields are tolerated.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) StaticTool {
	return StaticTool{
		Descriptor: desc,
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			a, err := decodeArgs[A](req.Arguments, true)
			if err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
			return fn(ctx, a)
		},
	}
}

func decodeArgs[A any](raw json.RawMessage, lenient bool) (A, error) {
	var a A
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return a, nil
	}
	if lenient {
		err := json.Unmarshal(raw, &a)
		return a, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&a)
	return a, err
}

// reflectInputSchema reflects A into the simplified tool input schema.
// Non-object types produce an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Minimum != "" {
		if f, err := s.Minimum.Float64(); err == nil {
			p.Minimum = &f
		}
	}
	if s.Maximum != "" {
		if f, err := s.Maximum.Float64(); err == nil {
			p.Maximum = &f
		}
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
