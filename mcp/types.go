package mcp

import "encoding/json"

// Role indicates the intended audience of content.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block type discriminators.
const (
	ContentTypeText         = "text"
	ContentTypeImage        = "image"
	ContentTypeAudio        = "audio"
	ContentTypeResourceLink = "resource_link"
)

// Capabilities
// ClientCapabilities advertises client features. The hub never issues
// client-bound requests, so these are only logged.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	// For text content
	Text string `json:"text,omitzero"`
	// For image and audio content (base64)
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
	// For resource links
	URI         string `json:"uri,omitzero"`
	Name        string `json:"name,omitzero"`
	Description string `json:"description,omitzero"`
}

// Tool describes a callable operation and its input schema.
type Tool struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitzero"`
	Description string           `json:"description,omitempty"`
	InputSchema ToolInputSchema  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
//
// Schemas received from upstream servers are kept verbatim in Raw so that
// proxying does not lose keywords the simplified model cannot express.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`

	Raw json.RawMessage `json:"-"`
}

type toolInputSchemaWire struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// MarshalJSON emits Raw when present, otherwise the structured fields.
func (s ToolInputSchema) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	if s.Type == "" {
		s.Type = "object"
	}
	return json.Marshal(toolInputSchemaWire{
		Type:                 s.Type,
		Properties:           s.Properties,
		Required:             s.Required,
		AdditionalProperties: s.AdditionalProperties,
	})
}

// UnmarshalJSON decodes the known fields and retains the original document.
func (s *ToolInputSchema) UnmarshalJSON(b []byte) error {
	var w struct {
		Type       string          `json:"type"`
		Required   []string        `json:"required,omitempty"`
		Properties json.RawMessage `json:"properties,omitempty"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.Type = w.Type
	s.Required = w.Required
	s.Properties = nil
	if len(w.Properties) > 0 {
		// Best effort: nested keywords that do not fit SchemaProperty are
		// still available through Raw.
		var props map[string]SchemaProperty
		if err := json.Unmarshal(w.Properties, &props); err == nil {
			s.Properties = props
		}
	}
	s.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Minimum     *float64                  `json:"minimum,omitempty"`
	Maximum     *float64                  `json:"maximum,omitempty"`
	Default     any                       `json:"default,omitempty"`
}

// ToolAnnotations carries behavioural hints about a tool.
type ToolAnnotations struct {
	Title           string `json:"title,omitzero"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the protocol revisions the hub accepts,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// NegotiateProtocolVersion echoes the client's requested version when it is
// supported and otherwise answers with LatestProtocolVersion.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}
