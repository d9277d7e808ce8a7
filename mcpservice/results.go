package mcpservice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-hub-go/mcp"
)

// TextResult builds a result with a single text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf builds an isError result with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}

// JSONResult renders v as indented JSON in a single text block.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	return TextResult(string(b))
}

// ImageBlock returns an image content block holding data base64 encoded.
func ImageBlock(data []byte, mimeType string) mcp.ContentBlock {
	return mcp.ContentBlock{
		Type:     mcp.ContentTypeImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}
