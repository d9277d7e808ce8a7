// Package mcp contains the protocol data types and method names the hub
// speaks: initialization, tools and the few notifications it relays. The
// types mirror the wire representation of the Model Context Protocol with
// exported structs and json tags.
//
// The package has no transport logic. streaminghttp and stdio frame these
// types; providers build results with them and hand them to the engine for
// JSON-RPC serialization.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion is the newest protocol date the hub targets.
// Initialize echoes a client's requested version when it is supported and
// answers with LatestProtocolVersion otherwise.
package mcp
