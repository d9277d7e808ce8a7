// Package streaminghttp is the hub's HTTP surface. It mounts as a standard
// net/http handler and multiplexes every registered provider behind its own
// MCP streaming HTTP endpoint at /{provider}/mcp.
//
// Responsibilities
//   - Session creation on initialize, bound to exactly one provider
//   - Request routing by Mcp-Session-Id to the owning session's operations
//   - Server-to-client streams over GET (progress, list changes)
//   - Session termination on DELETE or GET stream disconnect
//   - Optional credential checks (auth.Authenticator) at initialize
//   - Discovery endpoints: /health, /api/mcp/list and /api/connections
//
// Construction
//
//	h, err := streaminghttp.New(
//	    providers, // *hub.Registry
//	    table,     // *sessions.Table
//	    host,      // sessions.SessionHost for outbound streams
//	    streaminghttp.WithACL(aclReg),
//	    streaminghttp.WithAuthenticator(keys),
//	)
//	http.ListenAndServe(":3000", h)
//
// # Session Lifetime
//
// A session ends on DELETE, on the idle sweep, or when its GET stream
// disconnects. A client that reconnects with Last-Event-ID must therefore
// open the new GET before dropping the old one; a single dropped stream
// destroys the session and later requests answer 404. Sessions that never
// open a GET live until DELETE or the idle sweep.
//
// # Error Handling
//
// Transport-level failures map to HTTP status codes with a small JSON body
// of the form {"error":{"code":...,"message":...}}. Unknown providers answer
// 404, disabled providers 503, failed provider construction 502 and unknown
// or closed sessions 404 with code -32001, which tells clients to
// re-initialize. Operation failures and permission denials are never
// transport errors: they reach the client as tool results with isError set.
package streaminghttp
