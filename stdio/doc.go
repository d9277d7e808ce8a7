// Package stdio implements a single-connection MCP transport over
// stdin/stdout for one provider of the hub. It is intended for launching a
// provider as a subprocess of a desktop client, where spawning a child
// process and piping JSON is simpler than running the HTTP hub.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client <-> 1 provider
//	Auth             : none; the local peer is trusted
//	Capability level : highest, regardless of provider policy
//	Transport        : newline-delimited JSON-RPC
//
// Example:
//
//	h := stdio.NewHandler(providers, "ping")
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For multi-session deployments use the streaming HTTP transport, which
// creates one session per client and enforces provider policies.
package stdio
