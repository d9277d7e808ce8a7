// Package mcpservice defines the contract between the hub and a tool
// provider, plus helpers for building providers out of typed tools.
//
// A provider is anything that implements OperationSet. The hub creates one
// OperationSet per session through the provider's factory and discards it
// when the session ends. Optional behaviour is discovered by interface
// assertion:
//
//   - io.Closer: released when the owning session is destroyed.
//   - Completer: Done() closes when the provider considers the session over.
//   - ListChangeSource: signals that the advertised tool list changed.
//
// Most providers are a ToolsContainer of typed tools:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//
//	tools := mcpservice.NewToolsContainer(
//	    mcpservice.NewTool("echo", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText(r.Args().Message)
//	    }, mcpservice.WithToolDescription("Echo a message back")),
//	)
//
// Tool handlers report failures that the caller should see as tool results
// (isError) rather than Go errors. A returned Go error is converted into an
// isError result by the invoker with its message preserved.
package mcpservice
