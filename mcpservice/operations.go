package mcpservice

import (
	"context"

	"github.com/ggoodman/mcp-hub-go/mcp"
)

// OperationSet is the narrow interface every provider implements.
type OperationSet interface {
	// ListTools returns the operations the provider currently exposes.
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	// CallTool executes one operation. Implementations must honour ctx
	// cancellation.
	CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// Completer is implemented by operation sets that can end their session on
// their own, for example when an upstream subprocess exits.
type Completer interface {
	Done() <-chan struct{}
}

// ListChangeSource is implemented by operation sets whose tool list can
// change after initialization. The returned channel is released when ctx is
// done.
type ListChangeSource interface {
	SubscribeListChanged(ctx context.Context) <-chan struct{}
}

// Factory builds a fresh OperationSet for a new session.
type Factory func(ctx context.Context) (OperationSet, error)
