package hub

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/internal/logctx"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// Call identifies one operation invocation. SessionID is empty for trusted
// local callers.
type Call struct {
	SessionID string
	Provider  string
	Operation string
	Arguments []byte
}

type identityKey struct{}

// WithIdentity returns a context carrying the identity bound to the calling
// session.
func WithIdentity(ctx context.Context, id *acl.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity of the calling session. Operations run
// by the invoker see it when the session has identified.
func IdentityFrom(ctx context.Context) (*acl.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*acl.Identity)
	return id, ok && id != nil
}

// Invoker gates operation calls behind the capability check.
type Invoker struct {
	acl *acl.Registry
	log *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.log = l }
}

// NewInvoker returns an Invoker checking permissions against reg. A nil reg
// allows every call.
func NewInvoker(reg *acl.Registry, opts ...InvokerOption) *Invoker {
	i := &Invoker{acl: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke checks the caller's capability and, if allowed, calls the
// operation on ops. It never returns a Go error: denials, provider errors
// and panics all become isError results.
func (i *Invoker) Invoke(ctx context.Context, call Call, ops mcpservice.OperationSet) (res *mcp.CallToolResult) {
	start := time.Now()
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Operation})

	if i.acl != nil {
		d := i.acl.CheckPermission(ctx, call.SessionID, call.Provider, call.Operation)
		if !d.Allowed {
			i.log.WarnContext(ctx, "invoker.call.denied",
				slog.String("provider", call.Provider),
				slog.String("required", d.Required.String()),
				slog.String("level", d.Level.String()))
			return mcpservice.Errorf("%s", acl.DenialMessage(call.Provider, call.Operation, d))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			i.log.ErrorContext(ctx, "invoker.call.panic",
				slog.String("provider", call.Provider),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = mcpservice.Errorf("Internal error in %s: %v", call.Operation, r)
		}
	}()

	ctx = mcpservice.WithCaller(ctx, mcpservice.Caller{SessionID: call.SessionID, Provider: call.Provider})
	if i.acl != nil {
		if id, ok := i.acl.Identity(call.SessionID); ok {
			ctx = WithIdentity(ctx, id)
		}
	}
	out, err := ops.CallTool(ctx, &mcp.CallToolRequestReceived{Name: call.Operation, Arguments: call.Arguments})
	switch {
	case err != nil:
		i.log.WarnContext(ctx, "invoker.call.err",
			slog.String("provider", call.Provider),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return mcpservice.Errorf("Error: %v", err)
	case out == nil:
		out = &mcp.CallToolResult{}
	}
	if out.Content == nil {
		out.Content = []mcp.ContentBlock{}
	}

	i.log.InfoContext(ctx, "invoker.call.ok",
		slog.String("provider", call.Provider),
		slog.Bool("is_error", out.IsError),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return out
}

// List returns the tools of ops. Provider panics become errors.
func (i *Invoker) List(ctx context.Context, ops mcpservice.OperationSet) (tools []mcp.Tool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("list tools: panic: %v", r)
		}
	}()
	tools, err = ops.ListTools(ctx)
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return tools, err
}
