package mcpservice

import "context"

// Caller describes the session on whose behalf an operation runs. It is
// attached to the context by the invoker. SessionID is empty for trusted
// local callers.
type Caller struct {
	SessionID string
	Provider  string
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the Caller attached to ctx, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
