package mcpservice

import "context"

// ProgressReporter emits notifications/progress for the request currently
// being handled. The transport installs one when the client supplied a
// progress token.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64) error
}

type progressKey struct{}

// WithProgressReporter returns a context carrying pr.
func WithProgressReporter(ctx context.Context, pr ProgressReporter) context.Context {
	if pr == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, pr)
}

// ProgressFrom retrieves the ProgressReporter attached to ctx.
func ProgressFrom(ctx context.Context) (ProgressReporter, bool) {
	pr, ok := ctx.Value(progressKey{}).(ProgressReporter)
	return pr, ok && pr != nil
}
