package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-hub-go/mcp"
)

// ToolResponseWriter composes a CallToolResult for a typed tool. It is safe
// for concurrent use within one call. Writes after Result return
// ErrFinalized; writes after ctx is done return the context error.
type ToolResponseWriter interface {
	AppendText(text string) error
	AppendJSON(v any) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	// Fail appends a text block and marks the result as an error.
	Fail(format string, a ...any) error
	SetError(isError bool)
	SetMeta(key string, v any)
	// SendProgress forwards to the ProgressReporter in the context, if any.
	SendProgress(progress, total float64) error
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

// ErrFinalized is returned by writes after Result was called.
var ErrFinalized = errors.New("result already finalized")

type toolResponseWriter struct {
	ctx       context.Context
	mu        sync.Mutex
	finalized bool

	blocks  []mcp.ContentBlock
	isError bool
	meta    map[string]any
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context) *toolResponseWriter {
	return &toolResponseWriter{ctx: ctx, meta: make(map[string]any)}
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *toolResponseWriter) AppendJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return w.AppendText(string(b))
}

func (w *toolResponseWriter) Fail(format string, a ...any) error {
	w.SetError(true)
	return w.AppendText(fmt.Sprintf(format, a...))
}

func (w *toolResponseWriter) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	if len(blocks) == 0 {
		return nil
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *toolResponseWriter) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if pr, ok := ProgressFrom(w.ctx); ok && pr != nil {
		return pr.Report(w.ctx, progress, total)
	}
	return nil
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
	content := make([]mcp.ContentBlock, 0, len(w.blocks))
	content = append(content, w.blocks...)
	return &mcp.CallToolResult{Content: content, IsError: w.isError, BaseMetadata: mcp.BaseMetadata{Meta: cloneMeta(w.meta)}}
}

func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
