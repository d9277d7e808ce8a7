package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/engine"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/internal/logctx"
	"github.com/ggoodman/mcp-hub-go/sessions"
)

const maxLineBytes = 16 << 20

// Handler is a single-connection stdio transport that serves one provider of
// a hub.Registry. It reads newline-delimited JSON-RPC messages from an
// io.Reader and writes responses and notifications to an io.Writer, by
// default os.Stdin and os.Stdout.
//
// The peer is trusted: the session has no id and every operation runs at
// the highest capability level.
type Handler struct {
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	acl          *acl.Registry
	version      string
	userProvider UserProvider

	providers *hub.Registry
	provider  string

	wmu sync.Mutex
}

// NewHandler constructs a stdio Handler for provider with defaults and
// applies options.
func NewHandler(providers *hub.Registry, provider string, opts ...Option) *Handler {
	h := &Handler{
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		version:      "dev",
		userProvider: OSUserProvider{},
		providers:    providers,
		provider:     provider,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the stdio event loop until EOF on the reader, the context is
// canceled, or the provider's operation set completes. It is safe to call at
// most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if _, err := h.providers.Resolve(h.provider); err != nil {
		return err
	}
	ops, err := h.providers.Factory(h.provider)(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrProviderFailed, err)
	}

	sess := sessions.NewLocalSession(h.provider, ops)

	peer, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.resolve.fail", slog.String("err", err.Error()))
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Provider: h.provider, Identity: peer})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	invoker := hub.NewInvoker(h.acl, hub.WithInvokerLogger(h.l))
	eng := engine.NewEngine(h.providers, nil, invoker, h, engine.WithLogger(h.l), engine.WithVersion(h.version))
	eng.Watch(sess, cancel)

	h.l.InfoContext(ctx, "stdio.serve.start", slog.String("provider", h.provider))

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLines(ctx, lines)
	}()

	// Requests still running when input ends are answered before the
	// session closes; cancellation closes it first.
	var wg sync.WaitGroup
	abort := func() {
		sess.Close()
		wg.Wait()
	}

	for {
		select {
		case <-ctx.Done():
			abort()
			h.l.InfoContext(ctx, "stdio.serve.end", slog.String("reason", context.Cause(ctx).Error()))
			return nil
		case err := <-readErr:
			if err != nil {
				abort()
				h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return err
			}
			wg.Wait()
			sess.Close()
			h.l.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			h.handleLine(ctx, &wg, eng, sess, line)
		}
	}
}

func (h *Handler) readLines(ctx context.Context, out chan<- []byte) error {
	sc := bufio.NewScanner(h.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case out <- append([]byte(nil), line...):
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func (h *Handler) handleLine(ctx context.Context, wg *sync.WaitGroup, eng *engine.Engine, sess *sessions.Session, line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		code := jsonrpc.ErrorCodeParseError
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			code = jsonrpc.ErrorCodeInvalidRequest
		}
		h.l.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		h.write(ctx, jsonrpc.NewErrorResponse(nil, code, err.Error(), nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	req := msg.AsRequest()
	switch {
	case req == nil:
		h.l.DebugContext(ctx, "stdio.response.ignored")
	case req.ID.IsNil():
		eng.HandleNotification(ctx, sess, req)
	default:
		// Begin queues the request on this goroutine so requests run in line
		// order; only the wait for the response happens concurrently.
		finish := eng.Begin(ctx, sess, req)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.write(ctx, finish())
		}()
	}
}

// PublishSession writes a server-initiated message. It lets the Handler act
// as the engine's outbound channel; the session id is always empty.
func (h *Handler) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	return "", h.writeLine(data)
}

func (h *Handler) write(ctx context.Context, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.writeLine(b); err != nil {
		h.l.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeLine(b []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}
