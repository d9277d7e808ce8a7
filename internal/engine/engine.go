package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/internal/logctx"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"github.com/ggoodman/mcp-hub-go/sessions"
)

// ErrProviderFailed wraps a provider factory failure during Open.
var ErrProviderFailed = errors.New("provider failed to start")

// errRequestCancelled is the cause recorded when the client cancels a request.
var errRequestCancelled = errors.New("request cancelled by client")

// Publisher appends server-initiated messages to a session's outbound stream.
// sessions.SessionHost satisfies it.
type Publisher interface {
	PublishSession(ctx context.Context, sessionID string, data []byte) (string, error)
}

// streamOpener is implemented by publishers whose per-session streams must
// be opened before they accept messages.
type streamOpener interface {
	OpenSession(ctx context.Context, sessionID string) error
}

// Engine implements the MCP method surface of the hub on top of the session
// table, the provider registry and the invoker. It is transport agnostic.
type Engine struct {
	providers *hub.Registry
	table     *sessions.Table
	invoker   *hub.Invoker
	out       Publisher
	log       *slog.Logger
	version   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithVersion sets the server version reported for providers whose
// descriptor carries none.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// NewEngine returns an Engine. table may be nil for transports that only
// serve local sessions.
func NewEngine(providers *hub.Registry, table *sessions.Table, invoker *hub.Invoker, out Publisher, opts ...Option) *Engine {
	e := &Engine{
		providers: providers,
		table:     table,
		invoker:   invoker,
		out:       out,
		log:       slog.Default(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open resolves provider and creates a session for it. It returns
// hub.ErrUnknownProvider, hub.ErrProviderDisabled or an error wrapping
// ErrProviderFailed; no session exists after a failure.
func (e *Engine) Open(ctx context.Context, provider string) (*sessions.Session, error) {
	if e.table == nil {
		return nil, errors.New("engine: no session table configured")
	}
	if _, err := e.providers.Resolve(provider); err != nil {
		return nil, err
	}
	sess, err := e.table.Create(ctx, provider, e.providers.Factory(provider))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	if o, ok := e.out.(streamOpener); ok {
		if err := o.OpenSession(ctx, sess.ID); err != nil {
			e.table.Destroy(sess.ID)
			return nil, fmt.Errorf("open session stream: %w", err)
		}
	}
	e.Watch(sess, func() { e.table.Destroy(sess.ID) })
	return sess, nil
}

// Watch wires the optional OperationSet extensions of sess: a Completer ends
// the session through onDone, and a ListChangeSource publishes
// notifications/tools/list_changed. Both stop when the session is destroyed.
func (e *Engine) Watch(sess *sessions.Session, onDone func()) {
	ops := sess.Operations()
	ctx := logctx.WithSessionData(sess.Context(), &logctx.SessionData{SessionID: sess.ID, Provider: sess.Provider})

	if c, ok := ops.(mcpservice.Completer); ok && onDone != nil {
		if done := c.Done(); done != nil {
			go func() {
				select {
				case <-done:
					e.log.InfoContext(ctx, "engine.session.completed")
					onDone()
				case <-sess.Done():
				}
			}()
		}
	}

	if src, ok := ops.(mcpservice.ListChangeSource); ok && e.out != nil {
		ch := src.SubscribeListChanged(ctx)
		if ch == nil {
			return
		}
		go func() {
			for range ch {
				e.notify(ctx, sess, string(mcp.ToolsListChangedNotificationMethod), nil)
			}
		}()
	}
}

// HandleRequest answers one JSON-RPC request for sess. It always returns a
// response.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	return e.Begin(ctx, sess, req)()
}

// Begin starts req and returns a function that waits for its response.
// Work that runs on the session's worker is queued before Begin returns, so
// requests begun one after another run in that order. The returned function
// must be called exactly once.
func (e *Engine) Begin(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) func() *jsonrpc.Response {
	sd := &logctx.SessionData{
		SessionID:       sess.ID,
		Provider:        sess.Provider,
		ProtocolVersion: sess.ProtocolVersion(),
	}
	if id := sess.Identity(); id != nil {
		sd.Identity = id.Username
	}
	ctx = logctx.WithSessionData(ctx, sd)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	var finish func() (*jsonrpc.Response, error)
	switch req.Method {
	case string(mcp.InitializeMethod):
		finish = respond(e.handleInitialize(ctx, sess, req))
	case string(mcp.PingMethod):
		finish = respond(jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{}))
	case string(mcp.ToolsListMethod):
		finish = e.beginToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		finish = e.beginToolCall(ctx, sess, req)
	default:
		e.log.InfoContext(ctx, "engine.handle_request.unsupported")
		res := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
		return func() *jsonrpc.Response { return res }
	}
	return func() *jsonrpc.Response {
		res, err := finish()
		if err != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return res
	}
}

func respond(res *jsonrpc.Response, err error) func() (*jsonrpc.Response, error) {
	return func() (*jsonrpc.Response, error) { return res, err }
}

func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	sess.SetProtocolVersion(version)

	info := mcp.ImplementationInfo{Name: sess.Provider, Version: e.version}
	if d, ok := e.providers.Lookup(sess.Provider); ok {
		if d.Version != "" {
			info.Version = d.Version
		}
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      info,
	}
	result.Capabilities.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: isListChangeSource(sess.Operations())}

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("negotiated_version", version),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) beginToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) func() (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var tools []mcp.Tool
	var listErr error
	wait, err := sess.Enqueue(ctx, func(ctx context.Context) {
		tools, listErr = e.invoker.List(ctx, sess.Operations())
	})
	return func() (*jsonrpc.Response, error) {
		if err == nil {
			err = wait()
		}
		if err == nil {
			err = listErr
		}
		if err != nil {
			if errors.Is(err, sessions.ErrSessionClosed) {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found; re-initialize", nil), nil
			}
			log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
		}

		log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
		return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      struct {
		ProgressToken json.RawMessage `json:"progressToken,omitempty"`
	} `json:"_meta"`
}

func (e *Engine) beginToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) func() (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil)
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing tool name", nil), nil)
	}

	key := req.ID.Key()
	if key == "" {
		return respond(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil)
	}

	toolCtx, cancel := context.WithCancelCause(ctx)
	untrack := sess.TrackRequest(key, cancel)

	if len(params.Meta.ProgressToken) > 0 && e.out != nil {
		toolCtx = mcpservice.WithProgressReporter(toolCtx, &progressReporter{
			e:     e,
			sess:  sess,
			token: params.Meta.ProgressToken,
		})
	}

	var result *mcp.CallToolResult
	wait, err := sess.Enqueue(toolCtx, func(ctx context.Context) {
		result = e.invoker.Invoke(ctx, hub.Call{
			SessionID: sess.ID,
			Provider:  sess.Provider,
			Operation: params.Name,
			Arguments: params.Arguments,
		}, sess.Operations())
	})

	return func() (*jsonrpc.Response, error) {
		defer untrack()
		defer cancel(context.Canceled)
		if err == nil {
			err = wait()
		}
		switch {
		case errors.Is(err, sessions.ErrSessionClosed):
			log.InfoContext(ctx, "engine.handle_request.closed", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found; re-initialize", nil), nil
		case errors.Is(err, errRequestCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil), nil
		case err != nil:
			return nil, err
		}
		if cause := context.Cause(toolCtx); errors.Is(cause, errRequestCancelled) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil), nil
		}

		log.InfoContext(ctx, "engine.handle_request.ok",
			slog.String("tool", params.Name),
			slog.Bool("is_error", result.IsError),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewResultResponse(req.ID, result)
	}
}

// HandleNotification processes a client notification. Cancellation takes
// effect immediately and does not wait behind queued requests.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, Provider: sess.Provider})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})

	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		e.log.InfoContext(ctx, "engine.session.initialized")
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil || len(params.RequestID) == 0 {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid")
			return
		}
		var id jsonrpc.RequestID
		if err := id.UnmarshalJSON(params.RequestID); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return
		}
		cause := errRequestCancelled
		if params.Reason != "" {
			cause = fmt.Errorf("%w: %s", errRequestCancelled, params.Reason)
		}
		found := sess.CancelRequest(id.Key(), cause)
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", id.String()), slog.Bool("in_flight", found))
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
}

func (e *Engine) notify(ctx context.Context, sess *sessions.Session, method string, params any) {
	if sess.Closed() {
		return
	}
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.emitter.encode.fail", slog.String("err", err.Error()))
		return
	}
	b, err := json.Marshal(note)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.emitter.encode.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := e.out.PublishSession(context.WithoutCancel(ctx), sess.ID, b); err != nil {
		e.log.WarnContext(ctx, "engine.emitter.publish.fail", slog.String("err", err.Error()))
	}
}

type progressReporter struct {
	e     *Engine
	sess  *sessions.Session
	token json.RawMessage
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64) error {
	params := map[string]any{
		"progressToken": p.token,
		"progress":      progress,
	}
	if total > 0 {
		params["total"] = total
	}
	p.e.notify(ctx, p.sess, string(mcp.ProgressNotificationMethod), params)
	return nil
}

func isListChangeSource(ops mcpservice.OperationSet) bool {
	_, ok := ops.(mcpservice.ListChangeSource)
	return ok
}
