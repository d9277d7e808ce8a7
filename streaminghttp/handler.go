package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/auth"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/internal/engine"
	"github.com/ggoodman/mcp-hub-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-hub-go/internal/logctx"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	responseMediaTypes    = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	apiKeyQueryParam = "key"

	defaultMaxBodyBytes = 4 << 20
	defaultKeepAlive    = 25 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<code>,"message":"<reason>"}}
// Safe to call after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorCode(w, status, status, msg)
}

// writeJSONErrorCode is writeJSONError with a code distinct from the HTTP
// status, used to carry JSON-RPC error codes for session failures.
func writeJSONErrorCode(w http.ResponseWriter, status int, code int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithACL sets the capability registry used for permission checks and for
// binding authenticated identities.
func WithACL(reg *acl.Registry) Option {
	return func(h *Handler) { h.acl = reg }
}

// WithAuthenticator requires a credential on session creation. The
// credential is read from the Authorization bearer header or the "key"
// query parameter, and the resulting username is bound as the session
// identity.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithVersion sets the hub version reported by /health and by providers
// that declare none.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithKeepAlive sets the interval between SSE comment frames on GET
// streams. Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithRoute mounts an additional handler, for example an OAuth callback.
// pattern uses net/http ServeMux syntax.
func WithRoute(pattern string, handler http.Handler) Option {
	return func(h *Handler) { h.routes = append(h.routes, route{pattern: pattern, handler: handler}) }
}

// WithClock overrides the time source of the discovery endpoints.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

type route struct {
	pattern string
	handler http.Handler
}

// Handler is the hub's HTTP surface: the per-provider MCP streaming HTTP
// endpoints plus the discovery endpoints.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	eng       *engine.Engine
	providers *hub.Registry
	table     *sessions.Table
	host      sessions.SessionHost
	acl       *acl.Registry
	auth      auth.Authenticator
	realm     string
	version   string
	keepAlive time.Duration
	routes    []route
	now       func() time.Time
	started   time.Time
}

// New builds a Handler serving the providers of reg. Sessions live in table
// and their server-to-client streams in host.
func New(providers *hub.Registry, table *sessions.Table, host sessions.SessionHost, opts ...Option) (*Handler, error) {
	if providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if table == nil {
		return nil, errors.New("session table is required")
	}
	if host == nil {
		return nil, errors.New("session host is required")
	}

	h := &Handler{
		mux:       http.NewServeMux(),
		log:       slog.Default(),
		providers: providers,
		table:     table,
		host:      host,
		version:   "dev",
		keepAlive: defaultKeepAlive,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()

	invoker := hub.NewInvoker(h.acl, hub.WithInvokerLogger(h.log))
	h.eng = engine.NewEngine(providers, table, invoker, host, engine.WithLogger(h.log), engine.WithVersion(h.version))

	table.OnDestroy(func(s *sessions.Session) {
		if err := host.CleanupSession(context.Background(), s.ID); err != nil {
			h.log.Warn("session.cleanup.fail", slog.String("session_id", s.ID), slog.String("err", err.Error()))
		}
	})

	h.mux.HandleFunc("POST /{provider}/mcp", h.handlePostMCP)
	h.mux.HandleFunc("GET /{provider}/mcp", h.handleGetMCP)
	h.mux.HandleFunc("DELETE /{provider}/mcp", h.handleDeleteMCP)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /api/mcp/list", h.handleListProviders)
	h.mux.HandleFunc("GET /api/connections", h.handleConnections)
	for _, r := range h.routes {
		h.mux.Handle(r.pattern, r.handler)
	}

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	rw := &responseWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			if !rw.wroteHeader {
				writeJSONError(rw, http.StatusInternalServerError, "internal server error")
			}
		}
	}()
	h.mux.ServeHTTP(rw, r.WithContext(ctx))
}

// handlePostMCP handles POST /{provider}/mcp, which creates sessions and
// carries client messages for existing ones.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	provider := r.PathValue("provider")
	h.log.InfoContext(ctx, "http.post.start", slog.String("provider", provider))

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.initializeSession(ctx, w, r, provider, msg, start)
		return
	}

	sess, ok := h.lookupSession(provider, sessID)
	if !ok {
		writeJSONErrorCode(w, http.StatusNotFound, int(jsonrpc.ErrorCodeSessionNotFound), "session not found; re-initialize")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	h.table.Touch(sess.ID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		Provider:        sess.Provider,
		ProtocolVersion: sess.ProtocolVersion(),
	})

	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV != "" && sess.ProtocolVersion() != "" && clientPV != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	req := msg.AsRequest()
	if req == nil {
		// Responses from the client; the hub never issues client-bound
		// requests, so they are acknowledged and dropped.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored")
		return
	}

	if req.ID.IsNil() {
		h.eng.HandleNotification(ctx, sess, req)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	mediaType := eventStreamMediaType
	if r.Header.Get("Accept") != "" {
		mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
		if err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream or application/json")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
		mediaType = mt
	}

	res := h.eng.HandleRequest(ctx, sess, req)
	b, err := json.Marshal(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	if mediaType.Matches(jsonMediaType) {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	wf, ok := newLockedWriteFlusher(ctx, w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) initializeSession(ctx context.Context, w http.ResponseWriter, r *http.Request, provider string, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusBadRequest, "missing session id; expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	var user auth.UserInfo
	if h.auth != nil {
		user = h.authenticate(ctx, w, r)
		if user == nil {
			return
		}
	}

	sess, err := h.eng.Open(ctx, provider)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrUnknownProvider):
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", provider))
			h.log.InfoContext(ctx, "session.initialize.unknown_provider", slog.String("provider", provider))
		case errors.Is(err, hub.ErrProviderDisabled):
			writeJSONErrorCode(w, http.StatusServiceUnavailable, int(jsonrpc.ErrorCodeProviderUnavailable), err.Error())
			h.log.InfoContext(ctx, "session.initialize.disabled", slog.String("provider", provider))
		case errors.Is(err, engine.ErrProviderFailed):
			writeJSONErrorCode(w, http.StatusBadGateway, int(jsonrpc.ErrorCodeProviderUnavailable), err.Error())
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("provider", provider), slog.String("err", err.Error()))
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
			h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("provider", provider), slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, Provider: sess.Provider})

	if user != nil && h.acl != nil {
		if id, err := h.acl.BindIdentity(ctx, sess.ID, user.Username()); err != nil {
			h.log.WarnContext(ctx, "session.identity.bind.fail", slog.String("username", user.Username()), slog.String("err", err.Error()))
		} else {
			h.log.InfoContext(ctx, "session.identity.bind.ok", slog.String("username", id.Username), slog.String("level", id.Level.String()))
		}
	}

	res := h.eng.HandleRequest(ctx, sess, req)
	if res.Error != nil {
		h.table.Destroy(sess.ID)
		writeJSON(w, http.StatusOK, res)
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", res.Error.Message))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if v := sess.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	writeJSON(w, http.StatusOK, res)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGetMCP handles GET /{provider}/mcp, the server-to-client stream of a
// session. Disconnecting this stream ends the session.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	provider := r.PathValue("provider")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, ok := h.lookupSession(provider, sessID)
	if !ok {
		writeJSONErrorCode(w, http.StatusNotFound, int(jsonrpc.ErrorCodeSessionNotFound), "session not found; re-initialize")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		Provider:        sess.Provider,
		ProtocolVersion: sess.ProtocolVersion(),
	})

	wf, ok := newLockedWriteFlusher(ctx, w)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	if h.keepAlive > 0 {
		go keepAlive(streamCtx, wf, h.keepAlive)
	}

	err := h.host.SubscribeSession(streamCtx, sess.ID, r.Header.Get(lastEventIDHeader), func(cbCtx context.Context, msgID string, b []byte) error {
		if err := writeSSEEvent(wf, msgID, b); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, sessions.ErrSessionNotFound):
		// Destroyed while the stream was starting.
		h.log.InfoContext(ctx, "sse.stream.closed")
	default:
		h.log.WarnContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
	}

	if r.Context().Err() != nil && h.table.Destroy(sess.ID) {
		h.log.InfoContext(ctx, "session.disconnect.destroy")
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleDeleteMCP handles DELETE /{provider}/mcp, which terminates a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := r.PathValue("provider")

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	sess, ok := h.lookupSession(provider, sessID)
	if !ok || !h.table.Destroy(sess.ID) {
		writeJSONErrorCode(w, http.StatusNotFound, int(jsonrpc.ErrorCodeSessionNotFound), "session not found")
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.String("session_id", sessID))
}

// lookupSession returns the live session id bound to provider. A session of
// another provider is reported as absent.
func (h *Handler) lookupSession(provider, id string) (*sessions.Session, bool) {
	sess, ok := h.table.Get(id)
	if !ok || sess.Provider != provider {
		return nil, false
	}
	return sess, true
}

func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) auth.UserInfo {
	tok := r.URL.Query().Get(apiKeyQueryParam)
	if authHeader := r.Header.Get(authorizationHeader); authHeader != "" {
		const bearerPrefix = "Bearer "
		if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
			writeJSONError(w, http.StatusBadRequest, "malformed authorization header")
			h.log.InfoContext(ctx, "auth.check.invalid")
			return nil
		}
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		h.log.InfoContext(ctx, "auth.check.missing")
		return nil
	}

	user, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "auth.ok", slog.String("user_id", user.UserID()))
		return user
	case errors.Is(err, auth.ErrInsufficientScope):
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, auth.ErrUnauthorized):
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
	}
	h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
	return nil
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// responseWriter records whether the header was written so that a recovered
// panic can still produce an error response.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
