package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"github.com/google/uuid"
)

// SessionInfo is a read-only view of a session for discovery endpoints.
type SessionInfo struct {
	ID           string
	Provider     string
	ConnectedAt  time.Time
	LastActiveAt time.Time
	Identity     *acl.Identity
}

// Table is the authoritative map of live sessions. It is safe for
// concurrent use.
type Table struct {
	log         *slog.Logger
	now         func() time.Time
	idleTimeout time.Duration
	onDestroy   []func(*Session)

	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ acl.IdentityStore = (*Table)(nil)

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.log = l }
}

// WithIdleTimeout enables idle expiry: Run destroys sessions without
// activity for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Table) { t.idleTimeout = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithDestroyHook registers fn to run after a session is removed and
// closed. Hooks run on the goroutine calling Destroy.
func WithDestroyHook(fn func(*Session)) Option {
	return func(t *Table) { t.onDestroy = append(t.onDestroy, fn) }
}

// NewTable returns an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create builds a new OperationSet through factory and inserts a session
// for it. Nothing is inserted when factory fails.
func (t *Table) Create(ctx context.Context, provider string, factory mcpservice.Factory) (*Session, error) {
	start := t.now()
	ops, err := factory(ctx)
	if err != nil {
		t.log.WarnContext(ctx, "session.create.err", slog.String("provider", provider), slog.String("err", err.Error()))
		return nil, fmt.Errorf("create %s session: %w", provider, err)
	}
	if ops == nil {
		return nil, fmt.Errorf("create %s session: factory returned no operation set", provider)
	}

	s := newSession(uuid.NewString(), provider, ops, t.now())

	t.mu.Lock()
	t.sessions[s.ID] = s
	n := len(t.sessions)
	t.mu.Unlock()

	t.log.InfoContext(ctx, "session.create.ok",
		slog.String("session_id", s.ID),
		slog.String("provider", provider),
		slog.Int("active", n),
		slog.Int64("dur_ms", t.now().Sub(start).Milliseconds()))
	return s, nil
}

// Get returns the live session with id.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Destroy removes the session, cancels its context and closes its
// OperationSet. It reports whether the session existed; concurrent calls
// for the same id destroy it once.
func (t *Table) Destroy(id string) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	hooks := t.onDestroy
	t.mu.Unlock()
	if !ok {
		return false
	}

	if err := s.close(); err != nil {
		t.log.Warn("session.destroy.close_err", slog.String("session_id", id), slog.String("err", err.Error()))
	}
	for _, fn := range hooks {
		fn(s)
	}
	t.log.Info("session.destroy.ok",
		slog.String("session_id", id),
		slog.String("provider", s.Provider),
		slog.Int64("age_ms", t.now().Sub(s.CreatedAt).Milliseconds()))
	return true
}

// OnDestroy registers fn to run after a session is destroyed.
func (t *Table) OnDestroy(fn func(*Session)) {
	t.mu.Lock()
	t.onDestroy = append(t.onDestroy[:len(t.onDestroy):len(t.onDestroy)], fn)
	t.mu.Unlock()
}

// Touch records activity on the session.
func (t *Table) Touch(id string) {
	if s, ok := t.Get(id); ok {
		s.touch(t.now())
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Snapshot lists live sessions ordered by creation time.
func (t *Table) Snapshot() []SessionInfo {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			ID:           s.ID,
			Provider:     s.Provider,
			ConnectedAt:  s.CreatedAt,
			LastActiveAt: s.LastActive(),
			Identity:     s.Identity(),
		})
	}
	return out
}

// Sweep destroys sessions idle for longer than idle and returns their ids.
func (t *Table) Sweep(idle time.Duration) []string {
	cutoff := t.now().Add(-idle)
	t.mu.RLock()
	var expired []string
	for id, s := range t.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	t.mu.RUnlock()

	swept := expired[:0]
	for _, id := range expired {
		if t.Destroy(id) {
			swept = append(swept, id)
		}
	}
	if len(swept) > 0 {
		t.log.Info("session.sweep.ok", slog.Int("expired", len(swept)))
	}
	return swept
}

// Run sweeps idle sessions until ctx is done. Without WithIdleTimeout it
// only waits for ctx.
func (t *Table) Run(ctx context.Context) {
	if t.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := t.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.idleTimeout)
		}
	}
}

// Close destroys every session.
func (t *Table) Close() {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		t.Destroy(id)
	}
}

// SessionProvider implements acl.IdentityStore.
func (t *Table) SessionProvider(id string) (string, bool) {
	s, ok := t.Get(id)
	if !ok {
		return "", false
	}
	return s.Provider, true
}

// SessionIdentity implements acl.IdentityStore.
func (t *Table) SessionIdentity(id string) (*acl.Identity, bool) {
	s, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	ident := s.Identity()
	return ident, ident != nil
}

// SetSessionIdentity implements acl.IdentityStore. Rebinding overwrites.
func (t *Table) SetSessionIdentity(id string, ident acl.Identity) error {
	s, ok := t.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.setIdentity(ident)
	return nil
}
