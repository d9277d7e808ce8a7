package acl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownIdentity is returned when binding a username the directory
	// does not know.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrDirectoryUnavailable is returned when binding against a provider
	// whose directory has never loaded.
	ErrDirectoryUnavailable = errors.New("identity directory unavailable")
	// ErrUnknownSession is returned when the identity store has no session.
	ErrUnknownSession = errors.New("unknown session")
)

// DefaultTTL is how long a loaded directory is served before it is reloaded.
const DefaultTTL = 60 * time.Second

// Identity is the principal bound to a session.
type Identity struct {
	Username    string
	DisplayName string
	Level       Level
	// Accounts is copied from the directory entry. Nil means every account.
	Accounts []string
	BoundAt  time.Time
}

// AllowsAccount reports whether the identity may act on the named account.
func (id *Identity) AllowsAccount(name string) bool {
	return id == nil || id.Accounts == nil || slices.Contains(id.Accounts, name)
}

// IdentityStore holds per-session identity bindings. The session table
// implements it.
type IdentityStore interface {
	SessionProvider(sessionID string) (string, bool)
	SessionIdentity(sessionID string) (*Identity, bool)
	SetSessionIdentity(sessionID string, id Identity) error
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed  bool
	Level    Level
	Required Level
	Reason   string
}

// Registry is the per-provider capability registry: operation policies plus
// identity directories cached with a TTL.
type Registry struct {
	store IdentityStore
	log   *slog.Logger
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerState
	loads     singleflight.Group
}

type providerState struct {
	policy Policy
	loader Loader

	// guarded by Registry.mu
	dir      *Directory
	loadedAt time.Time
	stale    bool
	lastErr  error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns an empty Registry backed by store.
func NewRegistry(store IdentityStore, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		log:       slog.Default(),
		ttl:       DefaultTTL,
		now:       time.Now,
		providers: make(map[string]*providerState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetProvider installs the policy and directory loader for provider,
// replacing any previous configuration. loader may be nil.
func (r *Registry) SetProvider(provider string, policy Policy, loader Loader) {
	if policy.Open == 0 {
		policy.Open = Lowest
	}
	r.mu.Lock()
	r.providers[provider] = &providerState{policy: policy, loader: loader}
	r.mu.Unlock()
}

func (r *Registry) state(provider string) *providerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[provider]
}

// RequiredLevel returns the minimum level for operation on provider.
// Providers without a policy are fully open.
func (r *Registry) RequiredLevel(provider, operation string) Level {
	st := r.state(provider)
	if st == nil {
		return Lowest
	}
	return st.policy.Required(operation)
}

// OpenLevel returns the provider's open level.
func (r *Registry) OpenLevel(provider string) Level {
	st := r.state(provider)
	if st == nil {
		return Lowest
	}
	return st.policy.Open
}

// directory returns the provider's directory, reloading it when stale. On a
// failed reload the previous directory is kept. It returns nil when no
// directory has ever loaded.
func (r *Registry) directory(ctx context.Context, provider string) *Directory {
	st := r.state(provider)
	if st == nil || st.loader == nil {
		return nil
	}

	r.mu.RLock()
	dir, loadedAt, stale := st.dir, st.loadedAt, st.stale
	r.mu.RUnlock()
	if dir != nil && !stale && r.now().Sub(loadedAt) < r.ttl {
		return dir
	}

	v, _, _ := r.loads.Do(provider, func() (any, error) {
		loaded, err := st.loader.Load(context.WithoutCancel(ctx))

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			if st.lastErr == nil || st.lastErr.Error() != err.Error() {
				r.log.WarnContext(ctx, "acl.directory.load.err",
					slog.String("provider", provider),
					slog.Bool("retained", st.dir != nil),
					slog.String("err", err.Error()))
			}
			st.lastErr = err
			// Keep serving the previous directory but retry after another TTL.
			if st.dir != nil {
				st.loadedAt = r.now()
				st.stale = false
			}
			return st.dir, nil
		}
		if loaded == nil {
			loaded = &Directory{}
		}
		st.dir = loaded
		st.loadedAt = r.now()
		st.stale = false
		st.lastErr = nil
		r.log.DebugContext(ctx, "acl.directory.load.ok",
			slog.String("provider", provider),
			slog.Int("users", len(loaded.Users)))
		return loaded, nil
	})
	d, _ := v.(*Directory)
	return d
}

// Invalidate marks the provider's directory stale so the next access
// reloads it.
func (r *Registry) Invalidate(provider string) {
	st := r.state(provider)
	if st == nil {
		return
	}
	r.mu.Lock()
	st.stale = true
	r.mu.Unlock()
}

// ListIdentities returns the usernames known for provider, sorted. It is
// empty when no directory has loaded.
func (r *Registry) ListIdentities(ctx context.Context, provider string) []string {
	return r.directory(ctx, provider).Usernames()
}

// BindIdentity binds username to the session, using the directory of the
// provider the session belongs to. Rebinding overwrites.
func (r *Registry) BindIdentity(ctx context.Context, sessionID, username string) (Identity, error) {
	provider, ok := r.store.SessionProvider(sessionID)
	if !ok {
		return Identity{}, fmt.Errorf("bind identity: %w", ErrUnknownSession)
	}
	dir := r.directory(ctx, provider)
	if dir == nil {
		return Identity{}, fmt.Errorf("bind identity for %s: %w", provider, ErrDirectoryUnavailable)
	}
	entry, ok := dir.Users[username]
	if !ok {
		return Identity{}, &UnknownIdentityError{Username: username, Valid: dir.Usernames()}
	}
	id := Identity{
		Username:    username,
		DisplayName: entry.DisplayName,
		Level:       entry.Level,
		Accounts:    slices.Clone(entry.Accounts),
		BoundAt:     r.now(),
	}
	if err := r.store.SetSessionIdentity(sessionID, id); err != nil {
		return Identity{}, fmt.Errorf("bind identity: %w", err)
	}
	r.log.InfoContext(ctx, "acl.identity.bind.ok",
		slog.String("provider", provider),
		slog.String("username", username),
		slog.String("level", id.Level.String()))
	return id, nil
}

// Identity returns the identity bound to the session, if any.
func (r *Registry) Identity(sessionID string) (*Identity, bool) {
	if r.store == nil || sessionID == "" {
		return nil, false
	}
	return r.store.SessionIdentity(sessionID)
}

// SessionLevel returns the effective level of a session: the bound identity,
// else the directory default, else the provider's open level. An empty
// sessionID is a trusted local caller and gets Highest.
func (r *Registry) SessionLevel(ctx context.Context, sessionID, provider string) Level {
	if sessionID == "" {
		return Highest
	}
	if id, ok := r.store.SessionIdentity(sessionID); ok && id != nil {
		return id.Level
	}
	if dir := r.directory(ctx, provider); dir != nil && dir.Default.Valid() {
		return dir.Default
	}
	return r.OpenLevel(provider)
}

// CheckPermission decides whether the session may call operation.
func (r *Registry) CheckPermission(ctx context.Context, sessionID, provider, operation string) Decision {
	required := r.RequiredLevel(provider, operation)
	if required <= r.OpenLevel(provider) {
		return Decision{Allowed: true, Level: r.SessionLevel(ctx, sessionID, provider), Required: required}
	}
	if sessionID == "" {
		return Decision{Allowed: true, Level: Highest, Required: required}
	}
	level := r.SessionLevel(ctx, sessionID, provider)
	d := Decision{Allowed: level.Allows(required), Level: level, Required: required}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("requires %q level, session has %q", required, level)
	}
	return d
}

// DenialMessage renders the refusal shown to a caller denied operation.
func DenialMessage(provider, operation string, d Decision) string {
	identify := IdentifyToolName(provider)
	return fmt.Sprintf("Access denied: %q requires %q level. Your current level: %q.\n\n"+
		"You must call %q first to identify this session. "+
		"Infer the user's first name from the conversation context and call %s automatically. "+
		"If you cannot determine the name, call %s with username \"unknown\" to get the list of valid names.",
		operation, d.Required, d.Level, identify, identify, identify)
}

// UnknownIdentityError reports a username missing from the directory along
// with the valid names.
type UnknownIdentityError struct {
	Username string
	Valid    []string
}

func (e *UnknownIdentityError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("unknown username %q; the directory lists no users", e.Username)
	}
	return fmt.Sprintf("unknown username %q; valid usernames: %s", e.Username, strings.Join(e.Valid, ", "))
}

func (e *UnknownIdentityError) Unwrap() error { return ErrUnknownIdentity }

// Watch watches the files behind every FileLoader and invalidates the
// owning provider on change. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("acl watch: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch parent directories so that atomic rename-over writes are seen.
	byPath := make(map[string]string)
	r.mu.RLock()
	for name, st := range r.providers {
		fl, ok := st.loader.(FileLoader)
		if !ok {
			continue
		}
		abs, err := filepath.Abs(fl.Path)
		if err != nil {
			continue
		}
		byPath[abs] = name
	}
	r.mu.RUnlock()

	dirs := make(map[string]struct{})
	for p := range byPath {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			r.log.WarnContext(ctx, "acl.watch.add.err", slog.String("dir", d), slog.String("err", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name, _ := filepath.Abs(ev.Name)
			if provider, ok := byPath[name]; ok {
				r.Invalidate(provider)
				r.log.DebugContext(ctx, "acl.watch.invalidate", slog.String("provider", provider), slog.String("op", ev.Op.String()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.DebugContext(ctx, "acl.watch.err", slog.String("err", err.Error()))
		}
	}
}
