package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/mcp"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownProvider is returned for names that were never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderDisabled is returned for registered but disabled providers.
	ErrProviderDisabled = errors.New("provider disabled")
	// ErrDuplicateProvider is returned when registering a name twice.
	ErrDuplicateProvider = errors.New("duplicate provider")
)

// Descriptor declares a provider. It is immutable after registration.
type Descriptor struct {
	Name        string
	Description string
	Version     string
	Enabled     bool
	// DisabledReason is reported when Enabled is false.
	DisabledReason string
	// Shared opts into a single OperationSet reused by all sessions.
	Shared  bool
	Factory mcpservice.Factory
	// Policy maps operations to required capability levels. The zero value
	// leaves every operation open.
	Policy acl.Policy
	// Directory loads the identity directory. Nil means no directory.
	Directory acl.Loader
}

// ProviderInfo is the discovery view of a Descriptor.
type ProviderInfo struct {
	Name        string
	Description string
	Version     string
	Enabled     bool
	Shared      bool
	// DisabledReason explains why a provider is not enabled.
	DisabledReason string
}

// Registry holds the registered providers in registration order.
type Registry struct {
	log         *slog.Logger
	acl         *acl.Registry
	initTimeout time.Duration

	mu          sync.RWMutex
	order       []string
	descriptors map[string]Descriptor

	sharedMu sync.Mutex
	shared   map[string]mcpservice.OperationSet
	inits    singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithACL installs each registered descriptor's policy and directory into
// reg.
func WithACL(reg *acl.Registry) RegistryOption {
	return func(r *Registry) { r.acl = reg }
}

// WithInitTimeout bounds each build of a shared provider. Zero leaves builds
// unbounded.
func WithInitTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.initTimeout = d }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:         slog.Default(),
		descriptors: make(map[string]Descriptor),
		shared:      make(map[string]mcpservice.OperationSet),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds d. Names must be unique and non-empty; enabled providers
// need a factory.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("register provider: empty name")
	}
	if d.Enabled && d.Factory == nil {
		return fmt.Errorf("register provider %s: nil factory", d.Name)
	}

	r.mu.Lock()
	if _, exists := r.descriptors[d.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register provider %s: %w", d.Name, ErrDuplicateProvider)
	}
	r.descriptors[d.Name] = d
	r.order = append(r.order, d.Name)
	r.mu.Unlock()

	if r.acl != nil {
		r.acl.SetProvider(d.Name, d.Policy, d.Directory)
	}

	attrs := []any{
		slog.String("provider", d.Name),
		slog.Bool("enabled", d.Enabled),
		slog.Bool("shared", d.Shared),
	}
	if !d.Enabled && d.DisabledReason != "" {
		attrs = append(attrs, slog.String("reason", d.DisabledReason))
	}
	r.log.Info("hub.provider.register", attrs...)
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Resolve returns the descriptor of an enabled provider, or
// ErrUnknownProvider / ErrProviderDisabled.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if !d.Enabled {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}
	return d, nil
}

// List returns every provider in registration order.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(r.order))
	for _, name := range r.order {
		d := r.descriptors[name]
		out = append(out, ProviderInfo{
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Enabled:     d.Enabled,
			Shared:      d.Shared,

			DisabledReason: d.DisabledReason,
		})
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Instantiate returns the OperationSet for a new session of provider name.
// Shared providers are built once; a failed build is retried by the next
// call. The returned wrapper of a shared instance ignores Close.
func (r *Registry) Instantiate(ctx context.Context, name string) (mcpservice.OperationSet, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if !d.Shared {
		return d.Factory(ctx)
	}

	r.sharedMu.Lock()
	ops, ok := r.shared[name]
	r.sharedMu.Unlock()
	if ok {
		return sharedOps{ops}, nil
	}

	v, err, _ := r.inits.Do(name, func() (any, error) {
		r.sharedMu.Lock()
		if ops, ok := r.shared[name]; ok {
			r.sharedMu.Unlock()
			return ops, nil
		}
		r.sharedMu.Unlock()

		initCtx := context.WithoutCancel(ctx)
		if r.initTimeout > 0 {
			var cancel context.CancelFunc
			initCtx, cancel = context.WithTimeout(initCtx, r.initTimeout)
			defer cancel()
		}
		ops, err := d.Factory(initCtx)
		if err != nil {
			r.log.WarnContext(ctx, "hub.shared.init.err", slog.String("provider", name), slog.String("err", err.Error()))
			return nil, err
		}
		r.sharedMu.Lock()
		r.shared[name] = ops
		r.sharedMu.Unlock()
		r.log.InfoContext(ctx, "hub.shared.init.ok", slog.String("provider", name))
		return ops, nil
	})
	if err != nil {
		return nil, fmt.Errorf("initialize shared provider %s: %w", name, err)
	}
	return sharedOps{v.(mcpservice.OperationSet)}, nil
}

// Factory returns a session factory bound to provider name.
func (r *Registry) Factory(name string) mcpservice.Factory {
	return func(ctx context.Context) (mcpservice.OperationSet, error) {
		return r.Instantiate(ctx, name)
	}
}

// Warm builds the named shared providers, or every enabled shared provider
// when no name is given, ahead of the first session. Builds run
// concurrently; failures are logged and retried on first use.
func (r *Registry) Warm(ctx context.Context, names ...string) {
	if len(names) == 0 {
		for _, p := range r.List() {
			if p.Enabled && p.Shared {
				names = append(names, p.Name)
			}
		}
	}
	var wg sync.WaitGroup
	for _, name := range names {
		d, err := r.Resolve(name)
		if err != nil || !d.Shared {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Instantiate(ctx, name)
		}()
	}
	wg.Wait()
}

// Close closes the shared instances.
func (r *Registry) Close() error {
	r.sharedMu.Lock()
	shared := r.shared
	r.shared = make(map[string]mcpservice.OperationSet)
	r.sharedMu.Unlock()

	var errs []error
	for name, ops := range shared {
		if c, ok := ops.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// sharedOps hides the Closer of a shared instance from session teardown.
// List change notifications pass through.
type sharedOps struct {
	ops mcpservice.OperationSet
}

func (s sharedOps) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return s.ops.ListTools(ctx)
}

func (s sharedOps) CallTool(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	return s.ops.CallTool(ctx, req)
}

func (s sharedOps) SubscribeListChanged(ctx context.Context) <-chan struct{} {
	if src, ok := s.ops.(mcpservice.ListChangeSource); ok {
		return src.SubscribeListChanged(ctx)
	}
	return nil
}
