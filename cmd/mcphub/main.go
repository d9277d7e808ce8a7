// Command mcphub serves the hub's providers over Streamable HTTP, or one
// provider over stdin/stdout with --stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/hub"
	"github.com/ggoodman/mcp-hub-go/providers/gcalendar"
	"github.com/ggoodman/mcp-hub-go/providers/imagegen"
	"github.com/ggoodman/mcp-hub-go/providers/n8n"
	"github.com/ggoodman/mcp-hub-go/providers/ping"
	"github.com/ggoodman/mcp-hub-go/providers/soundcharts"
	"github.com/ggoodman/mcp-hub-go/providers/spotify"
	"github.com/ggoodman/mcp-hub-go/sessions"
	"github.com/ggoodman/mcp-hub-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-hub-go/sessions/redishost"
	"github.com/ggoodman/mcp-hub-go/stdio"
	"github.com/ggoodman/mcp-hub-go/streaminghttp"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mcphub:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("mcphub", pflag.ContinueOnError)
	configPath := fs.String("config", "", "TOML file with per-provider settings")
	stdioProvider := fs.String("stdio", "", "serve only this provider over stdin/stdout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	// stdout belongs to the protocol in stdio mode, so logs always go to
	// stderr.
	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHub(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	if *stdioProvider != "" {
		return h.serveStdio(ctx, *stdioProvider)
	}
	return h.serveHTTP(ctx)
}

// hubProcess owns the long-lived components of a running hub.
type hubProcess struct {
	cfg Config
	log *slog.Logger

	table     *sessions.Table
	acl       *acl.Registry
	providers *hub.Registry
	host      sessions.SessionHost
	routes    []streaminghttp.Option

	closers []func() error
}

func newHub(ctx context.Context, cfg Config, log *slog.Logger) (*hubProcess, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	h := &hubProcess{cfg: cfg, log: log}
	h.table = sessions.NewTable(sessions.WithLogger(log), sessions.WithIdleTimeout(cfg.IdleTimeout))
	h.acl = acl.NewRegistry(h.table, acl.WithLogger(log))
	h.providers = hub.NewRegistry(hub.WithLogger(log), hub.WithACL(h.acl), hub.WithInitTimeout(cfg.InitTimeout))

	var redisHost *redishost.Host
	if cfg.RedisAddr != "" {
		rh, err := redishost.NewFromEnv()
		if err != nil {
			h.Close()
			return nil, err
		}
		h.closers = append(h.closers, rh.Close)
		h.host = rh
		redisHost = rh
		log.InfoContext(ctx, "mcphub.redis", slog.String("addr", cfg.RedisAddr))
	} else {
		h.host = memoryhost.New()
	}

	// Each OAuth provider keeps its accounts apart: a Redis hash per
	// provider, or a JSON file per provider in the data dir.
	accounts := func(provider string) (credentials.Store, error) {
		if redisHost != nil {
			rs, err := credentials.NewRedisStore(credentials.RedisConfig{Client: redisHost.Client(), Key: "mcp-hub:credentials:" + provider})
			if err != nil {
				return nil, err
			}
			return rs, nil
		}
		return credentials.NewFileStore(filepath.Join(cfg.DataDir, provider+"-accounts.json")), nil
	}

	if err := h.registerProviders(accounts); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *hubProcess) registerProviders(accounts func(provider string) (credentials.Store, error)) error {
	cfg := h.cfg

	spotifyAccounts, err := accounts(spotify.Name)
	if err != nil {
		return err
	}
	sp := cfg.Spotify
	sp.Store = spotifyAccounts
	sp.ACL = h.acl
	sp.Directory = acl.FileLoader{Path: filepath.Join(cfg.DataDir, "spotify-acl.json")}
	sp.Logger = h.log
	spotifyProvider := spotify.New(sp)
	if spotifyProvider.Configured() {
		h.routes = append(h.routes, streaminghttp.WithRoute(spotify.CallbackPattern, spotifyProvider.CallbackHandler()))
	}

	calendarAccounts, err := accounts(gcalendar.Name)
	if err != nil {
		return err
	}
	gc := cfg.GCalendar
	gc.Store = calendarAccounts
	gc.ACL = h.acl
	gc.Directory = acl.FileLoader{Path: filepath.Join(cfg.DataDir, "google-calendar-acl.json")}
	gc.Logger = h.log
	calendarProvider := gcalendar.New(gc)
	if calendarProvider.Configured() {
		h.routes = append(h.routes, streaminghttp.WithRoute(gcalendar.CallbackPattern, calendarProvider.CallbackHandler()))
	}

	ig := cfg.ImageGen
	ig.Logger = h.log
	sc := cfg.Soundcharts
	sc.Logger = h.log
	nn := cfg.N8N
	nn.Logger = h.log

	descriptors := []hub.Descriptor{
		ping.New(
			ping.WithVersion(cfg.Version),
			ping.WithStats(func() ping.Stats {
				return ping.Stats{RegisteredServers: h.providers.Len(), ActiveConnections: h.table.Len()}
			}),
		),
		spotifyProvider.Descriptor(),
		calendarProvider.Descriptor(),
		imagegen.New(ig).Descriptor(),
		soundcharts.Descriptor(sc),
		n8n.Descriptor(nn),
	}
	for _, d := range descriptors {
		d, err := cfg.Apply(d)
		if err != nil {
			return err
		}
		if err := h.providers.Register(d); err != nil {
			return err
		}
	}
	for name := range cfg.Providers {
		if _, ok := h.providers.Lookup(name); !ok {
			h.log.Warn("mcphub.config.unknown_provider", slog.String("provider", name))
		}
	}
	return nil
}

func (h *hubProcess) serveHTTP(ctx context.Context) error {
	authenticator, err := h.cfg.Auth.Authenticator(ctx)
	if err != nil {
		return err
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(h.log),
		streaminghttp.WithACL(h.acl),
		streaminghttp.WithVersion(h.cfg.Version),
		streaminghttp.WithKeepAlive(h.cfg.KeepAlive),
	}
	if authenticator != nil {
		opts = append(opts, streaminghttp.WithAuthenticator(authenticator), streaminghttp.WithRealm(h.cfg.Auth.Realm))
	}
	opts = append(opts, h.routes...)

	handler, err := streaminghttp.New(h.providers, h.table, h.host, opts...)
	if err != nil {
		return err
	}

	go func() {
		if err := h.acl.Watch(ctx); err != nil {
			h.log.WarnContext(ctx, "mcphub.acl.watch.fail", slog.String("err", err.Error()))
		}
	}()
	go h.table.Run(ctx)
	go h.providers.Warm(ctx)

	srv := &http.Server{
		Addr:              h.cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		h.log.InfoContext(ctx, "mcphub.listen", slog.String("addr", srv.Addr), slog.Int("providers", h.providers.Len()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	h.log.Info("mcphub.shutdown", slog.Int("sessions", h.table.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (h *hubProcess) serveStdio(ctx context.Context, provider string) error {
	if _, err := h.providers.Resolve(provider); err != nil {
		return fmt.Errorf("--stdio %s: %w", provider, err)
	}
	go h.providers.Warm(ctx, provider)
	return stdio.NewHandler(h.providers, provider,
		stdio.WithLogger(h.log),
		stdio.WithACL(h.acl),
		stdio.WithVersion(h.cfg.Version),
	).Serve(ctx)
}

// Close destroys the remaining sessions and shared provider instances, then
// releases the session host.
func (h *hubProcess) Close() {
	h.table.Close()
	if err := h.providers.Close(); err != nil {
		h.log.Warn("mcphub.close.fail", slog.String("err", err.Error()))
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			h.log.Warn("mcphub.close.fail", slog.String("err", err.Error()))
		}
	}
	h.closers = nil
}
