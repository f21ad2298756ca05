// Package app wires configuration, token stores and one authenticated
// client per profile into the pieces the binaries run.
package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvcrn/koperasi-client/internal/apiclient"
	"github.com/dvcrn/koperasi-client/internal/config"
	"github.com/dvcrn/koperasi-client/internal/credentials"
	"github.com/dvcrn/koperasi-client/internal/refresher"
	"github.com/dvcrn/koperasi-client/internal/server"
)

type App struct {
	cfg      config.Config
	logger   zerolog.Logger
	names    []string
	clients  map[string]*apiclient.Client
	redis    *redis.Client
	onExpire func(profile string, err error)
	http     apiclient.HTTPClient
	events   *server.Hub
}

type Option func(*App)

// WithSessionExpiredHook is called whenever a profile's session ends because
// its refresh failed.
func WithSessionExpiredHook(hook func(profile string, err error)) Option {
	return func(a *App) {
		a.onExpire = hook
	}
}

// WithHTTPClient replaces the transport of every client.
func WithHTTPClient(client apiclient.HTTPClient) Option {
	return func(a *App) {
		a.http = client
	}
}

// WithRedis uses an existing Redis client for the redis store instead of
// dialing store.redis.addr.
func WithRedis(rdb *redis.Client) Option {
	return func(a *App) {
		a.redis = rdb
	}
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, options ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*apiclient.Client, len(cfg.Profiles)),
		events:  server.NewHub(),
	}
	for _, opt := range options {
		opt(a)
	}
	if a.http == nil {
		a.http = apiclient.NewHTTPClient(cfg.Backend.Timeout)
	}

	storeOpts := credentials.Options{
		Type:        cfg.Store.Type,
		Dir:         cfg.Store.Dir,
		RedisPrefix: cfg.Store.Redis.Prefix,
	}
	if cfg.Store.Type == credentials.StoreRedis {
		if a.redis == nil {
			rdb, err := credentials.NewRedisClient(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password.Value(), cfg.Store.Redis.DB)
			if err != nil {
				return nil, err
			}
			a.redis = rdb
		}
		storeOpts.Redis = a.redis
	}

	for name := range cfg.Profiles {
		a.names = append(a.names, name)
	}
	sort.Strings(a.names)

	for _, name := range a.names {
		p := cfg.Profiles[name]
		store, err := credentials.Open(storeOpts, p.Namespace, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}

		client, err := apiclient.New(apiclient.Options{
			BaseURL:          cfg.Backend.BaseURL.String(),
			Profile:          ProfileFromConfig(name, p),
			Store:            store,
			HTTPClient:       a.http,
			Logger:           logger,
			RefreshTimeout:   cfg.Refresh.Timeout,
			OnSessionExpired: a.sessionExpired(name),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		a.clients[name] = client
	}

	return a, nil
}

// ProfileFromConfig turns a configured profile into the client's profile.
func ProfileFromConfig(name string, p config.ProfileConfig) apiclient.Profile {
	return apiclient.Profile{
		Name:           name,
		LoginPath:      p.LoginPath,
		RefreshPath:    p.RefreshPath,
		PublicPrefixes: append([]string(nil), p.PublicPrefixes...),
	}
}

func (a *App) sessionExpired(name string) func(error) {
	return func(err error) {
		a.logger.Warn().
			Err(err).
			Str("profile", name).
			Msg("Session expired, run login again")
		a.events.Publish(server.Event{
			Type:    server.EventSessionExpired,
			Profile: name,
			Message: err.Error(),
		})
		if a.onExpire != nil {
			a.onExpire(name, err)
		}
	}
}

func (a *App) Config() config.Config {
	return a.cfg
}

// Profiles returns the configured profile names in sorted order.
func (a *App) Profiles() []string {
	return append([]string(nil), a.names...)
}

func (a *App) Client(name string) (*apiclient.Client, error) {
	client, ok := a.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, configured: %v", name, a.names)
	}
	return client, nil
}

// Events returns the hub that session lifecycle events are published to.
func (a *App) Events() *server.Hub {
	return a.events
}

// NewServer creates the proxy serving every profile.
func (a *App) NewServer() *server.Server {
	sessions := make([]server.Session, 0, len(a.names))
	for _, name := range a.names {
		sessions = append(sessions, a.clients[name])
	}
	return server.New(a.logger, sessions, server.Options{
		AdminKey:    a.cfg.Proxy.AdminKey.Value(),
		RefreshSoon: a.cfg.Refresh.Proactive.Margin,
		Events:      a.events,
	})
}

// NewRefresher creates the proactive refresher over every profile.
func (a *App) NewRefresher() (*refresher.Refresher, error) {
	sessions := make([]refresher.Session, 0, len(a.names))
	for _, name := range a.names {
		sessions = append(sessions, a.clients[name])
	}
	return refresher.New(
		refresher.WithMargin(a.cfg.Refresh.Proactive.Margin),
		refresher.WithInterval(a.cfg.Refresh.Proactive.Interval),
		refresher.WithSessions(sessions...),
		refresher.WithLogger(a.logger),
	)
}

func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
