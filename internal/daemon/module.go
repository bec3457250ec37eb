// Package daemon composes the delivery core into a long-lived process.
// One daemon owns one session: its realtime connection, its cache
// database, and its session lock.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/pigeon/internal/api"
	"github.com/matheus3301/pigeon/internal/bus"
	"github.com/matheus3301/pigeon/internal/cache"
	"github.com/matheus3301/pigeon/internal/config"
	"github.com/matheus3301/pigeon/internal/lock"
	"github.com/matheus3301/pigeon/internal/logging"
	"github.com/matheus3301/pigeon/internal/session"
	"github.com/matheus3301/pigeon/internal/status"
	"github.com/matheus3301/pigeon/internal/store"
	intsync "github.com/matheus3301/pigeon/internal/sync"
	"github.com/matheus3301/pigeon/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideResolver,
			provideCacheDB,
			provideWatcher,
			provideRestClient,
			provideAdapter,
			provideEngine,
			providePoller,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

// provideConfig loads ~/.pigeon/config.toml. A missing file is not an
// error; every knob has a default.
func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults")
		return &config.Config{}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore() *store.Store {
	return store.New()
}

func provideResolver(p Params) *session.Resolver {
	return session.NewResolver(p.SessionName)
}

func provideCacheDB(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideWatcher(db *cache.DB, st *store.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *cache.Watcher {
	return cache.NewWatcher(db, st, b, logger, cfg.SignalPoll())
}

func provideRestClient(cfg *config.Config, resolver *session.Resolver) *api.Client {
	return api.NewClient(cfg.Server(), resolver.Token)
}

func provideAdapter(cfg *config.Config, resolver *session.Resolver, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Adapter {
	return transport.NewAdapter(cfg.Server(), resolver, machine, b, logger,
		cfg.ReconnectDelay(), cfg.ReconnectBudget())
}

func provideEngine(st *store.Store, client *api.Client, adapter *transport.Adapter, db *cache.DB, resolver *session.Resolver, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, client, adapter, db, resolver, b, logger,
		cfg.AckDeadline(), cfg.SendWatchdog(), cfg.TypingReset())
}

func providePoller(engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(engine, logger, cfg.PollInterval())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, st *store.Store, resolver *session.Resolver, adapter *transport.Adapter, engine *intsync.Engine, poller *intsync.Poller, watcher *cache.Watcher, db *cache.DB, logger *zap.Logger) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c

			if identity, ok := resolver.Resolve(); ok {
				st.SetLocalUser(identity.UserID)
				logger.Info("local identity resolved", zap.String("user_id", identity.UserID))
			} else {
				logger.Warn("no local identity, sends will fail until login")
			}

			// Handlers must exist before the first frame arrives.
			engine.Start(ctx)

			go func() {
				if err := engine.Bootstrap(ctx); err != nil {
					logger.Warn("bootstrap failed, realtime push may still cover it", zap.Error(err))
				}
			}()
			go func() {
				if err := adapter.Connect(ctx); err != nil {
					logger.Warn("realtime connect failed, retrying in background", zap.Error(err))
				}
			}()

			poller.Start(ctx)
			go watcher.Run(ctx)

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			poller.Stop()
			engine.Stop()
			if err := adapter.Close(); err != nil {
				logger.Warn("error closing realtime channel", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache db", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
