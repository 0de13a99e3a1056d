package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/call"
	"github.com/matheus3301/pulse/internal/config"
	"github.com/matheus3301/pulse/internal/control"
	"github.com/matheus3301/pulse/internal/journal"
	"github.com/matheus3301/pulse/internal/lock"
	"github.com/matheus3301/pulse/internal/logging"
	"github.com/matheus3301/pulse/internal/lottery"
	"github.com/matheus3301/pulse/internal/messaging"
	"github.com/matheus3301/pulse/internal/outbox"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/retry"
	"github.com/matheus3301/pulse/internal/session"
	"github.com/matheus3301/pulse/internal/status"
	"github.com/matheus3301/pulse/internal/store"
	intsync "github.com/matheus3301/pulse/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const bootstrapTimeout = 30 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.pulse/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideSession,
			provideLogger,
			provideBus,
			provideLock,
			provideJournal,
			provideStore,
			provideREST,
			provideLottery,
			provideMessaging,
			provideCoordinator,
			provideSyncEngine,
			provideSender,
			provideRecorder,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideSession(p Params, cfg *config.Config) (session.Context, error) {
	return session.New(p.SessionName, cfg)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideJournal depends on the lock so two daemons never share a journal.
func provideJournal(p Params, _ *lock.Lock, logger *zap.Logger) (*journal.DB, error) {
	path := session.JournalPath(p.SessionName)
	db, err := journal.Open(path)
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
	logger.Info("journal initialized", zap.String("path", path))
	return db, nil
}

func provideStore(b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(b, logger)
}

func provideREST(cfg *config.Config, sess session.Context) (*rest.Client, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: api_base_url is required")
	}
	return rest.NewClient(cfg.APIBaseURL, rest.WithToken(sess.Token))
}

func provideLottery(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *lottery.Client {
	return lottery.NewClient(lottery.Options{
		BaseURL:      cfg.APIBaseURL,
		Capacity:     cfg.FeedCapacity,
		RetryCeiling: cfg.ReconnectCeiling(),
	}, b, logger)
}

func provideMessaging(cfg *config.Config, api *rest.Client, b *bus.Bus, logger *zap.Logger) *messaging.Manager {
	return messaging.NewManager(messaging.Options{
		Authorizer:           api,
		RetryCeiling:         cfg.ReconnectCeiling(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, b, logger)
}

// provideCoordinator signals through the REST call endpoints, which confirm
// each command and relay it to the peer's user channel.
func provideCoordinator(cfg *config.Config, sess session.Context, api *rest.Client, b *bus.Bus, logger *zap.Logger) *call.Coordinator {
	return call.NewCoordinator(call.Options{
		SelfID:      sess.UserID,
		RingTimeout: cfg.RingTimeout(),
	}, call.SignalerFunc(api.Signal), b, logger)
}

func provideSyncEngine(st *store.Store, calls *call.Coordinator, mgr *messaging.Manager, b *bus.Bus, sess session.Context, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, calls, mgr, b, sess.UserID, logger)
}

func provideSender(db *journal.DB, api *rest.Client, st *store.Store, b *bus.Bus, sess session.Context, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, api, st, b, sess.UserID, logger)
}

func provideRecorder(db *journal.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *journal.Recorder {
	return journal.NewRecorder(db, b, cfg.DrawHistory, logger)
}

type controlDeps struct {
	fx.In

	Session   session.Context
	Store     *store.Store
	Engine    *intsync.Engine
	Outbox    *outbox.Sender
	Calls     *call.Coordinator
	Lottery   *lottery.Client
	Messaging *messaging.Manager
	Journal   *journal.DB
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideControl(d controlDeps) *control.Service {
	return control.NewService(control.Deps{
		Session:   d.Session,
		Store:     d.Store,
		Engine:    d.Engine,
		Outbox:    d.Outbox,
		Calls:     d.Calls,
		Lottery:   d.Lottery,
		Messaging: d.Messaging,
		Journal:   d.Journal,
		Bus:       d.Bus,
		Logger:    d.Logger,
	})
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	Journal   *journal.DB
	Recorder  *journal.Recorder
	Engine    *intsync.Engine
	Sender    *outbox.Sender
	Calls     *call.Coordinator
	Lottery   *lottery.Client
	Messaging *messaging.Manager
	REST      *rest.Client
	Bus       *bus.Bus
	Config    *config.Config
	Session   session.Context
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Subscribers first so nothing published at connect is missed.
			d.Engine.Start(ctx)
			d.Recorder.Start(ctx)
			if err := d.Sender.Start(ctx); err != nil {
				cancel()
				return err
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go connectLottery(ctx, d.REST, d.Lottery, d.Bus, d.Config.ReconnectCeiling(), d.Logger)
			go connectMessaging(ctx, d.REST, d.Messaging, d.Session, d.Config.ReconnectCeiling(), d.Logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			d.Messaging.Disconnect()
			d.Lottery.Close()
			d.Calls.Close()
			d.Sender.Stop()
			d.Recorder.Stop()
			d.Engine.Stop()
			d.Server.Stop(ctx)
			if err := d.Journal.Close(); err != nil {
				d.Logger.Warn("error closing journal", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}

// connectLottery keeps the lottery stream open for the daemon's lifetime. The
// stream key is fetched with backoff and fetched again whenever the server
// rejects it.
func connectLottery(ctx context.Context, api *rest.Client, client *lottery.Client, b *bus.Bus, ceiling time.Duration, logger *zap.Logger) {
	degraded, unsub := b.SubscribeAll(bus.KindLotteryDegraded)
	defer unsub()

	policy := retry.New(0, ceiling, 0)
	for {
		var key string
		err := bootstrap(ctx, policy, logger, "lottery stream key", func(reqCtx context.Context) error {
			var err error
			key, err = api.StreamKey(reqCtx)
			return err
		})
		if err != nil {
			return
		}
		if err := client.Open(ctx, key); err != nil {
			logger.Error("failed to open lottery stream", zap.Error(err))
			return
		}
		if !awaitKeyRejected(ctx, degraded) {
			return
		}
		logger.Info("refreshing lottery stream key")
	}
}

func awaitKeyRejected(ctx context.Context, degraded <-chan bus.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt := <-degraded:
			if err, ok := evt.Payload.(error); ok && errors.Is(err, lottery.ErrStreamKeyRejected) {
				return true
			}
		}
	}
}

// connectMessaging fetches the socket configuration with backoff and connects.
// Once connected the manager handles its own reconnects.
func connectMessaging(ctx context.Context, api *rest.Client, mgr *messaging.Manager, sess session.Context, ceiling time.Duration, logger *zap.Logger) {
	var cfg messaging.Config
	err := bootstrap(ctx, retry.New(0, ceiling, 0), logger, "messaging config", func(reqCtx context.Context) error {
		var err error
		cfg, err = api.MessagingConfig(reqCtx)
		return err
	})
	if err != nil {
		return
	}
	if cfg.Channels.User == "" {
		cfg.Channels.User = messaging.UserChannel(sess.UserID)
	}
	err = mgr.Connect(ctx, cfg)
	var terr *status.TransportError
	switch {
	case err == nil:
	case errors.As(err, &terr):
		logger.Warn("messaging unreachable, retrying in background", zap.Error(err))
	default:
		logger.Error("failed to connect messaging", zap.Error(err))
	}
}

// bootstrap runs fn until it succeeds or ctx ends, waiting between attempts
// as policy dictates.
func bootstrap(ctx context.Context, policy *retry.Policy, logger *zap.Logger, what string, fn func(context.Context) error) error {
	for {
		reqCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		err := fn(reqCtx)
		cancel()
		if err == nil {
			policy.Reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay, ok := policy.Next()
		if !ok {
			logger.Error("giving up on "+what, zap.Error(err))
			return err
		}
		logger.Warn("failed to fetch "+what, zap.Error(err), zap.Int("attempt", policy.Attempt()), zap.Duration("retry_in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
