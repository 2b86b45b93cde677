package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/api"
	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/chat"
	"github.com/matheus3301/storechat/internal/config"
	"github.com/matheus3301/storechat/internal/control"
	"github.com/matheus3301/storechat/internal/lock"
	"github.com/matheus3301/storechat/internal/logging"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/outbox"
	"github.com/matheus3301/storechat/internal/realtime"
	"github.com/matheus3301/storechat/internal/room"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/store"
	intsync "github.com/matheus3301/storechat/internal/sync"
	"github.com/matheus3301/storechat/internal/upload"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string          // optional override for testing; empty = use default
	Config      *config.Session // optional override; nil = read session.toml
	Dialer      realtime.Dialer // optional override; nil = gorilla websocket
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideCredentials,
			provideAPI,
			provideManager,
			provideUploads,
			provideRoom,
			provideSender,
			provideSyncEngine,
			provideController,
			provideControl,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Session, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.LoadSession(session.SessionConfigPath(p.SessionName))
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultSession(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Debug:   p.Debug,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), "storechatd")
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(cfg *config.Session) (session.Identity, error) {
	id := session.Identity{Role: model.Role(cfg.Role), UserID: cfg.UserID, StoreID: cfg.StoreID}
	return id, id.Validate()
}

func provideCredentials(cfg *config.Session) session.CredentialProvider {
	return session.NewFileProvider(cfg.TokenFile, session.Mode(cfg.CredentialMode), cfg.CookieName)
}

func provideAPI(cfg *config.Session, creds session.CredentialProvider, logger *zap.Logger) *api.Client {
	return api.New(api.Config{BaseURL: cfg.APIBaseURL, Timeout: cfg.RequestTimeout.Duration}, creds, logger)
}

func provideManager(p Params, cfg *config.Session, creds session.CredentialProvider, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(realtime.Config{
		URL:               cfg.SocketURL,
		Namespace:         cfg.Namespace,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay.Duration,
	}, p.Dialer, creds, b, logger)
}

func provideUploads(p Params, cfg *config.Session, client *api.Client, creds session.CredentialProvider, b *bus.Bus, logger *zap.Logger) *upload.Orchestrator {
	return upload.NewOrchestrator(upload.Options{
		Uploader:    client,
		Credentials: creds,
		Previewer:   upload.DirPreviewer{Dir: session.PreviewDir(p.SessionName)},
		Bus:         b,
		Logger:      logger,
		MaxBytes:    cfg.MaxUploadBytes,
	})
}

func provideRoom(id session.Identity, cfg *config.Session, client *api.Client, b *bus.Bus, logger *zap.Logger) *room.State {
	return room.New(id.Role, room.Options{
		API:         client,
		Bus:         b,
		TypingQuiet: cfg.TypingQuiet.Duration,
		Logger:      logger,
	})
}

func provideSender(db *store.DB, client *api.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideController(id session.Identity, state *room.State, mgr *realtime.Manager, sender *outbox.Sender, uploads *upload.Orchestrator, logger *zap.Logger) *chat.Controller {
	return chat.New(chat.Options{
		Identity:    id,
		Room:        state,
		Transport:   mgr,
		Persister:   sender,
		Attachments: uploads,
		Logger:      logger,
	})
}

func provideControl(p Params, ctl *chat.Controller, uploads *upload.Orchestrator, mgr *realtime.Manager, logger *zap.Logger) *control.Server {
	return control.NewServer(p.SessionName, ctl, uploads, mgr, logger)
}

type lifecycleDeps struct {
	fx.In

	Server     *Server
	Metrics    *MetricsServer
	Lock       *lock.Lock
	DB         *store.DB
	Identity   session.Identity
	Manager    *realtime.Manager
	Controller *chat.Controller
	Engine     *intsync.Engine
	Sender     *outbox.Sender
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var stopHealth, stopActivity func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Cache mirror and leftover sends first, so nothing published
			// by the connection is missed.
			d.Engine.Start(context.Background())
			d.Sender.Start(context.Background())

			stopHealth = d.Server.TrackConnection(d.Bus)
			stopActivity = watchActivity(d.Bus, d.Logger)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.Metrics.Start()

			go func() {
				if err := d.Manager.Open(context.Background(), d.Identity); err != nil {
					d.Logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Controller.Close()
			if err := d.Manager.Close(); err != nil {
				d.Logger.Warn("error closing connection", zap.Error(err))
			}
			d.Sender.Stop()
			d.Engine.Stop()
			if stopHealth != nil {
				stopHealth()
			}
			if stopActivity != nil {
				stopActivity()
			}
			d.Server.Stop(ctx)
			d.Metrics.Stop(ctx)
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
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

