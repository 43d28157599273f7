package daemon

import (
	"context"

	"github.com/offgridchat/syncd/internal/bus"
	"github.com/offgridchat/syncd/internal/config"
	"github.com/offgridchat/syncd/internal/lock"
	"github.com/offgridchat/syncd/internal/logging"
	"github.com/offgridchat/syncd/internal/metrics"
	"github.com/offgridchat/syncd/internal/outbox"
	"github.com/offgridchat/syncd/internal/remote"
	"github.com/offgridchat/syncd/internal/session"
	"github.com/offgridchat/syncd/internal/status"
	"github.com/offgridchat/syncd/internal/store"
	intsync "github.com/offgridchat/syncd/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Channel    remote.Channel // optional backend override; nil = in-memory loopback
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideChannel,
			provideMonitor,
			provideReconciler,
			provideSubscriptions,
			providePropagator,
			provideOutbox,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	return reg, metrics.New(reg)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
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

func provideChannel(p Params, logger *zap.Logger) remote.Channel {
	if p.Channel != nil {
		return p.Channel
	}
	logger.Info("no backend configured, using in-memory loopback channel")
	return remote.NewMemory()
}

func provideMonitor(b *bus.Bus, channel remote.Channel) *remote.Monitor {
	monitor := remote.NewMonitor(b, true)
	if mem, ok := channel.(*remote.Memory); ok {
		mem.AttachMonitor(monitor)
	}
	return monitor
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, logger, m, cfg.Reconciler.IDMapTTL.Std())
}

func provideSubscriptions(channel remote.Channel, rec *intsync.Reconciler, logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *intsync.Subscriptions {
	return intsync.NewSubscriptions(channel, rec, logger, m, cfg.Reconciler.SnapshotQueueDepth)
}

func providePropagator(rec *intsync.Reconciler, db *store.DB, channel remote.Channel, logger *zap.Logger) *status.Propagator {
	return status.NewPropagator(rec, db, channel, logger)
}

func provideOutbox(db *store.DB, channel remote.Channel, rec *intsync.Reconciler, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, cfg *config.Config) *outbox.Manager {
	return outbox.NewManager(db, channel, rec, b, logger, m, outbox.Options{
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff.Std(),
		MaxBackoff:     cfg.Outbox.MaxBackoff.Std(),
		PollInterval:   cfg.Outbox.PollInterval.Std(),
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	b *bus.Bus,
	cfg *config.Config,
	rec *intsync.Reconciler,
	subs *intsync.Subscriptions,
	ob *outbox.Manager,
	prop *status.Propagator,
	mon *remote.Monitor,
	logger *zap.Logger,
) {
	hookCtx, cancelHooks := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			rec.Start(context.Background())

			// Serve health checks in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()

			if err := ob.Start(context.Background()); err != nil {
				return err
			}

			// Resume sync for conversations already in the store.
			convs, err := db.ListConversations(0, 0)
			if err != nil {
				return err
			}
			for _, c := range convs {
				if _, err := subs.Subscribe(remote.Filter{ConversationID: c.ID}); err != nil {
					logger.Error("resume subscription failed", zap.Error(err), zap.String("conversation_id", c.ID))
				}
			}
			logger.Info("subscriptions resumed", zap.Int("conversations", len(convs)))

			// The participant-level listener catches conversations the store
			// has never seen, so a brand-new inbound thread reaches the
			// reconciler without a restart.
			if cfg.UserID != "" {
				if _, err := subs.Subscribe(remote.Filter{ParticipantID: cfg.UserID}); err != nil {
					logger.Error("open participant subscription failed", zap.Error(err), zap.String("user_id", cfg.UserID))
				}
			}

			// Device-level delivery receipts for inbound messages.
			if cfg.UserID != "" {
				ch, unsub := b.Subscribe(bus.KindMessageArrived, 256)
				go func() {
					defer unsub()
					for {
						select {
						case evt := <-ch:
							msg, ok := evt.Payload.(*store.Message)
							if !ok || msg.SenderID == cfg.UserID {
								continue
							}
							if err := prop.MarkDelivered(hookCtx, msg.ConversationID, []string{msg.ID}, cfg.UserID); err != nil {
								logger.Warn("auto delivery receipt failed", zap.Error(err), zap.String("message_id", msg.ID))
							}
						case <-hookCtx.Done():
							return
						}
					}
				}()
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelHooks()
			mon.Set(false)
			subs.Close()
			ob.Stop()
			rec.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
