// Package daemon composes the delivery pipeline into a running process.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/bridge"
	"github.com/courierchat/courier/internal/bus"
	"github.com/courierchat/courier/internal/config"
	"github.com/courierchat/courier/internal/delivery"
	"github.com/courierchat/courier/internal/lock"
	"github.com/courierchat/courier/internal/logging"
	"github.com/courierchat/courier/internal/merge"
	"github.com/courierchat/courier/internal/notify"
	"github.com/courierchat/courier/internal/profile"
	"github.com/courierchat/courier/internal/queue"
	"github.com/courierchat/courier/internal/remote"
	"github.com/courierchat/courier/internal/store"
	"github.com/courierchat/courier/internal/worker"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemoteClient,
			provideStream,
			provideMerger,
			provideNotifier,
			provideRunner,
			provideSendWorker,
			provideUploadWorker,
			provideOrchestrator,
			provideBridge,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideRemoteClient(p Params, logger *zap.Logger) *remote.Client {
	rc := p.Config.Remote
	return remote.NewClient(remote.ClientConfig{
		BaseURL:       rc.BaseURL,
		StreamURL:     rc.StreamURL,
		Token:         rc.Token,
		SendTimeout:   rc.SendTimeoutDuration(),
		UploadTimeout: rc.UploadTimeoutDuration(),
		PageSize:      rc.PageSize,
	}, logger)
}

func provideStream(client *remote.Client, b *bus.Bus, logger *zap.Logger) *remote.Stream {
	return remote.NewStream(client, b, logger)
}

func provideMerger(b *bus.Bus, logger *zap.Logger) *merge.Merger {
	return merge.New(b, logger)
}

func provideNotifier(logger *zap.Logger) notify.Notifier {
	return notify.NewLogNotifier(logger)
}

func provideRunner(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *queue.Runner {
	d := p.Config.Delivery
	return queue.NewRunner(db, b, logger, queue.Options{
		MaxAttempts: d.MaxAttempts,
		BackoffBase: d.BackoffDuration(),
	})
}

func provideSendWorker(db *store.DB, client *remote.Client, n notify.Notifier, b *bus.Bus, logger *zap.Logger, r *queue.Runner) *worker.SendWorker {
	return worker.NewSendWorker(db, client, n, b, logger, r.MaxAttempts())
}

func provideUploadWorker(db *store.DB, client *remote.Client, n notify.Notifier, b *bus.Bus, logger *zap.Logger, r *queue.Runner) *worker.UploadWorker {
	return worker.NewUploadWorker(db, client, n, b, logger, r.MaxAttempts())
}

func provideOrchestrator(db *store.DB, r *queue.Runner, b *bus.Bus, logger *zap.Logger) *delivery.Orchestrator {
	return delivery.New(db, r, b, logger)
}

func provideBridge(b *bus.Bus, logger *zap.Logger) *bridge.Bridge {
	return bridge.New(b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	b *bus.Bus,
	stream *remote.Stream,
	merger *merge.Merger,
	runner *queue.Runner,
	sendWorker *worker.SendWorker,
	uploadWorker *worker.UploadWorker,
	orch *delivery.Orchestrator,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runner.Register(queue.KindSend, sendWorker)
			runner.Register(queue.KindUpload, uploadWorker)
			uploadWorker.SetProgressSink(runner)

			// Merger first, seeded from the durable store, so no local or
			// remote update published during startup is lost.
			local, err := db.ListPending()
			if err != nil {
				return err
			}
			merger.Seed(local)
			merger.Start(context.Background())

			if err := stream.Start(); err != nil {
				return err
			}
			if err := runner.Start(context.Background()); err != nil {
				return err
			}
			if err := orch.RecoverPending(); err != nil {
				return err
			}

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			runner.Stop()
			stream.Stop()
			merger.Stop()
			b.Close()
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
