package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/internal/bootstrap"
	"github.com/briangreenhill/campusedge/internal/config"
	"github.com/briangreenhill/campusedge/internal/jobs"
	"github.com/briangreenhill/campusedge/internal/manifest"
	"github.com/briangreenhill/campusedge/internal/offline"
)

// currentSyncer syncs the partitions of whichever manifest version is current
type currentSyncer struct {
	ctrl atomic.Pointer[bootstrap.Controller]
}

func (s *currentSyncer) BackgroundSync(ctx context.Context, tag string) (offline.SyncReport, error) {
	return s.ctrl.Load().BackgroundSync(ctx, tag)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logger := bootstrap.NewLogger(cfg.LogLevel).With().Str("process", "worker").Logger()

	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required for the worker")
	}
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn().Msg("memory cache driver is not shared with the edge; sync passes will find nothing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	defer closeStorage()

	m, err := bootstrap.LoadManifest(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load manifest")
	}
	// the edge installs generations; the worker only reads and refreshes them
	ctrl, err := bootstrap.NewController(cfg, m, storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build controller")
	}
	syncer := &currentSyncer{}
	syncer.ctrl.Store(ctrl)

	if cfg.ManifestPath != "" && cfg.WatchManifest {
		w, err := manifest.NewWatcher(cfg.ManifestPath, logger, func(_ context.Context, next *manifest.Manifest) {
			c, err := bootstrap.NewController(cfg, next, storage, logger)
			if err != nil {
				logger.Error().Err(err).Msg("rebuild controller")
				return
			}
			syncer.ctrl.Store(c)
			logger.Info().Str("version", next.VersionID()).Msg("worker following new manifest")
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("watch manifest")
		}
		if err := w.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("watch manifest")
		}
		defer w.Stop()
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    4,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueSync: 10, // higher priority
			"default":      5,
		},
		Logger:   asynqLogger{logger},
		LogLevel: asynq.InfoLevel,
	})
	mux := jobs.NewServeMux(jobs.SyncHandler{Syncer: syncer, Log: logger})

	logger.Info().Str("redis", cfg.RedisAddr).Msg("worker running")
	if err := srv.Start(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	srv.Shutdown()
}

// asynqLogger routes asynq's own logging through zerolog
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
