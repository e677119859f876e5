// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/internal/bootstrap"
	"github.com/briangreenhill/campusedge/internal/config"
	"github.com/briangreenhill/campusedge/internal/http/routes"
	"github.com/briangreenhill/campusedge/internal/jobs"
	"github.com/briangreenhill/campusedge/internal/manifest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("edge stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	origin, err := cfg.Origin()
	if err != nil {
		return err
	}

	// Storage
	storage, closeStorage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	// Controller
	m, err := bootstrap.LoadManifest(cfg)
	if err != nil {
		return err
	}
	ctrl, err := bootstrap.NewController(cfg, m, storage, logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		// requests pass straight through to the origin until an install succeeds
		logger.Error().Err(err).Str("version", m.VersionID()).Msg("initial install failed")
	} else {
		logger.Info().Str("version", m.VersionID()).Msg("controller activated")
	}

	if cfg.ManifestPath != "" && cfg.WatchManifest {
		w, err := manifest.NewWatcher(cfg.ManifestPath, logger, func(ctx context.Context, next *manifest.Manifest) {
			changed, err := ctrl.Reload(ctx, cfg, next)
			switch {
			case err != nil:
				logger.Error().Err(err).Str("version", next.VersionID()).Msg("manifest update failed")
			case changed:
				logger.Info().Str("version", next.VersionID()).Msg("manifest update activated")
			}
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.Name = "campusedge_client"
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = strings.HasPrefix(cfg.BaseURL, "https://")

	// Background sync queue
	var enq jobs.Enqueuer
	if cfg.HasRedis() {
		ae := jobs.NewAsynqEnqueuer(cfg.RedisAddr)
		defer ae.Close()
		enq = ae
	}

	s := routes.New(routes.ServerOptions{
		Ctrl:       ctrl.Controller,
		Sess:       sess,
		Click:      ctrl.Click,
		Jobs:       enq,
		Origin:     origin,
		AdminToken: cfg.AdminToken,
		Log:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("origin", origin.String()).Msg("starting edge")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	ctrl.Wait()
	return err
}
