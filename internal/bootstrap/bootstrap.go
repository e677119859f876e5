// Package bootstrap builds the pieces shared by the edge server and the sync
// worker from a config.Config.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/cache"
	"github.com/briangreenhill/campusedge/cache/postgres"
	"github.com/briangreenhill/campusedge/cache/sqlite"
	"github.com/briangreenhill/campusedge/internal/auth"
	"github.com/briangreenhill/campusedge/internal/config"
	"github.com/briangreenhill/campusedge/internal/email"
	"github.com/briangreenhill/campusedge/internal/manifest"
	"github.com/briangreenhill/campusedge/internal/offline"
)

// NewLogger returns the process logger at the configured level
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// OpenStorage opens the configured partition backend. The returned func
// releases it.
func OpenStorage(ctx context.Context, cfg config.Config) (cache.Storage, func(), error) {
	noop := func() {}
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return cache.NewMemoryStorage(), noop, nil
	case config.DriverFile, "":
		fs, err := cache.NewFileStorage(cfg.Store.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file storage: %w", err)
		}
		return fs, noop, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown cache driver %q", cfg.Store.Driver)
}

// LoadManifest reads MANIFEST_PATH, or returns the built-in manifest named
// after APP_NAME when no path is set.
func LoadManifest(cfg config.Config) (*manifest.Manifest, error) {
	if cfg.ManifestPath == "" {
		m := manifest.Default()
		if cfg.AppName != "" {
			m.Name = cfg.AppName
		}
		return m, nil
	}
	return manifest.Load(cfg.ManifestPath)
}

// ClickLink returns the signer for notification action links, nil when no
// secret is configured.
func ClickLink(cfg config.Config) *auth.ClickLink {
	if cfg.ClickSecret == "" {
		return nil
	}
	return &auth.ClickLink{Secret: []byte(cfg.ClickSecret), BaseURL: cfg.BaseURL}
}

// Notifier logs every notification and mirrors it by mail when NOTIFY_EMAIL
// is set.
func Notifier(cfg config.Config, log zerolog.Logger) offline.Notifier {
	logN := offline.LogNotifier{Log: log}
	if cfg.NotifyEmail == "" {
		return logN
	}
	var sender email.Sender = email.StdoutSender{Log: log}
	if cfg.SMTPAddr != "" {
		sender = email.NewSMTPSender(cfg.SMTPAddr, cfg.MailFrom)
	}
	return offline.MultiNotifier{logN, email.Notifier{Sender: sender, To: cfg.NotifyEmail}}
}

// Controller is a wired offline controller plus what the HTTP layer needs
type Controller struct {
	*offline.Controller
	Manifest *manifest.Manifest
	Click    *auth.ClickLink
}

// NewController builds the controller for m. It is not started.
func NewController(cfg config.Config, m *manifest.Manifest, storage cache.Storage, log zerolog.Logger) (*Controller, error) {
	origin, err := cfg.Origin()
	if err != nil {
		return nil, err
	}
	click := ClickLink(cfg)

	opts := offline.Options{
		Storage:  storage,
		Fetcher:  offline.NewHTTPFetcher(&http.Client{}),
		Notifier: Notifier(cfg, log),
		Logger:   log.With().Str("component", "offline").Logger(),
	}
	if click != nil {
		opts.ActionURL = click.URL
	}

	ctrl, err := offline.New(m.OfflineConfig(origin, cfg.NetworkTimeout), opts)
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	return &Controller{Controller: ctrl, Manifest: m, Click: click}, nil
}

// Reload installs m as the next generation when its version differs from
// the one in use.
func (c *Controller) Reload(ctx context.Context, cfg config.Config, m *manifest.Manifest) (bool, error) {
	if m.VersionID() == c.Manifest.VersionID() {
		return false, nil
	}
	origin, err := cfg.Origin()
	if err != nil {
		return false, err
	}
	if err := c.Update(ctx, m.OfflineConfig(origin, cfg.NetworkTimeout)); err != nil {
		return false, err
	}
	c.Manifest = m
	return true, nil
}
