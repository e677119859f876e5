// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	BaseURL   string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	OriginURL string `env:"ORIGIN_URL" envDefault:"http://localhost:8000"`
	AppName   string `env:"APP_NAME" envDefault:"StudentsPoint"`

	// ManifestPath is optional; the built-in manifest is used when empty
	ManifestPath  string `env:"MANIFEST_PATH"`
	WatchManifest bool   `env:"WATCH_MANIFEST" envDefault:"true"`

	Store StoreConfig `envPrefix:"CACHE_"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`

	NetworkTimeout  time.Duration `env:"NETWORK_TIMEOUT" envDefault:"10s"`
	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"12h"`

	AdminToken  string `env:"ADMIN_TOKEN"`
	ClickSecret string `env:"CLICK_SECRET"`

	NotifyEmail string `env:"NOTIFY_EMAIL"`
	SMTPAddr    string `env:"SMTP_ADDR"`
	MailFrom    string `env:"MAIL_FROM" envDefault:"no-reply@studentspoint.local"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// StoreConfig selects the partition storage backend
type StoreConfig struct {
	Driver     string `env:"DRIVER" envDefault:"file"`
	Dir        string `env:"DIR"`
	SQLitePath string `env:"SQLITE_PATH"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join(homeDir(), ".campusedge", "partitions")
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(homeDir(), ".campusedge", "cache.db")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks combinations env tags cannot express
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Origin(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres cache driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_DRIVER %q", c.Store.Driver))
	}
	if c.NetworkTimeout < 0 {
		errs = append(errs, errors.New("NETWORK_TIMEOUT must not be negative"))
	}
	if c.NotifyEmail != "" && c.SMTPAddr == "" {
		errs = append(errs, errors.New("SMTP_ADDR is required when NOTIFY_EMAIL is set"))
	}
	return errors.Join(errs...)
}

// Origin parses OriginURL
func (c *Config) Origin() (*url.URL, error) {
	u, err := url.Parse(c.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ORIGIN_URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ORIGIN_URL must be absolute, got %q", c.OriginURL)
	}
	return u, nil
}

// HasRedis reports whether background sync goes through the job queue
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
