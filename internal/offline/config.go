// Package offline implements the offline cache controller: the
// install/activate lifecycle of versioned cache partitions and the per-request
// caching strategies that answer from cache, network, or both.
package offline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultShellPath = "/index.html"
	DefaultRootURL   = "/"
	DefaultAPIPrefix = "/api/"
	DefaultSyncTag   = "background-sync"
)

// Config is one controller generation: the partition names of a deployed
// version together with its manifest and strategy rules.
type Config struct {
	// Version identifies the deployment, e.g. StudentsPoint-v1.2.0
	Version          string
	StaticPartition  string
	DynamicPartition string

	// Manifest lists the assets cached at install time. Relative paths
	// resolve against Origin; absolute URLs (CDN bundles) are fetched as-is.
	Manifest []string

	Rules           []Rule
	DefaultStrategy Strategy

	ShellPath string
	RootURL   string
	APIPrefix string
	SyncTag   string

	Origin *url.URL

	// NetworkTimeout bounds every network fetch; zero waits indefinitely.
	NetworkTimeout time.Duration

	Notification NotificationTemplate
}

// PartitionNames returns the static and dynamic partition names of a version.
func PartitionNames(app, version string) (static, dynamic string) {
	return app + "-static-" + version, app + "-dynamic-" + version
}

// NewConfig builds a generation with the platform defaults filled in.
func NewConfig(app, version string, origin *url.URL) Config {
	static, dynamic := PartitionNames(app, version)
	return Config{
		Version:          app + "-" + version,
		StaticPartition:  static,
		DynamicPartition: dynamic,
		Rules:            DefaultRules(),
		DefaultStrategy:  NetworkFirst,
		ShellPath:        DefaultShellPath,
		RootURL:          DefaultRootURL,
		APIPrefix:        DefaultAPIPrefix,
		SyncTag:          DefaultSyncTag,
		Origin:           origin,
		Notification:     DefaultNotification(app),
	}
}

// Validate checks the fields the controller cannot run without
func (c Config) Validate() error {
	var errs []error
	if c.Origin == nil || c.Origin.Host == "" {
		errs = append(errs, errors.New("origin with scheme and host is required"))
	}
	if c.StaticPartition == "" || c.DynamicPartition == "" {
		errs = append(errs, errors.New("static and dynamic partition names are required"))
	}
	if c.StaticPartition != "" && c.StaticPartition == c.DynamicPartition {
		errs = append(errs, fmt.Errorf("static and dynamic partitions share the name %q", c.StaticPartition))
	}
	if c.DefaultStrategy != "" {
		if _, err := ParseStrategy(string(c.DefaultStrategy)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range c.Rules {
		if r.Match == nil {
			errs = append(errs, fmt.Errorf("rule %q has no predicate", r.Name))
		}
		if _, err := ParseStrategy(string(r.Strategy)); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// withDefaults fills zero fields so hand-built configs behave like NewConfig ones
func (c Config) withDefaults() Config {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = NetworkFirst
	}
	if c.ShellPath == "" {
		c.ShellPath = DefaultShellPath
	}
	if c.RootURL == "" {
		c.RootURL = DefaultRootURL
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	if c.SyncTag == "" {
		c.SyncTag = DefaultSyncTag
	}
	if c.Version == "" {
		c.Version = c.StaticPartition
	}
	c.Manifest = append([]string(nil), c.Manifest...)
	c.Rules = append([]Rule(nil), c.Rules...)
	return c
}

// Resolve turns a manifest path into an absolute URL against the origin.
func (c Config) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	return c.Origin.ResolveReference(u), nil
}

// SameOrigin reports whether u shares the origin's scheme and host.
func (c Config) SameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}

func (c Config) shellURL() string {
	u, err := c.Resolve(c.ShellPath)
	if err != nil {
		return c.ShellPath
	}
	return u.String()
}
