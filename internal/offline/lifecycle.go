package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/campusedge/cache"
)

// State of a controller generation
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

// ErrNotInstalled is returned when activation is requested before install
var ErrNotInstalled = errors.New("controller generation is not installed")

const installConcurrency = 8

// Start installs the incoming generation and activates it when install
// asked to skip waiting.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	skip := c.skipWaiting
	c.mu.RUnlock()
	if !skip {
		return nil
	}
	return c.Activate(ctx)
}

// Update stages next as a new generation and runs its lifecycle. The active
// generation keeps answering requests until next is activated.
func (c *Controller) Update(ctx context.Context, next Config) error {
	next = next.withDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	c.lifecycle.Lock()
	c.mu.Lock()
	c.incoming = &next
	c.state = StateUninstalled
	c.skipWaiting = false
	c.mu.Unlock()
	c.lifecycle.Unlock()

	c.log.Info().Str("version", next.Version).Msg("new version staged")
	return c.Start(ctx)
}

// Install writes every manifest asset into the static partition in one
// all-or-nothing step. On failure the generation stays uninstalled.
func (c *Controller) Install(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	cfg := c.incoming
	switch {
	case cfg == nil:
		c.mu.Unlock()
		return nil
	case c.state != StateUninstalled:
		c.mu.Unlock()
		return nil
	}
	c.state = StateInstalling
	c.mu.Unlock()

	c.log.Info().Str("version", cfg.Version).Int("assets", len(cfg.Manifest)).Msg("installing")
	if err := c.install(ctx, cfg); err != nil {
		c.mu.Lock()
		c.state = StateUninstalled
		c.mu.Unlock()
		c.log.Error().Err(err).Str("version", cfg.Version).Msg("install failed")
		return fmt.Errorf("install %s: %w", cfg.Version, err)
	}

	c.mu.Lock()
	c.state = StateInstalled
	c.skipWaiting = true
	c.mu.Unlock()
	c.log.Info().Str("version", cfg.Version).Msg("installed")
	return nil
}

func (c *Controller) install(ctx context.Context, cfg *Config) error {
	entries := make([]*cache.Entry, len(cfg.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, ref := range cfg.Manifest {
		i, ref := i, ref
		g.Go(func() error {
			u, err := cfg.Resolve(ref)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := c.fetch(gctx, req, cfg.NetworkTimeout)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s returned %d", ErrBadResponse, u, resp.Status)
			}
			entries[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	static, err := c.storage.Open(ctx, cfg.StaticPartition)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.StaticPartition, err)
	}
	for _, e := range entries {
		if err := static.Put(ctx, shareable(e)); err != nil {
			return fmt.Errorf("put %s: %w", e.URL, err)
		}
	}
	return nil
}

// Activate deletes every partition the incoming generation does not name,
// promotes it to active and claims all known clients. Calling it on an
// already active controller reruns the cleanup.
func (c *Controller) Activate(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	var cfg *Config
	switch c.state {
	case StateInstalled:
		cfg = c.incoming
		c.state = StateActivating
	case StateActivated:
		cfg = c.active
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotInstalled, state)
	}
	c.mu.Unlock()

	c.log.Info().Str("version", cfg.Version).Msg("activating")
	if err := c.cleanup(ctx, cfg); err != nil {
		c.mu.Lock()
		if c.state == StateActivating {
			c.state = StateInstalled
		}
		c.mu.Unlock()
		c.log.Error().Err(err).Str("version", cfg.Version).Msg("activation failed")
		return fmt.Errorf("activate %s: %w", cfg.Version, err)
	}

	c.mu.Lock()
	c.active = cfg
	c.incoming = nil
	c.state = StateActivated
	c.skipWaiting = false
	c.mu.Unlock()

	claimed := c.clients.Claim()
	c.log.Info().Str("version", cfg.Version).Int("claimed", claimed).Msg("activated")
	return nil
}

// cleanup deletes stale partitions one by one. Every failure is collected so
// one bad partition does not hide the others; any failure fails the step.
func (c *Controller) cleanup(ctx context.Context, cfg *Config) error {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("enumerate partitions: %w", err)
	}

	var errs []error
	for _, name := range names {
		if name == cfg.StaticPartition || name == cfg.DynamicPartition {
			continue
		}
		if _, err := c.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
			continue
		}
		c.log.Info().Str("partition", name).Msg("deleted stale partition")
	}
	for _, name := range []string{cfg.StaticPartition, cfg.DynamicPartition} {
		if _, err := c.storage.Open(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("open partition %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SkipWaiting activates an installed generation right away.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	installed := c.state == StateInstalled
	c.mu.Unlock()
	if !installed {
		return nil
	}
	return c.Activate(ctx)
}
