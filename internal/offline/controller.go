package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/campusedge/cache"
)

// Options carries the collaborators of a Controller. Storage is required;
// everything else has a default.
type Options struct {
	Storage  cache.Storage
	Fetcher  Fetcher
	Notifier Notifier
	Clients  *Clients
	Logger   zerolog.Logger

	// ActionURL builds the link attached to a notification action
	ActionURL func(notificationID, action string) string

	Now func() time.Time
}

// Controller is the offline cache controller. An incoming generation is
// installed and activated while the active one keeps serving requests.
type Controller struct {
	storage   cache.Storage
	fetcher   Fetcher
	notifier  Notifier
	clients   *Clients
	log       zerolog.Logger
	actionURL func(id, action string) string
	now       func() time.Time

	// lifecycle serialises install and activate
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       State
	incoming    *Config
	active      *Config
	skipWaiting bool

	notifyMu      sync.Mutex
	notifications []*Notification

	bg sync.WaitGroup
}

// New creates a controller whose first generation is cfg. Nothing is
// intercepted until Start (or Install + Activate) succeeds.
func New(cfg Config, opts Options) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		storage:   opts.Storage,
		fetcher:   opts.Fetcher,
		notifier:  opts.Notifier,
		clients:   opts.Clients,
		log:       opts.Logger,
		actionURL: opts.ActionURL,
		now:       opts.Now,
		state:     StateUninstalled,
		incoming:  &cfg,
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(&http.Client{})
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Log: opts.Logger}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.clients == nil {
		c.clients = NewClients(c.now)
	}
	return c, nil
}

// State reports the lifecycle state of the newest generation
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Active returns the generation currently answering requests
func (c *Controller) Active() (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return Config{}, false
	}
	return *c.active, true
}

// current is the active generation, or the incoming one before the first activation
func (c *Controller) current() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active != nil {
		return c.active
	}
	return c.incoming
}

// Clients exposes the registry of browsing clients
func (c *Controller) Clients() *Clients { return c.clients }

// Intercept resolves one outgoing request. req must carry an absolute URL.
// clientID identifies the browsing client; empty means unknown.
func (c *Controller) Intercept(ctx context.Context, req *http.Request, clientID string) Outcome {
	c.mu.RLock()
	cfg := c.active
	c.mu.RUnlock()

	if clientID != "" {
		navURL := ""
		if req.Method == http.MethodGet && acceptsHTML(req) {
			navURL = req.URL.RequestURI()
		}
		client := c.clients.Touch(clientID, navURL, cfg != nil)
		if !client.Controlled {
			return bypass()
		}
	}
	if cfg == nil {
		return bypass()
	}
	if req.Method != http.MethodGet || !cfg.SameOrigin(req.URL) {
		return bypass()
	}

	strategy := SelectStrategy(cfg.Rules, req.URL, cfg.DefaultStrategy)
	if credentialed(req) && strategy != CacheFirst {
		return c.networkOnly(ctx, cfg, req, strategy)
	}
	switch strategy {
	case CacheFirst:
		return c.cacheFirst(ctx, cfg, req)
	case StaleWhileRevalidate:
		return c.staleWhileRevalidate(ctx, cfg, req)
	default:
		return c.networkFirst(ctx, cfg, req)
	}
}

// goBackground runs fn as work that Wait must see finish
func (c *Controller) goBackground(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

// Wait blocks until background revalidations have finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}
