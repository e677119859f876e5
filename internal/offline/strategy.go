package offline

import (
	"context"
	"net/http"
	"strings"

	"github.com/briangreenhill/campusedge/cache"
)

// networkFirst tries the network and falls back to any cached copy, then to
// the shell page for navigations.
func (c *Controller) networkFirst(ctx context.Context, cfg *Config, req *http.Request) Outcome {
	resp, err := c.fetch(ctx, req, cfg.NetworkTimeout)
	if err == nil {
		c.store(ctx, cfg.DynamicPartition, resp)
		return Outcome{Kind: Network, Strategy: NetworkFirst, Entry: resp}
	}

	c.log.Debug().Err(err).Str("url", req.URL.String()).Msg("network unavailable, using cache")

	key := cache.KeyFor(req)
	if cached, ok := c.match(ctx, key); ok {
		return Outcome{Kind: CacheHit, Strategy: NetworkFirst, Entry: cached}
	}

	if acceptsHTML(req) {
		if shell, ok := c.match(ctx, cache.NewKey(http.MethodGet, cfg.shellURL())); ok {
			return Outcome{Kind: Fallback, Strategy: NetworkFirst, Entry: shell}
		}
	}
	return failed(NetworkFirst, err)
}

// cacheFirst answers from the static partition and only goes to the network
// on a miss.
func (c *Controller) cacheFirst(ctx context.Context, cfg *Config, req *http.Request) Outcome {
	key := cache.KeyFor(req)
	static, err := c.storage.Open(ctx, cfg.StaticPartition)
	if err != nil {
		c.log.Warn().Err(err).Str("partition", cfg.StaticPartition).Msg("open partition failed")
	} else if cached, ok, err := static.Match(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("cache match failed")
	} else if ok {
		return Outcome{Kind: CacheHit, Strategy: CacheFirst, Entry: cached}
	}

	resp, err := c.fetch(ctx, req, cfg.NetworkTimeout)
	if err != nil {
		c.log.Error().Err(err).Str("url", req.URL.String()).Msg("cache first fetch failed")
		return failed(CacheFirst, err)
	}
	if !credentialed(req) {
		c.store(ctx, cfg.StaticPartition, resp)
	}
	return Outcome{Kind: Network, Strategy: CacheFirst, Entry: resp}
}

// staleWhileRevalidate answers from the dynamic partition right away and
// refreshes the entry in the background. Without a cached entry the caller
// waits for that same fetch.
func (c *Controller) staleWhileRevalidate(ctx context.Context, cfg *Config, req *http.Request) Outcome {
	key := cache.KeyFor(req)
	var (
		cached *cache.Entry
		hit    bool
	)
	dynamic, err := c.storage.Open(ctx, cfg.DynamicPartition)
	if err != nil {
		c.log.Warn().Err(err).Str("partition", cfg.DynamicPartition).Msg("open partition failed")
	} else if cached, hit, err = dynamic.Match(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("cache match failed")
		hit = false
	}

	// outlives the request that started it
	bgCtx := context.WithoutCancel(ctx)
	bgReq := req.Clone(bgCtx)
	done := make(chan Outcome, 1)
	c.goBackground(func() {
		resp, err := c.fetch(bgCtx, bgReq, cfg.NetworkTimeout)
		if err != nil {
			c.log.Debug().Err(err).Str("url", bgReq.URL.String()).Msg("revalidation failed")
			done <- failed(StaleWhileRevalidate, err)
			return
		}
		c.store(bgCtx, cfg.DynamicPartition, resp)
		done <- Outcome{Kind: Network, Strategy: StaleWhileRevalidate, Entry: resp}
	})

	if hit {
		return Outcome{Kind: CacheHit, Strategy: StaleWhileRevalidate, Entry: cached}
	}
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return failed(StaleWhileRevalidate, ctx.Err())
	}
}

// networkOnly serves a credentialed request. The response belongs to one
// user, so it is never stored and never answered from the shared
// partitions. Offline navigations still get the public shell page.
func (c *Controller) networkOnly(ctx context.Context, cfg *Config, req *http.Request, s Strategy) Outcome {
	resp, err := c.fetch(ctx, req, cfg.NetworkTimeout)
	if err == nil {
		return Outcome{Kind: Network, Strategy: s, Entry: resp}
	}
	c.log.Debug().Err(err).Str("url", req.URL.String()).Msg("network unavailable for credentialed request")

	if acceptsHTML(req) {
		if shell, ok := c.match(ctx, cache.NewKey(http.MethodGet, cfg.shellURL())); ok {
			return Outcome{Kind: Fallback, Strategy: s, Entry: shell}
		}
	}
	return failed(s, err)
}

// store writes a shareable copy of a 2xx resp; failures only cost a future
// cache hit.
func (c *Controller) store(ctx context.Context, partition string, resp *cache.Entry) {
	if !resp.OK() {
		return
	}
	if private(resp) {
		c.log.Debug().Str("url", resp.URL).Msg("origin marked response private, not cached")
		return
	}
	ctx = context.WithoutCancel(ctx)
	p, err := c.storage.Open(ctx, partition)
	if err == nil {
		err = p.Put(ctx, shareable(resp))
	}
	if err != nil {
		c.log.Warn().Err(err).Str("partition", partition).Str("url", resp.URL).Msg("cache put failed")
	}
}

// match searches every partition, logging storage errors as misses.
func (c *Controller) match(ctx context.Context, key cache.Key) (*cache.Entry, bool) {
	e, ok, err := cache.Match(context.WithoutCancel(ctx), c.storage, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("cache match failed")
		return nil, false
	}
	return e, ok
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// credentialed reports whether req carries user credentials
func credentialed(req *http.Request) bool {
	return req.Header.Get("Authorization") != "" || req.Header.Get("Cookie") != ""
}

// private reports whether the origin forbade shared caching of resp
func private(resp *cache.Entry) bool {
	for _, v := range resp.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "no-store" || d == "private" || strings.HasPrefix(d, "private=") {
				return true
			}
		}
	}
	return false
}

// shareable clones resp without the cookies the origin set for one client
func shareable(resp *cache.Entry) *cache.Entry {
	e := resp.Clone()
	e.Header.Del("Set-Cookie")
	e.Header.Del("Set-Cookie2")
	return e
}
