package offline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SyncReport summarises one background sync pass
type SyncReport struct {
	Tag      string        `json:"tag"`
	Ignored  bool          `json:"ignored,omitempty"`
	Checked  int           `json:"checked"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// BackgroundSync re-fetches every cached API response of the dynamic
// partition. Other tags are ignored. A failed refresh is logged and
// counted; only storage errors fail the pass.
func (c *Controller) BackgroundSync(ctx context.Context, tag string) (SyncReport, error) {
	start := c.now()
	cfg := c.current()
	report := SyncReport{Tag: tag}
	if tag != cfg.SyncTag {
		report.Ignored = true
		return report, nil
	}

	dynamic, err := c.storage.Open(ctx, cfg.DynamicPartition)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", cfg.DynamicPartition, err)
	}
	keys, err := dynamic.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list %s: %w", cfg.DynamicPartition, err)
	}

	for _, key := range keys {
		if !strings.Contains(key.URL, cfg.APIPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		req, err := http.NewRequestWithContext(ctx, key.Method, key.URL, nil)
		if err != nil {
			report.Skipped++
			c.log.Warn().Err(err).Str("url", key.URL).Msg("sync skipped unparsable key")
			continue
		}
		resp, err := c.fetch(ctx, req, cfg.NetworkTimeout)
		switch {
		case err != nil:
			report.Failed++
			c.log.Warn().Err(err).Str("url", key.URL).Msg("sync fetch failed")
			continue
		case !resp.OK():
			report.Failed++
			c.log.Warn().Int("status", resp.Status).Str("url", key.URL).Msg("sync fetch rejected")
			continue
		case private(resp):
			report.Skipped++
			c.log.Debug().Str("url", key.URL).Msg("sync response marked private, not cached")
			continue
		}
		if err := dynamic.Put(ctx, shareable(resp)); err != nil {
			return report, fmt.Errorf("put %s: %w", key.URL, err)
		}
		report.Updated++
	}

	report.Duration = c.now().Sub(start)
	c.log.Info().
		Str("tag", tag).
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("background sync finished")
	return report, nil
}
