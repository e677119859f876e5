package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher reloads a manifest file when it changes on disk and hands every
// successfully parsed version to OnChange.
type Watcher struct {
	path     string
	log      zerolog.Logger
	debounce time.Duration
	onChange func(context.Context, *Manifest)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file by rename are seen.
func NewWatcher(path string, log zerolog.Logger, onChange func(context.Context, *Manifest)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		log:      log.With().Str("component", "manifest-watcher").Str("path", abs).Logger(),
		debounce: defaultDebounce,
		onChange: onChange,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetDebounce changes how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching in a goroutine. It returns once the directory is
// registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("manifest: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	go w.run(ctx, w.debounce)
	w.log.Info().Msg("watching manifest")
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.log.Error().Err(err).Msg("closing watcher")
	}
}

func (w *Watcher) run(ctx context.Context, debounce time.Duration) {
	defer close(w.doneCh)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug().Str("op", event.Op.String()).Msg("manifest changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watch error")

		case <-timerCh:
			timerCh = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	m, err := Load(w.path)
	if err != nil {
		// keep the previous version until the file parses again
		w.log.Warn().Err(err).Msg("manifest reload failed")
		return
	}
	w.log.Info().Str("version", m.VersionID()).Msg("manifest reloaded")
	if w.onChange != nil {
		w.onChange(ctx, m)
	}
}
