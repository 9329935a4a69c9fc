// Package cfgwatch detects changes to the on-disk configuration file while
// the relay is running. Rule sets are fixed for the process lifetime, so a
// detected change never reloads anything — it only logs a warning telling
// the operator a restart is required to pick it up.
package cfgwatch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultDebounce coalesces the burst of events many editors and config
// managers emit for a single logical save (write + chmod + rename).
const defaultDebounce = 500 * time.Millisecond

// Watcher watches one config file's containing directory and debounces its
// change events down to one callback invocation per edit.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	logger   zerolog.Logger
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
}

// New builds a Watcher for the config file at path. onChange is invoked,
// debounced, whenever the file is created, written, renamed, or removed.
func New(path string, logger zerolog.Logger, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()

		return nil, err
	}

	return &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		logger:   logger.With().Str("component", "cfgwatch").Logger(),
		onChange: onChange,
	}, nil
}

// Start runs the watch loop in a goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if w.matches(event) {
				w.debounce()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warn().Err(err).Msg("config watch error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}

	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(defaultDebounce, func() {
		w.logger.Warn().Str("path", w.path).Msg("config file changed on disk; restart to apply")

		if w.onChange != nil {
			w.onChange()
		}
	})
}
