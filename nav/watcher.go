package nav

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits for writes to settle.
const DefaultReloadDebounce = 500 * time.Millisecond

// RouteReloadHandler receives a freshly parsed route.
type RouteReloadHandler func(r *Route)

// RouteWatcher reloads a route file whenever it changes on disk. Editors and
// atomic writers replace files, so the parent directory is watched rather than
// the file itself.
type RouteWatcher struct {
	path     string
	handler  RouteReloadHandler
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewRouteWatcher creates a watcher for path. A zero debounce uses DefaultReloadDebounce.
func NewRouteWatcher(path string, handler RouteReloadHandler, debounce time.Duration) (*RouteWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving route path: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &RouteWatcher{path: abs, handler: handler, debounce: debounce, watcher: w}, nil
}

// Run processes events until ctx is cancelled. Parse failures are logged and
// the previously loaded route stays active.
func (w *RouteWatcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	Logf("[WATCH] watching %s", w.path)
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case <-timer.C:
			pending = false
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			Logf("[WATCH] watcher error: %v", err)
		}
	}
}

func (w *RouteWatcher) reload() {
	r, err := LoadRoute(w.path)
	if err != nil {
		Logf("[WATCH] reload of %s failed, keeping current route: %v", w.path, err)
		return
	}
	if r == nil {
		Logf("[WATCH] %s disappeared, keeping current route", w.path)
		return
	}
	Logf("[WATCH] %s changed, reloading route %q", w.path, r.Name)
	w.handler(r)
}
