// Package watch turns noisy filesystem events under the archive root
// into at-most-one logical "symbol updated" event per quiet window.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/extract"
	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/registry"
)

// Event is one debounced logical update for a watched symbol.
//
// Resync marks synthetic events: emitted for every active identifier at
// startup and after a lost watch handle is re-established, so the
// extractor re-reads tails and downstream state recovers.
type Event struct {
	Symbol string
	Path   string // absolute path of the file that changed
	Resync bool
}

// Watcher observes the archive root recursively and debounces raw events
// into per-identifier updates. Ordering is per-identifier only.
type Watcher struct {
	root     string
	debounce time.Duration
	reg      *registry.Registry
	logger   zerolog.Logger

	events chan Event

	mu       sync.Mutex
	active   map[string]struct{}    // identifiers currently watched
	pending  map[string]*time.Timer // armed debounce timers per identifier
	lastPath map[string]string      // most recent path seen per identifier
	fsw      *fsnotify.Watcher

	healthy atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a watcher over the canonical archive root.
func New(root string, debounce time.Duration, reg *registry.Registry, logger zerolog.Logger) *Watcher {
	w := &Watcher{
		root:     root,
		debounce: debounce,
		reg:      reg,
		logger:   logger,
		events:   make(chan Event, 1024),
		active:   make(map[string]struct{}),
		pending:  make(map[string]*time.Timer),
		lastPath: make(map[string]string),
	}
	w.rebuildActive(time.Now())
	return w
}

// Events returns the debounced event stream.
func (w *Watcher) Events() <-chan Event { return w.events }

// Healthy reports whether the filesystem watch handle is established.
func (w *Watcher) Healthy() bool { return w.healthy.Load() }

// Start establishes the watch and begins emitting events. An initial
// resync for every active identifier primes downstream state from
// whatever the archive already contains.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.establish(); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.run(ctx)

	w.emitResyncAll()
	return nil
}

// Stop tears the watcher down. The event channel is left open (late
// timer fires must not panic); consumers stop via their own context.
func (w *Watcher) Stop() {
	w.stopped.Store(true)
	w.mu.Lock()
	if w.fsw != nil {
		w.fsw.Close()
	}
	for sym, t := range w.pending {
		t.Stop()
		delete(w.pending, sym)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// establish opens the fsnotify handle and walks the root adding every
// directory. fsnotify is not recursive by itself; new directories are
// added as their create events arrive.
func (w *Watcher) establish() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return err // the root itself must be watchable
			}
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	w.healthy.Store(true)
	w.logger.Info().Str("root", w.root).Msg("Filesystem watch established")
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw == nil {
			return
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				// A closed channel after Stop is the teardown, not a
				// lost watch.
				if w.stopped.Load() || !w.reestablish(ctx) {
					return
				}
				continue
			}
			w.handleRaw(ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				if w.stopped.Load() || !w.reestablish(ctx) {
					return
				}
				continue
			}
			// Individual errors are logged; only a closed channel means
			// the handle itself is gone.
			w.logger.Warn().Err(err).Msg("Filesystem watch error")
		}
	}
}

// reestablish recovers from a lost watch handle (error kind watch-lost):
// retry with backoff, then synthesize a resync for every active
// identifier. Returns false when the context ended or recovery failed.
func (w *Watcher) reestablish(ctx context.Context) bool {
	w.healthy.Store(false)
	w.logger.Warn().Msg("Filesystem watch lost, re-establishing")

	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		if w.stopped.Load() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := w.establish(); err == nil {
			metrics.WatcherResyncs.Inc()
			w.emitResyncAll()
			return true
		} else {
			w.logger.Error().Err(err).Int("attempt", attempt).Msg("Re-establish failed")
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	w.logger.Error().Msg("Filesystem watch could not be re-established")
	return false
}

// handleRaw maps one raw fsnotify event onto the debounce table.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New directories must join the watch for recursion to hold.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if w.fsw != nil {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
				}
			}
			w.mu.Unlock()
			return
		}
	}

	symbol := w.matchSymbol(ev.Name)
	if symbol == "" {
		return
	}
	w.bump(symbol, ev.Name)
}

// matchSymbol maps a path onto a watched identifier. A file belongs to an
// identifier when its name contains the contract code and the file kind
// is one the extractor understands.
func (w *Watcher) matchSymbol(path string) string {
	base := filepath.Base(path)
	if extract.KindOfFile(base) == extract.KindOther {
		return ""
	}
	upper := strings.ToUpper(base)

	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.active {
		if strings.Contains(upper, strings.ToUpper(id)) {
			return id
		}
	}
	return ""
}

// bump (re)arms the per-identifier debounce timer. Repeated raw events
// inside the quiet window collapse into one logical update.
func (w *Watcher) bump(symbol, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastPath[symbol] = path
	if t, ok := w.pending[symbol]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[symbol] = time.AfterFunc(w.debounce, func() {
		w.fire(symbol)
	})
}

// fire emits the debounced event, re-checking that the identifier is
// still active: a registry reload may have retired it mid-debounce.
func (w *Watcher) fire(symbol string) {
	w.mu.Lock()
	delete(w.pending, symbol)
	_, stillActive := w.active[symbol]
	path := w.lastPath[symbol]
	w.mu.Unlock()

	if !stillActive || path == "" {
		return
	}
	metrics.FileEvents.Inc()
	w.send(Event{Symbol: symbol, Path: path})
}

// send never blocks a timer or resync goroutine: a saturated downstream
// pipeline drops the event, and the next file write re-arms it.
func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn().Str("symbol", ev.Symbol).Msg("Watcher event dropped, pipeline saturated")
	}
}

// RefreshPatterns rebuilds the identifier table after a registry reload.
// Debounces pending for still-active identifiers survive; identifiers no
// longer active have their timers cancelled.
func (w *Watcher) RefreshPatterns(now time.Time) {
	removed := w.rebuildActive(now)
	for _, sym := range removed {
		w.logger.Info().Str("symbol", sym).Msg("Identifier retired from watch set")
	}
}

func (w *Watcher) rebuildActive(now time.Time) []string {
	records := w.reg.ActiveRecords(now)
	next := make(map[string]struct{}, len(records))
	for _, rec := range records {
		next[rec.Identifier] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []string
	for sym := range w.active {
		if _, keep := next[sym]; !keep {
			removed = append(removed, sym)
			if t, ok := w.pending[sym]; ok {
				t.Stop()
				delete(w.pending, sym)
			}
			delete(w.lastPath, sym)
		}
	}
	w.active = next
	return removed
}

// emitResyncAll synthesizes one resync event per active identifier,
// locating each identifier's file by scanning the root when no path has
// been observed yet.
func (w *Watcher) emitResyncAll() {
	w.mu.Lock()
	symbols := make([]string, 0, len(w.active))
	for sym := range w.active {
		symbols = append(symbols, sym)
	}
	w.mu.Unlock()

	for _, sym := range symbols {
		w.mu.Lock()
		path := w.lastPath[sym]
		w.mu.Unlock()
		if path == "" {
			path = w.findFile(sym)
			if path == "" {
				w.logger.Debug().Str("symbol", sym).Msg("No archive file found for identifier")
				continue
			}
			w.mu.Lock()
			w.lastPath[sym] = path
			w.mu.Unlock()
		}
		w.send(Event{Symbol: sym, Path: path, Resync: true})
	}
}

// findFile scans the archive for a file belonging to the identifier,
// preferring tick files over daily bars.
func (w *Watcher) findFile(symbol string) string {
	upper := strings.ToUpper(symbol)
	var tickPath, dailyPath string

	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		base := strings.ToUpper(filepath.Base(path))
		if !strings.Contains(base, upper) {
			return nil
		}
		switch extract.KindOfFile(path) {
		case extract.KindTick:
			if tickPath == "" {
				tickPath = path
			}
		case extract.KindDaily:
			if dailyPath == "" {
				dailyPath = path
			}
		}
		return nil
	})

	if tickPath != "" {
		return tickPath
	}
	return dailyPath
}
