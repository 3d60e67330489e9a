package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reteul/internal/engine"
	"reteul/internal/logging"
	"reteul/internal/rete"
)

// Reload describes one processed rule file.
type Reload struct {
	Path    string
	Network string
	Changes Changes
	Err     error
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Reloads       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// Watcher loads every rule file in a directory into an engine and reloads
// files as they change. Each file owns one network; deleting the file
// removes its productions.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	engine      *engine.Engine
	applier     *Applier
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	onReload    func(Reload)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	fileNetwork map[string]string // path -> network
	networkFile map[string]string // network -> path

	stats WatcherStats
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long a file must stay quiet before it is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounceDur = d
		}
	}
}

// WithOnReload registers a callback invoked after every processed file.
func WithOnReload(fn func(Reload)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for dir feeding e.
func NewWatcher(e *engine.Engine, dir string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:     fw,
		engine:      e,
		applier:     NewApplier(),
		dir:         dir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 250 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		fileNetwork: make(map[string]string),
		networkFile: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadAll loads every rule file currently in the directory, in name order.
func (w *Watcher) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read rules dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && isRuleFile(entry.Name()) {
			paths = append(paths, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	var errs []error
	for _, path := range paths {
		if r := w.reload(ctx, path); r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Start begins watching the directory. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watchDir(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Rules("Watching rules directory: %s", w.dir)

	go w.run(ctx)
	return nil
}

func (w *Watcher) watchDir() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create rules dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryRules).Error("Watcher: error closing: %v", err)
	}
	logging.Rules("Watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounceDur / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

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
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryRules).Error("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-debounceTicker.C:
			w.processDebouncedEvents(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isRuleFile(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case event.Op&fsnotify.Create != 0:
		w.stats.FilesCreated++
	case event.Op&fsnotify.Write != 0:
		w.stats.FilesModified++
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.stats.FilesDeleted++
	default:
		return
	}
	logging.RulesDebug("Watcher: %s %s", event.Op, event.Name)
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
}

func (w *Watcher) processDebouncedEvents(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(settled)
	for _, path := range settled {
		w.reload(ctx, path)
	}
}

// reload applies one file, or an empty rule set when the file is gone.
func (w *Watcher) reload(ctx context.Context, path string) Reload {
	r := w.apply(ctx, path)

	w.mu.Lock()
	w.stats.Reloads++
	if r.Err != nil {
		w.stats.Errors++
	}
	onReload := w.onReload
	w.mu.Unlock()

	if r.Err != nil {
		logging.RulesWarn("Reload of %s failed: %v", path, r.Err)
	}
	if onReload != nil {
		onReload(r)
	}
	return r
}

func (w *Watcher) apply(ctx context.Context, path string) Reload {
	w.mu.RLock()
	previous, seen := w.fileNetwork[path]
	w.mu.RUnlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !seen {
			return Reload{Path: path}
		}
		changes, err := w.applyTo(previous, &RuleSet{Network: previous, path: path})
		w.mu.Lock()
		delete(w.fileNetwork, path)
		delete(w.networkFile, previous)
		w.mu.Unlock()
		return Reload{Path: path, Network: previous, Changes: changes, Err: err}
	}

	rs, err := LoadRuleSet(path)
	if err != nil {
		return Reload{Path: path, Network: previous, Err: err}
	}

	w.mu.Lock()
	if owner, ok := w.networkFile[rs.Network]; ok && owner != path {
		w.mu.Unlock()
		return Reload{Path: path, Network: rs.Network, Err: fmt.Errorf("network %s already loaded from %s", rs.Network, owner)}
	}
	w.fileNetwork[path] = rs.Network
	w.networkFile[rs.Network] = path
	if seen && previous != rs.Network {
		delete(w.networkFile, previous)
	}
	w.mu.Unlock()

	var errs []error
	if seen && previous != rs.Network {
		if _, err := w.applyTo(previous, &RuleSet{Network: previous, path: path}); err != nil {
			errs = append(errs, err)
		}
	}

	created := false
	if _, ok := w.engine.Network(rs.Network); !ok {
		if _, err := w.engine.AddNetwork(rs.Network); err != nil && !errors.Is(err, engine.ErrDuplicateNetwork) {
			return Reload{Path: path, Network: rs.Network, Err: err}
		}
		created = true
	}

	changes, err := w.applyTo(rs.Network, rs)
	if err != nil {
		errs = append(errs, err)
	}

	// Inline facts seed a network once, when its file first creates it.
	if created && len(rs.Facts) > 0 {
		facts, err := rs.FactList()
		if err != nil {
			errs = append(errs, err)
		}
		for _, f := range facts {
			if _, err := w.engine.Assert(ctx, f, rs.Network); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}

	return Reload{Path: path, Network: rs.Network, Changes: changes, Err: errors.Join(errs...)}
}

func (w *Watcher) applyTo(network string, rs *RuleSet) (Changes, error) {
	var changes Changes
	err := w.engine.With(network, func(n *rete.Network) error {
		var err error
		changes, err = w.applier.Apply(n, rs)
		return err
	})
	if errors.Is(err, engine.ErrUnknownNetwork) {
		w.applier.Forget(network)
		return changes, nil
	}
	return changes, err
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the watch loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Files returns the loaded rule files and their networks.
func (w *Watcher) Files() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]string, len(w.fileNetwork))
	for path, network := range w.fileNetwork {
		out[path] = network
	}
	return out
}
