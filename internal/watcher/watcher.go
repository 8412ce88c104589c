// Package watcher reports files added under a directory once they stop changing,
// and manages one such watch per configured folder.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/pkg/utils"
)

const (
	defaultStabilityThreshold = 2 * time.Second
	defaultPollInterval       = 100 * time.Millisecond
)

// pending tracks a new file until its size and mtime hold still.
type pending struct {
	size   int64
	mod    time.Time
	stable time.Time
	timer  *time.Timer
}

// Watcher watches one root directory and calls onAdd for files created after Start.
// Dotfiles and dot directories are ignored.
type Watcher struct {
	root      string
	recursive bool
	onAdd     func(path string, info os.FileInfo)
	stability time.Duration
	poll      time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	known    map[string]struct{} // files present at start or already reported
	pending  map[string]*pending
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithStability sets how long a file must stay unchanged before it is reported,
// and how often it is polled meanwhile.
func WithStability(threshold, poll time.Duration) WatcherOption {
	return func(w *Watcher) {
		if threshold > 0 {
			w.stability = threshold
		}
		if poll > 0 {
			w.poll = poll
		}
	}
}

// NewWatcher creates a watcher for root. When recursive is false only immediate
// children of root are reported.
func NewWatcher(root string, recursive bool, onAdd func(path string, info os.FileInfo), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:      filepath.Clean(root),
		recursive: recursive,
		onAdd:     onAdd,
		stability: defaultStabilityThreshold,
		poll:      defaultPollInterval,
		known:     make(map[string]struct{}),
		pending:   make(map[string]*pending),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.OrNop(w.logger)
	return w
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
// The root is created if it does not exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	if err := w.addTreeLocked(w.root, false); err != nil {
		_ = watcher.Close()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}
	w.started = true
	w.mu.Unlock()

	w.logger.Debug("watcher started", zap.String("root", w.root), zap.Bool("recursive", w.recursive))
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Error("watcher error", zap.String("root", w.root), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.inScope(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && w.recursive {
				w.mu.Lock()
				if w.watcher != nil {
					if err := w.addTreeLocked(path, true); err != nil {
						w.logger.Error("watcher failed to add directory", zap.String("path", path), zap.Error(err))
					}
				}
				w.mu.Unlock()
			}
			return
		}
		w.mu.Lock()
		w.trackLocked(path, info)
		w.mu.Unlock()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if p, ok := w.pending[path]; ok {
			p.timer.Stop()
			delete(w.pending, path)
		}
		delete(w.known, path)
		w.mu.Unlock()
	}
}

// inScope reports whether path is a non-dot entry at an allowed depth under root.
func (w *Watcher) inScope(path string) bool {
	if !inDir(w.root, path) || path == w.root {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for _, part := range parts {
		if isDotName(part) {
			return false
		}
	}
	return w.recursive || len(parts) == 1
}

func isDotName(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// addTreeLocked watches dir (and its subdirectories when recursive). Files found are
// either recorded as pre-existing or, for directories created after start, tracked as new.
func (w *Watcher) addTreeLocked(dir string, fresh bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != w.root && isDotName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != w.root && !w.recursive {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		if !fresh {
			w.known[path] = struct{}{}
			return nil
		}
		if info, err := d.Info(); err == nil {
			w.trackLocked(path, info)
		}
		return nil
	})
}

// trackLocked starts or refreshes the stability poll for a new file.
func (w *Watcher) trackLocked(path string, info os.FileInfo) {
	if _, ok := w.known[path]; ok {
		return
	}
	if p, ok := w.pending[path]; ok {
		if p.size != info.Size() || !p.mod.Equal(info.ModTime()) {
			p.size, p.mod, p.stable = info.Size(), info.ModTime(), time.Now()
		}
		return
	}
	p := &pending{size: info.Size(), mod: info.ModTime(), stable: time.Now()}
	p.timer = time.AfterFunc(w.poll, func() { w.checkStable(path) })
	w.pending[path] = p
}

// checkStable fires onAdd once the file has been unchanged for the stability threshold.
func (w *Watcher) checkStable(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}
	if info.Size() != p.size || !info.ModTime().Equal(p.mod) {
		p.size, p.mod, p.stable = info.Size(), info.ModTime(), time.Now()
	}
	if time.Since(p.stable) < w.stability {
		p.timer.Reset(w.poll)
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.known[path] = struct{}{}
	onAdd := w.onAdd
	w.mu.Unlock()

	w.logger.Debug("watcher file added", zap.String("path", path), zap.Int64("size", info.Size()))
	if onAdd != nil {
		onAdd(path, info)
	}
}

// Stop stops the watcher and releases resources. Files still settling are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.logger.Debug("watcher stopped", zap.String("root", w.root))
}
