package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches rapid edits into one trigger
const DefaultDebounce = 500 * time.Millisecond

// Watcher triggers a callback whenever one of the watched paths changes.
// Directories that do not exist yet are picked up through their parent.
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    []string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ctx context.Context) error
	trees    []string
}

// Option configures a Watcher
type Option func(*Watcher)

// WithRecursive also watches every subdirectory of dirs, for layers that
// are scanned recursively. fsnotify itself only reports direct children.
func WithRecursive(dirs ...string) Option {
	return func(w *Watcher) {
		w.trees = append(w.trees, dirs...)
	}
}

// New creates a watcher for paths. onChange runs on the watcher goroutine,
// never concurrently with itself.
func New(paths []string, debounce time.Duration, logger *slog.Logger, onChange func(ctx context.Context) error, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		watcher:  fw,
		paths:    paths,
		debounce: debounce,
		logger:   logger,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. It closes the underlying watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("failed to close watcher", "error", err)
		}
	}()

	w.addWatches()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			// layers may appear or vanish, keep the watch list current
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.addWatches()
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			w.addWatches()
			if err := w.onChange(ctx); err != nil {
				w.logger.Error("update after change failed", "error", err)
			}
		}
	}
}

// addWatches watches every directory path that exists, the parent of every
// file path, and the nearest existing parent of every path that does not
// exist yet. Recursive trees get every visible subdirectory as well.
func (w *Watcher) addWatches() {
	watched := make(map[string]bool)
	for _, p := range w.watcher.WatchList() {
		watched[p] = true
	}

	add := func(target, reason string) {
		if target == "" || watched[target] {
			return
		}
		if err := w.watcher.Add(target); err != nil {
			w.logger.Warn("failed to watch path", "path", target, "error", err)
			return
		}
		watched[target] = true
		w.logger.Debug("watching", "path", target, "for", reason)
	}

	for _, p := range w.paths {
		add(nearestExisting(p), p)
	}

	for _, root := range w.trees {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && hidden(d.Name()) {
				return filepath.SkipDir
			}
			add(path, root)
			return nil
		})
		if err != nil {
			w.logger.Warn("failed to watch subdirectories", "path", root, "error", err)
		}
	}
}

// relevant filters events down to the watched paths and their children
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if hidden(filepath.Base(event.Name)) {
		// temp files of atomic writers
		return false
	}
	for _, p := range w.paths {
		if event.Name == p || filepath.Dir(event.Name) == p || isAncestor(event.Name, p) {
			return true
		}
	}
	for _, root := range w.trees {
		if withinTree(root, event.Name) {
			return true
		}
	}
	return false
}

// withinTree reports whether p lies below root without passing through a
// hidden directory
func withinTree(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || hasDotDotPrefix(rel) {
		return false
	}
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		if hidden(elem) {
			return false
		}
	}
	return true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// isAncestor reports whether dir is a (not yet existing) ancestor of p
func isAncestor(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != "." && !filepath.IsAbs(rel) && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func nearestExisting(p string) string {
	for {
		if st, err := os.Stat(p); err == nil {
			if !st.IsDir() {
				// replacing a file drops its watch, watch the directory
				return filepath.Dir(p)
			}
			return p
		} else if !errors.Is(err, fs.ErrNotExist) {
			return ""
		}
		parent := filepath.Dir(p)
		if parent == p {
			return ""
		}
		p = parent
	}
}
