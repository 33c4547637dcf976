// Package watch consumes raw filesystem notifications for a project tree and
// turns them into the logical operations the patch engine acts on.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
)

// Watcher monitors the project tree with fsnotify and feeds raw events into
// the debouncer. One dedicated goroutine consumes the backend; all
// classification happens off that goroutine in the debouncer's timer.
type Watcher struct {
	watcher   *fsnotify.Watcher
	cfg       *config.Config
	debouncer *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// watchedDirs lets the event handler tell whether a departed path was a
	// directory: the path is gone by the time the event is observed, so the
	// only record is that a watch existed for it.
	watchedDirs map[string]bool
	dirsMu      sync.Mutex

	// Watch statistics
	eventsSeen    int64
	errorCount    int64
	lastEventTime time.Time
	statsMu       sync.RWMutex
}

// NewWatcher creates a watcher feeding the given debouncer.
func NewWatcher(cfg *config.Config, debouncer *Debouncer) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		watcher:     watcher,
		cfg:         cfg,
		debouncer:   debouncer,
		ctx:         ctx,
		cancel:      cancel,
		watchedDirs: make(map[string]bool),
	}, nil
}

// Start adds watches for every directory under root and begins processing.
func (w *Watcher) Start(root string) error {
	debug.LogWatch("starting watcher for %s\n", root)

	if err := w.addWatches(root); err != nil {
		return fmt.Errorf("failed to add watches starting from %s: %w", root, err)
	}

	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop cancels processing, closes the backend and drains the debouncer. In-
// flight patches are not interrupted; the session waits for them separately.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		log.Printf("Error closing fsnotify watcher: %v", err)
	}

	w.wg.Wait()
	w.debouncer.Close()
	return nil
}

// addWatches recursively adds watches to all relevant directories.
func (w *Watcher) addWatches(root string) error {
	visitedDirs := make(map[string]bool)

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if !info.IsDir() {
			return nil
		}

		// Resolve symlinks to prevent cycles
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visitedDirs[realPath] {
			return filepath.SkipDir
		}
		visitedDirs[realPath] = true

		if w.shouldIgnoreDirectory(path) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			log.Printf("Warning: failed to add watch for %s: %v", path, err)
			return nil
		}
		w.dirsMu.Lock()
		w.watchedDirs[path] = true
		w.dirsMu.Unlock()

		return nil
	})
}

// shouldIgnoreDirectory checks a directory against the exclusion patterns.
func (w *Watcher) shouldIgnoreDirectory(path string) bool {
	rel, err := filepath.Rel(w.cfg.Project.Root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range w.cfg.Exclude {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
		// Directory patterns like "**/x/**" should also exclude the
		// directory node itself.
		trimmed := pattern
		if len(trimmed) > 3 && trimmed[len(trimmed)-3:] == "/**" {
			trimmed = trimmed[:len(trimmed)-3]
			if matched, err := doublestar.Match(trimmed, rel); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// processEvents consumes the fsnotify channels until cancellation.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
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
			w.incrementStats(0, 1)
			log.Printf("File watcher error: %v", err)
		}
	}
}

// handleEvent converts one fsnotify event into a raw event for the debouncer.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	debug.LogWatch("received event %v for %s\n", event.Op, path)
	w.incrementStats(1, 0)

	isDir := false
	info, statErr := os.Stat(path)
	if statErr == nil {
		isDir = info.IsDir()
	} else {
		// Departed paths cannot be statted; a recorded watch means it was a
		// directory.
		w.dirsMu.Lock()
		isDir = w.watchedDirs[path]
		w.dirsMu.Unlock()
	}

	switch {
	case event.Op&fsnotify.Create != 0:
		oversized := false
		if isDir {
			w.handleNewDirectory(path)
		} else if info != nil && info.Size() > w.cfg.Watch.MaxFileSize {
			// The arriving half of a big-asset move still has to pair with
			// its departure; only content reads are off the table.
			debug.LogWatch("oversized file %s (%d bytes), skipping content reads\n", path, info.Size())
			oversized = true
		}
		w.debouncer.Add(rawEvent{abs: path, kind: rawCreate, isDir: isDir, oversized: oversized, t: time.Now()})

	case event.Op&fsnotify.Write != 0:
		if isDir {
			return
		}
		w.debouncer.Add(rawEvent{abs: path, kind: rawWrite, t: time.Now()})

	case event.Op&fsnotify.Remove != 0:
		w.forgetDirectory(path, isDir)
		w.debouncer.Add(rawEvent{abs: path, kind: rawRemove, isDir: isDir, t: time.Now()})

	case event.Op&fsnotify.Rename != 0:
		// The departing side of a move; the arriving side surfaces as a
		// Create on the new path.
		w.forgetDirectory(path, isDir)
		w.debouncer.Add(rawEvent{abs: path, kind: rawRename, isDir: isDir, t: time.Now()})
	}
}

// handleNewDirectory extends the watch set when a directory appears, which
// also covers the arriving side of a directory move.
func (w *Watcher) handleNewDirectory(path string) {
	if w.shouldIgnoreDirectory(path) {
		return
	}
	if err := w.addWatches(path); err != nil {
		log.Printf("Warning: failed to add watch for new directory %s: %v", path, err)
	}
}

// forgetDirectory drops bookkeeping for a departed directory and its
// descendants.
func (w *Watcher) forgetDirectory(path string, isDir bool) {
	if !isDir {
		return
	}
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()
	prefix := path + string(os.PathSeparator)
	for dir := range w.watchedDirs {
		if dir == path || len(dir) > len(prefix) && dir[:len(prefix)] == prefix {
			delete(w.watchedDirs, dir)
		}
	}
}

// incrementStats updates watch statistics.
func (w *Watcher) incrementStats(events, errors int64) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	w.eventsSeen += events
	w.errorCount += errors
	w.lastEventTime = time.Now()
}

// Stats contains statistics about watching operations.
type Stats struct {
	EventsSeen    int64
	ErrorCount    int64
	LastEventTime time.Time
	IsActive      bool
}

// GetStats returns current watch statistics.
func (w *Watcher) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	return Stats{
		EventsSeen:    w.eventsSeen,
		ErrorCount:    w.errorCount,
		LastEventTime: w.lastEventTime,
		IsActive:      w.ctx.Err() == nil,
	}
}
