// Package session owns the lifecycle of one watched project root: initial
// scan, live watching, patching and diagnostics. There is no process-wide
// singleton; every watched root is its own Session with an explicit
// start/stop lifecycle.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/diag"
	"github.com/standardbeagle/refwatch/internal/extract"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/patch"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/scan"
	"github.com/standardbeagle/refwatch/internal/types"
	"github.com/standardbeagle/refwatch/internal/watch"
)

// Session is an engine instance bound to one project root.
type Session struct {
	cfg       *config.Config
	norm      *pathkey.Normalizer
	idx       *index.ReferenceIndex
	extractor *extract.Extractor
	scanner   *scan.Scanner
	engine    *patch.Engine
	diagnose  *diag.Engine
	guard     *watch.WriteGuard

	mu        sync.Mutex
	watcher   *watch.Watcher
	debouncer *watch.Debouncer
	watching  bool

	dispatchWG sync.WaitGroup
	reports    chan types.PatchReport
}

// New validates the configuration and assembles a session. Configuration
// failures are the only fatal ones; everything later is per-file.
func New(cfg *config.Config) (*Session, error) {
	if err := config.NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}

	norm, err := pathkey.New(cfg.Project.Root)
	if err != nil {
		return nil, err
	}

	idx := index.New()
	extractor := extract.New(cfg)
	guard := watch.NewWriteGuard(time.Duration(cfg.Watch.WriteCooldownMs) * time.Millisecond)

	return &Session{
		cfg:       cfg,
		norm:      norm,
		idx:       idx,
		extractor: extractor,
		scanner:   scan.New(cfg, norm, extractor, idx),
		engine:    patch.New(cfg, norm, extractor, idx, guard),
		diagnose:  diag.New(cfg, norm, idx),
		guard:     guard,
		reports:   make(chan types.PatchReport, 64),
	}, nil
}

// Index exposes the reference index for read-only consumers.
func (s *Session) Index() *index.ReferenceIndex { return s.idx }

// Reports returns the stream of patch reports for progress display. Entries
// are dropped, not blocked on, when no consumer keeps up.
func (s *Session) Reports() <-chan types.PatchReport { return s.reports }

// Scan runs the initial full scan, populating the index.
func (s *Session) Scan(ctx context.Context) (*scan.Result, error) {
	return s.scanner.Scan(ctx)
}

// StartWatching scans the tree and then begins live watching. Blocks until
// the scan completes; returns once the watcher is active.
func (s *Session) StartWatching(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watching {
		return fmt.Errorf("session for %s is already watching", s.cfg.Project.Root)
	}

	result, err := s.scanner.Scan(ctx)
	if err != nil {
		return err
	}
	containers, assets := s.idx.Stats()
	log.Printf("Index built in %v: tracking %d assets across %d containers",
		result.Duration.Round(time.Millisecond), assets, containers)

	debouncer := watch.NewDebouncer(s.cfg, s.norm, s.idx, s.guard)
	watcher, err := watch.NewWatcher(s.cfg, debouncer)
	if err != nil {
		return err
	}
	if err := watcher.Start(s.cfg.Project.Root); err != nil {
		return err
	}

	s.watcher = watcher
	s.debouncer = debouncer
	s.watching = true

	s.dispatchWG.Add(1)
	go s.dispatch(debouncer.Batches())

	log.Printf("Watching %s", s.cfg.Project.Root)
	return nil
}

// StopWatching drains the debouncer, lets in-flight patches complete and
// releases the watcher. Writes already started are never aborted; the atomic
// temp-file rename means there is no torn state to protect against anyway.
func (s *Session) StopWatching() {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return
	}
	watcher := s.watcher
	s.watcher = nil
	s.debouncer = nil
	s.watching = false
	s.mu.Unlock()

	if err := watcher.Stop(); err != nil {
		log.Printf("Error stopping watcher: %v", err)
	}
	s.dispatchWG.Wait()
	log.Printf("Stopped watching %s", s.cfg.Project.Root)
}

// RunDiagnostics computes the broken and orphaned reports on demand,
// independent of the patch path.
func (s *Session) RunDiagnostics(ctx context.Context) (*diag.Report, error) {
	return s.diagnose.Run(ctx)
}

// Census reports the file-extension histogram of the project tree.
func (s *Session) Census(ctx context.Context) (map[string]int, int, error) {
	return s.diagnose.Census(ctx)
}

// dispatch consumes classified batches until the debouncer closes its
// channel on shutdown.
func (s *Session) dispatch(batches <-chan watch.Batch) {
	defer s.dispatchWG.Done()

	ctx := context.Background()
	for batch := range batches {
		// Removals first, so a container replaced within one window is not
		// resurrected by its own stale entry.
		for _, container := range batch.Removes {
			s.idx.Remove(container)
		}

		for _, container := range batch.Changes {
			if _, err := s.scanner.ScanFile(s.norm.Abs(container)); err != nil {
				log.Printf("Re-extraction failed for %s: %v", container, err)
			}
		}

		for _, rename := range batch.Renames {
			report := s.engine.Apply(ctx, rename)
			s.emit(report)
		}

		for _, dr := range batch.DirRenames {
			report := s.engine.ApplyDirectory(ctx, dr.OldPath, dr.NewPath, dr.Members)
			s.emit(report)
		}
	}
}

// emit forwards a report without ever blocking the dispatch loop.
func (s *Session) emit(report *types.PatchReport) {
	if report.Rename.OldPath != "" && len(report.Entries) > 0 {
		log.Printf("Rename %s -> %s: patched %d file(s)",
			report.Rename.OldPath, report.Rename.NewPath, report.Patched())
	}
	select {
	case s.reports <- *report:
	default:
	}
}
