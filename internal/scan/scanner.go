// Package scan populates the reference index with a single walk of the
// project tree before live watching begins.
package scan

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
	rwerrors "github.com/standardbeagle/refwatch/internal/errors"
	"github.com/standardbeagle/refwatch/internal/extract"
	"github.com/standardbeagle/refwatch/internal/fsutil"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/pathkey"
)

// Scanner walks the project tree once, classifies files by extension and
// bulk-populates the reference index. Population order is irrelevant since
// upserts of distinct containers commute.
type Scanner struct {
	cfg       *config.Config
	norm      *pathkey.Normalizer
	extractor *extract.Extractor
	idx       *index.ReferenceIndex
}

// Result summarizes one scan pass. Per-file failures are collected here
// rather than aborting the walk.
type Result struct {
	ContainersScanned int
	OccurrencesFound  int
	FilesSkipped      int
	Errors            []error
	Duration          time.Duration
}

// New creates a scanner over the given index.
func New(cfg *config.Config, norm *pathkey.Normalizer, extractor *extract.Extractor, idx *index.ReferenceIndex) *Scanner {
	return &Scanner{cfg: cfg, norm: norm, extractor: extractor, idx: idx}
}

// Scan walks the project root and extracts every container file with a
// bounded worker pool.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	containers, skipped, walkErrs := s.collectContainers()
	result.FilesSkipped = skipped
	result.Errors = append(result.Errors, walkErrs...)

	debug.LogScan("found %d container files under %s\n", len(containers), s.norm.Root())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerCount())

	for _, abs := range containers {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			occurrences, err := s.ScanFile(abs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, err)
				return nil
			}
			result.ContainersScanned++
			result.OccurrencesFound += occurrences
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ScanFile extracts one container file and upserts it into the index.
// Returns the number of occurrences found. Used for both the initial scan
// and the live re-extraction path for create/modify events.
func (s *Scanner) ScanFile(abs string) (int, error) {
	rel, err := s.norm.Normalize(abs)
	if err != nil {
		return 0, err
	}

	typ := s.cfg.ContainerTypeFor(pathkey.Ext(rel))
	contents, err := fsutil.ReadFileRetry(abs, s.cfg.Watch.ReadRetries,
		time.Duration(s.cfg.Watch.ReadRetryMs)*time.Millisecond)
	if err != nil {
		return 0, rwerrors.NewScanError(abs, err)
	}

	occurrences := s.extractor.Extract(rel, contents, typ)
	s.idx.Upsert(rel, typ, occurrences)
	return len(occurrences), nil
}

// collectContainers walks the tree gathering absolute container paths,
// honoring exclusion patterns and the file size limit.
func (s *Scanner) collectContainers() (containers []string, skipped int, errs []error) {
	root := s.norm.Root()

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, rwerrors.NewScanError(path, err))
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && s.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if s.Excluded(rel) {
			skipped++
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !s.cfg.IsContainerExt(ext) {
			return nil
		}

		if info, infoErr := d.Info(); infoErr == nil && info.Size() > s.cfg.Watch.MaxFileSize {
			debug.LogScan("skipping oversized container %s (%d bytes)\n", rel, info.Size())
			skipped++
			return nil
		}

		containers = append(containers, path)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return containers, skipped, errs
}

// Excluded reports whether a project-relative slash path matches any
// configured exclusion pattern.
func (s *Scanner) Excluded(rel string) bool {
	for _, pattern := range s.cfg.Exclude {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}
