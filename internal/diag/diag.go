// Package diag computes broken-reference and orphaned-asset reports from a
// snapshot of the reference index and the filesystem. Pure reads: nothing
// here ever mutates the index or the tree.
package diag

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hbollon/go-edlib"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/types"
)

// BrokenReason classifies why a reference is reported broken.
type BrokenReason int

const (
	// ReasonNotFound means the target exists nowhere on disk.
	ReasonNotFound BrokenReason = iota

	// ReasonResolvableAlternateExtension means a sibling with a configured
	// alternate extension exists; the resolution is advisory and is never
	// auto-patched.
	ReasonResolvableAlternateExtension
)

func (r BrokenReason) String() string {
	switch r {
	case ReasonResolvableAlternateExtension:
		return "resolvable-alternate-extension"
	default:
		return "not-found"
	}
}

// BrokenReference is one occurrence whose target does not exist on disk.
type BrokenReference struct {
	Container  types.AssetPath
	Occurrence types.ReferenceOccurrence
	Reason     BrokenReason

	// ResolvedPath is set for ReasonResolvableAlternateExtension.
	ResolvedPath types.AssetPath

	// Suggestion is a best-effort near-miss path from the tree, set when
	// nothing resolves and suggestions are enabled.
	Suggestion types.AssetPath
}

// Report is the combined diagnostics result.
type Report struct {
	Broken   []BrokenReference
	Orphaned []types.AssetPath
	Duration time.Duration
}

// Engine runs diagnostics over one project root.
type Engine struct {
	cfg  *config.Config
	norm *pathkey.Normalizer
	idx  *index.ReferenceIndex
}

// New creates a diagnostics engine.
func New(cfg *config.Config, norm *pathkey.Normalizer, idx *index.ReferenceIndex) *Engine {
	return &Engine{cfg: cfg, norm: norm, idx: idx}
}

// Run computes both reports over one index snapshot and one disk walk.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	snap := e.idx.Snapshot()
	disk, err := e.walkDisk(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Broken:   e.findBroken(ctx, snap, disk),
		Orphaned: e.findOrphaned(snap, disk),
		Duration: time.Since(start),
	}
	return report, nil
}

// FindBroken returns every occurrence whose target does not exist on disk.
func (e *Engine) FindBroken(ctx context.Context) ([]BrokenReference, error) {
	snap := e.idx.Snapshot()
	disk, err := e.walkDisk(ctx)
	if err != nil {
		return nil, err
	}
	return e.findBroken(ctx, snap, disk), nil
}

// FindOrphaned returns files on disk that no container references.
func (e *Engine) FindOrphaned(ctx context.Context) ([]types.AssetPath, error) {
	snap := e.idx.Snapshot()
	disk, err := e.walkDisk(ctx)
	if err != nil {
		return nil, err
	}
	return e.findOrphaned(snap, disk), nil
}

// diskState is one walk of the project tree: every non-excluded file, keyed
// for exact and stem-level lookups.
type diskState struct {
	files map[types.AssetPath]struct{}
	stems map[types.AssetPath]struct{}

	// assets are the files with configured asset extensions, candidates for
	// orphan reporting.
	assets []types.AssetPath
}

func (d *diskState) exists(p types.AssetPath) bool {
	_, ok := d.files[p]
	return ok
}

// walkDisk indexes the tree once for both diagnostics.
func (e *Engine) walkDisk(ctx context.Context) (*diskState, error) {
	root := e.norm.Root()
	state := &diskState{
		files: make(map[types.AssetPath]struct{}),
		stems: make(map[types.AssetPath]struct{}),
	}

	assetExts := make(map[string]struct{}, len(e.cfg.Diag.OrphanAssetExtensions))
	for _, ext := range e.cfg.Diag.OrphanAssetExtensions {
		assetExts[ext] = struct{}{}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Best effort: unreadable subtrees are skipped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root && e.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.excluded(rel) {
			return nil
		}

		key := types.AssetPath(strings.ToLower(rel))
		state.files[key] = struct{}{}
		state.stems[pathkey.StripExt(key)] = struct{}{}

		if _, isAsset := assetExts[pathkey.Ext(key)]; isAsset {
			state.assets = append(state.assets, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	debug.LogScan("diagnostics walk: %d file(s), %d asset(s)\n", len(state.files), len(state.assets))
	return state, nil
}

// excluded checks both the global exclusions and the orphan-specific ones.
func (e *Engine) excluded(rel string) bool {
	for _, pattern := range e.cfg.Exclude {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	for _, pattern := range e.cfg.Diag.OrphanExclude {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}

// findBroken checks every occurrence against the disk state.
func (e *Engine) findBroken(ctx context.Context, snap *index.Snapshot, disk *diskState) []BrokenReference {
	var broken []BrokenReference

	containers := make([]types.AssetPath, 0, len(snap.Containers))
	for path := range snap.Containers {
		containers = append(containers, path)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i] < containers[j] })

	for _, path := range containers {
		if ctx.Err() != nil {
			break
		}
		entry := snap.Containers[path]
		for _, occ := range entry.Occurrences {
			if e.targetExists(occ.Target, disk) {
				continue
			}

			ref := BrokenReference{Container: path, Occurrence: occ, Reason: ReasonNotFound}

			if resolved, ok := e.resolveAlternate(occ.Target, disk); ok {
				ref.Reason = ReasonResolvableAlternateExtension
				ref.ResolvedPath = resolved
			} else if e.cfg.Diag.SuggestNearMiss {
				ref.Suggestion = nearestPath(occ.Target, disk)
			}

			broken = append(broken, ref)
		}
	}
	return broken
}

// targetExists checks the exact path, plus the extensionless material form
// that references materials by stem.
func (e *Engine) targetExists(target types.AssetPath, disk *diskState) bool {
	if disk.exists(target) {
		return true
	}
	if pathkey.Ext(target) == "" {
		// Extensionless reference: a material stem.
		if disk.exists(target + ".mtl") {
			return true
		}
		_, ok := disk.stems[target]
		return ok
	}
	return false
}

// resolveAlternate looks for a sibling with a configured alternate extension
// for the referenced one. Pairs are checked in both directions: a missing
// source may be satisfied by its compiled form, and a missing compiled file
// by the source it would be built from.
func (e *Engine) resolveAlternate(target types.AssetPath, disk *diskState) (types.AssetPath, bool) {
	ext := pathkey.Ext(target)
	stem := pathkey.StripExt(target)

	if alt, ok := e.cfg.Diag.AlternateExtensions[ext]; ok {
		if candidate := stem + types.AssetPath(alt); disk.exists(candidate) {
			return candidate, true
		}
	}

	// Reverse direction: every source extension compiling to the missing one.
	sources := make([]string, 0, len(e.cfg.Diag.AlternateExtensions))
	for from, to := range e.cfg.Diag.AlternateExtensions {
		if to == ext {
			sources = append(sources, from)
		}
	}
	sort.Strings(sources)
	for _, from := range sources {
		if candidate := stem + types.AssetPath(from); disk.exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// nearMissThreshold is the minimum similarity for a suggestion to be worth
// reporting; below it suggestions are noise.
const nearMissThreshold = 0.85

// nearestPath returns the on-disk path most similar to the broken target, or
// empty when nothing clears the threshold.
func nearestPath(target types.AssetPath, disk *diskState) types.AssetPath {
	var best types.AssetPath
	var bestScore float32

	for candidate := range disk.files {
		if pathkey.Ext(candidate) != pathkey.Ext(target) {
			continue
		}
		score, err := edlib.StringsSimilarity(string(target), string(candidate), edlib.Levenshtein)
		if err != nil {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}

	if bestScore >= nearMissThreshold {
		return best
	}
	return ""
}

// findOrphaned reports assets on disk that nothing references. When texture
// variant matching is on, a reference to any variant of a stem keeps every
// variant alive, matching how the patch engine treats textures.
func (e *Engine) findOrphaned(snap *index.Snapshot, disk *diskState) []types.AssetPath {
	referenced := snap.Assets
	referencedStems := make(map[types.AssetPath]struct{}, len(referenced))
	for asset := range referenced {
		referencedStems[pathkey.StripExt(asset)] = struct{}{}
	}

	var orphaned []types.AssetPath
	for _, asset := range disk.assets {
		if _, ok := referenced[asset]; ok {
			continue
		}
		if e.cfg.Patch.MatchAnyTextureExtension && e.cfg.IsTextureExt(pathkey.Ext(asset)) {
			if _, ok := referencedStems[pathkey.StripExt(asset)]; ok {
				continue
			}
		}
		orphaned = append(orphaned, asset)
	}

	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned
}

// Census counts files per extension across the project tree, skipping
// nothing: it answers "what is actually in this tree".
func (e *Engine) Census(ctx context.Context) (map[string]int, int, error) {
	counts := make(map[string]int)
	total := 0

	err := filepath.WalkDir(e.norm.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		total++
		ext := strings.ToLower(filepath.Ext(path))
		if ext == "" {
			ext = "<no-ext>"
		}
		counts[ext]++
		return nil
	})
	if err != nil {
		return counts, total, err
	}
	return counts, total, nil
}
