// Package patch rewrites stale references in place when assets move. It
// performs span-preserving substitution: only the path payload inside each
// occurrence span changes, every byte outside a span is untouched.
package patch

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
	rwerrors "github.com/standardbeagle/refwatch/internal/errors"
	"github.com/standardbeagle/refwatch/internal/extract"
	"github.com/standardbeagle/refwatch/internal/fsutil"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/types"
)

// WriteGuard is notified before the engine writes a file, so the event
// debouncer can suppress the notification the write itself produces.
type WriteGuard interface {
	MarkWritten(abs string)
}

// nopGuard is used when no watcher is attached (one-shot CLI operations).
type nopGuard struct{}

func (nopGuard) MarkWritten(string) {}

// Engine applies logical renames to the project tree and keeps the reference
// index consistent with what it writes. Safe for concurrent Apply calls on
// renames whose referencing containers do not overlap.
type Engine struct {
	cfg       *config.Config
	norm      *pathkey.Normalizer
	extractor *extract.Extractor
	idx       *index.ReferenceIndex
	guard     WriteGuard
}

// New creates a patch engine. guard may be nil when no watcher is running.
func New(cfg *config.Config, norm *pathkey.Normalizer, extractor *extract.Extractor, idx *index.ReferenceIndex, guard WriteGuard) *Engine {
	if guard == nil {
		guard = nopGuard{}
	}
	return &Engine{cfg: cfg, norm: norm, extractor: extractor, idx: idx, guard: guard}
}

// Apply patches every container referencing the renamed asset. Failures are
// reported per file and never abort patching of sibling containers.
func (e *Engine) Apply(ctx context.Context, rename types.PendingRename) *types.PatchReport {
	start := time.Now()
	report := &types.PatchReport{Rename: rename}

	if rename.IsDirectory {
		// Directory renames must arrive pre-expanded by the debouncer.
		report.Entries = append(report.Entries, types.PatchEntry{
			Path:    rename.OldPath,
			Outcome: types.PatchSkipped,
			Detail:  "directory rename was not expanded",
		})
		report.Duration = time.Since(start)
		return report
	}

	oldExt := pathkey.Ext(rename.OldPath)
	newExt := pathkey.Ext(rename.NewPath)
	if oldExt != newExt && !e.cfg.Patch.AllowExtensionChange {
		report.Entries = append(report.Entries, types.PatchEntry{
			Path:    rename.OldPath,
			Outcome: types.PatchSkipped,
			Detail:  "extension change patching is disabled",
		})
		report.Duration = time.Since(start)
		return report
	}

	replacements := e.replacementsFor(rename)
	affected := e.affectedContainers(replacements)

	debug.LogPatch("rename %s -> %s affects %d container(s)\n", rename.OldPath, rename.NewPath, len(affected))

	for _, container := range affected {
		if ctx.Err() != nil {
			break
		}
		report.Entries = append(report.Entries, e.patchContainer(container, replacements))
	}

	e.rekeyMovedContainer(rename)

	if rename.Conflict {
		report.Entries = append(report.Entries, types.PatchEntry{
			Path:    rename.NewPath,
			Outcome: types.PatchSkipped,
			Detail:  "create event observed for the same path within the debounce window",
		})
	}

	report.Duration = time.Since(start)
	return report
}

// ApplyDirectory applies the per-asset renames expanded from one logical
// directory rename. Each affected container is rewritten once with the
// combined replacement set; distinct containers are patched in parallel.
// The directory operation is complete only when every member has reported.
func (e *Engine) ApplyDirectory(ctx context.Context, oldDir, newDir types.AssetPath, members []types.PendingRename) *types.PatchReport {
	start := time.Now()
	report := &types.PatchReport{
		Rename: types.PendingRename{OldPath: oldDir, NewPath: newDir, IsDirectory: true},
	}

	if !e.cfg.Patch.AllowDirectoryChange {
		report.Entries = append(report.Entries, types.PatchEntry{
			Path:    oldDir,
			Outcome: types.PatchSkipped,
			Detail:  "directory rename patching is disabled",
		})
		report.Duration = time.Since(start)
		return report
	}

	replacements := make(map[types.AssetPath]string)
	for _, member := range members {
		for k, v := range e.replacementsFor(member) {
			replacements[k] = v
		}
	}
	affected := e.affectedContainers(replacements)

	// Containers indexed inside the moved directory already live at their new
	// paths on disk; read and write them there, not at the stale index key.
	relocated := make(map[types.AssetPath]types.AssetPath, len(affected))
	for _, container := range affected {
		if pathkey.HasPrefixDir(container, oldDir) {
			relocated[container] = pathkey.RewritePrefix(container, oldDir, newDir)
		}
	}

	debug.LogPatch("directory rename %s -> %s: %d member(s), %d affected container(s)\n",
		oldDir, newDir, len(members), len(affected))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.WorkerCount())

	for _, container := range affected {
		onDisk := container
		if moved, ok := relocated[container]; ok {
			onDisk = moved
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			entry := e.patchContainerAt(container, onDisk, replacements)
			mu.Lock()
			report.Entries = append(report.Entries, entry)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].Path < report.Entries[j].Path
	})

	// Containers that lived inside the moved directory changed their own
	// paths; re-key them under their new locations.
	for _, member := range members {
		e.rekeyMovedContainer(member)
	}

	report.Duration = time.Since(start)
	return report
}

// replacementsFor builds the normalized-old-path -> rendered-new-payload map
// for one rename, including texture variants and the extensionless material
// form that material files are referenced by.
func (e *Engine) replacementsFor(rename types.PendingRename) map[types.AssetPath]string {
	rawNew := rename.RawNew
	if rawNew == "" {
		rawNew = string(rename.NewPath)
	}

	replacements := map[types.AssetPath]string{
		rename.OldPath: rawNew,
	}

	ext := pathkey.Ext(rename.OldPath)

	if e.cfg.Patch.MatchAnyTextureExtension && e.cfg.IsTextureExt(ext) {
		oldStem := pathkey.StripExt(rename.OldPath)
		newStem := rawNew[:len(rawNew)-len(pathkey.Ext(rename.NewPath))]
		for _, texExt := range e.cfg.TextureExtensions {
			replacements[oldStem+types.AssetPath(texExt)] = newStem + texExt
		}
	}

	if ext == ".mtl" {
		replacements[pathkey.StripExt(rename.OldPath)] =
			rawNew[:len(rawNew)-len(pathkey.Ext(rename.NewPath))]
	}

	return replacements
}

// affectedContainers resolves the union of containers referencing any of the
// replacement keys, sorted for deterministic order.
func (e *Engine) affectedContainers(replacements map[types.AssetPath]string) []types.AssetPath {
	seen := make(map[types.AssetPath]struct{})
	for old := range replacements {
		for _, container := range e.idx.ReferencesTo(old) {
			seen[container] = struct{}{}
		}
	}
	out := make([]types.AssetPath, 0, len(seen))
	for container := range seen {
		out = append(out, container)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// patchContainer rewrites one container file in place. Occurrence spans are
// taken from a fresh extraction of the bytes just read, never from stale
// index records, so spans are valid by construction.
func (e *Engine) patchContainer(container types.AssetPath, replacements map[types.AssetPath]string) types.PatchEntry {
	return e.patchContainerAt(container, container, replacements)
}

// patchContainerAt rewrites the container indexed under `indexed` at its
// current on-disk location `onDisk`. The two differ only while a directory
// move is being applied, when the file has already moved but the index still
// carries the old key.
func (e *Engine) patchContainerAt(indexed, onDisk types.AssetPath, replacements map[types.AssetPath]string) types.PatchEntry {
	abs := e.norm.Abs(onDisk)
	typ := e.cfg.ContainerTypeFor(pathkey.Ext(onDisk))

	contents, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Index pointed at a container that vanished; drop it and move on.
			e.idx.Remove(indexed)
			staleErr := rwerrors.NewStaleReferenceError(indexed, err)
			debug.LogPatch("%v\n", staleErr)
			return types.PatchEntry{Path: indexed, Outcome: types.PatchSkipped, Detail: staleErr.Error()}
		}
		writeErr := rwerrors.NewPatchWriteError(indexed, "read", err)
		return types.PatchEntry{Path: indexed, Outcome: types.PatchFailed, Detail: writeErr.Error()}
	}

	occurrences := e.extractor.Extract(onDisk, contents, typ)
	patched, changed := substitute(contents, occurrences, replacements)
	if !changed {
		// Every occurrence already names the new path; nothing to write.
		return types.PatchEntry{Path: onDisk, Outcome: types.PatchSkipped, Detail: "already up to date"}
	}

	e.guard.MarkWritten(abs)
	if err := fsutil.AtomicWrite(abs, patched, fsutil.FileMode(abs, 0644)); err != nil {
		writeErr := rwerrors.NewPatchWriteError(onDisk, "write", err)
		debug.LogPatch("%v\n", writeErr)
		return types.PatchEntry{Path: onDisk, Outcome: types.PatchFailed, Detail: writeErr.Error()}
	}

	// Re-extract from what was written and upsert; hand-patching the old
	// occurrence records would leave spans from a dead file revision.
	if indexed != onDisk {
		e.idx.Remove(indexed)
	}
	fresh := e.extractor.Extract(onDisk, patched, typ)
	e.idx.Upsert(onDisk, typ, fresh)

	return types.PatchEntry{Path: onDisk, Outcome: types.PatchSuccess}
}

// substitute replaces the payload of every occurrence whose target has a
// replacement, preserving the separator style of the original payload. Spans
// are applied back to front so earlier offsets stay valid.
func substitute(contents []byte, occurrences []types.ReferenceOccurrence, replacements map[types.AssetPath]string) ([]byte, bool) {
	changed := false
	out := contents

	for i := len(occurrences) - 1; i >= 0; i-- {
		occ := occurrences[i]
		next, ok := replacements[occ.Target]
		if !ok {
			continue
		}

		payload := renderPayload(occ.RawText, next)
		if payload == occ.RawText {
			continue
		}

		patched := make([]byte, 0, len(out)-(occ.ByteEnd-occ.ByteStart)+len(payload))
		patched = append(patched, out[:occ.ByteStart]...)
		patched = append(patched, payload...)
		patched = append(patched, out[occ.ByteEnd:]...)
		out = patched
		changed = true
	}

	return out, changed
}

// renderPayload renders the new path in the textual style of the original
// occurrence: same separator character, and nothing but the path payload.
// Quoting is untouched because spans never include the quotes.
func renderPayload(original, next string) string {
	if strings.Contains(original, "\\") {
		return strings.ReplaceAll(next, "/", "\\")
	}
	return next
}

// rekeyMovedContainer handles the case where the renamed file is itself an
// indexed container: its forward entry moves to the new path and its
// occurrences are re-extracted from the file's new location.
func (e *Engine) rekeyMovedContainer(rename types.PendingRename) {
	oldExt := pathkey.Ext(rename.OldPath)
	newExt := pathkey.Ext(rename.NewPath)
	if !e.cfg.IsContainerExt(oldExt) && !e.cfg.IsContainerExt(newExt) {
		return
	}

	e.idx.Remove(rename.OldPath)

	if !e.cfg.IsContainerExt(newExt) {
		return
	}
	abs := e.norm.Abs(rename.NewPath)
	contents, err := os.ReadFile(abs)
	if err != nil {
		debug.LogPatch("moved container %s is unreadable: %v\n", rename.NewPath, err)
		return
	}
	typ := e.cfg.ContainerTypeFor(newExt)
	e.idx.Upsert(rename.NewPath, typ, e.extractor.Extract(rename.NewPath, contents, typ))
}
