package watch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
	"github.com/standardbeagle/refwatch/internal/extract"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/types"
)

// Debouncer coalesces a burst of raw notifications into the minimal set of
// logical operations. A recursive directory rename that fans out into
// hundreds of raw events collapses into one DirRename with its per-asset
// expansion; a delete immediately followed by a create of the same content
// collapses into one PendingRename.
type Debouncer struct {
	cfg   *config.Config
	norm  *pathkey.Normalizer
	idx   *index.ReferenceIndex
	guard *WriteGuard
	fp    *fingerprintCache

	mu      sync.Mutex
	pending []rawEvent
	timer   *time.Timer
	window  time.Duration
	closed  bool

	// inflight counts flushes between their closed-check and their channel
	// send; Close waits on it so the send can never land after close(out).
	inflight sync.WaitGroup

	out chan Batch

	// Optional callback after each flush, for test synchronization.
	onFlush func(*Batch)
}

// NewDebouncer creates a debouncer emitting classified batches on its output
// channel. The channel is bounded; a stalled consumer backpressures the
// flush timer goroutine, not the watcher.
func NewDebouncer(cfg *config.Config, norm *pathkey.Normalizer, idx *index.ReferenceIndex, guard *WriteGuard) *Debouncer {
	window := time.Duration(cfg.Watch.DebounceMs) * time.Millisecond
	if window <= 0 {
		window = config.DefaultDebounceMs * time.Millisecond
	}
	return &Debouncer{
		cfg:    cfg,
		norm:   norm,
		idx:    idx,
		guard:  guard,
		fp:     newFingerprintCache(),
		window: window,
		out:    make(chan Batch, 16),
	}
}

// Batches returns the channel of classified event batches.
func (d *Debouncer) Batches() <-chan Batch { return d.out }

// Add buffers one raw notification and resets the coalescing window.
func (d *Debouncer) Add(ev rawEvent) {
	if d.guard.Suppressed(ev.abs) {
		debug.LogWatch("suppressed self-write event for %s\n", ev.abs)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, ev)

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// Flush forces classification of everything buffered without waiting for the
// window to elapse. Used on shutdown to drain and by tests.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.flush()
}

// Close drains pending events and closes the output channel. A timer flush
// racing Close either registers itself before the closed flag is set, in
// which case Close waits for its send, or observes the flag and backs off.
func (d *Debouncer) Close() {
	d.Flush()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()
	close(d.out)
}

// SetOnFlush sets a callback invoked after each flush (for testing).
func (d *Debouncer) SetOnFlush(fn func(*Batch)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFlush = fn
}

// flush classifies the buffered window into a Batch.
func (d *Debouncer) flush() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	events := d.pending
	d.pending = nil
	callback := d.onFlush
	if len(events) == 0 {
		d.mu.Unlock()
		return
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	batch := d.classify(events)
	if !batch.Empty() {
		d.out <- *batch
	}
	if callback != nil {
		callback(batch)
	}
}

// classify turns one window of raw events into logical operations, applying
// the tie-break policy: the most specific (deepest) path wins, and directory
// expansion skips descendants already accounted for by a more specific event.
func (d *Debouncer) classify(events []rawEvent) *Batch {
	batch := &Batch{}

	// Latest event per path wins within the window. A path that sees both an
	// arrival and a departure in one window is marked conflicted; the rename
	// still applies but the report flags it rather than silently picking one.
	latest := make(map[string]rawEvent, len(events))
	conflicted := make(map[string]bool)
	order := make([]string, 0, len(events))
	for _, ev := range events {
		if prev, seen := latest[ev.abs]; !seen {
			order = append(order, ev.abs)
		} else if (prev.kind == rawCreate) != (ev.kind == rawCreate) {
			conflicted[ev.abs] = true
		}
		latest[ev.abs] = ev
	}

	// Deepest paths first, so specific events claim their paths before any
	// enclosing directory rename expands over them.
	sort.SliceStable(order, func(i, j int) bool {
		return strings.Count(order[i], string(os.PathSeparator)) >
			strings.Count(order[j], string(os.PathSeparator))
	})

	departed := make(map[string]rawEvent)  // rename/remove, unmatched so far
	arrived := make(map[string]rawEvent)   // creates, unmatched so far
	claimed := make(map[string]struct{})   // paths consumed by a classification
	for _, abs := range order {
		ev := latest[abs]
		switch ev.kind {
		case rawRemove, rawRename:
			departed[abs] = ev
		case rawCreate:
			arrived[abs] = ev
		}
	}

	// Record fingerprints of created or rewritten tracked files while they
	// still exist, so a later delete can be matched by content.
	for _, abs := range order {
		ev := latest[abs]
		if ev.isDir || ev.oversized || (ev.kind != rawCreate && ev.kind != rawWrite) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(abs))
		if !d.cfg.IsTrackedExt(ext) && !d.cfg.IsContainerExt(ext) {
			continue
		}
		if h, err := extract.FingerprintFile(abs); err == nil {
			d.fp.record(abs, h)
		}
	}

	// File renames first, so a specific file move claims its paths before any
	// enclosing directory rename expands over them. A departed file pairs
	// with an arrived file by content fingerprint when one was recorded, by
	// base name otherwise.
	for oldAbs, oldEv := range departed {
		if oldEv.isDir {
			continue
		}
		if _, taken := claimed[oldAbs]; taken {
			continue
		}
		oldHash, hasOldHash := d.fp.take(oldAbs)

		for newAbs, newEv := range arrived {
			if newEv.isDir {
				continue
			}
			if _, taken := claimed[newAbs]; taken {
				continue
			}

			matched := false
			if hasOldHash && !newEv.oversized {
				if newHash, err := extract.FingerprintFile(newAbs); err == nil && newHash == oldHash {
					matched = true
				}
			}
			if !matched && filepath.Base(oldAbs) == filepath.Base(newAbs) {
				matched = true
			}
			if !matched {
				continue
			}

			if r := d.buildRename(oldAbs, newAbs, oldEv.t); r != nil {
				r.Conflict = conflicted[oldAbs] || conflicted[newAbs]
				batch.Renames = append(batch.Renames, *r)
			}
			claimed[oldAbs] = struct{}{}
			claimed[newAbs] = struct{}{}
			break
		}
	}

	// An in-place file rename changes the base name and the old content is
	// gone before it could be hashed; when the window holds exactly one
	// unmatched departure and one unmatched arrival of the same extension,
	// they are the two halves of one move.
	if oldAbs, newAbs, ok := solePair(departed, arrived, claimed, false); ok {
		if strings.EqualFold(filepath.Ext(oldAbs), filepath.Ext(newAbs)) {
			ev := latest[oldAbs]
			if r := d.buildRename(oldAbs, newAbs, ev.t); r != nil {
				r.Conflict = conflicted[oldAbs] || conflicted[newAbs]
				batch.Renames = append(batch.Renames, *r)
				claimed[oldAbs] = struct{}{}
				claimed[newAbs] = struct{}{}
			}
		}
	}

	// Directory renames: paired by base name when a move kept the name, or by
	// being the only candidate pair left in the window (an in-place rename
	// changes the name and leaves no other signal). Expansion skips
	// descendants already claimed by a file rename above.
	for oldAbs, oldEv := range departed {
		if !oldEv.isDir {
			continue
		}
		if _, taken := claimed[oldAbs]; taken {
			continue
		}
		for newAbs, newEv := range arrived {
			if !newEv.isDir {
				continue
			}
			if _, taken := claimed[newAbs]; taken {
				continue
			}
			if filepath.Base(oldAbs) != filepath.Base(newAbs) {
				continue
			}
			if dr := d.expandDirRename(oldAbs, newAbs, claimed); dr != nil {
				batch.DirRenames = append(batch.DirRenames, *dr)
			}
			claimed[oldAbs] = struct{}{}
			claimed[newAbs] = struct{}{}
			break
		}
	}
	if oldAbs, newAbs, ok := solePair(departed, arrived, claimed, true); ok {
		if dr := d.expandDirRename(oldAbs, newAbs, claimed); dr != nil {
			batch.DirRenames = append(batch.DirRenames, *dr)
		}
		claimed[oldAbs] = struct{}{}
		claimed[newAbs] = struct{}{}
	}

	// Everything unmatched is an independent create, delete or modify.
	for _, abs := range order {
		if _, taken := claimed[abs]; taken {
			continue
		}
		ev := latest[abs]
		if ev.isDir {
			continue
		}
		ext := strings.ToLower(filepath.Ext(abs))
		if !d.cfg.IsContainerExt(ext) {
			continue
		}
		rel, err := d.norm.Normalize(abs)
		if err != nil {
			continue
		}
		switch ev.kind {
		case rawCreate, rawWrite:
			batch.Changes = append(batch.Changes, rel)
		case rawRemove, rawRename:
			batch.Removes = append(batch.Removes, rel)
		}
	}

	debug.LogWatch("classified %d raw event(s): %d rename(s), %d dir rename(s), %d change(s), %d remove(s)\n",
		len(events), len(batch.Renames), len(batch.DirRenames), len(batch.Changes), len(batch.Removes))

	return batch
}

// solePair returns the only unclaimed departed/arrived pair of the requested
// kind, when exactly one of each remains.
func solePair(departed, arrived map[string]rawEvent, claimed map[string]struct{}, dirs bool) (string, string, bool) {
	oldAbs, newAbs := "", ""
	for abs, ev := range departed {
		if ev.isDir != dirs {
			continue
		}
		if _, taken := claimed[abs]; taken {
			continue
		}
		if oldAbs != "" {
			return "", "", false
		}
		oldAbs = abs
	}
	for abs, ev := range arrived {
		if ev.isDir != dirs {
			continue
		}
		if _, taken := claimed[abs]; taken {
			continue
		}
		if newAbs != "" {
			return "", "", false
		}
		newAbs = abs
	}
	return oldAbs, newAbs, oldAbs != "" && newAbs != ""
}

// buildRename constructs a PendingRename for a file move, flagging a
// conflict when a create event for the old path arrived in the same window.
func (d *Debouncer) buildRename(oldAbs, newAbs string, observed time.Time) *types.PendingRename {
	ext := strings.ToLower(filepath.Ext(oldAbs))
	if !d.cfg.IsTrackedExt(ext) && !d.cfg.IsContainerExt(ext) {
		return nil
	}

	oldRel, err := d.norm.Normalize(oldAbs)
	if err != nil {
		return nil
	}
	newRel, err := d.norm.Normalize(newAbs)
	if err != nil {
		return nil
	}
	rawNew, err := d.norm.Rel(newAbs)
	if err != nil {
		rawNew = string(newRel)
	}

	return &types.PendingRename{
		OldPath:  oldRel,
		NewPath:  newRel,
		RawNew:   rawNew,
		Observed: observed,
	}
}

// expandDirRename reads the index for every asset and container under the
// old directory and emits one member rename per descendant, rewriting only
// the directory prefix. Descendants claimed by a more specific event in the
// same window are left out.
func (d *Debouncer) expandDirRename(oldAbs, newAbs string, claimed map[string]struct{}) *DirRename {
	oldRel, err := d.norm.Normalize(oldAbs)
	if err != nil {
		return nil
	}
	newRel, err := d.norm.Normalize(newAbs)
	if err != nil {
		return nil
	}
	rawNewDir, err := d.norm.Rel(newAbs)
	if err != nil {
		rawNewDir = string(newRel)
	}

	snap := d.idx.Snapshot()
	members := make(map[types.AssetPath]struct{})
	for _, asset := range snap.AssetsWithPrefix(oldRel) {
		members[asset] = struct{}{}
	}
	for _, container := range snap.ContainersWithPrefix(oldRel) {
		members[container] = struct{}{}
	}

	dr := &DirRename{OldPath: oldRel, NewPath: newRel, RawNew: rawNewDir}
	for member := range members {
		memberOldAbs := d.norm.Abs(member)
		if _, taken := claimed[memberOldAbs]; taken {
			continue
		}
		newPath := pathkey.RewritePrefix(member, oldRel, newRel)
		dr.Members = append(dr.Members, types.PendingRename{
			OldPath:  member,
			NewPath:  newPath,
			RawNew:   rawNewDir + string(member[len(oldRel):]),
			Observed: time.Now(),
		})
	}
	sort.Slice(dr.Members, func(i, j int) bool {
		return dr.Members[i].OldPath < dr.Members[j].OldPath
	})
	return dr
}
