package watch

import (
	"sync"
	"time"

	"github.com/standardbeagle/refwatch/internal/types"
)

// rawKind is the kind of a raw filesystem notification before classification.
type rawKind int

const (
	rawCreate rawKind = iota
	rawWrite
	rawRemove
	rawRename // the departing side of a move on backends that split moves
)

// rawEvent is one buffered notification awaiting classification.
type rawEvent struct {
	abs   string
	kind  rawKind
	isDir bool
	// oversized files still classify (a rename of a big asset must pair),
	// but their content is never read for fingerprinting.
	oversized bool
	t         time.Time
}

// DirRename is a classified directory rename with its per-asset expansion.
// Members carry one PendingRename per descendant asset or container known to
// the index, with the directory prefix rewritten and the remainder preserved.
type DirRename struct {
	OldPath types.AssetPath
	NewPath types.AssetPath
	RawNew  string
	Members []types.PendingRename
}

// Batch is the debouncer's output for one coalescing window: the minimal set
// of logical operations implied by the raw notifications observed.
type Batch struct {
	Renames    []types.PendingRename
	DirRenames []DirRename

	// Changes are container files needing re-extraction (created or
	// modified with no rename semantics).
	Changes []types.AssetPath

	// Removes are containers deleted outright.
	Removes []types.AssetPath
}

// Empty reports whether the batch carries no work.
func (b *Batch) Empty() bool {
	return len(b.Renames) == 0 && len(b.DirRenames) == 0 &&
		len(b.Changes) == 0 && len(b.Removes) == 0
}

// fingerprintCache remembers content hashes of tracked files observed during
// the session so a later delete can be matched against a create by content.
// Files never seen before deletion fall back to base-name matching.
type fingerprintCache struct {
	mu     sync.Mutex
	hashes map[string]uint64 // abs path -> xxhash
}

func newFingerprintCache() *fingerprintCache {
	return &fingerprintCache{hashes: make(map[string]uint64)}
}

func (c *fingerprintCache) record(abs string, hash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[abs] = hash
}

// take returns and forgets the hash recorded for a path.
func (c *fingerprintCache) take(abs string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[abs]
	if ok {
		delete(c.hashes, abs)
	}
	return h, ok
}
