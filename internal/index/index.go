// Package index holds the authoritative in-memory reference index: a forward
// map from container files to their extracted occurrences and a derived
// reverse map from asset paths to the containers that mention them. The
// forward map is the source of truth; the reverse map is maintained
// incrementally on every update and is always consistent with it outside a
// single in-progress mutation.
package index

import (
	"sort"
	"sync"

	"github.com/standardbeagle/refwatch/internal/debug"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/types"
)

// ReferenceIndex is safe for concurrent use: mutations are serialized against
// each other and against in-flight reads; readers observe either the pre- or
// post-update state, never a partial one.
type ReferenceIndex struct {
	mu      sync.RWMutex
	forward map[types.AssetPath]*types.ContainerFile
	reverse map[types.AssetPath]map[types.AssetPath]struct{}
}

// New creates an empty reference index.
func New() *ReferenceIndex {
	return &ReferenceIndex{
		forward: make(map[types.AssetPath]*types.ContainerFile),
		reverse: make(map[types.AssetPath]map[types.AssetPath]struct{}),
	}
}

// Upsert atomically replaces all occurrences for a container. The reverse map
// is adjusted by the symmetric difference between the old and new target
// sets, so untouched assets keep their entries. Upserts of distinct
// containers are commutative, which lets the initial scan populate in any
// order.
func (ri *ReferenceIndex) Upsert(container types.AssetPath, typ types.ContainerType, occurrences []types.ReferenceOccurrence) {
	entry := &types.ContainerFile{
		Path:        container,
		Type:        typ,
		Occurrences: occurrences,
	}
	newTargets := entry.Targets()

	ri.mu.Lock()
	defer ri.mu.Unlock()

	var oldTargets map[types.AssetPath]struct{}
	if old, ok := ri.forward[container]; ok {
		oldTargets = old.Targets()
	}

	// Remove reverse entries for targets the container no longer mentions.
	for target := range oldTargets {
		if _, still := newTargets[target]; still {
			continue
		}
		ri.dropReverse(target, container)
	}

	// Add reverse entries for newly mentioned targets.
	for target := range newTargets {
		if _, had := oldTargets[target]; had {
			continue
		}
		set, ok := ri.reverse[target]
		if !ok {
			set = make(map[types.AssetPath]struct{})
			ri.reverse[target] = set
		}
		set[container] = struct{}{}
	}

	ri.forward[container] = entry
	debug.LogIndex("upsert %s: %d occurrences\n", container, len(occurrences))
}

// Remove clears a deleted container's forward and reverse entries.
func (ri *ReferenceIndex) Remove(container types.AssetPath) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	old, ok := ri.forward[container]
	if !ok {
		return
	}
	for target := range old.Targets() {
		ri.dropReverse(target, container)
	}
	delete(ri.forward, container)
	debug.LogIndex("remove %s\n", container)
}

// dropReverse removes one reverse edge, deleting the set when it empties.
// Caller holds the write lock.
func (ri *ReferenceIndex) dropReverse(target, container types.AssetPath) {
	set, ok := ri.reverse[target]
	if !ok {
		return
	}
	delete(set, container)
	if len(set) == 0 {
		delete(ri.reverse, target)
	}
}

// ReferencesTo returns the container files mentioning the asset, sorted for
// deterministic processing order.
func (ri *ReferenceIndex) ReferencesTo(asset types.AssetPath) []types.AssetPath {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	set := ri.reverse[asset]
	out := make([]types.AssetPath, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Container returns a copy of the container entry, or nil when unknown.
func (ri *ReferenceIndex) Container(path types.AssetPath) *types.ContainerFile {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	entry, ok := ri.forward[path]
	if !ok {
		return nil
	}
	return copyContainer(entry)
}

// AllAssets returns the distinct set of targets across every container.
func (ri *ReferenceIndex) AllAssets() map[types.AssetPath]struct{} {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	out := make(map[types.AssetPath]struct{}, len(ri.reverse))
	for asset := range ri.reverse {
		out[asset] = struct{}{}
	}
	return out
}

// Stats returns the number of tracked containers and distinct assets.
func (ri *ReferenceIndex) Stats() (containers, assets int) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.forward), len(ri.reverse)
}

// Snapshot is an immutable copy-on-read view used by diagnostics and
// directory-rename expansion, both of which traverse the whole index and
// must not hold the lock for the duration of their pass.
type Snapshot struct {
	Containers map[types.AssetPath]*types.ContainerFile
	Assets     map[types.AssetPath]struct{}
}

// Snapshot copies the current index state under the read lock.
func (ri *ReferenceIndex) Snapshot() *Snapshot {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	snap := &Snapshot{
		Containers: make(map[types.AssetPath]*types.ContainerFile, len(ri.forward)),
		Assets:     make(map[types.AssetPath]struct{}, len(ri.reverse)),
	}
	for path, entry := range ri.forward {
		snap.Containers[path] = copyContainer(entry)
	}
	for asset := range ri.reverse {
		snap.Assets[asset] = struct{}{}
	}
	return snap
}

// AssetsWithPrefix returns every indexed asset inside the directory, sorted.
func (s *Snapshot) AssetsWithPrefix(dir types.AssetPath) []types.AssetPath {
	var out []types.AssetPath
	for asset := range s.Assets {
		if pathkey.HasPrefixDir(asset, dir) {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ContainersWithPrefix returns every indexed container inside the directory,
// sorted. A moved directory relocates these containers themselves, not just
// the assets they reference.
func (s *Snapshot) ContainersWithPrefix(dir types.AssetPath) []types.AssetPath {
	var out []types.AssetPath
	for path := range s.Containers {
		if pathkey.HasPrefixDir(path, dir) {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyContainer(entry *types.ContainerFile) *types.ContainerFile {
	cp := &types.ContainerFile{
		Path:        entry.Path,
		Type:        entry.Type,
		Occurrences: make([]types.ReferenceOccurrence, len(entry.Occurrences)),
	}
	copy(cp.Occurrences, entry.Occurrences)
	return cp
}
