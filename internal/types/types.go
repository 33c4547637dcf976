package types

import "time"

// AssetPath is the canonical identity of a file inside the project tree:
// project-relative, lowercase, forward slashes. All index lookups and path
// comparisons go through AssetPath values produced by pathkey.Normalizer;
// raw path strings are never compared directly.
type AssetPath string

// String returns the path as a plain string.
func (p AssetPath) String() string { return string(p) }

// ContainerType classifies a container file by the pattern set used to
// extract references from it.
type ContainerType int

const (
	ContainerOther ContainerType = iota
	ContainerMaterial
	ContainerLevelXml
	ContainerLuaScript
)

// String returns a human-readable name for the container type.
func (t ContainerType) String() string {
	switch t {
	case ContainerMaterial:
		return "material"
	case ContainerLevelXml:
		return "level-xml"
	case ContainerLuaScript:
		return "lua-script"
	default:
		return "other"
	}
}

// ReferenceOccurrence is one textual mention of an asset inside a container
// file. RawText equals the container bytes at [ByteStart,ByteEnd) at
// extraction time; any out-of-band modification of the container invalidates
// the span, so occurrences are always recomputed after a write.
type ReferenceOccurrence struct {
	Container AssetPath
	Target    AssetPath
	ByteStart int
	ByteEnd   int
	RawText   string
}

// ContainerFile is the forward-index record for one container. Occurrences
// are fully recomputed on every known content change; they are never diffed.
type ContainerFile struct {
	Path        AssetPath
	Type        ContainerType
	Occurrences []ReferenceOccurrence
}

// Targets returns the distinct set of asset paths referenced by the container.
func (c *ContainerFile) Targets() map[AssetPath]struct{} {
	targets := make(map[AssetPath]struct{}, len(c.Occurrences))
	for _, occ := range c.Occurrences {
		targets[occ.Target] = struct{}{}
	}
	return targets
}

// PendingRename is a classified logical rename, produced by the event
// debouncer and consumed by the patch engine. Directory renames are expanded
// into one PendingRename per affected descendant asset before they reach the
// engine.
type PendingRename struct {
	OldPath     AssetPath
	NewPath     AssetPath
	IsDirectory bool
	Observed    time.Time

	// RawNew preserves the new path's on-disk casing (project-relative,
	// forward slashes). AssetPath keys are lowercased for identity, but the
	// bytes written into a container should match what is on disk.
	RawNew string

	// Conflict notes a create event observed on the same path within the
	// debounce window; the rename still applies but the report flags it.
	Conflict bool
}

// PatchOutcome is the per-file result of a patch attempt.
type PatchOutcome int

const (
	PatchSuccess PatchOutcome = iota
	PatchSkipped
	PatchFailed
)

func (o PatchOutcome) String() string {
	switch o {
	case PatchSuccess:
		return "success"
	case PatchSkipped:
		return "skipped"
	case PatchFailed:
		return "failed"
	}
	return "unknown"
}

// PatchEntry is one outcome entry in a PatchReport.
type PatchEntry struct {
	Path    AssetPath
	Outcome PatchOutcome
	Detail  string
}

// PatchReport aggregates per-file outcomes for one applied rename. Partial
// success is expected; a failed file never aborts its siblings.
type PatchReport struct {
	Rename   PendingRename
	Entries  []PatchEntry
	Duration time.Duration
}

// Failed reports whether any entry in the report failed.
func (r *PatchReport) Failed() bool {
	for _, e := range r.Entries {
		if e.Outcome == PatchFailed {
			return true
		}
	}
	return false
}

// Patched counts the entries that were rewritten successfully.
func (r *PatchReport) Patched() int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == PatchSuccess {
			n++
		}
	}
	return n
}
