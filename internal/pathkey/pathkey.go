// Package pathkey canonicalizes filesystem paths into the project-relative,
// lowercase, forward-slash keys used as identity everywhere else in the
// engine. No other component compares raw path strings.
package pathkey

import (
	"path/filepath"
	"strings"

	"github.com/standardbeagle/refwatch/internal/errors"
	"github.com/standardbeagle/refwatch/internal/types"
)

// Normalizer converts raw filesystem paths into AssetPath keys relative to a
// single project root. The zero value is not usable; construct with New.
type Normalizer struct {
	root string
}

// New creates a Normalizer rooted at the given project directory. The root is
// resolved to an absolute, cleaned path once at construction.
func New(root string) (*Normalizer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewConfigError("project.root", root, err)
	}
	return &Normalizer{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute project root this normalizer is bound to.
func (n *Normalizer) Root() string { return n.root }

// Normalize canonicalizes a raw filesystem path (absolute, or relative to the
// project root) into an AssetPath. Pure: no filesystem access. Returns
// InvalidPathError only when the path resolves outside the project root.
func (n *Normalizer) Normalize(raw string) (types.AssetPath, error) {
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(n.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(n.root, p)
	if err != nil {
		return "", errors.NewInvalidPathError(raw, n.root)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.NewInvalidPathError(raw, n.root)
	}
	if rel == "." {
		rel = ""
	}
	return types.AssetPath(strings.ToLower(rel)), nil
}

// Rel returns the project-relative slash path for an absolute path with its
// on-disk casing preserved. Used when rendering payloads into containers,
// where AssetPath's lowercasing would discard the author's casing.
func (n *Normalizer) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(n.root, filepath.Clean(abs))
	if err != nil {
		return "", errors.NewInvalidPathError(abs, n.root)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.NewInvalidPathError(abs, n.root)
	}
	return rel, nil
}

// Abs maps an AssetPath back to an absolute path under the project root,
// using the platform separator.
func (n *Normalizer) Abs(p types.AssetPath) string {
	return filepath.Join(n.root, filepath.FromSlash(string(p)))
}

// NormalizeRef canonicalizes a reference string found inside a container
// file. References are project-relative by convention, so this only trims,
// flips separators and lowercases; it never fails.
func NormalizeRef(raw string) types.AssetPath {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\\", "/")
	return types.AssetPath(strings.ToLower(s))
}

// StripExt returns the path without its extension.
func StripExt(p types.AssetPath) types.AssetPath {
	s := string(p)
	ext := Ext(p)
	return types.AssetPath(s[:len(s)-len(ext)])
}

// Ext returns the lowercase extension of an AssetPath, including the dot.
func Ext(p types.AssetPath) string {
	s := string(p)
	for i := len(s) - 1; i >= 0 && s[i] != '/'; i-- {
		if s[i] == '.' {
			return s[i:]
		}
	}
	return ""
}

// HasPrefixDir reports whether p is inside the directory dir (both already
// normalized). An empty dir matches everything.
func HasPrefixDir(p, dir types.AssetPath) bool {
	if dir == "" {
		return true
	}
	return strings.HasPrefix(string(p), string(dir)+"/")
}

// RewritePrefix replaces the oldDir prefix of p with newDir, preserving the
// remainder unchanged. Callers must have checked HasPrefixDir first.
func RewritePrefix(p, oldDir, newDir types.AssetPath) types.AssetPath {
	return newDir + p[len(oldDir):]
}
