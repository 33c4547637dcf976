// Package extract locates reference-shaped substrings inside container files
// without parsing them into any structural model. It returns byte-accurate
// spans plus normalized targets; the bytes around a span are never touched or
// interpreted. Ambiguous tokens are skipped rather than guessed, trading
// false negatives for never corrupting unrelated text.
package extract

import (
	"regexp"
	"strings"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/types"
)

// xmlRefAttrs are the attribute names that carry asset paths in material and
// level XML formats.
const xmlRefAttrs = `File|Texture|filename|path|Material`

// Extractor holds the compiled pattern sets for each container type. Safe
// for concurrent use; compiled once per configuration.
type Extractor struct {
	xmlPattern *regexp.Regexp
	luaPattern *regexp.Regexp
}

// New builds an Extractor from the configured tracked extensions.
func New(cfg *config.Config) *Extractor {
	extAlt := extensionAlternation(cfg.TrackedExtensions)

	// Quote pairing is enforced by matching double- and single-quoted forms
	// as separate alternatives (RE2 has no backreferences). Group 1 holds a
	// double-quoted payload, group 2 a single-quoted one.
	xmlPattern := regexp.MustCompile(
		`(?i)(?:` + xmlRefAttrs + `)\s*=\s*(?:"([^"']+(?:` + extAlt + `))"|'([^"']+(?:` + extAlt + `))')`)

	luaPattern := regexp.MustCompile(
		`(?i)(?:"([^"']+(?:` + extAlt + `))"|'([^"']+(?:` + extAlt + `))')`)

	return &Extractor{
		xmlPattern: xmlPattern,
		luaPattern: luaPattern,
	}
}

// extensionAlternation renders tracked extensions as a regex alternation.
func extensionAlternation(exts []string) string {
	quoted := make([]string, 0, len(exts))
	for _, ext := range exts {
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}
	return strings.Join(quoted, "|")
}

// Extract returns the ordered reference occurrences found in contents. The
// RawText of each occurrence equals contents[ByteStart:ByteEnd] at call time;
// spans cover only the path payload, never the quotes or attribute name.
func (e *Extractor) Extract(container types.AssetPath, contents []byte, typ types.ContainerType) []types.ReferenceOccurrence {
	var pattern *regexp.Regexp
	switch typ {
	case types.ContainerMaterial, types.ContainerLevelXml:
		pattern = e.xmlPattern
	case types.ContainerLuaScript:
		pattern = e.luaPattern
	default:
		return nil
	}

	var occurrences []types.ReferenceOccurrence
	for _, m := range pattern.FindAllSubmatchIndex(contents, -1) {
		// One of the two quote-style groups matched; take whichever did.
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		if start < 0 {
			continue
		}

		raw := string(contents[start:end])
		target := pathkey.NormalizeRef(raw)
		if target == "" {
			continue
		}

		occurrences = append(occurrences, types.ReferenceOccurrence{
			Container: container,
			Target:    target,
			ByteStart: start,
			ByteEnd:   end,
			RawText:   raw,
		})
	}

	return occurrences
}
