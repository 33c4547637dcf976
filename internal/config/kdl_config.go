package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"

	"github.com/standardbeagle/refwatch/internal/types"
)

// LoadKDL attempts to load configuration from a .refwatch.kdl file in dir.
// Returns (nil, nil) when no config file exists.
func LoadKDL(dir string) (*Config, error) {
	kdlPath := filepath.Join(dir, ".refwatch.kdl")

	if _, err := os.Stat(kdlPath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(kdlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read .refwatch.kdl: %v", err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	// Resolve the project root relative to the directory holding the config
	// file so the same file works from any cwd.
	if cfg.Project.Root != "" {
		var absRoot string
		if filepath.IsAbs(cfg.Project.Root) {
			absRoot = cfg.Project.Root
		} else {
			absRoot = filepath.Join(dir, cfg.Project.Root)
		}
		cfg.Project.Root = filepath.Clean(absRoot)
	} else {
		absRoot, err := filepath.Abs(dir)
		if err == nil {
			cfg.Project.Root = absRoot
		} else {
			cfg.Project.Root = dir
		}
	}

	return cfg, nil
}

// parseKDL parses .refwatch.kdl content over the built-in defaults.
func parseKDL(content string) (*Config, error) {
	cfg := Default()

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children { // project { root "." name "foo" }
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "watch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.DebounceMs = v
					}
				case "write_cooldown_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.WriteCooldownMs = v
					}
				case "max_file_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.MaxFileSize = int64(v)
					}
				case "workers":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.Workers = v
					}
				case "read_retries":
					if v, ok := firstIntArg(cn); ok {
						cfg.Watch.ReadRetries = v
					}
				}
			}
		case "patch":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "match_any_texture_extension":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Patch.MatchAnyTextureExtension = b
					}
				case "allow_extension_change":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Patch.AllowExtensionChange = b
					}
				case "allow_directory_change":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Patch.AllowDirectoryChange = b
					}
				}
			}
		case "diagnostics":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "alternate_extension":
					// alternate_extension ".tif" ".dds"
					args := collectStringArgs(cn)
					if len(args) == 2 {
						cfg.Diag.AlternateExtensions[strings.ToLower(args[0])] = strings.ToLower(args[1])
					}
				case "orphan_asset_extensions":
					if exts := collectStringArgs(cn); len(exts) > 0 {
						cfg.Diag.OrphanAssetExtensions = lowerAll(exts)
					}
				case "orphan_exclude":
					cfg.Diag.OrphanExclude = append(cfg.Diag.OrphanExclude, collectStringArgs(cn)...)
				case "suggest_near_miss":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Diag.SuggestNearMiss = b
					}
				}
			}
		case "containers":
			// containers { material ".mtl"; level_xml ".xml" ".lay"; lua ".lua" }
			parsed := make(map[string]types.ContainerType)
			for _, cn := range n.Children {
				var typ types.ContainerType
				switch nodeName(cn) {
				case "material":
					typ = types.ContainerMaterial
				case "level_xml":
					typ = types.ContainerLevelXml
				case "lua":
					typ = types.ContainerLuaScript
				default:
					continue
				}
				for _, ext := range collectStringArgs(cn) {
					parsed[strings.ToLower(ext)] = typ
				}
			}
			if len(parsed) > 0 {
				cfg.ContainerTypes = parsed
			}
		case "tracked_extensions":
			if exts := collectStringArgs(n); len(exts) > 0 {
				cfg.TrackedExtensions = lowerAll(exts)
			}
		case "texture_extensions":
			if exts := collectStringArgs(n); len(exts) > 0 {
				cfg.TextureExtensions = lowerAll(exts)
			}
		case "exclude":
			cfg.Exclude = append(cfg.Exclude, collectStringArgs(n)...)
		}
	}

	return cfg, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}

	// Block format: exclude { "pattern" } stores strings as child node names
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}

	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}
