package config

import (
	"os"
	"runtime"

	"github.com/standardbeagle/refwatch/internal/types"
)

// Default tuning constants shared between code and configuration parsing.
const (
	DefaultDebounceMs      = 300
	DefaultWriteCooldownMs = 2000
	DefaultMaxFileSize     = 10 * 1024 * 1024
	DefaultReadRetries     = 10
	DefaultReadRetryMs     = 50
)

type Config struct {
	Version int
	Project Project
	Watch   Watch
	Patch   Patch
	Diag    Diag
	Exclude []string

	// ContainerTypes maps a container file extension (with dot, lowercase)
	// to the pattern set used to extract references from it.
	ContainerTypes map[string]types.ContainerType

	// TrackedExtensions are the asset extensions whose renames the engine
	// follows and whose mentions the extractor recognizes.
	TrackedExtensions []string

	// TextureExtensions are the subset of tracked extensions treated as
	// texture variants of one another when MatchAnyTextureExtension is on.
	TextureExtensions []string
}

type Project struct {
	Root string
	Name string
}

type Watch struct {
	DebounceMs      int  // Coalescing window for raw filesystem events
	WriteCooldownMs int  // Self-write guard expiry for patched files
	MaxFileSize     int64
	Workers         int // 0 = auto-detect (NumCPU)
	ReadRetries     int // Retries for files locked by another writer
	ReadRetryMs     int
}

type Patch struct {
	// MatchAnyTextureExtension patches every texture-extension variant of a
	// renamed texture's stem, since engines reference source and compiled
	// forms interchangeably.
	MatchAnyTextureExtension bool
	AllowExtensionChange     bool
	AllowDirectoryChange     bool
}

type Diag struct {
	// AlternateExtensions maps a referenced extension to the extension of
	// its compiled or source sibling, used for advisory broken-reference
	// resolution (e.g. ".tif" -> ".dds").
	AlternateExtensions map[string]string

	// OrphanAssetExtensions are the extensions considered "assets" for
	// orphan detection; container files are never assets.
	OrphanAssetExtensions []string

	// OrphanExclude are doublestar patterns removed from orphan reports.
	OrphanExclude []string

	// SuggestNearMiss enables edit-distance suggestions for broken
	// references that no alternate extension resolves.
	SuggestNearMiss bool
}

// Load reads configuration for a project directory: global ~/.refwatch.kdl
// base first, then the project's .refwatch.kdl layered on top, then defaults
// for anything neither sets.
func Load(rootDir string) (*Config, error) {
	searchDir := "."
	if rootDir != "" {
		searchDir = rootDir
	}

	var baseConfig *Config
	if homeDir, err := os.UserHomeDir(); err == nil {
		if globalCfg, err := LoadKDL(homeDir); err == nil && globalCfg != nil {
			baseConfig = globalCfg
		}
	}

	projectConfig, err := LoadKDL(searchDir)
	if err != nil {
		return nil, err
	}

	switch {
	case baseConfig != nil && projectConfig != nil:
		return mergeConfigs(baseConfig, projectConfig), nil
	case projectConfig != nil:
		return projectConfig, nil
	case baseConfig != nil:
		baseConfig.Project.Root = searchDir
		return baseConfig, nil
	}

	cfg := Default()
	cfg.Project.Root = searchDir
	return cfg, nil
}

// Default returns the built-in configuration. The extension tables cover the
// CryEngine-style asset formats the engine was built for.
func Default() *Config {
	return &Config{
		Version: 1,
		Project: Project{},
		Watch: Watch{
			DebounceMs:      DefaultDebounceMs,
			WriteCooldownMs: DefaultWriteCooldownMs,
			MaxFileSize:     DefaultMaxFileSize,
			Workers:         runtime.NumCPU(),
			ReadRetries:     DefaultReadRetries,
			ReadRetryMs:     DefaultReadRetryMs,
		},
		Patch: Patch{
			MatchAnyTextureExtension: true,
			AllowExtensionChange:     true,
			AllowDirectoryChange:     true,
		},
		Diag: Diag{
			AlternateExtensions: map[string]string{
				".tif": ".dds",
				".png": ".dds",
				".tga": ".dds",
			},
			OrphanAssetExtensions: []string{
				".dds", ".tif", ".tiff", ".png", ".jpg", ".jpeg", ".tga",
				".bmp", ".gif", ".hdr", ".exr", ".gfx",
				".cgf", ".cga", ".chr", ".skin",
			},
			OrphanExclude:   []string{},
			SuggestNearMiss: true,
		},
		ContainerTypes: map[string]types.ContainerType{
			".mtl": types.ContainerMaterial,
			".xml": types.ContainerLevelXml,
			".lay": types.ContainerLevelXml,
			".lyr": types.ContainerLevelXml,
			".cdf": types.ContainerLevelXml,
			".lua": types.ContainerLuaScript,
		},
		TrackedExtensions: []string{
			".dds", ".tif", ".png", ".jpg", ".jpeg", ".tga", ".bmp", ".gif",
			".hdr", ".mtl", ".xml", ".lay", ".lyr", ".cdf", ".lua",
			".cgf", ".chr", ".cga", ".skin", ".adb",
		},
		TextureExtensions: []string{
			".dds", ".tif", ".tiff", ".png", ".jpg", ".jpeg", ".tga",
			".bmp", ".gif", ".hdr", ".exr", ".gfx",
		},
		Exclude: []string{
			"**/.git/**",
			"**/.*/**",
			"**/_backup/**",
			"**/*.bak",
			"**/*.tmp",
			"**/Thumbs.db",
			"**/desktop.ini",
		},
	}
}

// mergeConfigs merges a base config with a project config.
// Project config takes precedence, but base exclusions are preserved.
func mergeConfigs(base, project *Config) *Config {
	merged := *project

	if len(base.Exclude) > 0 {
		excludeMap := make(map[string]bool)
		for _, pattern := range base.Exclude {
			excludeMap[pattern] = true
		}
		for _, pattern := range project.Exclude {
			excludeMap[pattern] = true
		}

		merged.Exclude = make([]string, 0, len(excludeMap))
		for pattern := range excludeMap {
			merged.Exclude = append(merged.Exclude, pattern)
		}
	}

	// Extension tables: project overrides completely when specified.
	if len(project.TrackedExtensions) == 0 && len(base.TrackedExtensions) > 0 {
		merged.TrackedExtensions = base.TrackedExtensions
	}
	if len(project.TextureExtensions) == 0 && len(base.TextureExtensions) > 0 {
		merged.TextureExtensions = base.TextureExtensions
	}
	if len(project.ContainerTypes) == 0 && len(base.ContainerTypes) > 0 {
		merged.ContainerTypes = base.ContainerTypes
	}

	return &merged
}

// ContainerTypeFor returns the container type for a lowercase extension, or
// ContainerOther when the extension holds no references.
func (c *Config) ContainerTypeFor(ext string) types.ContainerType {
	if t, ok := c.ContainerTypes[ext]; ok {
		return t
	}
	return types.ContainerOther
}

// IsContainerExt reports whether the extension names a container format.
func (c *Config) IsContainerExt(ext string) bool {
	_, ok := c.ContainerTypes[ext]
	return ok
}

// IsTrackedExt reports whether renames of files with this extension are
// followed by the patch engine.
func (c *Config) IsTrackedExt(ext string) bool {
	for _, e := range c.TrackedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// IsTextureExt reports whether the extension is a texture variant.
func (c *Config) IsTextureExt(ext string) bool {
	for _, e := range c.TextureExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// WorkerCount resolves the configured worker count, defaulting to NumCPU.
func (c *Config) WorkerCount() int {
	if c.Watch.Workers > 0 {
		return c.Watch.Workers
	}
	return runtime.NumCPU()
}
