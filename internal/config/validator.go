package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	rwerrors "github.com/standardbeagle/refwatch/internal/errors"
)

// Validator validates configuration and sets smart defaults
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// A bad project root is the one failure fatal to the whole engine.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProjectConfig(&cfg.Project); err != nil {
		return rwerrors.NewConfigError("project", cfg.Project.Root, err)
	}

	if err := v.validateWatchConfig(&cfg.Watch); err != nil {
		return rwerrors.NewConfigError("watch", "", err)
	}

	if err := v.validateExtensions(cfg); err != nil {
		return rwerrors.NewConfigError("extensions", "", err)
	}

	v.setSmartDefaults(cfg)
	return nil
}

// validateProjectConfig validates the project root exists and is a directory
func (v *Validator) validateProjectConfig(project *Project) error {
	if project.Root == "" {
		return errors.New("project root cannot be empty")
	}

	info, err := os.Stat(project.Root)
	if err != nil {
		return fmt.Errorf("project root is not readable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project root %q is not a directory", project.Root)
	}

	return nil
}

// validateWatchConfig validates watcher tuning values
func (v *Validator) validateWatchConfig(watch *Watch) error {
	if watch.DebounceMs < 0 {
		return fmt.Errorf("DebounceMs must not be negative, got %d", watch.DebounceMs)
	}

	if watch.MaxFileSize <= 0 {
		return fmt.Errorf("MaxFileSize must be positive, got %d", watch.MaxFileSize)
	}

	if watch.MaxFileSize > 100*1024*1024 {
		return fmt.Errorf("MaxFileSize should not exceed 100MB, got %d", watch.MaxFileSize)
	}

	if watch.Workers < 0 {
		return fmt.Errorf("Workers must not be negative, got %d", watch.Workers)
	}

	return nil
}

// validateExtensions checks the extension tables are well formed
func (v *Validator) validateExtensions(cfg *Config) error {
	if len(cfg.ContainerTypes) == 0 {
		return errors.New("at least one container extension must be configured")
	}

	for ext := range cfg.ContainerTypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("container extension %q must start with a dot", ext)
		}
	}

	for _, ext := range cfg.TrackedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("tracked extension %q must start with a dot", ext)
		}
	}

	for from, to := range cfg.Diag.AlternateExtensions {
		if !strings.HasPrefix(from, ".") || !strings.HasPrefix(to, ".") {
			return fmt.Errorf("alternate extension pair %q -> %q must use dotted extensions", from, to)
		}
	}

	return nil
}

// setSmartDefaults fills in values that depend on the host
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.Watch.Workers == 0 {
		cfg.Watch.Workers = runtime.NumCPU()
	}
	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = DefaultDebounceMs
	}
	if cfg.Watch.WriteCooldownMs == 0 {
		cfg.Watch.WriteCooldownMs = DefaultWriteCooldownMs
	}
	if cfg.Watch.ReadRetries == 0 {
		cfg.Watch.ReadRetries = DefaultReadRetries
	}
	if cfg.Watch.ReadRetryMs == 0 {
		cfg.Watch.ReadRetryMs = DefaultReadRetryMs
	}
}
