package errors

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/standardbeagle/refwatch/internal/types"
)

// Error types for the reference patching engine
type ErrorType string

const (
	// Path errors
	ErrorTypeInvalidPath ErrorType = "invalid_path"

	// Patch errors
	ErrorTypeStaleReference ErrorType = "stale_reference"
	ErrorTypePatchWrite     ErrorType = "patch_write"

	// Scan errors
	ErrorTypeScan ErrorType = "scan"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// InvalidPathError is returned when a path falls outside the configured
// project root. It is fatal only to the single call that produced it.
type InvalidPathError struct {
	Path string
	Root string
}

// NewInvalidPathError creates a new invalid path error.
func NewInvalidPathError(path, root string) *InvalidPathError {
	return &InvalidPathError{Path: path, Root: root}
}

// Error implements the error interface
func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("path %q is outside project root %q", e.Path, e.Root)
}

// StaleReferenceError reports that the index pointed at a container that no
// longer exists on disk. Recoverable: the caller re-scans or drops that one
// container and continues.
type StaleReferenceError struct {
	Container  types.AssetPath
	Underlying error
	Timestamp  time.Time
}

// NewStaleReferenceError creates a new stale reference error.
func NewStaleReferenceError(container types.AssetPath, err error) *StaleReferenceError {
	return &StaleReferenceError{
		Container:  container,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("indexed container %s vanished: %v", e.Container, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *StaleReferenceError) Unwrap() error {
	return e.Underlying
}

// IsRecoverable always reports true; stale references are per-file.
func (e *StaleReferenceError) IsRecoverable() bool { return true }

// PatchWriteError reports an I/O failure while rewriting one container.
// Recoverable at per-file granularity; patching of sibling containers
// continues.
type PatchWriteError struct {
	Container  types.AssetPath
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewPatchWriteError creates a new patch write error with context.
func NewPatchWriteError(container types.AssetPath, op string, err error) *PatchWriteError {
	return &PatchWriteError{
		Container:  container,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *PatchWriteError) Error() string {
	return fmt.Sprintf("patch %s failed for %s: %v", e.Operation, e.Container, e.Underlying)
}

// Unwrap returns the underlying error
func (e *PatchWriteError) Unwrap() error {
	return e.Underlying
}

// IsRecoverable always reports true; write failures are per-file.
func (e *PatchWriteError) IsRecoverable() bool { return true }

// IsPermission reports whether the failure was a permission error.
func (e *PatchWriteError) IsPermission() bool {
	return errors.Is(e.Underlying, os.ErrPermission)
}

// ScanError represents a failure while scanning one file during index
// population. Collected into the scan result rather than aborting the walk.
type ScanError struct {
	Path       string
	Underlying error
	Timestamp  time.Time
}

// NewScanError creates a new scan error
func NewScanError(path string, err error) *ScanError {
	return &ScanError{Path: path, Underlying: err, Timestamp: time.Now()}
}

// Error implements the error interface
func (e *ScanError) Error() string {
	return fmt.Sprintf("scan failed for %s: %v", e.Path, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ScanError) Unwrap() error {
	return e.Underlying
}

// ConfigError represents a configuration error. Configuration failures are
// the only errors fatal to the whole engine, reported once at startup.
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Underlying: err}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}

// MultiError represents multiple per-file errors collected during one
// operation (a scan or a directory-rename fan-out).
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new multi-error, dropping nil entries.
func NewMultiError(errs []error) *MultiError {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

// Error implements the error interface
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

// Unwrap returns all errors
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// OrNil returns nil when the multi-error holds no errors.
func (e *MultiError) OrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}
