// Package fsutil holds the small filesystem primitives shared by the scanner
// and the patch engine.
package fsutil

import (
	"fmt"
	"os"
	"time"
)

// AtomicWrite writes data to a temporary sibling file and renames it over the
// original, so a crash mid-write can never leave a half-patched file. The
// temp file lands in the same directory to keep the rename on one filesystem.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// ReadFileRetry reads a file, retrying on failure or empty content. Editors
// and exporters hold short-lived exclusive locks while saving; a handful of
// spaced retries rides those out.
func ReadFileRetry(path string, retries int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			// A writer may have truncated before its flush lands.
			info, statErr := os.Stat(path)
			if statErr == nil && info.Size() == 0 {
				return data, nil
			}
			lastErr = fmt.Errorf("read returned no data for %s", path)
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// FileMode returns the file's current permission bits, or a default when the
// file cannot be statted.
func FileMode(path string, fallback os.FileMode) os.FileMode {
	info, err := os.Stat(path)
	if err != nil {
		return fallback
	}
	return info.Mode().Perm()
}
