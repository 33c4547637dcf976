package extract

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a fast content hash used to classify a delete+create
// event pair as a logical rename when both sides hash identically.
func Fingerprint(contents []byte) uint64 {
	return xxhash.Sum64(contents)
}

// FingerprintFile streams a file through xxhash without loading it whole;
// assets can be large binaries.
func FingerprintFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
