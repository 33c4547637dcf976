package watch

import (
	"sync"
	"time"
)

// WriteGuard tracks files recently written by the patch engine so the
// notifications those writes produce can be suppressed, breaking the
// patch-triggers-event-triggers-patch loop. Entries expire after a cooldown
// rather than on first hit because one atomic write surfaces as several raw
// events (create of the temp file, rename, write).
type WriteGuard struct {
	mu       sync.Mutex
	written  map[string]time.Time // abs path -> expiry
	cooldown time.Duration
}

// NewWriteGuard creates a guard with the given cooldown per written path.
func NewWriteGuard(cooldown time.Duration) *WriteGuard {
	return &WriteGuard{
		written:  make(map[string]time.Time),
		cooldown: cooldown,
	}
}

// MarkWritten registers a path the engine is about to write. Called before
// the write so the notification can never race ahead of the registration.
func (g *WriteGuard) MarkWritten(abs string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.written[abs] = time.Now().Add(g.cooldown)
}

// Suppressed reports whether events for the path should be ignored, pruning
// expired entries as a side effect.
func (g *WriteGuard) Suppressed(abs string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.written[abs]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(g.written, abs)
		return false
	}
	return true
}
