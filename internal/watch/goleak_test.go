package watch

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain ensures no goroutines leak in any test in the watch package. The
// debouncer's AfterFunc timers and the watcher's event loop must all be gone
// once Stop returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("sync.runtime_Semacquire"),
	)
}
