package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("sync.runtime_Semacquire"),
	)
}

func newSession(t *testing.T) (*Session, string) {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Watch.DebounceMs = 50
	cfg.Watch.Workers = 2
	cfg.Watch.ReadRetries = 2
	cfg.Watch.ReadRetryMs = 5

	sess, err := New(cfg)
	require.NoError(t, err)
	return sess, root
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Project.Root = filepath.Join(t.TempDir(), "missing")
	_, err := New(cfg)
	require.Error(t, err)
}

func TestSession_ScanAndDiagnostics(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "m.mtl", `<Texture File="tex/rock.dds"/>`)
	write(t, root, "tex/rock.dds", "pixels")
	write(t, root, "tex/ghost.dds", "pixels")

	result, err := sess.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.ContainersScanned)

	report, err := sess.RunDiagnostics(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Broken)
	require.Equal(t, []types.AssetPath{"tex/ghost.dds"}, report.Orphaned)

	counts, total, err := sess.Census(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, 2, counts[".dds"])
}

func TestSession_StartStop(t *testing.T) {
	sess, _ := newSession(t)
	require.NoError(t, sess.StartWatching(context.Background()))
	require.Error(t, sess.StartWatching(context.Background()), "double start must fail")
	sess.StopWatching()
	sess.StopWatching() // idempotent
}

func TestSession_LiveRenamePatchesContainer(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "materials/rock.mtl", `<Texture File="tex/rock.dds"/>`)
	write(t, root, "tex/rock.dds", "pixels")

	require.NoError(t, sess.StartWatching(context.Background()))
	defer sess.StopWatching()

	require.NoError(t, os.Rename(
		filepath.Join(root, "tex", "rock.dds"),
		filepath.Join(root, "tex", "stone.dds")))

	waitFor(t, 5*time.Second, func() bool {
		return len(sess.Index().ReferencesTo("tex/stone.dds")) == 1
	}, "rename was never patched")

	require.Contains(t, read(t, root, "materials/rock.mtl"), `File="tex/stone.dds"`)

	select {
	case report := <-sess.Reports():
		require.Equal(t, 1, report.Patched())
	case <-time.After(time.Second):
		t.Fatal("no patch report emitted")
	}
}

func TestSession_LiveContainerEditReindexed(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "m.mtl", `<Texture File="a.dds"/>`)

	require.NoError(t, sess.StartWatching(context.Background()))
	defer sess.StopWatching()

	write(t, root, "m.mtl", `<Texture File="b.dds"/>`)

	waitFor(t, 5*time.Second, func() bool {
		return len(sess.Index().ReferencesTo("b.dds")) == 1 &&
			len(sess.Index().ReferencesTo("a.dds")) == 0
	}, "edited container was never re-extracted")
}

func TestSession_LiveContainerDeleteRemoved(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "m.mtl", `<Texture File="a.dds"/>`)

	require.NoError(t, sess.StartWatching(context.Background()))
	defer sess.StopWatching()

	require.NoError(t, os.Remove(filepath.Join(root, "m.mtl")))

	waitFor(t, 5*time.Second, func() bool {
		return sess.Index().Container("m.mtl") == nil
	}, "deleted container was never dropped")
}

func TestSession_SelfWriteDoesNotLoop(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "m.mtl", `<Texture File="tex/rock.dds"/>`)
	write(t, root, "tex/rock.dds", "pixels")

	require.NoError(t, sess.StartWatching(context.Background()))
	defer sess.StopWatching()

	require.NoError(t, os.Rename(
		filepath.Join(root, "tex", "rock.dds"),
		filepath.Join(root, "tex", "stone.dds")))

	waitFor(t, 5*time.Second, func() bool {
		return len(sess.Index().ReferencesTo("tex/stone.dds")) == 1
	}, "rename was never patched")

	// The engine's own write of m.mtl raises events; the guard must swallow
	// them instead of triggering another cycle.
	first := <-sess.Reports()
	require.Equal(t, 1, first.Patched())

	select {
	case extra := <-sess.Reports():
		t.Fatalf("self-write produced a second report: %+v", extra)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestSession_LiveDirectoryRename(t *testing.T) {
	sess, root := newSession(t)
	write(t, root, "mats/a.mtl", `<Texture File="env/rock.dds"/>`)
	write(t, root, "env/rock.dds", "pixels")

	require.NoError(t, sess.StartWatching(context.Background()))
	defer sess.StopWatching()

	require.NoError(t, os.Rename(filepath.Join(root, "env"), filepath.Join(root, "environment")))

	waitFor(t, 5*time.Second, func() bool {
		return len(sess.Index().ReferencesTo("environment/rock.dds")) == 1
	}, "directory rename was never patched")

	require.Contains(t, read(t, root, "mats/a.mtl"), `File="environment/rock.dds"`)
}
