package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/extract"
	"github.com/standardbeagle/refwatch/internal/index"
	"github.com/standardbeagle/refwatch/internal/pathkey"
	"github.com/standardbeagle/refwatch/internal/scan"
	"github.com/standardbeagle/refwatch/internal/types"
)

type fixture struct {
	root    string
	cfg     *config.Config
	norm    *pathkey.Normalizer
	idx     *index.ReferenceIndex
	scanner *scan.Scanner
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Watch.Workers = 4
	cfg.Watch.ReadRetries = 1
	cfg.Watch.ReadRetryMs = 1

	norm, err := pathkey.New(root)
	require.NoError(t, err)

	extractor := extract.New(cfg)
	idx := index.New()
	return &fixture{
		root:    root,
		cfg:     cfg,
		norm:    norm,
		idx:     idx,
		scanner: scan.New(cfg, norm, extractor, idx),
		engine:  New(cfg, norm, extractor, idx, nil),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) scan(t *testing.T) {
	t.Helper()
	result, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Errors)
}

func rename(old, new string) types.PendingRename {
	return types.PendingRename{
		OldPath: types.AssetPath(old),
		NewPath: types.AssetPath(new),
		RawNew:  new,
	}
}

func TestApply_RewritesReference(t *testing.T) {
	f := newFixture(t)
	f.write(t, "materials/rock.mtl",
		`<Material>
  <Texture File="textures/rock.dds"/>
</Material>`)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/rock.dds", "textures/stone.dds"))

	require.False(t, report.Failed())
	require.Equal(t, 1, report.Patched())
	require.Contains(t, f.read(t, "materials/rock.mtl"), `File="textures/stone.dds"`)

	// Index now reflects the new target.
	require.Empty(t, f.idx.ReferencesTo("textures/rock.dds"))
	require.Equal(t, []types.AssetPath{"materials/rock.mtl"}, f.idx.ReferencesTo("textures/stone.dds"))
}

func TestApply_ByteIdentityOutsideSpans(t *testing.T) {
	f := newFixture(t)
	content := "<Material Name=\"rock\">\r\n" +
		"  <!-- authored 2019; do not reformat -->\r\n" +
		"\t<Texture File=\"textures/rock.dds\"  />\r\n" +
		"  <Public weird='  spacing  ' />\r\n" +
		"</Material>\r\n"
	f.write(t, "m.mtl", content)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/rock.dds", "textures/granite.dds"))
	require.Equal(t, 1, report.Patched())

	// The only delta is the payload itself: line endings, tabs, comments and
	// attribute spacing all survive untouched.
	want := "<Material Name=\"rock\">\r\n" +
		"  <!-- authored 2019; do not reformat -->\r\n" +
		"\t<Texture File=\"textures/granite.dds\"  />\r\n" +
		"  <Public weird='  spacing  ' />\r\n" +
		"</Material>\r\n"
	require.Equal(t, want, f.read(t, "m.mtl"))
}

func TestApply_RoundTripRestoresBytes(t *testing.T) {
	f := newFixture(t)
	original := "<Material>\r\n" +
		"\t<Texture File=\"textures/rock.dds\"/>\r\n" +
		"</Material>\r\n"
	f.write(t, "m.mtl", original)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/rock.dds", "textures/stone.dds"))
	require.Equal(t, 1, report.Patched())

	report = f.engine.Apply(context.Background(), rename("textures/stone.dds", "textures/rock.dds"))
	require.Equal(t, 1, report.Patched())

	// Renaming back lands us on the exact pre-rename bytes.
	require.Equal(t, original, f.read(t, "m.mtl"))
	require.Equal(t, []types.AssetPath{"m.mtl"}, f.idx.ReferencesTo("textures/rock.dds"))
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	r := rename("textures/rock.dds", "textures/stone.dds")
	first := f.engine.Apply(context.Background(), r)
	require.Equal(t, 1, first.Patched())

	after := f.read(t, "m.mtl")
	info, err := os.Stat(filepath.Join(f.root, "m.mtl"))
	require.NoError(t, err)

	second := f.engine.Apply(context.Background(), r)
	require.Equal(t, 0, second.Patched())
	for _, entry := range second.Entries {
		require.Equal(t, types.PatchSkipped, entry.Outcome)
	}
	require.Equal(t, after, f.read(t, "m.mtl"))

	// Skipped means skipped: the file was not rewritten at all.
	info2, err := os.Stat(filepath.Join(f.root, "m.mtl"))
	require.NoError(t, err)
	require.Equal(t, info.ModTime(), info2.ModTime())
}

func TestApply_PreservesSeparatorStyle(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="Textures\Env\Rock.dds"/><Texture Texture="textures/env/rock.dds"/>`)
	f.scan(t)

	report := f.engine.Apply(context.Background(),
		rename("textures/env/rock.dds", "textures/env/stone.dds"))
	require.Equal(t, 1, report.Patched())

	got := f.read(t, "m.mtl")
	require.Contains(t, got, `File="textures\env\stone.dds"`)
	require.Contains(t, got, `Texture="textures/env/stone.dds"`)
}

func TestApply_PreservesOnDiskCasing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	r := rename("textures/rock.dds", "textures/stonewall.dds")
	r.RawNew = "Textures/StoneWall.dds"
	report := f.engine.Apply(context.Background(), r)
	require.Equal(t, 1, report.Patched())
	require.Contains(t, f.read(t, "m.mtl"), `File="Textures/StoneWall.dds"`)

	// Identity stays lowercase regardless of rendered casing.
	require.Len(t, f.idx.ReferencesTo("textures/stonewall.dds"), 1)
}

func TestApply_TextureVariantsPatchedTogether(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/><Texture File="textures/rock.tif"/>`)
	f.scan(t)

	// The source .tif was renamed; the compiled .dds reference follows.
	report := f.engine.Apply(context.Background(), rename("textures/rock.tif", "textures/stone.tif"))
	require.Equal(t, 1, report.Patched())

	got := f.read(t, "m.mtl")
	require.Contains(t, got, `File="textures/stone.dds"`)
	require.Contains(t, got, `File="textures/stone.tif"`)
}

func TestApply_TextureVariantsDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Patch.MatchAnyTextureExtension = false
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/><Texture File="textures/rock.tif"/>`)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/rock.tif", "textures/stone.tif"))
	require.Equal(t, 1, report.Patched())

	got := f.read(t, "m.mtl")
	require.Contains(t, got, `File="textures/rock.dds"`, "sibling extension must stay untouched")
	require.Contains(t, got, `File="textures/stone.tif"`)
}

func TestApply_ExtensionChangeDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Patch.AllowExtensionChange = false
	f.write(t, "m.mtl", `<Texture File="textures/rock.tif"/>`)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/rock.tif", "textures/rock.dds"))
	require.Equal(t, 0, report.Patched())
	require.Len(t, report.Entries, 1)
	require.Equal(t, types.PatchSkipped, report.Entries[0].Outcome)
	require.Contains(t, f.read(t, "m.mtl"), "textures/rock.tif")
}

func TestApply_UnreferencedAssetNoops(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	report := f.engine.Apply(context.Background(), rename("textures/unrelated.cgf", "objects/unrelated.cgf"))
	require.Empty(t, report.Entries)
	require.Contains(t, f.read(t, "m.mtl"), "textures/rock.dds")
}

func TestApply_VanishedContainerSkippedAndDropped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "gone.mtl", `<Texture File="textures/rock.dds"/>`)
	f.write(t, "stays.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)
	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.mtl")))

	report := f.engine.Apply(context.Background(), rename("textures/rock.dds", "textures/stone.dds"))

	require.False(t, report.Failed(), "a vanished container is recoverable, not a failure")
	require.Equal(t, 1, report.Patched())
	require.Nil(t, f.idx.Container("gone.mtl"), "vanished container must leave the index")
	require.Contains(t, f.read(t, "stays.mtl"), "textures/stone.dds")
}

func TestApply_RenamedContainerRekeyed(t *testing.T) {
	f := newFixture(t)
	f.write(t, "levels/a.xml", `<Level Material="materials/rock.mtl"/>`)
	f.write(t, "materials/rock.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	// Rename the material file itself: referencing containers are patched and
	// the material's own index entry moves to the new key.
	require.NoError(t, os.Rename(
		filepath.Join(f.root, "materials", "rock.mtl"),
		filepath.Join(f.root, "materials", "stone.mtl")))

	report := f.engine.Apply(context.Background(), rename("materials/rock.mtl", "materials/stone.mtl"))
	require.Equal(t, 1, report.Patched())

	require.Contains(t, f.read(t, "levels/a.xml"), "materials/stone.mtl")
	require.Nil(t, f.idx.Container("materials/rock.mtl"))
	moved := f.idx.Container("materials/stone.mtl")
	require.NotNil(t, moved)
	require.Len(t, moved.Occurrences, 1)
	require.Equal(t, []types.AssetPath{"materials/stone.mtl"}, f.idx.ReferencesTo("textures/rock.dds"))
}

func TestApply_ConflictFlagged(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	r := rename("textures/rock.dds", "textures/stone.dds")
	r.Conflict = true
	report := f.engine.Apply(context.Background(), r)

	require.Equal(t, 1, report.Patched())
	last := report.Entries[len(report.Entries)-1]
	require.Equal(t, types.PatchSkipped, last.Outcome)
	require.Contains(t, last.Detail, "create event")
}

func TestApplyDirectory_FanOut(t *testing.T) {
	f := newFixture(t)
	f.write(t, "mats/mat1.mtl", `<Texture File="env/rock.dds"/><Texture File="env/moss.dds"/>`)
	f.write(t, "levels/mat2.xml", `<Object Texture="env/rock.dds"/>`)
	f.write(t, "env/ref.mtl", `<Texture File="env/moss.dds"/>`)
	f.scan(t)

	// env/ moved to environment/ on disk; env/ref.mtl moved with it.
	require.NoError(t, os.Rename(filepath.Join(f.root, "env"), filepath.Join(f.root, "environment")))
	f.write(t, "environment/rock.dds", "")

	members := []types.PendingRename{
		{OldPath: "env/rock.dds", NewPath: "environment/rock.dds", RawNew: "environment/rock.dds"},
		{OldPath: "env/moss.dds", NewPath: "environment/moss.dds", RawNew: "environment/moss.dds"},
		{OldPath: "env/ref.mtl", NewPath: "environment/ref.mtl", RawNew: "environment/ref.mtl"},
	}
	report := f.engine.ApplyDirectory(context.Background(), "env", "environment", members)

	require.False(t, report.Failed())
	require.True(t, report.Rename.IsDirectory)

	// mat1 references two moved assets but is written exactly once.
	require.Equal(t, 3, report.Patched())
	require.Len(t, report.Entries, 3)
	got1 := f.read(t, "mats/mat1.mtl")
	require.Contains(t, got1, `File="environment/rock.dds"`)
	require.Contains(t, got1, `File="environment/moss.dds"`)
	require.Contains(t, f.read(t, "levels/mat2.xml"), `Texture="environment/rock.dds"`)

	// The moved container was patched at its new location and re-keyed.
	require.Nil(t, f.idx.Container("env/ref.mtl"))
	moved := f.idx.Container("environment/ref.mtl")
	require.NotNil(t, moved)
	require.Contains(t, f.read(t, "environment/ref.mtl"), `File="environment/moss.dds"`)
}

func TestApplyDirectory_Disabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Patch.AllowDirectoryChange = false
	f.write(t, "m.mtl", `<Texture File="env/rock.dds"/>`)
	f.scan(t)

	report := f.engine.ApplyDirectory(context.Background(), "env", "environment", []types.PendingRename{
		{OldPath: "env/rock.dds", NewPath: "environment/rock.dds", RawNew: "environment/rock.dds"},
	})
	require.Equal(t, 0, report.Patched())
	require.Contains(t, f.read(t, "m.mtl"), "env/rock.dds")
}

func TestApply_ConcurrentIndependentRenames(t *testing.T) {
	f := newFixture(t)
	const n = 50
	for i := 0; i < n; i++ {
		f.write(t, fmt.Sprintf("mats/m%02d.mtl", i),
			fmt.Sprintf(`<Texture File="tex/t%02d.dds"/>`, i))
	}
	f.scan(t)

	var wg sync.WaitGroup
	reports := make([]*types.PatchReport, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = f.engine.Apply(context.Background(),
				rename(fmt.Sprintf("tex/t%02d.dds", i), fmt.Sprintf("tex/n%02d.dds", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Equal(t, 1, reports[i].Patched(), "rename %d", i)
		require.Contains(t, f.read(t, fmt.Sprintf("mats/m%02d.mtl", i)),
			fmt.Sprintf(`File="tex/n%02d.dds"`, i))
		require.Len(t, f.idx.ReferencesTo(types.AssetPath(fmt.Sprintf("tex/n%02d.dds", i))), 1)
	}
}

type recordingGuard struct {
	mu    sync.Mutex
	paths []string
}

func (g *recordingGuard) MarkWritten(abs string) {
	g.mu.Lock()
	g.paths = append(g.paths, abs)
	g.mu.Unlock()
}

func TestApply_MarksWritesBeforeWriting(t *testing.T) {
	f := newFixture(t)
	guard := &recordingGuard{}
	f.engine.guard = guard

	f.write(t, "m.mtl", `<Texture File="textures/rock.dds"/>`)
	f.scan(t)

	f.engine.Apply(context.Background(), rename("textures/rock.dds", "textures/stone.dds"))
	require.Equal(t, []string{filepath.Join(f.root, "m.mtl")}, guard.paths)
}
