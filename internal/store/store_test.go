package store

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vorpal/internal/core"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "hello-abc123", DirName("abc123", "hello"))
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New("", nil)
	assert.ErrorIs(t, err, core.ErrInvalidPath)
}

func TestEnsure_Idempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, Ensure(dir))
	require.NoError(t, Ensure(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCopyInto_PreservesModesAndSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"bin/run": "#!/bin/sh\n", "data/x.txt": "x"})
	require.NoError(t, os.Chmod(filepath.Join(src, "bin/run"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(src, "data/x.txt"), 0o600))
	require.NoError(t, os.Symlink("bin/run", filepath.Join(src, "entry")))

	dst := t.TempDir()
	// A stale entry at the symlink destination is replaced.
	writeFiles(t, dst, map[string]string{"entry": "stale"})

	out, err := CopyInto(src, []string{"bin/run", "data/x.txt", "entry"}, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dst, "bin/run"),
		filepath.Join(dst, "data/x.txt"),
		filepath.Join(dst, "entry"),
	}, out)

	info, err := os.Stat(filepath.Join(dst, "bin/run"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "data/x.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dst, "entry"))
	require.NoError(t, err)
	assert.Equal(t, "bin/run", target)
}

func TestCopyInto_MissingSource(t *testing.T) {
	_, err := CopyInto(t.TempDir(), []string{"gone.txt"}, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSourceNotFound)
}

func TestCopyInto_RejectsArchivesBeforeCopying(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a", "old.tar.zst": "zz"})
	dst := filepath.Join(t.TempDir(), "out")

	_, err := CopyInto(src, []string{"a.txt", "old.tar.zst"}, dst)
	require.ErrorIs(t, err, ErrArchiveSource)

	_, statErr := os.Stat(filepath.Join(dst, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCopyInto_RejectsEscapingPaths(t *testing.T) {
	_, err := CopyInto(t.TempDir(), []string{"../outside"}, t.TempDir())
	assert.ErrorIs(t, err, core.ErrStoreWrite)
}

func TestPopulate_SecondCallIsNoop(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"main.go": "package main", "lib/a.go": "package lib"})
	id := core.ArtifactID{Name: "hello", Hash: "abc"}
	paths := []string{"lib/a.go", "main.go"}

	dir, populated, err := s.Populate(context.Background(), id, src, paths)
	require.NoError(t, err)
	assert.True(t, populated)
	assert.Equal(t, s.Path(id), dir)

	for _, rel := range append(paths, ".", "lib") {
		info, err := os.Lstat(filepath.Join(dir, rel))
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(Epoch), "%s mtime %v", rel, info.ModTime())
	}

	// Changing the source does not touch an already populated key.
	writeFiles(t, src, map[string]string{"main.go": "package changed"})
	again, populated, err := s.Populate(context.Background(), id, src, paths)
	require.NoError(t, err)
	assert.False(t, populated)
	assert.Equal(t, dir, again)

	got, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got))

	ok, err := s.Has(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPopulate_ConcurrentSameKey(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"f": "content"})
	id := core.ArtifactID{Name: "shared", Hash: "h1"}

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, populated, err := s.Populate(context.Background(), id, src, []string{"f"})
			assert.NoError(t, err)
			if populated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	entries, err := os.ReadDir(s.StoreDir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary directories are left behind")
	assert.Equal(t, DirName(id.Hash, id.Name), entries[0].Name())
}

func TestPopulate_CancelledLeavesNothing(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"f": "x"})
	id := core.ArtifactID{Name: "cancelled", Hash: "h"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.Populate(ctx, id, src, []string{"f"})
	require.ErrorIs(t, err, context.Canceled)

	ok, err := s.Has(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPopulate_MissingSourceLeavesNothing(t *testing.T) {
	s := newStore(t)
	id := core.ArtifactID{Name: "broken", Hash: "h"}

	_, _, err := s.Populate(context.Background(), id, t.TempDir(), []string{"nope"})
	require.ErrorIs(t, err, core.ErrSourceNotFound)

	entries, err := os.ReadDir(s.StoreDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	s := newStore(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"bin/tool": "#!/bin/sh\necho hi\n", "share/doc.txt": "docs"})
	require.NoError(t, os.Chmod(filepath.Join(src, "bin/tool"), 0o755))
	require.NoError(t, os.Symlink("bin/tool", filepath.Join(src, "tool")))
	id := core.ArtifactID{Name: "pkg", Hash: "p1"}

	_, _, err := s.Populate(context.Background(), id, src, []string{"bin/tool", "share/doc.txt", "tool"})
	require.NoError(t, err)

	archive, err := s.Pack(id)
	require.NoError(t, err)
	assert.Equal(t, s.ArchivePath(id), archive)
	ok, err := s.HasArchive(id)
	require.NoError(t, err)
	assert.True(t, ok)

	other := newStore(t)
	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()

	dir, populated, err := other.Unpack(context.Background(), id, f)
	require.NoError(t, err)
	assert.True(t, populated)

	got, err := os.ReadFile(filepath.Join(dir, "share/doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "docs", string(got))

	info, err := os.Stat(filepath.Join(dir, "bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(Epoch))

	target, err := os.Readlink(filepath.Join(dir, "tool"))
	require.NoError(t, err)
	assert.Equal(t, "bin/tool", target)
}

func TestWriteArchive_Deterministic(t *testing.T) {
	files := map[string]string{"z": "last", "a/b/c": "deep", "m": "middle"}

	pack := func() []byte {
		s := newStore(t)
		src := t.TempDir()
		writeFiles(t, src, files)
		id := core.ArtifactID{Name: "det", Hash: "d"}
		dir, _, err := s.Populate(context.Background(), id, src, []string{"z", "a/b/c", "m"})
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, WriteArchive(&buf, dir))
		return buf.Bytes()
	}

	assert.Equal(t, pack(), pack())
}

func TestPack_RequiresPopulatedPath(t *testing.T) {
	s := newStore(t)
	_, err := s.Pack(core.ArtifactID{Name: "missing", Hash: "x"})
	assert.Error(t, err)
}

func TestExtractTar_SymlinkedParentRejected(t *testing.T) {
	outside := t.TempDir()
	dest := t.TempDir()
	// Stands in for a link left behind by an earlier extraction.
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "link")))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}))
	_, err := tw.Write([]byte("bad"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	err = ExtractTar(context.Background(), &buf, dest, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	_, err = os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTar_SymlinkTargets(t *testing.T) {
	cases := []struct {
		name, link, target string
		ok                 bool
	}{
		{"sibling", "bin/tool", "run", true},
		{"up and back", "bin/tool", "../lib/tool", true},
		{"absolute", "tool", "/etc/passwd", false},
		{"parent", "tool", "../outside", false},
		{"nested parent", "bin/tool", "../../outside", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: tc.link, Typeflag: tar.TypeSymlink, Linkname: tc.target, Mode: 0o777}))
			require.NoError(t, tw.Close())

			dest := t.TempDir()
			err := ExtractTar(context.Background(), &buf, dest, 0)
			if !tc.ok {
				require.Error(t, err)
				_, statErr := os.Lstat(filepath.Join(dest, filepath.FromSlash(tc.link)))
				assert.True(t, os.IsNotExist(statErr))
				return
			}
			require.NoError(t, err)
			got, err := os.Readlink(filepath.Join(dest, filepath.FromSlash(tc.link)))
			require.NoError(t, err)
			assert.Equal(t, tc.target, got)
		})
	}
}

func TestStripComponents(t *testing.T) {
	cases := []struct {
		name  string
		strip int
		want  string
		ok    bool
	}{
		{"pkg-1.0/src/main.c", 1, "src/main.c", true},
		{"pkg-1.0/", 1, "", false},
		{"./a/b", 0, "a/b", true},
		{"./", 0, "", false},
	}
	for _, tc := range cases {
		got, ok := stripComponents(tc.name, tc.strip)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
