package synchronizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalicki/arsync/internal/config"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestRunCopiesFilesDirsAndSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(src, "a.txt"), []byte("hello"))
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0755))
	writeFile(t, filepath.Join(src, "sub", "b.txt"), []byte("world!!"))
	require.NoError(t, os.Symlink("b.txt", filepath.Join(src, "sub", "link")))

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	gotA, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world!!", string(gotB))

	target, err := os.Readlink(filepath.Join(dst, "sub", "link"))
	require.NoError(t, err)
	assert.Equal(t, "b.txt", target)

	assert.Equal(t, int64(2), s.Stats().FilesCopied())
	assert.Equal(t, StateFinalized, s.State())
}

func TestRunDryRunWritesNothing(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("hello"))

	opts := config.DefaultOptions()
	opts.DryRun = true
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	assert.NoDirExists(t, dst)
	assert.Equal(t, int64(1), s.Stats().FilesSkipped())
	assert.Equal(t, int64(0), s.Stats().FilesCopied())
}

func TestRunLinksHardlinkGroup(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	writeFile(t, filepath.Join(src, "a.txt"), []byte("shared"))
	require.NoError(t, os.Link(filepath.Join(src, "a.txt"), filepath.Join(src, "b.txt")))

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	aInfo, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	bInfo, err := os.Stat(filepath.Join(dst, "b.txt"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(aInfo, bInfo))

	assert.Equal(t, int64(1), s.Stats().HardlinksMade())
	assert.Equal(t, int64(1), s.Stats().FilesCopied())
}

func TestRunAppliesDirectoryMetadataPostOrder(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0700))
	writeFile(t, filepath.Join(src, "sub", "c.txt"), []byte("x"))
	require.NoError(t, os.Chmod(filepath.Join(src, "sub"), 0750))

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	info, err := os.Stat(filepath.Join(dst, "sub"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())
}

func TestRunCopiesSingleFileSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, src, []byte("hello"))
	dst := filepath.Join(t.TempDir(), "out", "b.txt")

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, int64(1), s.Stats().FilesCopied())
}

func TestRunCopiesSingleSymlinkSource(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	writeFile(t, target, []byte("x"))
	src := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("target.txt", src))
	dst := filepath.Join(t.TempDir(), "out-link")

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	got, err := os.Readlink(dst)
	require.NoError(t, err)
	assert.Equal(t, "target.txt", got)
}

func TestRunNonRecursiveSkipsSubdirectories(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("hello"))
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0755))
	writeFile(t, filepath.Join(src, "sub", "b.txt"), []byte("world"))

	opts := config.DefaultOptions()
	opts.Recursive = false
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	assert.False(t, agg.HasErrors(), "%v", agg)

	_, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dst, "sub"))
	assert.Equal(t, int64(1), s.Stats().FilesCopied())
	assert.Equal(t, int64(1), s.Stats().Warnings())
}

func TestRunFailFastAbortsOnFirstError(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	const n = 200
	for i := 0; i < n; i++ {
		writeFile(t, filepath.Join(src, "f"+fmt.Sprintf("%03d", i)+".txt"), []byte("x"))
	}
	// a source entry named "conflict.txt" will collide with a
	// pre-existing destination directory of the same name, which
	// guarantees an EISDIR task failure regardless of privilege level.
	writeFile(t, filepath.Join(src, "conflict.txt"), []byte("x"))
	require.NoError(t, os.Mkdir(filepath.Join(dst, "conflict.txt"), 0755))

	opts := config.DefaultOptions()
	opts.FailFast = true
	opts.Workers = 1
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	require.True(t, agg.HasErrors())
	// fail-fast cancels the walk context as soon as the first task fails,
	// so not every one of the n well-formed files is guaranteed to have
	// been copied by the time Run returns.
	assert.Less(t, s.Stats().FilesCopied(), int64(n))
}

func TestRunSkipsUnchangedDestination(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	writeFile(t, filepath.Join(src, "a.txt"), []byte("hello"))

	opts := config.DefaultOptions()
	s := New(opts)
	agg := s.Run(context.Background(), src, dst)
	require.False(t, agg.HasErrors())
	require.Equal(t, int64(1), s.Stats().FilesCopied())

	opts2 := config.DefaultOptions()
	opts2.SkipUnchanged = true
	s2 := New(opts2)
	agg2 := s2.Run(context.Background(), src, dst)
	assert.False(t, agg2.HasErrors(), "%v", agg2)
	assert.Equal(t, int64(1), s2.Stats().FilesUnchanged())
	assert.Equal(t, int64(0), s2.Stats().FilesCopied())
}
