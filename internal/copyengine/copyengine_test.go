package copyengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalicki/arsync/internal/asyncio"
	"github.com/jmalicki/arsync/internal/config"
	"github.com/jmalicki/arsync/internal/xfile"
)

func mustDir(t *testing.T, path string) *xfile.DirectoryHandle {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0755))
	dh, err := xfile.OpenDir(nil, path)
	require.NoError(t, err)
	t.Cleanup(func() { dh.Close() })
	return dh
}

func copyOneFile(t *testing.T, srcData []byte, parallel config.ParallelCopyConfig) []byte {
	t.Helper()
	root := t.TempDir()
	srcDirPath := filepath.Join(root, "src")
	dstDirPath := filepath.Join(root, "dst")
	srcDir := mustDir(t, srcDirPath)
	dstDir := mustDir(t, dstDirPath)

	require.NoError(t, os.WriteFile(filepath.Join(srcDirPath, "f.bin"), srcData, 0640))

	meta, err := xfile.Statx(srcDir.Fd(), "f.bin", false)
	require.NoError(t, err)

	q := asyncio.New(0)
	defer q.Close()

	res, err := CopyFile(context.Background(), q, FileRequest{
		SrcDir:   srcDir,
		DstDir:   dstDir,
		SrcName:  "f.bin",
		DstName:  "f.bin",
		SrcMeta:  meta,
		Metadata: config.MetadataConfig{PreservePermissions: true},
		Parallel: parallel,
		Create:   xfile.CreateExclusive,
		SrcPath:  filepath.Join(srcDirPath, "f.bin"),
		DstPath:  filepath.Join(dstDirPath, "f.bin"),
	})
	require.NoError(t, err)
	assert.False(t, res.Attr.Failed())
	assert.Equal(t, int64(len(srcData)), res.BytesCopied)

	got, err := os.ReadFile(filepath.Join(dstDirPath, "f.bin"))
	require.NoError(t, err)
	return got
}

func TestCopyFileSequentialSmall(t *testing.T) {
	data := writeRandomFileBytes(t, 4096)
	got := copyOneFile(t, data, config.ParallelCopyConfig{Enabled: false})
	assert.True(t, bytes.Equal(data, got))
}

func TestCopyFileParallelMatchesSequential(t *testing.T) {
	data := writeRandomFileBytes(t, 9*1<<20) // 9 MiB, above a low threshold

	seq := copyOneFile(t, data, config.ParallelCopyConfig{Enabled: false, ChunkSize: 1 << 20})
	par := copyOneFile(t, data, config.ParallelCopyConfig{
		Enabled:     true,
		MinFileSize: 1 << 20,
		MaxDepth:    3,
		ChunkSize:   1 << 20,
	})
	assert.True(t, bytes.Equal(seq, par))
	assert.True(t, bytes.Equal(data, par))
}

func TestCopyFileEmptyFile(t *testing.T) {
	got := copyOneFile(t, nil, config.ParallelCopyConfig{Enabled: true, MinFileSize: 1})
	assert.Empty(t, got)
}

func TestCopyFileOddTailSize(t *testing.T) {
	// chunk_size * 2^max_depth + 1 byte, per spec.md §8 boundary case.
	size := (1 << 20) * (1 << 2) + 1
	data := writeRandomFileBytes(t, size)
	got := copyOneFile(t, data, config.ParallelCopyConfig{
		Enabled:     true,
		MinFileSize: 1,
		MaxDepth:    2,
		ChunkSize:   1 << 20,
	})
	assert.True(t, bytes.Equal(data, got))
}

func writeRandomFileBytes(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}
