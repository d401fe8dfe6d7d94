package xfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStatxRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/f.txt"
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	dh, err := OpenDir(nil, dir)
	require.NoError(t, err)
	defer dh.Close()

	m, err := Statx(dh.Fd(), "f.txt", false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Size)
	assert.True(t, m.IsRegular())
	assert.False(t, m.IsDir())
	assert.Equal(t, uint32(0644), m.Perm())
}

func TestStatxSymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	target := dir + "/target"
	require.NoError(t, os.WriteFile(target, []byte("x"), 0600))
	require.NoError(t, os.Symlink("target", dir+"/link"))

	dh, err := OpenDir(nil, dir)
	require.NoError(t, err)
	defer dh.Close()

	m, err := Statx(dh.Fd(), "link", false)
	require.NoError(t, err)
	assert.True(t, m.IsSymlink())
}

func TestPreallocateZeroSizeIsNoop(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(dir + "/empty")
	require.NoError(t, err)
	defer f.Close()
	assert.NoError(t, Preallocate(f, 0))
}

func TestPreallocateReservesSize(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(dir + "/big")
	require.NoError(t, err)
	defer f.Close()

	err = Preallocate(f, 1<<20)
	if err != nil {
		t.Skipf("fallocate unsupported on this filesystem: %v", err)
	}
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))
	assert.GreaterOrEqual(t, st.Size, int64(0)) // KEEP_SIZE: apparent size unaffected
}

func TestGetdentsSkipsDotEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/a", nil, 0644))
	require.NoError(t, os.Mkdir(dir+"/sub", 0755))

	dh, err := OpenDir(nil, dir)
	require.NoError(t, err)
	defer dh.Close()

	names, err := Getdents(dh)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "sub"}, names)
}
