package hardlink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmalicki/arsync/internal/xfile"
)

func openTestDir(t *testing.T) *xfile.DirectoryHandle {
	t.Helper()
	dh, err := xfile.OpenDir(nil, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dh.Close() })
	return dh
}

func TestRegisterFirstWins(t *testing.T) {
	tr := New()
	dir := openTestDir(t)
	key := xfile.InodeKey{Dev: 1, Ino: 42}

	rec1, first1 := tr.Register(key, 3, "a.bin", dir)
	assert.True(t, first1)
	assert.Equal(t, "a.bin", rec1.FirstDestPath)
	require.NotNil(t, rec1.FirstDestDir)

	rec2, first2 := tr.Register(key, 3, "b.bin", dir)
	assert.False(t, first2)
	assert.Same(t, rec1, rec2)
	assert.Equal(t, "a.bin", rec2.FirstDestPath)
}

func TestMarkCopiedReleasesWaiters(t *testing.T) {
	tr := New()
	dir := openTestDir(t)
	key := xfile.InodeKey{Dev: 1, Ino: 7}
	rec, _ := tr.Register(key, 2, "first", dir)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Wait()
		assert.True(t, rec.Copied())
	}()

	rec.MarkCopied()
	wg.Wait()
}

func TestConcurrentRegisterExactlyOneFirst(t *testing.T) {
	tr := New()
	dir := openTestDir(t)
	key := xfile.InodeKey{Dev: 2, Ino: 99}

	const n = 50
	var wg sync.WaitGroup
	var firstCount int
	var mu sync.Mutex
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, isFirst := tr.Register(key, n, "path", dir)
			if isFirst {
				mu.Lock()
				firstCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, firstCount)
	require.Equal(t, 1, tr.Len())
}
