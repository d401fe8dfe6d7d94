package xfile

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fallocFlags mirrors rclone's backend/local/preallocate_unix.go: some
// filesystems (ZFS in particular) reject plain FALLOC_FL_KEEP_SIZE, so a
// failing combination is remembered process-wide and the next
// combination is tried on the next call.
var (
	fallocFlags = [...]uint32{
		unix.FALLOC_FL_KEEP_SIZE,
		unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE,
	}
	fallocFlagsIndex atomic.Int32
)

// Preallocate reserves size bytes for out via fallocate, so the
// recursive-parallel copy can write disjoint regions with no size race
// (spec.md §4.2 step 2). size <= 0 is a no-op — a zero-length
// destination needs no fallocate beyond its O_CREAT truncation.
func Preallocate(out *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	for {
		index := fallocFlagsIndex.Load()
		if index >= int32(len(fallocFlags)) {
			return nil // preallocation disabled for this filesystem
		}
		err := unix.Fallocate(int(out.Fd()), fallocFlags[index], 0, size)
		if err == unix.ENOTSUP {
			fallocFlagsIndex.CompareAndSwap(index, index+1)
			continue
		}
		return err
	}
}
