// Package asyncio is the thin adapter spec.md §4.1 calls the "Async FD
// Layer": every filesystem operation the copy engine issues (read-at,
// write-at, fsync) is submitted against a queue and the caller suspends
// until the completion arrives, instead of blocking an OS thread for the
// duration of the syscall. Nothing in the retrieval pack uses io_uring —
// rclone and the rest of the corpus are built on blocking syscalls
// dispatched across goroutines, so there is no teacher file to adapt
// here. Queue is implemented twice: uringQueue (uring_linux.go) submits
// through github.com/iceber/iouring-go's submission/completion rings;
// syscallQueue (syscall_linux.go) runs the same blocking pread/pwrite on
// a bounded goroutine pool for kernels or containers where io_uring is
// unavailable (seccomp profiles commonly deny it). New() prefers the
// ring and falls back automatically.
package asyncio

import "context"

// Queue is the suspension-point contract every copy-engine operation
// goes through. Every method is a suspension point per spec.md §4.1;
// callers never block an OS thread waiting on the underlying syscall.
type Queue interface {
	// ReadAt submits a read of len(buf) bytes at off and returns once
	// the completion arrives.
	ReadAt(ctx context.Context, fd int, buf []byte, off int64) (int, error)
	// WriteAt submits a write of buf at off.
	WriteAt(ctx context.Context, fd int, buf []byte, off int64) (int, error)
	// Fsync submits an fsync/fdatasync.
	Fsync(ctx context.Context, fd int, dataOnly bool) error
	// Close releases the underlying ring or worker pool. No further
	// operations may be submitted afterward.
	Close() error
}

// New returns the best available Queue: an io_uring-backed one if the
// kernel and container policy allow it, otherwise the syscall fallback.
// depth sizes the submission/completion ring (ignored by the fallback).
func New(depth int) Queue {
	if q, err := newURingQueue(depth); err == nil {
		return q
	}
	return newSyscallQueue()
}
