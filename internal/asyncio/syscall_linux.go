package asyncio

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// syscallQueue runs blocking pread/pwrite/fsync calls on a bounded pool
// of goroutines, each parked on its own OS thread via runtime.LockOSThread
// so a blocked syscall never starves the Go scheduler — the same
// thread-per-blocking-call discipline rclone's local backend relies on
// implicitly by virtue of the Go runtime's own syscall-blocking netpoller
// fallback. This is the degraded path spec.md §4.1 requires when
// io_uring is unavailable.
type syscallQueue struct {
	jobs chan func()
	done chan struct{}
}

func newSyscallQueue() *syscallQueue {
	q := &syscallQueue{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	workers := runtime.NumCPU() * 2
	if workers < 4 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *syscallQueue) worker() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			job()
		case <-q.done:
			return
		}
	}
}

type result struct {
	n   int
	err error
}

func (q *syscallQueue) submit(ctx context.Context, fn func() (int, error)) (int, error) {
	resCh := make(chan result, 1)
	job := func() { n, err := fn(); resCh <- result{n, err} }
	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-q.done:
		return 0, fmt.Errorf("asyncio: queue closed")
	}
	select {
	case r := <-resCh:
		return r.n, r.err
	case <-ctx.Done():
		// the job still runs to completion on its worker; we simply
		// stop waiting for it so the caller can observe cancellation.
		return 0, ctx.Err()
	}
}

func (q *syscallQueue) ReadAt(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	return q.submit(ctx, func() (int, error) { return unix.Pread(fd, buf, off) })
}

func (q *syscallQueue) WriteAt(ctx context.Context, fd int, buf []byte, off int64) (int, error) {
	return q.submit(ctx, func() (int, error) { return unix.Pwrite(fd, buf, off) })
}

func (q *syscallQueue) Fsync(ctx context.Context, fd int, dataOnly bool) error {
	_, err := q.submit(ctx, func() (int, error) {
		if dataOnly {
			return 0, unix.Fdatasync(fd)
		}
		return 0, unix.Fsync(fd)
	})
	return err
}

func (q *syscallQueue) Close() error {
	close(q.done)
	return nil
}
