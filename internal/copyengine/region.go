package copyengine

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/jmalicki/arsync/internal/asyncio"
	"github.com/jmalicki/arsync/internal/config"
	"github.com/jmalicki/arsync/internal/xerr"
)

// copyRegionSequential is spec.md §4.2's sequential leaf copy: one
// reusable buffer, read-at/write-at, advance by bytes actually
// transferred, stop at EOF or when the region is exhausted.
func copyRegionSequential(ctx context.Context, q asyncio.Queue, src, dst *os.File, start, end int64, chunkSize int64) error {
	srcFd, dstFd := int(src.Fd()), int(dst.Fd())
	buf := make([]byte, chunkSize)
	off := start
	for off < end {
		want := chunkSize
		if remaining := end - off; remaining < want {
			want = remaining
		}
		n, err := q.ReadAt(ctx, srcFd, buf[:want], off)
		if err != nil {
			return xerr.IO("read-at", "", err)
		}
		if n == 0 {
			break // short read at EOF
		}
		if _, err := q.WriteAt(ctx, dstFd, buf[:n], off); err != nil {
			return xerr.IO("write-at", "", err)
		}
		off += int64(n)
	}
	return nil
}

// alignDown rounds v down to the nearest multiple of align.
func alignDown(v, align int64) int64 {
	return v - (v % align)
}

// copyRegionRecursive is spec.md §4.2's copy_region: recursive
// region-splitting at a large-page-aligned midpoint, each half copied
// through an independently cloned (src, dst) fd pair so that no two
// leaves ever share a file-offset cursor — even though read-at/write-at
// are themselves position-independent, cloning keeps one FD per task, as
// spec.md §3 requires ("FDs are exclusively owned by one task").
func copyRegionRecursive(ctx context.Context, q asyncio.Queue, src, dst *os.File, start, end int64, depth int, cfg config.ParallelCopyConfig) error {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = config.LargePageSize
	}
	if depth >= cfg.MaxDepth || (end-start) < 2*chunk {
		return copyRegionSequential(ctx, q, src, dst, start, end, chunk)
	}
	mid := alignDown(start+(end-start)/2, config.LargePageSize)
	if mid <= start || mid >= end {
		// degenerate split: spec.md §9 — fall through to sequential
		// rather than infinite-recursing.
		return copyRegionSequential(ctx, q, src, dst, start, end, chunk)
	}

	leftSrc, leftDst, err := cloneFilePair(src, dst)
	if err != nil {
		return err
	}
	defer leftSrc.Close()
	defer leftDst.Close()

	rightSrc, rightDst, err := cloneFilePair(src, dst)
	if err != nil {
		return err
	}
	defer rightSrc.Close()
	defer rightDst.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return copyRegionRecursive(gctx, q, leftSrc, leftDst, start, mid, depth+1, cfg)
	})
	g.Go(func() error {
		return copyRegionRecursive(gctx, q, rightSrc, rightDst, mid, end, depth+1, cfg)
	})
	return g.Wait()
}

// cloneFilePair dups both FDs so a recursion leaf owns independent
// handles, per spec.md's "clone src FD and dst FD" step.
func cloneFilePair(src, dst *os.File) (*os.File, *os.File, error) {
	srcFd, err := unix.Dup(int(src.Fd()))
	if err != nil {
		return nil, nil, xerr.IO("dup-src", src.Name(), err)
	}
	dstFd, err := unix.Dup(int(dst.Fd()))
	if err != nil {
		unix.Close(srcFd)
		return nil, nil, xerr.IO("dup-dst", dst.Name(), err)
	}
	return os.NewFile(uintptr(srcFd), src.Name()), os.NewFile(uintptr(dstFd), dst.Name()), nil
}
