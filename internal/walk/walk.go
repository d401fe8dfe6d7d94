// Package walk implements spec.md §4.3's directory walker: iterative
// (not call-stack recursive) traversal via directory-fd-relative
// getdents + statx, emitting one task per non-directory entry and
// recording directory metadata for the synchronizer to apply in
// post-order once content copying drains. The work-queue shape (and the
// getdents-then-classify loop) is grounded on rclone's
// backend/local/parallel_stat.go, generalized from rclone's
// path-based os.Lstat batch to the dirfd-relative xfile.Getdents +
// xfile.Statx pair so that exactly one statx is issued per entry
// (spec.md §4.3 invariant).
package walk

import (
	"context"
	"os"

	"github.com/jmalicki/arsync/internal/xerr"
	"github.com/jmalicki/arsync/internal/xfile"
)

// Kind classifies a non-directory entry for the dispatcher.
type Kind int

const (
	KindFile Kind = iota
	KindSymlink
	KindDevice
	KindFIFO
	KindSocket
	// KindSkippedDir marks a subdirectory encountered while recursive is
	// false: spec.md §6 defines recursive as "enables directory walking",
	// so with it off a subdirectory is reported to the caller instead of
	// being silently entered and mirrored.
	KindSkippedDir
)

// Entry is one dispatchable unit: spec.md §4.3 step 2's "metadata
// travels with the entry to the dispatcher; no second statx ever
// occurs."
type Entry struct {
	RelPath string
	Name    string
	SrcDir  *xfile.DirectoryHandle
	DstDir  *xfile.DirectoryHandle
	Meta    xfile.Metadata
	Kind    Kind
}

// DirRecord is one directory discovered during the walk, returned so
// the synchronizer can apply directory metadata in post-order (spec.md
// §4.7) after every content task has drained. Depth lets the caller
// sort deepest-first without re-deriving it from RelPath.
type DirRecord struct {
	RelPath string
	SrcDir  *xfile.DirectoryHandle
	DstDir  *xfile.DirectoryHandle
	Meta    xfile.Metadata
	Depth   int
}

type dirJob struct {
	srcDir, dstDir *xfile.DirectoryHandle
	relPath        string
	depth          int
}

// OnEntry is called once per non-directory entry, and (when recursive is
// false) once per subdirectory as KindSkippedDir, in discovery order.
// Returning an error from OnEntry aborts the walk (callers that want to
// keep walking past a single bad entry should handle the error
// themselves and return nil).
type OnEntry func(ctx context.Context, e Entry) error

// Walk enumerates srcRootPath, creating the mirrored directory
// structure under dstRootPath via mkdirat as it goes, invoking onEntry
// for every file/symlink/special. It returns every directory
// encountered (including the root) for later post-order metadata
// application. When dryRun is true, no destination directory is created
// or opened (every DirRecord.DstDir and Entry.DstDir is nil) — spec.md
// §6's dry-run gates every mutating call site rather than running a
// parallel code path, and directory creation is the walker's one
// mutating operation. When recursive is false, srcRootPath's own
// contents are still enumerated, but any subdirectory found (at any
// depth) is reported to onEntry as KindSkippedDir instead of being
// mkdir'd and descended into — spec.md §6: recursive "enables directory
// walking".
func Walk(ctx context.Context, srcRootPath, dstRootPath string, dryRun, recursive bool, onEntry OnEntry) ([]DirRecord, error) {
	srcRoot, err := xfile.OpenDir(nil, srcRootPath)
	if err != nil {
		return nil, xerr.IO("opendir", srcRootPath, err)
	}
	var dstRoot *xfile.DirectoryHandle
	if !dryRun {
		if err := ensureDestDir(dstRootPath); err != nil {
			return nil, err
		}
		dstRoot, err = xfile.OpenDir(nil, dstRootPath)
		if err != nil {
			return nil, xerr.IO("opendir", dstRootPath, err)
		}
	}
	rootMeta, err := xfile.StatFd(srcRoot.Fd())
	if err != nil {
		return nil, xerr.Metadata("statx-root", srcRootPath, err)
	}

	var dirs []DirRecord
	dirs = append(dirs, DirRecord{RelPath: ".", SrcDir: srcRoot, DstDir: dstRoot, Meta: rootMeta, Depth: 0})

	queue := []dirJob{{srcDir: srcRoot, dstDir: dstRoot, relPath: ".", depth: 0}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return dirs, xerr.Cancelled("walk", srcRootPath)
		}
		job := queue[0]
		queue = queue[1:]

		names, err := xfile.Getdents(job.srcDir)
		if err != nil {
			return dirs, xerr.IO("getdents", job.relPath, err)
		}
		for _, name := range names {
			meta, err := xfile.Statx(job.srcDir.Fd(), name, false)
			if err != nil {
				return dirs, xerr.IO("statx", joinRel(job.relPath, name), err)
			}
			rel := joinRel(job.relPath, name)

			if meta.IsDir() {
				if !recursive {
					entry := Entry{
						RelPath: rel,
						Name:    name,
						SrcDir:  job.srcDir,
						DstDir:  job.dstDir,
						Meta:    meta,
						Kind:    KindSkippedDir,
					}
					if err := onEntry(ctx, entry); err != nil {
						return dirs, err
					}
					continue
				}
				childSrc, err := xfile.OpenDir(job.srcDir, name)
				if err != nil {
					return dirs, xerr.IO("opendir", rel, err)
				}
				var childDst *xfile.DirectoryHandle
				if !dryRun {
					if err := xfile.Mkdirat(job.dstDir, name, meta.Perm()|0700); err != nil {
						return dirs, xerr.IO("mkdirat", rel, err)
					}
					childDst, err = xfile.OpenDir(job.dstDir, name)
					if err != nil {
						return dirs, xerr.IO("opendir", rel, err)
					}
				}
				dirs = append(dirs, DirRecord{RelPath: rel, SrcDir: childSrc, DstDir: childDst, Meta: meta, Depth: job.depth + 1})
				queue = append(queue, dirJob{srcDir: childSrc, dstDir: childDst, relPath: rel, depth: job.depth + 1})
				continue
			}

			entry := Entry{
				RelPath: rel,
				Name:    name,
				SrcDir:  job.srcDir,
				DstDir:  job.dstDir,
				Meta:    meta,
				Kind:    classify(meta),
			}
			if err := onEntry(ctx, entry); err != nil {
				return dirs, err
			}
		}
	}
	return dirs, nil
}

func classify(m xfile.Metadata) Kind {
	switch {
	case m.IsSymlink():
		return KindSymlink
	case m.IsDevice():
		return KindDevice
	case m.IsFIFO():
		return KindFIFO
	case m.IsSocket():
		return KindSocket
	default:
		return KindFile
	}
}

func joinRel(base, name string) string {
	if base == "." {
		return name
	}
	return base + "/" + name
}

// ensureDestDir creates only the destination root via plain os.MkdirAll
// (it may not exist yet, nor may its ancestors); every directory
// discovered during the walk itself is created via mkdirat instead.
func ensureDestDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return xerr.IO("mkdir-root", path, err)
	}
	return nil
}
