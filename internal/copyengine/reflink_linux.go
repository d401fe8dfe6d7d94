package copyengine

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryReflink attempts a copy-on-write clone via FICLONE, the same
// best-available-primitive idea as opencoff-go-fio's CloneFile
// (same-filesystem check, fall back otherwise). It is not in spec.md's
// algorithm text but is explicitly allowed by spec.md §9's "block-level
// cloning semantics beyond what the underlying filesystem offers" —
// reflink only ever substitutes for data copy, never for the mandated
// fallocate/read-at/write-at path when the destination filesystem
// doesn't support it. Returns false (never an error) on any failure so
// callers always fall through to the normal pre-allocate + copy path.
func tryReflink(dst, src *os.File) bool {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}
