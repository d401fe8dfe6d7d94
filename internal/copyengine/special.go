package copyengine

import (
	"fmt"

	"github.com/jmalicki/arsync/internal/hardlink"
	"github.com/jmalicki/arsync/internal/xerr"
	"github.com/jmalicki/arsync/internal/xfile"
)

// CopySymlink implements spec.md §4.2's symlink copy: readlinkat then
// symlinkat, with lchown/lutimes applied to the link itself (never the
// target — there is no fd to open without following it).
func CopySymlink(srcDir, dstDir *xfile.DirectoryHandle, srcName, dstName, dstPath string, meta xfile.Metadata, cfg xfile.AttrConfig) (xfile.AttrResult, error) {
	target, err := xfile.Readlinkat(srcDir, srcName)
	if err != nil {
		return xfile.AttrResult{}, xerr.IO("readlinkat", srcName, err)
	}
	if err := xfile.Symlinkat(target, dstDir, dstName); err != nil {
		return xfile.AttrResult{}, xerr.IO("symlinkat", dstName, err)
	}
	var r xfile.AttrResult
	if cfg.PreserveOwnership {
		if err := xfile.LchownPath(dstPath, meta.UID, meta.GID); err != nil {
			r.Ownership = err
		}
	}
	if cfg.PreserveTimes {
		if err := xfile.LutimesPath(dstPath, meta.Atime, meta.Mtime); err != nil {
			r.Times = err
		}
	}
	return r, nil
}

// CopyDevice implements spec.md §4.2's device/FIFO copy: mknodat,
// best-effort — an unprivileged EPERM is reported as a warning by the
// caller rather than a task failure.
func CopyDevice(dstDir *xfile.DirectoryHandle, dstName string, meta xfile.Metadata) error {
	if err := xfile.Mknodat(dstDir, dstName, meta.Mode, meta.Rdev); err != nil {
		return xerr.IO("mknodat", dstName, err)
	}
	return nil
}

// ResolveHardlink implements spec.md §4.6's register/lookup half of
// hardlink copy: the first encounter of an InodeKey must perform a full
// copy, every later encounter links against the first destination
// instead. The caller performs the actual copy_file or linkat call;
// this function only decides which branch to take and, for the link
// branch, waits for the primary copy to finish first.
func ResolveHardlink(tracker *hardlink.Tracker, meta xfile.Metadata, dstDir *xfile.DirectoryHandle, dstName string) (rec *hardlink.Record, isPrimary bool) {
	rec, isFirst := tracker.Register(meta.Key(), meta.Nlink, dstName, dstDir)
	if isFirst {
		return rec, true
	}
	rec.Wait()
	return rec, false
}

// LinkAgainst creates dstName as a hardlink to rec's first destination
// (in the *destination* tree, per spec.md §4.2), once the primary copy
// has completed — callers must have already observed rec.Copied() or
// called rec.Wait().
func LinkAgainst(rec *hardlink.Record, dstDir *xfile.DirectoryHandle, dstName string) error {
	if rec.FirstDestDir == nil {
		return xerr.InvariantViolation("linkat", dstName, fmt.Errorf("hardlink group has no destination directory reference"))
	}
	if err := xfile.Linkat(rec.FirstDestDir, rec.FirstDestPath, dstDir, dstName); err != nil {
		return xerr.IO("linkat", fmt.Sprintf("%s -> %s", rec.FirstDestPath, dstName), err)
	}
	return nil
}
