package xfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// AttrResult records, per attribute, whether preservation succeeded —
// spec.md §7: "the copy's overall result carries a per-attribute
// sub-result so that partial preservation is reported rather than
// silently dropped."
type AttrResult struct {
	Permissions, Ownership, Times, Xattr error
}

// Failed reports whether any attribute failed to preserve.
func (r AttrResult) Failed() bool {
	return r.Permissions != nil || r.Ownership != nil || r.Times != nil || r.Xattr != nil
}

// ApplyFileMetadata preserves attributes on an already-open destination
// FD in the exact order spec.md §4.2 step 4 mandates: permissions,
// ownership, xattr, then timestamps last — so that none of the earlier
// operations (which can bump ctime, and chown can clear setuid/setgid
// bits that in turn touch mtime on some filesystems) revive the
// timestamps arsync just set.
func ApplyFileMetadata(dst *os.File, dstPath, srcPath string, m Metadata, cfg AttrConfig) AttrResult {
	var r AttrResult
	if cfg.PreservePermissions {
		if err := Fchmod(dst, m.Perm()); err != nil {
			r.Permissions = err
		}
	}
	if cfg.PreserveOwnership {
		if err := Fchown(dst, m.UID, m.GID); err != nil {
			r.Ownership = err
		}
	}
	if cfg.PreserveXattr || cfg.PreserveACL {
		if err := CopyXattr(dstPath, srcPath, true, cfg.PreserveACL && !cfg.PreserveXattr); err != nil {
			r.Xattr = err
		}
	}
	if cfg.PreserveTimes {
		if err := Futimens(dst, m.Atime, m.Mtime); err != nil {
			r.Times = err
		}
	}
	return r
}

// AttrConfig is the subset of config.MetadataConfig the xfile package
// needs; it is duplicated here (rather than imported) to keep xfile free
// of a dependency on the config package, matching rclone's layering
// where backend/local never imports fs/config/configstruct's sibling
// packages it doesn't need.
type AttrConfig struct {
	PreservePermissions bool
	PreserveOwnership   bool
	PreserveTimes       bool
	PreserveXattr       bool
	PreserveACL         bool
}

// Fchmod sets permission bits on an open FD.
func Fchmod(f *os.File, mode uint32) error {
	if err := unix.Fchmod(int(f.Fd()), mode); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	return nil
}

// Fchown sets uid/gid on an open FD. Per spec.md §3, this may silently
// fail without privilege — callers surface the error via AttrResult but
// the copy itself is not considered failed.
func Fchown(f *os.File, uid, gid uint32) error {
	if err := unix.Fchown(int(f.Fd()), int(uid), int(gid)); err != nil {
		return fmt.Errorf("fchown: %w", err)
	}
	return nil
}

// Futimens sets atime/mtime with nanosecond precision on an open FD.
func Futimens(f *os.File, atime, mtime Timespec) error {
	ts := [2]unix.Timespec{
		{Sec: atime.Sec, Nsec: atime.Nsec},
		{Sec: mtime.Sec, Nsec: mtime.Nsec},
	}
	if err := unix.Futimens(int(f.Fd()), &ts); err != nil {
		return fmt.Errorf("futimens: %w", err)
	}
	return nil
}

// FchmodFd, FchownFd and FutimensFd are the raw-fd equivalents of
// Fchmod/Fchown/Futimens, used to apply directory metadata directly off
// a DirectoryHandle's descriptor (spec.md §4.7) without needing an
// *os.File wrapper around a directory fd.
func FchmodFd(fd int, mode uint32) error {
	if err := unix.Fchmod(fd, mode); err != nil {
		return fmt.Errorf("fchmod: %w", err)
	}
	return nil
}

func FchownFd(fd int, uid, gid uint32) error {
	if err := unix.Fchown(fd, int(uid), int(gid)); err != nil {
		return fmt.Errorf("fchown: %w", err)
	}
	return nil
}

func FutimensFd(fd int, atime, mtime Timespec) error {
	ts := [2]unix.Timespec{
		{Sec: atime.Sec, Nsec: atime.Nsec},
		{Sec: mtime.Sec, Nsec: mtime.Nsec},
	}
	if err := unix.Futimens(fd, &ts); err != nil {
		return fmt.Errorf("futimens: %w", err)
	}
	return nil
}

// LchownPath and LutimesPath set ownership/times on a symlink itself
// (spec.md §4.2: "Link metadata is set with lchown/utimensat on the
// symlink itself"). These are necessarily path-based — there is no
// fd-relative lchown, because you cannot open a symlink for writing
// without following it.
func LchownPath(path string, uid, gid uint32) error {
	if err := unix.Lchown(path, int(uid), int(gid)); err != nil {
		return fmt.Errorf("lchown %s: %w", path, err)
	}
	return nil
}

func LutimesPath(path string, atime, mtime Timespec) error {
	ts := [2]unix.Timespec{
		{Sec: atime.Sec, Nsec: atime.Nsec},
		{Sec: mtime.Sec, Nsec: mtime.Nsec},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("lutimes %s: %w", path, err)
	}
	return nil
}
