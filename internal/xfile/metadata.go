// Package xfile holds the metadata unit and the directory-fd-relative
// primitives the copy engine and walker build on. It is adapted from
// rclone's backend/local (metadata_linux.go, metadata_unix.go,
// stat_unix.go) — rclone stats by absolute path because it only ever
// serves one local mount at a time from a single goroutine; arsync
// generalizes every call here to be relative to an open DirectoryHandle
// so that a concurrent rename/symlink substitution of an ancestor
// directory can never redirect an operation (spec.md §4.1, TOCTOU).
package xfile

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timespec is a signed seconds + nanoseconds pair, able to represent
// pre-epoch times (spec.md §3).
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Time converts to a time.Time (loses the pre-epoch sign distinction
// only in that time.Time already represents pre-epoch times natively).
func (t Timespec) Time() time.Time { return time.Unix(t.Sec, t.Nsec) }

// Metadata is the single struct carrying everything spec.md §3 requires,
// always constructed from one statx call — never re-derived piecewise.
type Metadata struct {
	Size  int64
	Mode  uint32 // includes file-type bits, as returned by statx
	UID   uint32
	GID   uint32
	Nlink uint64
	Ino   uint64
	Dev   uint64
	// Rdev is the device number for device/special files only, in the
	// kernel's dev_t encoding (unix.Mkdev), ready to pass to Mknodat.
	Rdev uint64

	Atime, Mtime, Ctime Timespec
	Btime               *Timespec // optional; not all filesystems report it
}

// InodeKey identifies a hardlink group uniquely within a mount.
type InodeKey struct {
	Dev uint64
	Ino uint64
}

// Key returns the InodeKey for this metadata.
func (m Metadata) Key() InodeKey { return InodeKey{Dev: m.Dev, Ino: m.Ino} }

// IsDir, IsRegular, IsSymlink classify Mode the way os.FileMode does,
// but directly off the raw statx mode bits so no second probe is ever
// needed to answer "what kind of entry is this".
func (m Metadata) IsDir() bool     { return m.Mode&unix.S_IFMT == unix.S_IFDIR }
func (m Metadata) IsRegular() bool { return m.Mode&unix.S_IFMT == unix.S_IFREG }
func (m Metadata) IsSymlink() bool { return m.Mode&unix.S_IFMT == unix.S_IFLNK }
func (m Metadata) IsDevice() bool {
	ft := m.Mode & unix.S_IFMT
	return ft == unix.S_IFBLK || ft == unix.S_IFCHR
}
func (m Metadata) IsFIFO() bool { return m.Mode&unix.S_IFMT == unix.S_IFIFO }
func (m Metadata) IsSocket() bool { return m.Mode&unix.S_IFMT == unix.S_IFSOCK }

// Perm returns the permission bits only (mode without file-type bits).
func (m Metadata) Perm() uint32 { return m.Mode &^ unix.S_IFMT }

const wantStatxMask = unix.STATX_TYPE |
	unix.STATX_MODE |
	unix.STATX_UID |
	unix.STATX_GID |
	unix.STATX_NLINK |
	unix.STATX_INO |
	unix.STATX_SIZE |
	unix.STATX_ATIME |
	unix.STATX_MTIME |
	unix.STATX_CTIME |
	unix.STATX_BTIME

// Statx performs the one statx call every entry gets (spec.md §4.3
// invariant: exactly one statx per encountered name). followSymlink
// controls AT_SYMLINK_NOFOLLOW; source opens always pass false.
func Statx(dirFd int, name string, followSymlink bool) (Metadata, error) {
	flags := unix.AT_SYMLINK_NOFOLLOW
	if followSymlink {
		flags = 0
	}
	var stat unix.Statx_t
	err := unix.Statx(dirFd, name, flags, wantStatxMask, &stat)
	if err == unix.ENOSYS {
		return statFallback(dirFd, name, flags)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("statx %s: %w", name, err)
	}
	return fromStatx(stat), nil
}

func fromStatx(stat unix.Statx_t) Metadata {
	m := Metadata{
		Size:  int64(stat.Size),
		Mode:  uint32(stat.Mode),
		UID:   stat.Uid,
		GID:   stat.Gid,
		Nlink: uint64(stat.Nlink),
		Ino:   stat.Ino,
		Dev:   uint64(stat.Dev_major)<<32 | uint64(stat.Dev_minor),
		Rdev:  unix.Mkdev(stat.Rdev_major, stat.Rdev_minor),
		Atime: Timespec{Sec: stat.Atime.Sec, Nsec: int64(stat.Atime.Nsec)},
		Mtime: Timespec{Sec: stat.Mtime.Sec, Nsec: int64(stat.Mtime.Nsec)},
		Ctime: Timespec{Sec: stat.Ctime.Sec, Nsec: int64(stat.Ctime.Nsec)},
	}
	if stat.Mask&unix.STATX_BTIME != 0 {
		bt := Timespec{Sec: stat.Btime.Sec, Nsec: int64(stat.Btime.Nsec)}
		m.Btime = &bt
	}
	return m
}

// StatFd statxes an already-open file descriptor directly (AT_EMPTY_PATH),
// used for directory roots where there is no parent dirfd to resolve a
// name against.
func StatFd(fd int) (Metadata, error) {
	var stat unix.Statx_t
	err := unix.Statx(fd, "", unix.AT_EMPTY_PATH, wantStatxMask, &stat)
	if err == unix.ENOSYS {
		return statFallback(fd, "", unix.AT_EMPTY_PATH)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("statx (fd): %w", err)
	}
	return fromStatx(stat), nil
}

// statFallback degrades to fstatat for kernels older than 4.11, the same
// fallback rclone's readMetadataFromFileFstatat performs; btime is
// unavailable on this path.
func statFallback(dirFd int, name string, flags int) (Metadata, error) {
	var stat unix.Stat_t
	if err := unix.Fstatat(dirFd, name, &stat, flags); err != nil {
		return Metadata{}, fmt.Errorf("fstatat %s: %w", name, err)
	}
	return Metadata{
		Size:  stat.Size,
		Mode:  stat.Mode,
		UID:   stat.Uid,
		GID:   stat.Gid,
		Nlink: uint64(stat.Nlink),
		Ino:   stat.Ino,
		Dev:   uint64(stat.Dev),
		Rdev:  uint64(stat.Rdev),
		Atime: Timespec{Sec: int64(stat.Atim.Sec), Nsec: int64(stat.Atim.Nsec)},
		Mtime: Timespec{Sec: int64(stat.Mtim.Sec), Nsec: int64(stat.Mtim.Nsec)},
		Ctime: Timespec{Sec: int64(stat.Ctim.Sec), Nsec: int64(stat.Ctim.Nsec)},
	}, nil
}
