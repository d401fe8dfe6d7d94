package xfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DirectoryHandle owns an open directory file descriptor; every
// operation taking one is path-rooted at that directory and immune to a
// concurrent rename/symlink substitution of an ancestor (spec.md §3).
type DirectoryHandle struct {
	f *os.File
}

// OpenDir opens path as a directory handle relative to parent (nil for
// an absolute/cwd-relative root).
func OpenDir(parent *DirectoryHandle, name string) (*DirectoryHandle, error) {
	dirFd := unix.AT_FDCWD
	if parent != nil {
		dirFd = int(parent.f.Fd())
	}
	fd, err := unix.Openat(dirFd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("openat %s: %w", name, err)
	}
	return &DirectoryHandle{f: os.NewFile(uintptr(fd), name)}, nil
}

// Fd returns the raw directory file descriptor for *at syscalls.
func (d *DirectoryHandle) Fd() int { return int(d.f.Fd()) }

// Close releases the directory descriptor. Safe to call once the
// traversal of that directory has completed, per spec.md §3.
func (d *DirectoryHandle) Close() error { return d.f.Close() }

// Dup returns an independent DirectoryHandle for the same directory,
// outliving d's own Close. Used by the hardlink tracker (spec.md §4.6)
// to retain a destination directory reference for the lifetime of a
// hardlink group, even after the walker has moved on and closed its own
// handle to that directory.
func (d *DirectoryHandle) Dup() (*DirectoryHandle, error) {
	fd, err := unix.Dup(d.Fd())
	if err != nil {
		return nil, fmt.Errorf("dup dirfd: %w", err)
	}
	return &DirectoryHandle{f: os.NewFile(uintptr(fd), d.f.Name())}, nil
}

// Mkdirat creates a subdirectory relative to d.
func Mkdirat(d *DirectoryHandle, name string, mode uint32) error {
	if err := unix.Mkdirat(d.Fd(), name, mode); err != nil {
		return fmt.Errorf("mkdirat %s: %w", name, err)
	}
	return nil
}

// OpenSourceFile opens name relative to d for reading. It always uses
// O_NOFOLLOW so a symlink masquerading as a regular file is never
// silently dereferenced (spec.md §4.1).
func OpenSourceFile(d *DirectoryHandle, name string) (*os.File, error) {
	fd, err := unix.Openat(d.Fd(), name, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("openat %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// CreateMode picks the create flags for a destination file: exclusive
// when the caller wants "must not exist", truncating otherwise.
type CreateMode int

const (
	CreateExclusive CreateMode = iota
	CreateTruncate
)

// OpenDestFile creates/opens name relative to d for writing.
func OpenDestFile(d *DirectoryHandle, name string, mode CreateMode, perm uint32) (*os.File, error) {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_CLOEXEC
	if mode == CreateExclusive {
		flags |= unix.O_EXCL
	} else {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Openat(d.Fd(), name, flags, perm)
	if err != nil {
		return nil, fmt.Errorf("openat %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Symlinkat recreates a symlink with the given target relative to d.
func Symlinkat(target string, d *DirectoryHandle, name string) error {
	if err := unix.Symlinkat(target, d.Fd(), name); err != nil {
		return fmt.Errorf("symlinkat %s: %w", name, err)
	}
	return nil
}

// Readlinkat reads the target of a symlink relative to d.
func Readlinkat(d *DirectoryHandle, name string) (string, error) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Readlinkat(d.Fd(), name, buf)
		if err != nil {
			return "", fmt.Errorf("readlinkat %s: %w", name, err)
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// Linkat creates a hardlink from (srcDir, srcName) to (dstDir, dstName).
func Linkat(srcDir *DirectoryHandle, srcName string, dstDir *DirectoryHandle, dstName string) error {
	if err := unix.Linkat(srcDir.Fd(), srcName, dstDir.Fd(), dstName, 0); err != nil {
		return fmt.Errorf("linkat %s -> %s: %w", srcName, dstName, err)
	}
	return nil
}

// Mknodat recreates a device node or FIFO relative to d.
func Mknodat(d *DirectoryHandle, name string, mode uint32, dev uint64) error {
	if err := unix.Mknodat(d.Fd(), name, mode, int(dev)); err != nil {
		return fmt.Errorf("mknodat %s: %w", name, err)
	}
	return nil
}

// Unlinkat removes a destination file left behind by a failed copy.
func Unlinkat(d *DirectoryHandle, name string, isDir bool) error {
	flags := 0
	if isDir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(d.Fd(), name, flags); err != nil {
		return fmt.Errorf("unlinkat %s: %w", name, err)
	}
	return nil
}

// Getdents returns the name of every entry in d, skipping "." and "..";
// d_type is not returned (the walker classifies entries by statx). It is the dirfd-relative equivalent of rclone's
// os.File.Readdirnames, used so the walker never needs a path-based
// opendir.
func Getdents(d *DirectoryHandle) ([]string, error) {
	// Rewind in case this handle was already scanned once.
	if _, err := unix.Seek(d.Fd(), 0, 0); err != nil {
		return nil, fmt.Errorf("seek %w", err)
	}
	var names []string
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Getdents(d.Fd(), buf)
		if err != nil {
			return nil, fmt.Errorf("getdents: %w", err)
		}
		if n == 0 {
			break
		}
		consumed := 0
		for consumed < n {
			entry := buf[consumed:n]
			reclen := int(binary.NativeEndian.Uint16(entry[16:18]))
			// linux_dirent64: ino(8) off(8) reclen(2) type(1) name...
			name := entry[19:reclen]
			nameEnd := 0
			for nameEnd < len(name) && name[nameEnd] != 0 {
				nameEnd++
			}
			nm := string(name[:nameEnd])
			if nm != "." && nm != ".." {
				names = append(names, nm)
			}
			consumed += reclen
		}
	}
	return names, nil
}
