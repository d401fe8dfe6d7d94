package xfile

import (
	"fmt"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pkg/xattr"
)

// aclKeys are the system xattr keys POSIX ACLs are stored under; when
// PreserveACL is requested without PreserveXattr, propagation is
// restricted to just these two keys so ACL and xattr preservation never
// double-apply the same attribute (spec.md §9 Open Question, resolved:
// no double-application — ACLs are xattrs, full-stop).
var aclKeys = []string{"system.posix_acl_access", "system.posix_acl_default"}

// xattrSupported latches to false the first time the destination
// filesystem reports xattrs aren't supported, exactly like rclone's
// f.xattrSupported CompareAndSwap latch in backend/local/xattr.go.
var xattrSupported atomic.Bool

func init() { xattrSupported.Store(true) }

func isXattrUnsupported(err error) bool {
	var xerr *xattr.Error
	if !asXattrError(err, &xerr) {
		return false
	}
	return xerr.Err == syscall.EINVAL || xerr.Err == syscall.ENOTSUP || xerr.Err == xattr.ENOATTR
}

func asXattrError(err error, target **xattr.Error) bool {
	xerr, ok := err.(*xattr.Error)
	if ok {
		*target = xerr
	}
	return ok
}

// CopyXattr mirrors every extended attribute from src to dst (paths, not
// FDs — pkg/xattr has no fd-relative variant, so these two calls are the
// one place the copy engine still goes through a path rather than a
// dirfd; both paths were derived from the single statx'd name earlier in
// the same call chain, so there is no fresh TOCTOU window). When onlyACL
// is true (only ACL preservation, not full xattr, was requested), only
// the aclKeys attributes are copied.
func CopyXattr(dstPath, srcPath string, followSymlink bool, onlyACL bool) error {
	if !xattrSupported.Load() {
		return nil
	}
	list, err := listXattr(srcPath, followSymlink)
	if err != nil {
		if isXattrUnsupported(err) {
			xattrSupported.Store(false)
			return nil
		}
		return fmt.Errorf("list xattr %s: %w", srcPath, err)
	}
	for _, k := range list {
		if onlyACL && !isACLKey(k) {
			continue
		}
		v, err := getXattr(srcPath, k, followSymlink)
		if err != nil {
			if isXattrUnsupported(err) {
				xattrSupported.Store(false)
				return nil
			}
			return fmt.Errorf("get xattr %s %s: %w", srcPath, k, err)
		}
		if err := setXattr(dstPath, k, v, followSymlink); err != nil {
			if isXattrUnsupported(err) {
				xattrSupported.Store(false)
				return nil
			}
			return fmt.Errorf("set xattr %s %s: %w", dstPath, k, err)
		}
	}
	return nil
}

func isACLKey(k string) bool {
	k = strings.ToLower(k)
	for _, a := range aclKeys {
		if k == a {
			return true
		}
	}
	return false
}

func listXattr(path string, followSymlink bool) ([]string, error) {
	if followSymlink {
		return xattr.List(path)
	}
	return xattr.LList(path)
}

func getXattr(path, key string, followSymlink bool) ([]byte, error) {
	if followSymlink {
		return xattr.Get(path, key)
	}
	return xattr.LGet(path, key)
}

func setXattr(path, key string, value []byte, followSymlink bool) error {
	if followSymlink {
		return xattr.Set(path, key, value)
	}
	return xattr.LSet(path, key, value)
}
