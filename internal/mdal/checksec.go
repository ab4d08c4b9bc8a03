package mdal

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// Checksec walks from the context's secure root toward the filesystem
// root looking for an ancestor directory with mode 0700 owned by the
// calling process's UID — the point past which an attacker could not
// have tampered with the path. If none is found and fix is true, the
// immediate parent of the secure root is chowned and chmod'd to 0700 and
// owned by the caller; otherwise PermissionDenied is returned.
func (c *Ctxt) Checksec(fix bool) error {
	uid := os.Getuid()
	dir := c.basePath

	for {
		var st unix.Stat_t
		if err := unix.Lstat(dir, &st); err != nil {
			return wrapOSErr(err, "checksec stat "+dir)
		}
		if int(st.Uid) == uid && st.Mode&0o777 == 0o700 {
			return nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root without finding a secure ancestor
		}
		dir = parent
	}

	if !fix {
		return errors.New(errors.PermissionDenied, "no secure ancestor directory found above namespace root").
			WithComponent("mdal").WithOperation("checksec")
	}

	parent := filepath.Dir(c.basePath)
	if err := os.Chown(parent, uid, -1); err != nil {
		return wrapOSErr(err, "checksec chown "+parent)
	}
	if err := os.Chmod(parent, 0o700); err != nil {
		return wrapOSErr(err, "checksec chmod "+parent)
	}
	return nil
}
