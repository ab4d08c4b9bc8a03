package mdal

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// Mknod creates relPath as a regular file or special file (S_IFDIR is
// rejected: directories are created with Mkdir, never through mknod, to
// keep the reference-tree/mount split unambiguous).
func (c *Ctxt) Mknod(relPath string, mode uint32, dev int) error {
	if mode&unix.S_IFMT == unix.S_IFDIR {
		return errors.New(errors.InvalidArgument, "mknod does not accept S_IFDIR").WithComponent("mdal")
	}
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := unix.Mknod(full, mode, dev); err != nil {
		return wrapOSErr(err, "mknod "+relPath)
	}
	return nil
}

// Mkdir creates relPath as a directory.
func (c *Ctxt) Mkdir(relPath string, mode os.FileMode) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := os.Mkdir(full, mode); err != nil {
		return wrapOSErr(err, "mkdir "+relPath)
	}
	return nil
}

// Rmdir removes an empty directory at relPath.
func (c *Ctxt) Rmdir(relPath string) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return wrapOSErr(err, "rmdir "+relPath)
	}
	return nil
}

// Link creates a hard link newPath -> oldPath, both user paths.
func (c *Ctxt) Link(oldPath, newPath string) error {
	oldFull, err := c.resolveUser(oldPath)
	if err != nil {
		return err
	}
	newFull, err := c.resolveUser(newPath)
	if err != nil {
		return err
	}
	if err := os.Link(oldFull, newFull); err != nil {
		return wrapOSErr(err, "link "+oldPath+" -> "+newPath)
	}
	return nil
}

// Readlink reads the target of a symlink at relPath.
func (c *Ctxt) Readlink(relPath string) (string, error) {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", wrapOSErr(err, "readlink "+relPath)
	}
	return target, nil
}

// Symlink creates a symlink at linkPath pointing at target. target is
// stored verbatim (it is not itself resolved against the namespace
// root — symlink targets are opaque strings per POSIX).
func (c *Ctxt) Symlink(target, linkPath string) error {
	full, err := c.resolveUser(linkPath)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, full); err != nil {
		return wrapOSErr(err, "symlink -> "+linkPath)
	}
	return nil
}

// Unlink removes relPath.
func (c *Ctxt) Unlink(relPath string) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return wrapOSErr(err, "unlink "+relPath)
	}
	return nil
}

// Rename moves oldPath to newPath. Both contexts must share a device;
// callers doing a cross-namespace rename check this before invoking
// Rename (the resolver enforces it via CHECK_PERMS on both namespaces).
func (c *Ctxt) Rename(oldPath string, dst *Ctxt, newPath string) error {
	if dst.device != c.device {
		return errors.New(errors.CrossDevice, "rename across namespaces on different devices").WithComponent("mdal")
	}
	oldFull, err := c.resolveUser(oldPath)
	if err != nil {
		return err
	}
	newFull, err := dst.resolveUser(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return wrapOSErr(err, "rename "+oldPath+" -> "+newPath)
	}
	return nil
}

// RenameToRef moves a user-path file into this context's reference tree.
// Unlink-to-trash (§3 Lifecycle) uses this so the garbage collector can
// scan trash purely through reference-tree directory descriptors,
// without ever re-resolving a user-facing path (§4.2's scanner
// contract).
func (c *Ctxt) RenameToRef(userRelPath, refRelPath string) error {
	oldFull, err := c.resolveUser(userRelPath)
	if err != nil {
		return err
	}
	newFull, err := c.resolveRef(refRelPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return wrapOSErr(err, "rename "+userRelPath+" -> ref:"+refRelPath)
	}
	return nil
}

// StatVFS is the subset of struct statvfs the namespace resolver
// aggregates for the mount's statvfs() call.
type StatVFS struct {
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
}

// Statvfs returns filesystem-level capacity info for the namespace root.
func (c *Ctxt) Statvfs() (*StatVFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(c.basePath, &st); err != nil {
		return nil, wrapOSErr(err, "statvfs")
	}
	return &StatVFS{
		BlockSize:  uint64(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
	}, nil
}

// Utimens sets relPath's atime/mtime. noFollow mirrors the
// SymlinkNoFollow modifier the spec calls out for stat-family ops.
func (c *Ctxt) Utimens(relPath string, atimeSec, atimeNsec, mtimeSec, mtimeNsec int64, noFollow bool) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	ts := [2]unix.Timespec{
		{Sec: atimeSec, Nsec: atimeNsec},
		{Sec: mtimeSec, Nsec: mtimeNsec},
	}
	flags := 0
	if noFollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, full, ts[:], flags); err != nil {
		return wrapOSErr(err, "utimens "+relPath)
	}
	return nil
}

// StatPath stats relPath, with noFollow mirroring SymlinkNoFollow.
func (c *Ctxt) StatPath(relPath string, noFollow bool) (*unix.Stat_t, error) {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	var statErr error
	if noFollow {
		statErr = unix.Lstat(full, &st)
	} else {
		statErr = unix.Stat(full, &st)
	}
	if statErr != nil {
		return nil, wrapOSErr(statErr, "stat "+relPath)
	}
	return &st, nil
}
