package mdal

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
)

// CreateNamespace creates the namespace root at basePath (an existing
// directory there is used as is), with its two hidden subtrees, and
// returns once both are on disk. Callers open a Ctxt against the result
// afterward.
func CreateNamespace(basePath string, mode os.FileMode) error {
	if err := os.Mkdir(basePath, mode); err != nil && !os.IsExist(err) {
		return wrapOSErr(err, "create namespace root "+basePath)
	}
	if err := os.Mkdir(basePath+"/"+ReferenceDirName, 0o700); err != nil {
		return wrapOSErr(err, "create reference tree")
	}
	if err := os.Mkdir(basePath+"/"+SubspacesDirName, 0o700); err != nil {
		return wrapOSErr(err, "create subspaces tree")
	}
	return nil
}

// Destroy removes the namespace rooted at the context, refusing if any
// content remains — including the reference tree, so a namespace with
// in-flight N:1 staging cannot be silently dropped.
func (c *Ctxt) Destroy() error {
	refEntries, err := os.ReadDir(c.refPath)
	if err != nil {
		return wrapOSErr(err, "read reference tree")
	}
	if len(refEntries) > 0 {
		return errors.New(errors.NotEmpty, "reference tree is not empty").WithComponent("mdal").WithOperation("destroy")
	}

	entries, err := os.ReadDir(c.basePath)
	if err != nil {
		return wrapOSErr(err, "read namespace root")
	}
	for _, e := range entries {
		if e.Name() == ReferenceDirName || e.Name() == SubspacesDirName {
			continue
		}
		return errors.New(errors.NotEmpty, "namespace is not empty").WithComponent("mdal").WithOperation("destroy")
	}

	subEntries, err := os.ReadDir(c.basePath + "/" + SubspacesDirName)
	if err != nil {
		return wrapOSErr(err, "read subspaces tree")
	}
	if len(subEntries) > 0 {
		return errors.New(errors.NotEmpty, "namespace has child subspaces").WithComponent("mdal").WithOperation("destroy")
	}

	if err := os.RemoveAll(c.basePath + "/" + ReferenceDirName); err != nil {
		return wrapOSErr(err, "remove reference tree")
	}
	if err := os.RemoveAll(c.basePath + "/" + SubspacesDirName); err != nil {
		return wrapOSErr(err, "remove subspaces tree")
	}
	if err := os.Remove(c.basePath); err != nil {
		return wrapOSErr(err, "remove namespace root")
	}
	return nil
}

// Opendir opens relPath (relative to the namespace root) as a directory
// and returns its entries, filtering out the two reserved subtrees when
// relPath is the namespace root itself.
func (c *Ctxt) Opendir(relPath string) ([]os.DirEntry, error) {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, wrapOSErr(err, "opendir "+relPath)
	}
	if relPath == "" || relPath == "." || relPath == "/" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Name() == ReferenceDirName || e.Name() == SubspacesDirName {
				continue
			}
			filtered = append(filtered, e)
		}
		return filtered, nil
	}
	return entries, nil
}

// Stat returns POSIX-style metadata for relPath. Nlink is reported minus
// two when relPath is the namespace root, hiding the two internal
// subdirectories from directory-link-count-based heuristics.
func (c *Ctxt) Stat(relPath string) (*types.FileMetadata, error) {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return nil, wrapOSErr(err, "stat "+relPath)
	}
	nlink := uint32(st.Nlink)
	if (relPath == "" || relPath == "." || relPath == "/") && nlink >= 2 {
		nlink -= 2
	}
	return &types.FileMetadata{
		Path: relPath, Size: st.Size, Mode: st.Mode, UID: st.Uid, GID: st.Gid,
		AccessTime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		ModifyTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		ChangeTime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		IsDir:      st.Mode&unix.S_IFMT == unix.S_IFDIR,
		Nlink:      nlink, Inode: st.Ino, DeviceID: uint64(st.Dev),
	}, nil
}

// Access checks relPath against mode (F_OK/R_OK/W_OK/X_OK).
func (c *Ctxt) Access(relPath string, mode uint32) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := unix.Access(full, mode); err != nil {
		return wrapOSErr(err, "access "+relPath)
	}
	return nil
}

// Chmod changes relPath's mode bits.
func (c *Ctxt) Chmod(relPath string, mode os.FileMode) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(full, mode); err != nil {
		return wrapOSErr(err, "chmod "+relPath)
	}
	return nil
}

// Chown changes relPath's owner and group.
func (c *Ctxt) Chown(relPath string, uid, gid int) error {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return err
	}
	if err := os.Chown(full, uid, gid); err != nil {
		return wrapOSErr(err, "chown "+relPath)
	}
	return nil
}
