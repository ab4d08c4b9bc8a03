package mdal

import (
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
)

// hiddenXattrPrefix is the on-disk name prefix hidden xattrs are mapped
// to; hidden attributes (the Pre/Post/Restart system xattrs) are stored
// under it so a non-hidden Listxattr never surfaces them and a
// non-hidden Setxattr/Getxattr/Removexattr on that name is rejected.
const hiddenXattrPrefix = "user.marfs_"

// FileHandle wraps an open MD file descriptor for the small set of I/O
// and attribute operations the file-handle engine (C5) needs.
type FileHandle struct {
	f    *os.File
	path string
}

// Open opens relPath (relative to the namespace root) with the given
// flag/perm.
func (c *Ctxt) Open(relPath string, flag int, perm os.FileMode) (*FileHandle, error) {
	full, err := c.resolveUser(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, flag, perm)
	if err != nil {
		return nil, wrapOSErr(err, "open "+relPath)
	}
	return &FileHandle{f: f, path: full}, nil
}

// Close closes the handle.
func (h *FileHandle) Close() error {
	if err := h.f.Close(); err != nil {
		return wrapOSErr(err, "close "+h.path)
	}
	return nil
}

// Read reads into buf at the handle's current offset.
func (h *FileHandle) Read(buf []byte) (int, error) {
	n, err := h.f.Read(buf)
	if err != nil && err != io.EOF {
		return n, wrapOSErr(err, "read "+h.path)
	}
	return n, err
}

// Write writes buf at the handle's current offset.
func (h *FileHandle) Write(buf []byte) (int, error) {
	n, err := h.f.Write(buf)
	if err != nil {
		return n, wrapOSErr(err, "write "+h.path)
	}
	return n, nil
}

// Ftruncate truncates the handle's file to size.
func (h *FileHandle) Ftruncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return wrapOSErr(err, "ftruncate "+h.path)
	}
	return nil
}

// Lseek repositions the handle's offset per whence (io.Seek{Start,Current,End}).
func (h *FileHandle) Lseek(offset int64, whence int) (int64, error) {
	n, err := h.f.Seek(offset, whence)
	if err != nil {
		return 0, wrapOSErr(err, "lseek "+h.path)
	}
	return n, nil
}

// Fstat stats the handle's open file.
func (h *FileHandle) Fstat() (*types.FileMetadata, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(h.f.Fd()), &st); err != nil {
		return nil, wrapOSErr(err, "fstat "+h.path)
	}
	return &types.FileMetadata{
		Path: h.path, Size: st.Size, Mode: st.Mode, UID: st.Uid, GID: st.Gid,
		AccessTime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		ModifyTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		ChangeTime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		IsDir:      st.Mode&unix.S_IFMT == unix.S_IFDIR, Nlink: uint32(st.Nlink),
		Inode: st.Ino, DeviceID: uint64(st.Dev),
	}, nil
}

// Futimens sets the handle's atime/mtime in nanosecond precision.
func (h *FileHandle) Futimens(atimeSec, atimeNsec, mtimeSec, mtimeNsec int64) error {
	ts := [2]unix.Timespec{
		{Sec: atimeSec, Nsec: atimeNsec},
		{Sec: mtimeSec, Nsec: mtimeNsec},
	}
	if err := unix.UtimesNanoAt(int(h.f.Fd()), "", ts[:], 0); err != nil {
		return wrapOSErr(err, "futimens "+h.path)
	}
	return nil
}

// checkHiddenName enforces that non-hidden xattr ops never touch the
// system-reserved prefix, and that hidden ops always do.
func checkHiddenName(name string, hidden bool) error {
	isReserved := strings.HasPrefix(name, hiddenXattrPrefix)
	if isReserved && !hidden {
		return errors.New(errors.PermissionDenied, "xattr name is system-reserved").
			WithComponent("mdal").WithDetail("name", name)
	}
	if !isReserved && hidden {
		return errors.New(errors.InvalidArgument, "hidden xattr op used with a non-reserved name").
			WithComponent("mdal").WithDetail("name", name)
	}
	return nil
}

// Getxattr reads xattr name from the handle's file. hidden must be true
// iff name carries the reserved marfs_ prefix.
func (h *FileHandle) Getxattr(name string, hidden bool) ([]byte, error) {
	if err := checkHiddenName(name, hidden); err != nil {
		return nil, err
	}
	size, err := unix.Fgetxattr(int(h.f.Fd()), name, nil)
	if err != nil {
		return nil, wrapOSErr(err, "getxattr "+name)
	}
	buf := make([]byte, size)
	if size > 0 {
		n, err := unix.Fgetxattr(int(h.f.Fd()), name, buf)
		if err != nil {
			return nil, wrapOSErr(err, "getxattr "+name)
		}
		buf = buf[:n]
	}
	return buf, nil
}

// Setxattr sets xattr name on the handle's file.
func (h *FileHandle) Setxattr(name string, value []byte, hidden bool) error {
	if err := checkHiddenName(name, hidden); err != nil {
		return err
	}
	if err := unix.Fsetxattr(int(h.f.Fd()), name, value, 0); err != nil {
		return wrapOSErr(err, "setxattr "+name)
	}
	return nil
}

// Removexattr removes xattr name from the handle's file.
func (h *FileHandle) Removexattr(name string, hidden bool) error {
	if err := checkHiddenName(name, hidden); err != nil {
		return err
	}
	if err := unix.Fremovexattr(int(h.f.Fd()), name); err != nil {
		return wrapOSErr(err, "removexattr "+name)
	}
	return nil
}

// Listxattr lists xattr names on the handle's file, filtering out hidden
// (marfs_-prefixed) names unless includeHidden is set.
func (h *FileHandle) Listxattr(includeHidden bool) ([]string, error) {
	size, err := unix.Flistxattr(int(h.f.Fd()), nil)
	if err != nil {
		return nil, wrapOSErr(err, "listxattr "+h.path)
	}
	buf := make([]byte, size)
	if size > 0 {
		n, err := unix.Flistxattr(int(h.f.Fd()), buf)
		if err != nil {
			return nil, wrapOSErr(err, "listxattr "+h.path)
		}
		buf = buf[:n]
	}

	var names []string
	for _, raw := range strings.Split(string(buf), "\x00") {
		if raw == "" {
			continue
		}
		if !includeHidden && strings.HasPrefix(raw, hiddenXattrPrefix) {
			continue
		}
		names = append(names, raw)
	}
	return names, nil
}

// Path returns the resolved filesystem path backing this handle, mainly
// useful for logging.
func (h *FileHandle) Path() string { return h.path }
