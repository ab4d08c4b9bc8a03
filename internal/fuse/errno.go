package fuse

import (
	"syscall"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// syscallErrno maps the core engine's conventional Errno strings (§7) to
// the actual kernel errno values go-fuse expects at the syscall
// boundary.
var syscallErrno = map[errors.Errno]syscall.Errno{
	errors.EACCES:       syscall.EACCES,
	errors.ENOENT:       syscall.ENOENT,
	errors.EEXIST:       syscall.EEXIST,
	errors.ENOTEMPTY:    syscall.ENOTEMPTY,
	errors.EDQUOT:       syscall.EDQUOT,
	errors.EINVAL:       syscall.EINVAL,
	errors.EIO:          syscall.EIO,
	errors.EPERM:        syscall.EPERM,
	errors.ENOSYS:       syscall.ENOSYS,
	errors.EXDEV:        syscall.EXDEV,
	errors.EISDIR:       syscall.EISDIR,
	errors.ENOTDIR:      syscall.ENOTDIR,
	errors.ENAMETOOLONG: syscall.ENAMETOOLONG,
	errors.ENODATA:      syscall.ENODATA,
}

// toErrno converts any error returned by the core engine into the
// syscall.Errno go-fuse callbacks must return. A nil error passes
// through as success (0).
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := syscallErrno[errors.ToErrno(err)]; ok {
		return errno
	}
	return syscall.EIO
}
