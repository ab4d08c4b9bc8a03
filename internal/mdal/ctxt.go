// Package mdal implements the metadata abstraction layer: a capability
// interface over a metadata backend, with a POSIX-on-a-secure-root
// reference implementation. Every namespace directory holds two hidden
// subtrees, MDAL_reference (the internal reference-path tree used for
// safe create-then-rename and N:1 staging) and MDAL_subspaces (child
// namespace mount points); user-supplied path components beginning with
// the reserved MDAL_ prefix are rejected everywhere a user path is
// accepted.
package mdal

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// ReferenceDirName and SubspacesDirName are the two hidden per-namespace
// subtrees every Ctxt's root must contain.
const (
	ReferenceDirName = utils.ReservedPrefix + "reference"
	SubspacesDirName = utils.ReservedPrefix + "subspaces"
	DataSizeFile     = utils.ReservedPrefix + "datasize"
	InodeCountFile   = utils.ReservedPrefix + "inodecount"
)

// Ctxt is a namespace's metadata handle: a file descriptor open on the
// namespace's user-path root, a second descriptor open on its reference
// tree, and the device ID both must share. Contexts are not safe for
// concurrent use by multiple goroutines; each caller obtains its own via
// dupctxt, mirroring the source's per-thread context discipline.
type Ctxt struct {
	mu       sync.Mutex
	nsRoot   *os.File
	refRoot  *os.File
	basePath string
	refPath  string
	device   uint64
	closed   bool
}

// newctxt opens a context rooted at basePath, with its reference tree at
// refPath. If refPath is empty it defaults to basePath/MDAL_reference. A
// split context (distinct basePath and refPath roots) must still resolve
// to the same device, or CrossDevice is returned.
func newctxt(basePath, refPath string) (*Ctxt, error) {
	if refPath == "" {
		refPath = basePath + "/" + ReferenceDirName
	}

	nsRoot, err := os.Open(basePath)
	if err != nil {
		return nil, wrapOSErr(err, "open namespace root "+basePath)
	}
	refRoot, err := os.Open(refPath)
	if err != nil {
		nsRoot.Close()
		return nil, wrapOSErr(err, "open reference root "+refPath)
	}

	var nsStat, refStat unix.Stat_t
	if err := unix.Fstat(int(nsRoot.Fd()), &nsStat); err != nil {
		nsRoot.Close()
		refRoot.Close()
		return nil, wrapOSErr(err, "stat namespace root")
	}
	if err := unix.Fstat(int(refRoot.Fd()), &refStat); err != nil {
		nsRoot.Close()
		refRoot.Close()
		return nil, wrapOSErr(err, "stat reference root")
	}
	if nsStat.Dev != refStat.Dev {
		nsRoot.Close()
		refRoot.Close()
		return nil, errors.New(errors.CrossDevice, "namespace root and reference root are on different devices").
			WithComponent("mdal").WithOperation("newctxt")
	}

	return &Ctxt{
		nsRoot: nsRoot, refRoot: refRoot,
		basePath: basePath, refPath: refPath,
		device: uint64(nsStat.Dev),
	}, nil
}

// Newctxt is the exported constructor; mnt.go / the resolver calls this
// once per namespace at startup and keeps the result in the NS's runtime
// state, dup'ing per-thread contexts off it as needed.
func Newctxt(basePath, refPath string) (*Ctxt, error) { return newctxt(basePath, refPath) }

// dupctxt returns an independent context bound to the same roots, for a
// caller that needs its own (not-thread-safe) handle — e.g. one per
// worker goroutine.
func (c *Ctxt) dupctxt() (*Ctxt, error) {
	return newctxt(c.basePath, c.refPath)
}

// Dupctxt is the exported form of dupctxt.
func (c *Ctxt) Dupctxt() (*Ctxt, error) { return c.dupctxt() }

// destroyctxt releases both descriptors. Idempotent.
func (c *Ctxt) destroyctxt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err1 := c.nsRoot.Close()
	err2 := c.refRoot.Close()
	if err1 != nil {
		return wrapOSErr(err1, "close namespace root")
	}
	if err2 != nil {
		return wrapOSErr(err2, "close reference root")
	}
	return nil
}

// Destroyctxt is the exported form of destroyctxt.
func (c *Ctxt) Destroyctxt() error { return c.destroyctxt() }

// Device returns the context root's device ID, used by callers that need
// to pre-check a cross-context rename shares a device before calling
// into the MDAL.
func (c *Ctxt) Device() uint64 { return c.device }

// BasePath returns the absolute user-path root this context resolves
// relative paths against.
func (c *Ctxt) BasePath() string { return c.basePath }

// RefPath returns the absolute reference-tree root.
func (c *Ctxt) RefPath() string { return c.refPath }

// resolveUser validates and joins a user-supplied relative path under
// the context's namespace root, rejecting any MDAL_-prefixed component
// and any attempt to escape the root.
func (c *Ctxt) resolveUser(relPath string) (string, error) {
	if utils.HasReservedComponent(relPath) {
		return "", errors.New(errors.PermissionDenied, "path contains reserved MDAL_ component").
			WithComponent("mdal").WithDetail("path", relPath)
	}
	return utils.SecureJoin(c.basePath, relPath)
}

// resolveRef validates and joins a path under the context's reference
// tree root.
func (c *Ctxt) resolveRef(relPath string) (string, error) {
	return utils.SecureJoin(c.refPath, relPath)
}

// checkSameDevice stats target and verifies it shares the context's
// device, failing CrossDevice otherwise. Used after every open/resolve
// to detect a symlink-mediated escape to another filesystem.
func (c *Ctxt) checkSameDevice(target string) error {
	var st unix.Stat_t
	if err := unix.Lstat(target, &st); err != nil {
		return wrapOSErr(err, "lstat "+target)
	}
	if uint64(st.Dev) != c.device {
		return errors.New(errors.CrossDevice, "resolved path is on a different device").
			WithComponent("mdal").WithDetail("path", target)
	}
	return nil
}

// wrapOSErr maps a raw OS error to the §7 MarfsError taxonomy.
func wrapOSErr(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return errors.New(errors.NotFound, op).WithCause(err).WithComponent("mdal")
	case os.IsExist(err):
		return errors.New(errors.AlreadyExists, op).WithCause(err).WithComponent("mdal")
	case os.IsPermission(err):
		return errors.New(errors.PermissionDenied, op).WithCause(err).WithComponent("mdal")
	}
	if errno, ok := err.(unix.Errno); ok {
		switch errno {
		case unix.ENOTEMPTY:
			return errors.New(errors.NotEmpty, op).WithCause(err).WithComponent("mdal")
		case unix.EXDEV:
			return errors.New(errors.CrossDevice, op).WithCause(err).WithComponent("mdal")
		case unix.ENAMETOOLONG:
			return errors.New(errors.NameTooLong, op).WithCause(err).WithComponent("mdal")
		case unix.ENOTDIR:
			return errors.New(errors.NotDirectory, op).WithCause(err).WithComponent("mdal")
		case unix.EISDIR:
			return errors.New(errors.IsDirectory, op).WithCause(err).WithComponent("mdal")
		case unix.ENODATA:
			return errors.New(errors.NotFound, op).WithCause(err).WithComponent("mdal")
		}
	}
	return errors.New(errors.Internal, op).WithCause(err).WithComponent("mdal")
}
