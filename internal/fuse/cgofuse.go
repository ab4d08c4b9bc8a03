//go:build cgofuse
// +build cgofuse

// This file is the cross-platform counterpart to filesystem.go/mount.go:
// the same FileSystem, mounted through winfsp/cgofuse's FileSystemBase
// interface instead of hanwen/go-fuse/v2, for builds targeting Windows
// (or any platform without a native kernel FUSE binding). It is grounded
// on the teacher's own build-tag-gated cgofuse adapter and talks to the
// identical nsresolver/mdal/handle collaborators filesystem.go does —
// only the host FUSE library differs.
package fuse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"

	cfuse "github.com/winfsp/cgofuse/fuse"

	"github.com/marfs-project/marfs-core/internal/handle"
	"github.com/marfs-project/marfs-core/internal/nsresolver"
)

// CgoFuseFS adapts a FileSystem to winfsp/cgofuse's synchronous,
// single-struct callback interface.
type CgoFuseFS struct {
	cfuse.FileSystemBase

	fs   *FileSystem
	host *cfuse.FileSystemHost

	mu         sync.Mutex
	openFiles  map[uint64]*handle.Handle
	nextHandle uint64
	mounted    bool
}

// NewCgoFuseFS wraps fsys for a cgofuse mount.
func NewCgoFuseFS(fsys *FileSystem) *CgoFuseFS {
	return &CgoFuseFS{fs: fsys, openFiles: make(map[uint64]*handle.Handle), nextHandle: 1}
}

// Mount starts the cgofuse host in the background, mirroring
// MountManager.Mount's async-wait pattern.
func (c *CgoFuseFS) Mount(ctx context.Context, mountPoint string) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return fmt.Errorf("filesystem already mounted")
	}
	c.host = cfuse.NewFileSystemHost(c)
	c.mounted = true
	c.mu.Unlock()

	options := []string{"-o", "fsname=marfs", "-o", "subtype=marfs"}
	go c.host.Mount(mountPoint, options)
	return nil
}

// Unmount tears the cgofuse host down.
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || c.host == nil {
		return fmt.Errorf("filesystem not mounted")
	}
	if !c.host.Unmount() {
		return fmt.Errorf("unmount failed")
	}
	c.mounted = false
	return nil
}

func cleanPath(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Getattr implements stat() for both directories and regular files.
func (c *CgoFuseFS) Getattr(path string, stat *cfuse.Stat_t, fh uint64) int {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err))
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpReadMeta); err != nil {
		return -int(toErrno(err))
	}
	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		return -int(toErrno(err))
	}
	if meta.IsDir {
		stat.Mode = cfuse.S_IFDIR | 0755
		stat.Nlink = 2
	} else {
		stat.Mode = cfuse.S_IFREG | 0644
		stat.Size = meta.Size
		stat.Nlink = 1
	}
	stat.Mtim.Sec = meta.ModifyTime.Unix()
	stat.Uid = meta.UID
	stat.Gid = meta.GID
	return 0
}

// Open resolves and opens a file through the file-handle engine,
// returning a synthetic uint64 handle cgofuse's callback style requires.
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err)), 0
	}

	writing := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	opClass := nsresolver.OpOpenRead
	mode := handle.OpenRead
	if writing {
		opClass = nsresolver.OpOpenWrite
		mode = handle.OpenWrite
	}
	if err := nsresolver.CheckPerms(info.NS, opClass); err != nil {
		return -int(toErrno(err)), 0
	}

	repo := info.Repo
	if writing {
		repo, err = c.fs.repoForPath(ctxt, info.MDPath, info.NS, 0)
		if err != nil {
			return -int(toErrno(err)), 0
		}
		info.Repo = repo
	}

	h, err := handle.Open(handle.Deps{Ctxt: ctxt, Backend: c.fs.backendFor(repo), Logger: c.fs.logger},
		info, repo, handle.OpenOptions{Mode: mode, MknodDone: true, Interactive: true})
	if err != nil {
		return -int(toErrno(err)), 0
	}

	c.mu.Lock()
	fh := c.nextHandle
	c.nextHandle++
	c.openFiles[fh] = h
	c.mu.Unlock()
	return 0, fh
}

// Create mknods then opens for write in one cgofuse callback.
func (c *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err)), 0
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpCreate); err != nil {
		return -int(toErrno(err)), 0
	}
	if err := ctxt.Mknod(info.MDPath, (mode&0o7777)|uint32(cfuse.S_IFREG), 0); err != nil {
		return -int(toErrno(err)), 0
	}
	return c.Open(path, flags)
}

// Read streams bytes through the open handle.
func (c *CgoFuseFS) Read(path string, buf []byte, ofst int64, fh uint64) int {
	h := c.handleFor(fh)
	if h == nil {
		return -int(cfuse.EBADF)
	}
	n, err := h.Read(context.Background(), ofst, buf)
	if err != nil && n == 0 {
		return -int(toErrno(err))
	}
	return n
}

// Write streams bytes through the open handle.
func (c *CgoFuseFS) Write(path string, buf []byte, ofst int64, fh uint64) int {
	h := c.handleFor(fh)
	if h == nil {
		return -int(cfuse.EBADF)
	}
	n, err := h.Write(context.Background(), ofst, buf)
	if err != nil {
		return -int(toErrno(err))
	}
	return n
}

// Release flushes and closes the handle, freeing the synthetic fh.
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	h := c.handleFor(fh)
	if h == nil {
		return -int(cfuse.EBADF)
	}
	err := h.Flush(context.Background(), false)
	h.Release()

	c.mu.Lock()
	delete(c.openFiles, fh)
	c.mu.Unlock()

	if err != nil {
		return -int(toErrno(err))
	}
	return 0
}

func (c *CgoFuseFS) handleFor(fh uint64) *handle.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openFiles[fh]
}

// Mkdir creates a subdirectory.
func (c *CgoFuseFS) Mkdir(path string, mode uint32) int {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err))
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpWriteMeta); err != nil {
		return -int(toErrno(err))
	}
	return -int(toErrno(ctxt.Mkdir(info.MDPath, 0o750)))
}

// Rmdir removes an empty subdirectory.
func (c *CgoFuseFS) Rmdir(path string) int {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err))
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpWriteMeta); err != nil {
		return -int(toErrno(err))
	}
	return -int(toErrno(ctxt.Rmdir(info.MDPath)))
}

// Unlink removes a file, routing it through trash like the native
// go-fuse adapter's DirectoryNode.Unlink does.
func (c *CgoFuseFS) Unlink(path string) int {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err))
	}
	return -int(toErrno(handle.Unlink(handle.Deps{Ctxt: ctxt, Logger: c.fs.logger}, info, path)))
}

// Readdir lists the directory's MDFS entries.
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *cfuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	info, ctxt, err := c.fs.resolve(cleanPath(path))
	if err != nil {
		return -int(toErrno(err))
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpReadMeta); err != nil {
		return -int(toErrno(err))
	}
	entries, err := ctxt.Opendir(info.MDPath)
	if err != nil {
		return -int(toErrno(err))
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		stat := &cfuse.Stat_t{}
		if e.IsDir() {
			stat.Mode = cfuse.S_IFDIR | 0755
		} else {
			stat.Mode = cfuse.S_IFREG | 0644
		}
		if !fill(e.Name(), stat, 0) {
			break
		}
	}
	return 0
}
