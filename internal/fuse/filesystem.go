// Package fuse is the thin FUSE front-end adapter spec.md §1 calls an
// external collaborator: it translates go-fuse's node/handle callbacks
// into calls against the namespace resolver (C4), the MDAL (C2), and the
// file-handle engine (C5), and nothing more. No object-layout, recovery,
// or garbage-collection logic lives here; this package exists purely so
// the core engine can be exercised through a real mount, in the same
// idiom the teacher codebase used for its own go-fuse binding
// (internal/fuse/filesystem.go's DirectoryNode/FileNode/FileHandle
// split).
package fuse

import (
	"context"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/config"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/handle"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/internal/nsresolver"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config carries the mount-time settings a FileSystem needs beyond the
// core engine's own NS/Repo configuration.
type Config struct {
	MountPoint  string `yaml:"mount_point"`
	ReadOnly    bool   `yaml:"read_only"`
	AllowOther  bool   `yaml:"allow_other"`
	DefaultUID  uint32 `yaml:"default_uid"`
	DefaultGID  uint32 `yaml:"default_gid"`
	DefaultMode uint32 `yaml:"default_mode"`
}

// FileSystem is the mount root: one resolver shared across the mount,
// one MDAL context per namespace, and one DAL backend per repo. Callers
// build ctxts/backends once at startup (opening a Ctxt or constructing a
// Backend is itself outside this package's scope — see internal/mdal
// and internal/dal) and hand the maps to New.
type FileSystem struct {
	idx      *config.Index
	resolver *nsresolver.Resolver
	ctxts    map[string]*mdal.Ctxt
	backends map[string]dal.Backend
	logger   *utils.Logger
	config   *Config
}

// New builds a FileSystem ready to be passed to go-fuse's fs.Mount.
func New(idx *config.Index, ctxts map[string]*mdal.Ctxt, backends map[string]dal.Backend, cfg *Config, logger *utils.Logger) *FileSystem {
	if cfg == nil {
		cfg = &Config{DefaultMode: 0644}
	}
	if logger == nil {
		logger = utils.Default
	}
	return &FileSystem{
		idx: idx, resolver: nsresolver.New(idx, idx.MDFSTop()),
		ctxts: ctxts, backends: backends,
		logger: logger.With("fuse"), config: cfg,
	}
}

// Root returns the mount's root inode.
func (f *FileSystem) Root() gofs.InodeEmbedder {
	return &DirectoryNode{fs: f, path: ""}
}

// resolve maps a mount-relative path (no leading slash) to its PathInfo
// and the MDAL context for the namespace it falls under.
func (f *FileSystem) resolve(mountPath string) (*nsresolver.PathInfo, *mdal.Ctxt, error) {
	info, err := f.resolver.Resolve("/" + mountPath)
	if err != nil {
		return nil, nil, err
	}
	ctxt, ok := f.ctxts[info.NS.Name]
	if !ok {
		return nil, nil, errors.New(errors.Internal, "no MDAL context registered for namespace").
			WithComponent("fuse").WithDetail("ns", info.NS.Name)
	}
	return info, ctxt, nil
}

// repoForPath returns the repo a write against mdPath should use: the
// repo that already owns the file's Pre-xattr if one exists (reopening
// an existing file must keep writing to the object layout it was
// created under), or a freshly selected write repo for a brand-new
// file.
func (f *FileSystem) repoForPath(ctxt *mdal.Ctxt, mdPath string, ns *config.Namespace, sizeHint int64) (*config.Repo, error) {
	if fh, err := ctxt.Open(mdPath, os.O_RDONLY, 0); err == nil {
		raw, gerr := fh.Getxattr(codec.XattrPre, true)
		fh.Close()
		if gerr == nil {
			if pre, derr := codec.DecodePre(string(raw)); derr == nil {
				if repo, ok := f.idx.Repo(pre.Bucket); ok {
					return repo, nil
				}
			}
		}
	}
	return f.resolver.SelectWriteRepo(ns, sizeHint, true)
}

func join(dirPath, name string) string {
	if dirPath == "" {
		return name
	}
	return path.Join(dirPath, name)
}

func fillAttr(out *fuse.Attr, cfg *Config, meta *types.FileMetadata) {
	out.Mode = meta.Mode
	out.Size = uint64(meta.Size)
	out.Uid = meta.UID
	out.Gid = meta.GID
	out.Nlink = meta.Nlink
	out.Mtime = uint64(meta.ModifyTime.Unix())
	out.Atime = uint64(meta.AccessTime.Unix())
	out.Ctime = uint64(meta.ChangeTime.Unix())
	if meta.UID == 0 && meta.GID == 0 {
		out.Uid = cfg.DefaultUID
		out.Gid = cfg.DefaultGID
	}
}

// DirectoryNode represents one directory, named by its full
// mount-relative path (never including a leading slash; "" is the
// mount root).
type DirectoryNode struct {
	gofs.Inode
	fs   *FileSystem
	path string
}

func (n *DirectoryNode) childNode(name string, meta *types.FileMetadata) gofs.InodeEmbedder {
	childPath := join(n.path, name)
	if meta.IsDir {
		return &DirectoryNode{fs: n.fs, path: childPath}
	}
	return &FileNode{fs: n.fs, path: childPath}
}

// Getattr stats the directory itself.
func (n *DirectoryNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, ctxt, err := n.fs.resolve(n.path)
	if err != nil {
		return toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpReadMeta); err != nil {
		return toErrno(err)
	}
	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, n.fs.config, meta)
	return 0
}

// Lookup resolves one child of this directory by name.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	childPath := join(n.path, name)
	info, ctxt, err := n.fs.resolve(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpReadMeta); err != nil {
		return nil, toErrno(err)
	}
	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, n.fs.config, meta)
	stable := gofs.StableAttr{Mode: dirOrRegBits(meta)}
	return n.NewInode(ctx, n.childNode(name, meta), stable), 0
}

func dirOrRegBits(meta *types.FileMetadata) uint32 {
	if meta.IsDir {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

// Readdir lists the directory's MDFS entries, filtering out the MDAL's
// own reserved subtrees (MDAL_reference, MDAL_subspaces) the same way
// Opendir already does for a plain Stat.
func (n *DirectoryNode) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	info, ctxt, err := n.fs.resolve(n.path)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpReadMeta); err != nil {
		return nil, toErrno(err)
	}
	dirEntries, err := ctxt.Opendir(info.MDPath)
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		mode := uint32(fuse.S_IFREG)
		if de.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: de.Name(), Mode: mode})
	}
	return gofs.NewListDirStream(entries), 0
}

// Mkdir creates a subdirectory.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	childPath := join(n.path, name)
	info, ctxt, err := n.fs.resolve(childPath)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpWriteMeta); err != nil {
		return nil, toErrno(err)
	}
	if err := ctxt.Mkdir(info.MDPath, os.FileMode(mode)); err != nil {
		return nil, toErrno(err)
	}
	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, n.fs.config, meta)
	return n.NewInode(ctx, &DirectoryNode{fs: n.fs, path: childPath}, gofs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Rmdir removes an empty subdirectory.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	childPath := join(n.path, name)
	info, ctxt, err := n.fs.resolve(childPath)
	if err != nil {
		return toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpWriteMeta); err != nil {
		return toErrno(err)
	}
	return toErrno(ctxt.Rmdir(info.MDPath))
}

// Unlink removes a file, routing it through trash per §3's Lifecycle
// rather than a bare MDFS remove.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	childPath := join(n.path, name)
	info, ctxt, err := n.fs.resolve(childPath)
	if err != nil {
		return toErrno(err)
	}
	return toErrno(handle.Unlink(handle.Deps{Ctxt: ctxt, Logger: n.fs.logger}, info, "/"+childPath))
}

// Create implements mknod+open-for-write in one call, the way the
// kernel issues O_CREAT opens: mknod the MD file, then run the
// file-handle engine's Open (§4.5 Open) in write mode, which installs
// Restart+Pre (§3 Lifecycle "Create").
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := join(n.path, name)
	info, ctxt, err := n.fs.resolve(childPath)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpCreate); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if err := ctxt.Mknod(info.MDPath, (mode&0o7777)|uint32(fuse.S_IFREG), 0); err != nil {
		return nil, nil, 0, toErrno(err)
	}

	repo, err := n.fs.resolver.SelectWriteRepo(info.NS, 0, true)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	info.Repo = repo

	if _, softErr := nsresolver.CheckQuota(ctxt, info.NS, 0, 1); softErr != nil {
		return nil, nil, 0, toErrno(softErr)
	}

	h, err := handle.Open(handle.Deps{Ctxt: ctxt, Backend: n.fs.backends[repo.Name], Logger: n.fs.logger},
		info, repo, handle.OpenOptions{Mode: handle.OpenWrite, MknodDone: true, Interactive: true})
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		meta = &types.FileMetadata{Mode: mode}
	}
	fillAttr(&out.Attr, n.fs.config, meta)

	node := n.NewInode(ctx, &FileNode{fs: n.fs, path: childPath}, gofs.StableAttr{Mode: fuse.S_IFREG})
	return node, &FileHandle{fs: n.fs, handle: h}, 0, 0
}

// FileNode represents one regular file, identified by its full
// mount-relative path.
type FileNode struct {
	gofs.Inode
	fs   *FileSystem
	path string
}

// Getattr stats the file through the MDAL; while a write handle is
// open, the kernel typically asks the open FileHandle instead (go-fuse
// prefers FileGetattrer on the handle when present), so this path only
// serves closed-file lookups.
func (f *FileNode) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, ctxt, err := f.fs.resolve(f.path)
	if err != nil {
		return toErrno(err)
	}
	meta, err := ctxt.Stat(info.MDPath)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, f.fs.config, meta)
	return 0
}

// Open resolves the open mode (§6's open_read/open_write classes),
// selects a repo for a brand-new write continuation, and hands off to
// the file-handle engine.
func (f *FileNode) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	info, ctxt, err := f.fs.resolve(f.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}

	// APPEND and RDWR are outside marfs's contiguous-write model.
	if flags&syscall.O_APPEND != 0 || flags&syscall.O_ACCMODE == uint32(syscall.O_RDWR) {
		return nil, 0, syscall.ENOSYS
	}

	writing := flags&syscall.O_WRONLY != 0
	opClass := nsresolver.OpOpenRead
	mode := handle.OpenRead
	if writing {
		if f.fs.config.ReadOnly {
			return nil, 0, syscall.EROFS
		}
		opClass = nsresolver.OpOpenWrite
		mode = handle.OpenWrite
	}
	if err := nsresolver.CheckPerms(info.NS, opClass); err != nil {
		return nil, 0, toErrno(err)
	}

	var repo *config.Repo
	if writing {
		repo, err = f.fs.repoForPath(ctxt, info.MDPath, info.NS, 0)
		if err != nil {
			return nil, 0, toErrno(err)
		}
		info.Repo = repo
	}

	h, err := handle.Open(handle.Deps{Ctxt: ctxt, Backend: f.fs.backendFor(repo), Logger: f.fs.logger},
		info, repo, handle.OpenOptions{
			Mode: mode, MknodDone: true, Interactive: true,
			TruncateDone: flags&uint32(syscall.O_TRUNC) != 0,
		})
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &FileHandle{fs: f.fs, handle: h}, 0, 0
}

func (f *FileSystem) backendFor(repo *config.Repo) dal.Backend {
	if repo == nil {
		return nil
	}
	return f.backends[repo.Name]
}

// FileHandle wraps one open file-handle-engine Handle for go-fuse's
// per-open-file callbacks.
type FileHandle struct {
	fs     *FileSystem
	handle *handle.Handle
}

// Read implements the §4.5 Read path through the file-handle engine.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.handle.Read(ctx, off, dest)
	if err != nil && !isEOF(err) {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements the §4.5 Write path through the file-handle engine.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.handle.Write(ctx, off, data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush is the error-reporting boundary (§4.5 Flush).
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(h.handle.Flush(ctx, false))
}

// Release is the idempotent async cleanup half of close.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	h.handle.Release()
	return 0
}

// Getattr reports the handle's own running size while a write is still
// in flight, rather than whatever the MDAL's on-disk size currently is.
func (h *FileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if post := h.handle.Post(); post != nil {
		out.Size = uint64(post.BytesWritten)
	}
	out.Mtime = uint64(time.Now().Unix())
	return 0
}

func isEOF(err error) bool {
	return err != nil && strings.Contains(err.Error(), "EOF")
}

var _ gofs.NodeGetattrer = (*DirectoryNode)(nil)
var _ gofs.NodeLookuper = (*DirectoryNode)(nil)
var _ gofs.NodeReaddirer = (*DirectoryNode)(nil)
var _ gofs.NodeMkdirer = (*DirectoryNode)(nil)
var _ gofs.NodeRmdirer = (*DirectoryNode)(nil)
var _ gofs.NodeUnlinker = (*DirectoryNode)(nil)
var _ gofs.NodeCreater = (*DirectoryNode)(nil)
var _ gofs.NodeGetattrer = (*FileNode)(nil)
var _ gofs.NodeOpener = (*FileNode)(nil)
var _ gofs.FileReader = (*FileHandle)(nil)
var _ gofs.FileWriter = (*FileHandle)(nil)
var _ gofs.FileFlusher = (*FileHandle)(nil)
var _ gofs.FileReleaser = (*FileHandle)(nil)
var _ gofs.FileGetattrer = (*FileHandle)(nil)
