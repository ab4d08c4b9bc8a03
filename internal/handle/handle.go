// Package handle implements the file-handle engine (C5): the per-open
// read/write state machine that streams user bytes across chunk
// boundaries, inserts recovery-info footers, enforces the
// contiguous-write discipline, and serializes concurrent readers of one
// handle. It is the busiest component in the design (§4.5) and sits
// between the namespace resolver (C4), the MDAL (C2), and the DAL (C3).
package handle

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/config"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/internal/nsresolver"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Flags mirror the §4.5 per-handle flag set.
type Flags uint32

const (
	FlagReading Flags = 1 << iota
	FlagWriting
	FlagPacked
	FlagNto1Writes
	FlagMultiThread
	FlagReleasing
	FlagFlushed
	FlagErrors
)

func (f *Flags) set(bit Flags)     { *f |= bit }
func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// OpenMode selects which of the four open variants (§6) a caller wants.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
	OpenAtOffset // pftool N:1 ranged ingest
	OpenPacked   // file-into-existing-object append
)

// OpenOptions carries everything Open needs beyond the resolved path.
type OpenOptions struct {
	Mode          OpenMode
	Offset        int64 // OpenAtOffset: the N:1 writer's starting logical offset
	ContentLength int64 // OpenPacked: the file's declared size
	MknodDone     bool  // CREAT is only valid once mknod has already run
	TruncateDone  bool  // TRUNC is only valid once ftruncate has already run
	Interactive   bool  // true for FUSE opens, false for pftool/batch opens
}

// Handle is the open-file state machine. A Handle is not safe for
// concurrent structural use (Open/Flush/Release) but Read is safe to
// call from multiple goroutines per the §4.5 concurrent-read discipline.
type Handle struct {
	Info *nsresolver.PathInfo
	Repo *config.Repo

	ctxt    *mdal.Ctxt
	backend dal.Backend
	logger  *utils.Logger

	mdfh *mdal.FileHandle
	pre  *codec.Pre
	post *codec.Post

	hasRestart bool

	mu              sync.Mutex // guards flags/openOffset/objectSize/fileCount/write below
	flags           Flags
	openOffset      int64
	objectSize      int64 // current logical size, used to bound reads
	fileCount       int   // packed files sharing the object, including this one
	recoveryReserve int64

	write writeState
	read  readState

	stream      dal.Stream
	streamObjID string
}

type writeState struct {
	sysWrites int64 // footer bytes emitted, excluded from the logical offset
	chunkUser int64 // user bytes written into the currently open object
	totalUser int64 // user bytes written across the whole logical file
	chunks    []codec.MultiChunkInfo
}

// FooterReserve computes the fixed per-chunk capacity reservation a repo
// must honor: the codec's worst-case recovery-record size for this
// object, sized with every variable-width numeric field at its maximum
// so the reserve never shifts as chunk numbers or byte counts grow.
// Held fixed for the life of one stored object so that
// user_bytes + footer_bytes == chunk_size at every boundary (§4.1);
// the writer pads up to the reserve at non-final boundaries.
func FooterReserve(pre *codec.Pre, repo *config.Repo, mdPath string) (int64, error) {
	wcPre := *pre
	wcPre.ChunkNo = ^uint64(0)
	wcPre.Unique = ^uint8(0)
	// Striped is the longest type name; sizing with it keeps the reserve
	// identical before and after a Uni write is reclassified to Multi.
	wcPre.Type = codec.ObjTypeStriped
	wcPost := &codec.Post{
		Version: codec.CurrentVersion, ObjType: wcPre.Type,
		ObjOffset: math.MaxInt64, Flags: ^codec.PostFlags(0),
		MTime: time.Now().UTC(), BytesWritten: math.MaxInt64,
		ObjectCount: math.MaxInt32, ChunkInfoCount: math.MaxInt32,
		Correction: wcPre.Correction, Encryption: wcPre.Encryption,
		MDPath: mdPath,
	}
	info := &codec.RecoveryInfo{
		Head:   codec.RecoveryHead{Version: codec.CurrentVersion, MTime: wcPost.MTime},
		Bodies: []codec.RecoveryBody{{Pre: &wcPre, Post: wcPost, MDPath: mdPath}},
	}
	return codec.FooterSize(info)
}

// dataCapacity returns the user-data bytes available per chunk: C in the
// design's write-path algorithm.
func (h *Handle) dataCapacity() int64 {
	return h.Repo.ChunkSize - h.recoveryReserve
}

// Deps bundles the collaborators an Open call needs, so callers (the
// FUSE adapter, pftool-equivalent batch tool, tests) construct one
// struct instead of a long parameter list.
type Deps struct {
	Ctxt    *mdal.Ctxt
	Backend dal.Backend
	Logger  *utils.Logger
}

// Open implements §4.5 Open: resolve perms, reject unsupported flag
// combinations, read existing xattrs (or pass through for a direct-mode
// file), run quota checks for writes, and for Packed opens stamp the
// Pre/Post cursor state.
func Open(deps Deps, info *nsresolver.PathInfo, repo *config.Repo, opts OpenOptions) (*Handle, error) {
	if opts.Mode == OpenWrite {
		if !opts.MknodDone {
			return nil, errors.New(errors.InvalidArgument, "CREAT without prior mknod is unsupported").WithComponent("handle")
		}
	}
	if info.NS != nil {
		op := nsresolver.OpOpenRead
		if opts.Mode != OpenRead {
			op = nsresolver.OpOpenWrite
		}
		if err := nsresolver.CheckPerms(info.NS, op); err != nil {
			return nil, err
		}
		if op == nsresolver.OpOpenWrite {
			if _, err := nsresolver.CheckQuota(deps.Ctxt, info.NS, 0, 0); err != nil {
				return nil, err
			}
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = utils.Default
	}
	h := &Handle{
		Info: info, Repo: repo, ctxt: deps.Ctxt, backend: deps.Backend,
		logger: logger.With("handle"),
	}

	flag := os.O_RDONLY
	switch opts.Mode {
	case OpenWrite, OpenAtOffset, OpenPacked:
		flag = os.O_RDWR
	}
	mdfh, err := deps.Ctxt.Open(info.MDPath, flag, 0o640)
	if err != nil {
		return nil, err
	}
	h.mdfh = mdfh

	preRaw, preErr := mdfh.Getxattr(codec.XattrPre, true)
	postRaw, postErr := mdfh.Getxattr(codec.XattrPost, true)
	restartRaw, restartErr := mdfh.Getxattr(codec.XattrRestart, true)
	h.hasRestart = restartErr == nil && len(restartRaw) > 0

	noMarfsXattrs := preErr != nil && postErr != nil
	if noMarfsXattrs && repo.Protocol == config.ProtocolDirect && opts.Mode == OpenRead {
		// Direct-mode passthrough: no marfs xattrs at all, so the user
		// bytes live in the MDFS file itself. Reads go straight to it.
		h.flags.set(FlagReading)
		if st, err := mdfh.Fstat(); err == nil {
			h.objectSize = st.Size
		}
		return h, nil
	}

	if h.hasRestart && opts.Mode == OpenRead {
		return nil, errors.New(errors.InvalidArgument, "Restart xattr present on read: incomplete file").
			WithComponent("handle").WithOperation("open")
	}

	if preErr == nil {
		pre, err := codec.DecodePre(string(preRaw))
		if err != nil {
			mdfh.Close()
			return nil, err
		}
		h.pre = pre
	}
	if postErr == nil {
		post, err := codec.DecodePost(string(postRaw))
		if err != nil {
			mdfh.Close()
			return nil, err
		}
		h.post = post
	}

	switch opts.Mode {
	case OpenRead:
		h.flags.set(FlagReading)
		if h.pre != nil {
			reserve, err := FooterReserve(h.pre, repo, mdfh.Path())
			if err != nil {
				mdfh.Close()
				return nil, err
			}
			h.recoveryReserve = reserve
		}
		if h.post != nil {
			st, err := mdfh.Fstat()
			if err == nil {
				h.objectSize = st.Size
			}
		}
		return h, nil

	case OpenWrite, OpenAtOffset, OpenPacked:
		h.flags.set(FlagWriting)

		freshCreate := h.pre == nil
		if freshCreate {
			h.pre = &codec.Pre{
				Version: codec.CurrentVersion, Bucket: repo.Name,
				Type: codec.ObjTypeUni, Compression: codec.SelectorNone,
				Correction: codec.SelectorNone, Encryption: codec.SelectorNone,
				ChunkSize: repo.ChunkSize,
			}
		}
		reserve, err := FooterReserve(h.pre, repo, mdfh.Path())
		if err != nil {
			mdfh.Close()
			return nil, err
		}
		if repo.ChunkSize <= reserve {
			mdfh.Close()
			return nil, errors.New(errors.InvalidArgument, "repo chunk_size does not exceed the recovery reserve").
				WithComponent("handle").WithDetail("chunk_size", repo.ChunkSize).WithDetail("reserve", reserve)
		}
		h.recoveryReserve = reserve

		if opts.Mode == OpenAtOffset {
			h.flags.set(FlagNto1Writes)
			h.pre.Type = codec.ObjTypeNto1
			capacity := repo.DataCapacity(h.recoveryReserve)
			if capacity > 0 && opts.Offset%capacity != 0 {
				mdfh.Close()
				return nil, errors.New(errors.OffsetNotAligned, "open_at_offset is not aligned on chunk data capacity").
					WithComponent("handle").WithDetail("offset", opts.Offset).WithDetail("capacity", capacity)
			}
			h.openOffset = opts.Offset
			if capacity > 0 {
				// This writer's first object is the chunk its offset lands
				// on; chunk 0's Pre stays on the MD file for URL derivation.
				h.pre.ChunkNo = uint64(opts.Offset / capacity)
			}
		}

		if opts.Mode == OpenPacked {
			h.flags.set(FlagPacked)
			cursor := int64(0)
			if h.post != nil {
				cursor = h.post.ObjOffset + h.post.BytesWritten
				h.fileCount = h.post.ObjectCount
			}
			if cursor+opts.ContentLength+h.recoveryReserve > repo.ChunkSize {
				mdfh.Close()
				return nil, errors.New(errors.HandleFull, "packing this file would overflow the object").
					WithComponent("handle").WithOperation("open_packed")
			}
			if repo.MaxPackFileCount > 0 && h.fileCount >= repo.MaxPackFileCount {
				mdfh.Close()
				return nil, errors.New(errors.HandleFull, "repo max_pack_file_count reached").
					WithComponent("handle").WithOperation("open_packed")
			}
			h.pre.Type = codec.ObjTypePacked
			h.post = &codec.Post{Version: codec.CurrentVersion, ObjType: codec.ObjTypePacked, ObjOffset: cursor}
			h.fileCount++
		}

		if opts.Mode == OpenWrite && !freshCreate {
			if !opts.TruncateDone {
				mdfh.Close()
				return nil, errors.New(errors.Unsupported, "rewrite without prior truncate is unsupported").
					WithComponent("handle").WithOperation("open")
			}
			// Overwrite: object IDs are append-only, so rewriting a file
			// mints a fresh identity (bumped unq, new obj_ctime) instead
			// of clobbering the old objects — those are reclaimed from
			// trash by the collector.
			h.pre.Unique++
			h.pre.ObjCtime = time.Now().UTC()
			h.pre.ChunkNo = 0
			h.pre.Type = codec.ObjTypeUni
			if err := h.installCreateXattrs(); err != nil {
				mdfh.Close()
				return nil, err
			}
		}

		// §3 Lifecycle: "Create: mknod in MDFS, install Restart + Pre."
		// A fresh Pre means no prior xattrs existed on this MD file, so
		// this Open call is the create-time moment that must stamp both
		// xattrs before any byte is written; Restart's mere presence is
		// what marks the file incomplete to readers until Flush removes
		// it (§4.5 Flush/Release, invariant 1 and 8 of §8).
		if freshCreate {
			if st, statErr := mdfh.Fstat(); statErr == nil {
				h.pre.Inode = st.Inode
				h.pre.MDCtime = st.ChangeTime
			}
			h.pre.ObjCtime = time.Now().UTC()
			if h.pre.MDCtime.IsZero() {
				h.pre.MDCtime = h.pre.ObjCtime
			}
			if err := h.installCreateXattrs(); err != nil {
				mdfh.Close()
				return nil, err
			}
		}

		return h, nil
	}

	return h, nil
}

// installCreateXattrs persists the freshly-built Pre xattr and a bare
// Restart xattr on a just-created MD file, per §3's Create step. Flush
// later removes Restart and installs the final Post once the write
// completes; until then, any reader that opens this MD file sees
// Restart present and is rejected with InvalidArgument (§4.5 Open,
// step 3).
func (h *Handle) installCreateXattrs() error {
	// The stored Pre names chunk 0 even when this writer (an N:1
	// participant) starts at a later chunk.
	pre := *h.pre
	pre.ChunkNo = 0
	preStr, err := codec.EncodePre(&pre)
	if err != nil {
		return err
	}
	if err := h.mdfh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		return err
	}
	restartStr, err := codec.EncodeRestart(&codec.Restart{
		Version: codec.CurrentVersion, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := h.mdfh.Setxattr(codec.XattrRestart, []byte(restartStr), true); err != nil {
		return err
	}
	h.hasRestart = true
	return nil
}

// Flags exposes the current flag set for callers (GC/tests) that need to
// inspect handle state without reaching into private fields.
func (h *Handle) Flags() Flags {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flags
}

// Pre/Post expose the handle's current xattr state; Flush is the only
// call that persists them.
func (h *Handle) Pre() *codec.Pre   { return h.pre }
func (h *Handle) Post() *codec.Post { return h.post }

func withDeadline(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
