package handle

import (
	"context"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

// logicalEnd is the monotonic write cursor L the design calls for:
// open_offset plus every user byte actually written so far, excluding
// footer bytes (tracked separately in write.sysWrites so footer
// emission never pollutes it).
func (h *Handle) logicalEnd() int64 {
	return h.openOffset + h.write.userBytes()
}

func (w *writeState) userBytes() int64 { return w.totalUser }

// Write implements §4.5's write algorithm: every call must land exactly
// at the handle's current logical end (non-contiguous writes fail),
// chunk capacity is filled until a boundary is hit, and at each boundary
// the current object is closed with its recovery footer, a
// MultiChunkInfo record is appended to the handle's in-memory chunk list
// (written to the MD file by Flush), and a new object is opened for the
// next chunk.
func (h *Handle) Write(ctx context.Context, offset int64, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.flags.has(FlagErrors) {
		return 0, errors.New(errors.Internal, "handle is in error state, no further writes accepted").WithComponent("handle")
	}
	if !h.flags.has(FlagWriting) {
		return 0, errors.New(errors.InvalidArgument, "handle was not opened for writing").WithComponent("handle")
	}
	if offset != h.logicalEnd() {
		return 0, errors.New(errors.NonContiguousWrite, "write offset does not match logical end of file").
			WithComponent("handle").WithDetail("offset", offset).WithDetail("expected", h.logicalEnd())
	}

	// A packed file's data never spans objects: Open already verified it
	// fits in the shared object's remaining space, so give it an
	// effectively unbounded per-call capacity here.
	const unbounded = int64(1) << 60
	capacity := h.dataCapacity()
	if h.flags.has(FlagPacked) {
		capacity = unbounded
	}

	total := 0
	for len(data) > 0 {
		if h.stream == nil {
			if err := h.openChunkStream(ctx); err != nil {
				h.flags.set(FlagErrors)
				return total, err
			}
		}

		space := capacity - h.write.chunkUser
		n := int64(len(data))
		if n > space {
			n = space
		}
		if n <= 0 {
			// Chunk is exactly full; close it and open the next before
			// writing any more of this call's buffer.
			if err := h.closeChunkAndAdvance(ctx); err != nil {
				h.flags.set(FlagErrors)
				return total, err
			}
			continue
		}

		written, err := h.stream.Put(ctx, data[:n])
		if err != nil {
			h.flags.set(FlagErrors)
			return total, errors.New(errors.TransportTransient, "dal put failed").WithCause(err).WithComponent("handle")
		}
		h.write.chunkUser += int64(written)
		h.write.totalUser += int64(written)
		data = data[written:]
		total += written

		if !h.flags.has(FlagPacked) && h.write.chunkUser == capacity && len(data) > 0 {
			if err := h.closeChunkAndAdvance(ctx); err != nil {
				h.flags.set(FlagErrors)
				return total, err
			}
		}
	}
	return total, nil
}

// openChunkStream opens the DAL stream for the handle's current chunk
// number, deriving the object URL from the Pre xattr (chunk 0's URL
// substituted per §3's "per-chunk URLs are derived by substitution").
func (h *Handle) openChunkStream(ctx context.Context) error {
	objID, err := h.pre.ObjID().Encode()
	if err != nil {
		return err
	}
	cont := h.write.chunkUser > 0
	if h.flags.has(FlagPacked) && h.post != nil && h.post.ObjOffset > 0 {
		// A later packed file continues the shared object rather than
		// replacing it.
		cont = true
	}
	stream, err := h.backend.Open(ctx, dal.Handle{
		Bucket: h.pre.Bucket, ObjID: objID, Mode: dal.ModePut,
		Timeout: h.Repo.WriteTimeout, Continuation: cont,
	})
	if err != nil {
		return errors.New(errors.TransportTransient, "dal open failed").WithCause(err).WithComponent("handle")
	}
	h.stream = stream
	h.streamObjID = objID
	return nil
}

// closeChunkAndAdvance emits the recovery footer for the current object,
// closes its stream, records a MultiChunkInfo entry, and advances Pre to
// the next chunk number so the following openChunkStream call derives a
// fresh object URL.
func (h *Handle) closeChunkAndAdvance(ctx context.Context) error {
	if err := h.emitFooterAndClose(ctx, false); err != nil {
		return err
	}

	if h.pre.Type == codec.ObjTypeUni || h.pre.Type == codec.ObjTypeFuse {
		// First chunk boundary of what was opened as a single-chunk
		// write: this file is now provably multi-chunk. Packed and Nto1
		// keep their types.
		h.pre.Type = codec.ObjTypeMulti
	}

	h.pre.ChunkNo++
	h.write.chunkUser = 0
	h.stream = nil
	return nil
}

// emitFooterAndClose writes the recovery record for the currently open
// object, closes its DAL stream, and appends the corresponding
// MultiChunkInfo record to the in-memory chunk list Flush later persists
// to the MD file. final marks the terminating chunk of the logical file.
// At a non-final boundary (and on a final chunk that landed exactly
// full) the record is padded out to the fixed reserve so the object is
// exactly chunk_size; a short final chunk and packed appends emit the
// record at its natural length, keeping the TAIL at end-of-object either
// way.
func (h *Handle) emitFooterAndClose(ctx context.Context, final bool) error {
	if h.stream == nil {
		return nil
	}
	head := codec.RecoveryHead{Version: codec.CurrentVersion, MTime: time.Now().UTC()}
	if st, err := h.mdfh.Fstat(); err == nil {
		head.Mode, head.UID, head.GID = st.Mode, st.UID, st.GID
		head.MTime = st.ModifyTime
	}
	post := &codec.Post{
		Version: codec.CurrentVersion, ObjType: h.pre.Type,
		MTime: time.Now().UTC(), BytesWritten: h.write.chunkUser,
		ObjectCount: len(h.write.chunks) + 1, ChunkInfoCount: len(h.write.chunks) + 1,
		Correction: h.pre.Correction, Encryption: h.pre.Encryption,
		MDPath: h.mdfh.Path(),
	}
	if h.flags.has(FlagPacked) && h.post != nil {
		post.ObjOffset = h.post.ObjOffset
		post.ObjectCount = h.fileCount
	}
	info := &codec.RecoveryInfo{Head: head, Bodies: []codec.RecoveryBody{{
		Pre: h.pre, Post: post, MDPath: h.mdfh.Path(),
	}}}

	pad := !h.flags.has(FlagPacked) && (!final || h.write.chunkUser == h.dataCapacity())
	var buf []byte
	fw := &sliceWriter{buf: &buf}
	var err error
	if pad {
		_, err = codec.WriteRecoveryFooterPadded(fw, info, h.recoveryReserve)
	} else {
		_, err = codec.WriteRecoveryFooter(fw, info)
	}
	if err != nil {
		return err
	}
	n, err := h.stream.Put(ctx, buf)
	if err != nil {
		return errors.New(errors.TransportTransient, "dal put (footer) failed").WithCause(err).WithComponent("handle")
	}
	h.write.sysWrites += int64(n)

	if err := h.stream.Close(ctx, false, final); err != nil {
		return errors.New(errors.TransportTransient, "dal close failed").WithCause(err).WithComponent("handle")
	}
	h.stream = nil

	h.write.chunks = append(h.write.chunks, codec.MultiChunkInfo{
		ChunkNo: h.pre.ChunkNo, ChunkSize: h.Repo.ChunkSize, DataLength: h.write.chunkUser,
	})
	return nil
}

// sliceWriter is a minimal io.Writer over a caller-owned byte slice, used
// to render the recovery footer into a buffer before a single Put call.
type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
