package handle

import (
	"context"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

// Flush is the error-reporting boundary for a write handle (§4.5): it
// emits the final recovery footer, closes the data stream, persists the
// chunk-info array and final Post/Pre xattrs, truncates the MD file, and
// removes Restart. Flush runs even on a handle already in the ERRORS
// state so server-side resources still get released; it reports the
// first error encountered either way.
func (h *Handle) Flush(ctx context.Context, aborted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.flags.has(FlagWriting) {
		return nil
	}
	if h.flags.has(FlagFlushed) {
		return nil
	}

	var flushErr error
	if h.stream != nil {
		if err := h.emitFooterAndClose(ctx, true); err != nil {
			flushErr = err
		}
	}
	if aborted && h.stream != nil {
		_ = h.stream.Close(ctx, true, true)
	}

	if !h.flags.has(FlagNto1Writes) && flushErr == nil {
		if err := h.writeChunkInfoBody(); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	if flushErr == nil {
		if err := h.finalizePost(aborted); err != nil {
			flushErr = err
		}
	}

	if flushErr == nil {
		if err := h.removeRestart(); err != nil {
			flushErr = err
		}
	}

	h.flags.set(FlagFlushed)
	if flushErr != nil {
		h.flags.set(FlagErrors)
	}
	return flushErr
}

// writeChunkInfoBody persists the accumulated MultiChunkInfo records as
// a Multi MD file's body bytes, then truncates the MD file so
// stat(MD).st_size reports the file's logical size (the records sit
// sparsely below it; they are always smaller than one chunk's worth of
// user data). Uni and Packed MD files carry no records and are
// truncated to the logical size outright.
func (h *Handle) writeChunkInfoBody() error {
	size := h.write.totalUser
	if h.pre.Type == codec.ObjTypeMulti && len(h.write.chunks) > 0 {
		var buf []byte
		w := &sliceWriter{buf: &buf}
		for i := range h.write.chunks {
			if err := codec.EncodeMultiChunkInfo(w, &h.write.chunks[i]); err != nil {
				return err
			}
		}
		if _, err := h.mdfh.Lseek(0, 0); err != nil {
			return err
		}
		if _, err := h.mdfh.Write(buf); err != nil {
			return err
		}
		if size < int64(len(buf)) {
			size = int64(len(buf))
		}
	}
	return h.mdfh.Ftruncate(size)
}

// finalizePost derives the final Post-xattr from what was actually
// written and persists both Pre and Post to the MD file.
func (h *Handle) finalizePost(aborted bool) error {
	objType := h.pre.Type
	flags := codec.PostFlagClosed
	if aborted {
		flags |= codec.PostFlagCorrupt
	}
	objOffset := int64(0)
	objectCount := len(h.write.chunks)
	if h.flags.has(FlagPacked) {
		objOffset = h.post.ObjOffset
		objectCount = h.fileCount
		if h.fileCount >= h.Repo.MaxPackFileCount && h.Repo.MaxPackFileCount > 0 {
			flags |= codec.PostFlagPackedFull
		}
	}

	h.post = &codec.Post{
		Version: codec.CurrentVersion, ObjType: objType, ObjOffset: objOffset,
		Flags: flags, MTime: time.Now().UTC(), BytesWritten: h.write.totalUser,
		ObjectCount: objectCount, ChunkInfoCount: len(h.write.chunks),
		Correction: h.pre.Correction, Encryption: h.pre.Encryption,
		MDPath: h.mdfh.Path(),
	}

	// The MD file's Pre always names chunk 0; per-chunk URLs are derived
	// by substituting chnkno, never stored.
	preFinal := *h.pre
	preFinal.ChunkNo = 0
	preStr, err := codec.EncodePre(&preFinal)
	if err != nil {
		return err
	}
	if err := h.mdfh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		return err
	}
	postStr, err := codec.EncodePost(h.post)
	if err != nil {
		return err
	}
	return h.mdfh.Setxattr(codec.XattrPost, []byte(postStr), true)
}

func (h *Handle) removeRestart() error {
	if !h.hasRestart {
		return nil
	}
	if err := h.mdfh.Removexattr(codec.XattrRestart, true); err != nil {
		if errors.Is(err, errors.NotFound) {
			h.hasRestart = false
			return nil
		}
		return err
	}
	h.hasRestart = false
	return nil
}

// Release is the idempotent async cleanup half of close: it signals any
// blocked readers and releases the MD file descriptor. Packed handles
// are expected to be released by their owner once the shared object is
// done accepting new files; Release itself never fails.
func (h *Handle) Release() {
	h.mu.Lock()
	h.flags.set(FlagReleasing)
	h.mu.Unlock()

	h.read.mu.Lock()
	h.read.releasing = true
	if h.read.queue != nil {
		h.read.queue.wakeAll()
	}
	h.read.mu.Unlock()

	if h.mdfh != nil {
		_ = h.mdfh.Close()
	}
}
