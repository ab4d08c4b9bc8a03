package handle

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

// readState is the §4.5 concurrent-read discipline's private state: the
// read_lock, the stream cursor (log_offset), whether the handle has
// transitioned into multi-thread mode, and the offset-ordered wait queue
// readers in that mode block on.
type readState struct {
	// io is the read_lock proper: exactly one reader at a time runs the
	// open-or-reuse-stream-then-Get sequence, so two readers can never
	// share-and-stomp the single stream slot below. It is held across
	// blocking DAL I/O and therefore must never be acquired while
	// holding mu.
	io sync.Mutex

	// mu is the short-hold state lock guarding every field below; queued
	// waiters take it between wakeups, so it is never held across I/O.
	mu          sync.Mutex
	logOffset   int64
	haveOffset  bool
	multiThread bool
	queue       *waitQueue
	releasing   bool

	stream       dal.Stream
	streamEnd    int64 // physical offset one past the open read stream's range
	streamCursor int64 // physical offset the open read stream is positioned at
}

// catchUpWait bounds how long a discontiguous read waits, in single-thread
// mode, for the stream cursor to reach the requested offset before the
// handle gives up and transitions to multi-thread mode.
const catchUpWait = 50 * time.Millisecond

// headWaitSlice bounds how long the head of the wait queue, in multi-thread
// mode, waits for its turn before taking over the stream itself.
const headWaitSlice = 100 * time.Millisecond

// Read implements §4.5 Read: translate the request into a physical object
// offset, serve it from the open read stream when contiguous, and fall
// back to the wait-queue discipline when it is not.
func (h *Handle) Read(ctx context.Context, offset int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	size := h.objectSizeForRead()
	if offset >= size {
		return 0, io.EOF
	}
	if want := size - offset; int64(len(buf)) > want {
		buf = buf[:want]
	}

	if err := h.awaitTurn(ctx, offset); err != nil {
		if errors.Is(err, errors.HandleReleasing) {
			// A canceled waiter abandons its slot and reports a clean
			// zero-byte read.
			return 0, nil
		}
		return 0, err
	}

	// read_lock: the physical read and the cursor update it publishes are
	// one critical section, so concurrent callers that both cleared
	// awaitTurn (e.g. two first reads on a fresh handle) execute in
	// arrival order rather than racing for the stream slot.
	h.read.io.Lock()
	n, err := h.readAt(ctx, offset, buf)

	h.read.mu.Lock()
	h.read.logOffset = offset + int64(n)
	h.read.haveOffset = true
	if h.read.multiThread && h.read.queue != nil {
		h.read.queue.signalNext(h.read.logOffset)
	}
	h.read.mu.Unlock()
	h.read.io.Unlock()

	return n, err
}

// objectSizeForRead returns the logical size reads are bounded by: the
// Post-xattr's recorded byte count where present, or the handle's own
// running total for a still-open write handle being read mid-flight.
func (h *Handle) objectSizeForRead() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.post != nil && h.post.BytesWritten > 0 {
		return h.post.BytesWritten
	}
	return h.objectSize
}

// awaitTurn implements the read_lock/discontiguous-read/multi-thread
// transition described in §4.5: a request landing exactly at the stream
// cursor always proceeds immediately; anything else waits briefly for the
// cursor to catch up (single-thread mode) or joins the offset-ordered
// queue (multi-thread mode).
func (h *Handle) awaitTurn(ctx context.Context, offset int64) error {
	h.read.mu.Lock()

	if h.read.releasing {
		h.read.mu.Unlock()
		return errors.New(errors.HandleReleasing, "handle is releasing").WithComponent("handle")
	}

	if !h.read.haveOffset || offset == h.read.logOffset {
		h.read.mu.Unlock()
		return nil
	}

	if h.read.multiThread {
		return h.awaitQueueTurn(ctx, offset)
	}

	startOffset := h.read.logOffset
	deadline := time.Now().Add(catchUpWait)
	for offset != h.read.logOffset && time.Now().Before(deadline) {
		h.read.mu.Unlock()
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		h.read.mu.Lock()
	}

	if offset == h.read.logOffset {
		h.read.mu.Unlock()
		return nil
	}

	// Stream never caught up. If it moved at all while we waited, the
	// access pattern is no longer sequential from a single reader's
	// point of view: switch permanently to multi-thread mode.
	if h.read.logOffset != startOffset {
		h.read.multiThread = true
		if h.read.queue == nil {
			h.read.queue = newWaitQueue()
		}
	}
	h.read.mu.Unlock()
	return nil
}

// awaitQueueTurn blocks the caller on the offset-ordered wait queue until
// either the stream cursor reaches offset, this reader becomes the queue
// head and its wait slice expires (at which point it takes over the
// stream itself), or the handle starts releasing.
func (h *Handle) awaitQueueTurn(ctx context.Context, offset int64) error {
	w := h.read.queue.enqueue(offset)
	h.read.mu.Unlock()

	timer := time.NewTimer(headWaitSlice)
	defer timer.Stop()

	for {
		select {
		case <-w.ch:
			h.read.mu.Lock()
			releasing := h.read.releasing
			h.read.mu.Unlock()
			if releasing {
				return errors.New(errors.HandleReleasing, "handle is releasing").WithComponent("handle")
			}
			return nil
		case <-ctx.Done():
			h.read.mu.Lock()
			h.read.queue.remove(w)
			h.read.mu.Unlock()
			return ctx.Err()
		case <-timer.C:
			h.read.mu.Lock()
			if h.read.releasing {
				h.read.queue.remove(w)
				h.read.mu.Unlock()
				return errors.New(errors.HandleReleasing, "handle is releasing").WithComponent("handle")
			}
			if h.read.queue.head() == w {
				// Head of the queue timed out: take over the stream at
				// our own offset rather than wait indefinitely.
				h.read.queue.remove(w)
				h.read.mu.Unlock()
				return nil
			}
			h.read.mu.Unlock()
			timer.Reset(headWaitSlice)
		}
	}
}

// readAt performs the physical read for one logical-offset request,
// opening or reusing the handle's read stream as needed. Runs with
// read.io held, so it is the only goroutine touching the stream slot.
// With C the per-chunk user-data capacity, physical offset
// P = Post.ObjOffset + offset maps to chunk_no = P / C,
// chunk_offset = P mod C.
func (h *Handle) readAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	h.mu.Lock()
	pre, post, repo, backend := h.pre, h.post, h.Repo, h.backend
	reserve := h.recoveryReserve
	h.mu.Unlock()

	if pre == nil || repo == nil {
		// Direct-mode passthrough: the user bytes are the MD file's own
		// contents.
		if h.mdfh != nil {
			if _, err := h.mdfh.Lseek(offset, io.SeekStart); err != nil {
				return 0, err
			}
			return h.mdfh.Read(buf)
		}
		return 0, errors.New(errors.Internal, "handle has no pre-xattr to read against").WithComponent("handle")
	}

	objOffset := int64(0)
	if post != nil {
		objOffset = post.ObjOffset
	}
	physical := objOffset + offset

	// C is the per-chunk user-data capacity: chunk_size minus the fixed
	// recovery reserve. Bytes [C, chunk_size) of every non-final chunk
	// are recovery-record bytes and must never reach the caller.
	capacity := repo.ChunkSize - reserve
	if capacity <= 0 {
		capacity = 1
	}
	chunkNo := uint64(physical / capacity)
	chunkOffset := physical % capacity
	chunkRemain := capacity - chunkOffset

	readLen := int64(len(buf))
	if readLen > chunkRemain {
		readLen = chunkRemain
	}
	if repo.MaxGetSize > 0 && readLen > repo.MaxGetSize {
		readLen = repo.MaxGetSize
	}

	h.read.mu.Lock()
	reuse := h.read.stream != nil && physical == h.read.streamCursor
	if reuse && readLen > h.read.streamEnd-physical {
		readLen = h.read.streamEnd - physical
	}
	h.read.mu.Unlock()

	var stream dal.Stream
	var err error
	if reuse {
		stream = h.read.stream
	} else {
		h.closeReadStream(ctx)
		id, encErr := pre.ObjID().WithChunkNo(chunkNo).Encode()
		if encErr != nil {
			return 0, encErr
		}
		// The stream covers the rest of the chunk's data, capped at
		// max_get_size, so contiguous reads can reuse it.
		streamLen := chunkRemain
		if repo.MaxGetSize > 0 && streamLen > repo.MaxGetSize {
			streamLen = repo.MaxGetSize
		}
		stream, err = backend.Open(ctx, dal.Handle{
			Bucket: pre.Bucket, ObjID: id, Mode: dal.ModeGet,
			Offset: chunkOffset, Length: streamLen, Timeout: repo.ReadTimeout,
		})
		if err != nil {
			return 0, errors.New(errors.TransportTransient, "dal open (read) failed").WithCause(err).WithComponent("handle")
		}
		h.read.mu.Lock()
		h.read.stream = stream
		h.read.streamEnd = physical + streamLen
		h.read.mu.Unlock()
	}

	n, err := stream.Get(ctx, buf[:readLen])
	if err != nil && err != io.EOF {
		h.closeReadStream(ctx)
		return n, errors.New(errors.TransportTransient, "dal get failed").WithCause(err).WithComponent("handle")
	}

	h.read.mu.Lock()
	h.read.streamCursor = physical + int64(n)
	atEnd := h.read.streamCursor >= h.read.streamEnd
	h.read.mu.Unlock()

	if err == io.EOF || atEnd {
		h.closeReadStream(ctx)
	}

	return n, nil
}

// closeReadStream is only called with read.io held (from readAt), so
// the stream it unhooks is always the caller's own.
func (h *Handle) closeReadStream(ctx context.Context) {
	h.read.mu.Lock()
	s := h.read.stream
	h.read.stream = nil
	h.read.streamEnd = 0
	h.read.mu.Unlock()
	if s != nil {
		_ = s.Close(ctx, false, false)
	}
}
