// Package dal defines the pluggable data abstraction layer: the narrow
// capability interface every object-storage backend implements, kept
// deliberately small so adding a backend means implementing Backend and
// nothing more. Concrete backends live in subpackages (s3, sproxyd,
// semidirect, mc); this package only carries the interface and the shared
// Handle/Mode types. Circuit-breaker and retry wiring, where a backend has
// any, lives in that backend's own package.
package dal

import (
	"context"
	"time"

	"github.com/marfs-project/marfs-core/pkg/types"
)

// Mode selects which direction a Handle moves bytes.
type Mode int

const (
	ModeGet Mode = iota
	ModePut
)

// Handle identifies one open object stream: a backend-specific opaque
// value plus the addressing the backend needs to resolve it (bucket and
// object-ID string, as produced by internal/codec).
type Handle struct {
	Bucket       string
	ObjID        string
	Mode         Mode
	Offset       int64
	Length       int64 // 0 with Mode == ModePut means chunked/unknown content-length
	Timeout      time.Duration
	Continuation bool // true when resuming a previously-opened stream (is_continuation)
}

// Backend is the capability every DAL implementation exposes. Open
// returns an opaque per-backend stream token; Put/Get/Close/Delete/Stat
// operate against that token. Verify supports the repacker/GC
// reconciliation pass some backends need (e.g. MC checking pod parity).
type Backend interface {
	// Open begins a stream for h, returning a backend-specific stream
	// token that subsequent calls pass back in.
	Open(ctx context.Context, h Handle) (Stream, error)

	// Stat returns metadata about a stored object without opening a
	// stream over it.
	Stat(ctx context.Context, bucket, objID string) (*types.ObjectInfo, error)

	// Delete removes a stored object.
	Delete(ctx context.Context, bucket, objID string) error

	// Verify checks backend-specific integrity invariants (e.g. erasure
	// parity for MC, or nothing for a plain S3 backend) and optionally
	// repairs what it can when fix is true.
	Verify(ctx context.Context, bucket, objID string, fix bool) error

	// Name identifies the backend for logging/metrics labeling.
	Name() string
}

// Stream is the open handle to one object's data, already bound to a
// Mode and (for reads) an offset/length range at Open time.
type Stream interface {
	// Put writes n bytes from buf and returns the number actually
	// written. Implementations must accept a zero content-length Handle
	// (chunked upload) as well as a fixed one.
	Put(ctx context.Context, buf []byte) (int, error)

	// Get reads into buf, returning the number of bytes read. Returns
	// io.EOF once the requested range is exhausted.
	Get(ctx context.Context, buf []byte) (int, error)

	// Close finalizes the stream. abort discards any server-side
	// object that would otherwise have been persisted (a PUT is never
	// committed); final indicates this is the last chunk of a
	// multi-chunk logical file, letting a backend finalize a
	// multipart/chunked upload.
	Close(ctx context.Context, abort, final bool) error
}
