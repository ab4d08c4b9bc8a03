// Package repack implements the repacker (C7): when the garbage collector
// finds a Packed object with fewer observed (trashed) references than its
// declared chunk count, the remaining MD files that still point at it are
// handed here. Repack reads each survivor's user data out of the old
// object, writes a new, denser Packed object through the DAL, and rewrites
// each survivor's Pre/Post xattrs to point at it. The old object is never
// deleted in-line — once no MD file references it any more, the next GC
// pass picks it up as a plain orphan.
package repack

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/internal/metrics"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config bounds how large a consolidated object the repacker may produce.
// Zero ChunkSize falls back to the first surviving member's own Pre.ChunkSize.
type Config struct {
	ChunkSize int64
}

// Repacker consolidates partially-populated Packed objects on behalf of a
// gc.Collector, which invokes Repack as its RepackFunc hook.
type Repacker struct {
	Ctxt    *mdal.Ctxt
	Backend dal.Backend
	Config  Config
	Logger  *utils.Logger

	// Metrics is optional; when set, every RepackContext call records its
	// outcome through it (see internal/metrics).
	Metrics *metrics.Collector
}

// member is one surviving packed file, loaded and ready to be re-emitted
// into the new object.
type member struct {
	refPath string
	pre     *codec.Pre
	post    *codec.Post
	meta    types.FileMetadata
	data    []byte
}

// Repack matches gc.RepackFunc's signature: bucket and objID identify the
// old, partially-orphaned packed object; mdRefPaths are the reference-tree
// paths of the MD files the GC scan found still referencing it. It runs
// with a background context; callers needing cancellation should call
// RepackContext directly.
func (r *Repacker) Repack(bucket, objID string, mdRefPaths []string) error {
	return r.RepackContext(context.Background(), bucket, objID, mdRefPaths)
}

// RepackContext does the actual consolidation work.
func (r *Repacker) RepackContext(ctx context.Context, bucket, objID string, mdRefPaths []string) error {
	if len(mdRefPaths) == 0 {
		return nil
	}
	logger := r.Logger
	if logger == nil {
		logger = utils.Default
	}
	logger = logger.With("repack")

	members := make([]*member, 0, len(mdRefPaths))
	for _, refPath := range mdRefPaths {
		m, err := r.loadMember(ctx, refPath)
		if err != nil {
			logger.Warn("failed to load repack member, skipping", map[string]interface{}{"path": refPath, "error": err.Error()})
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		if r.Metrics != nil {
			r.Metrics.RecordRepack(0, 1, 0)
		}
		return errors.New(errors.Internal, "no surviving repack members could be loaded").
			WithComponent("repack").WithDetail("objID", objID)
	}

	chunkSize := r.Config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = members[0].pre.ChunkSize
	}

	newPre := *members[0].pre
	newPre.Type = codec.ObjTypePacked
	newPre.ChunkNo = 0
	newPre.Unique = nextUnique(newPre.Unique)

	// Stamp every survivor's new layout up front so the recovery record
	// rendered below carries the final xattrs, not the pre-repack ones.
	var totalData int64
	for _, m := range members {
		m.pre.Type = codec.ObjTypePacked
		m.pre.Unique = newPre.Unique
		m.pre.ObjCtime = newPre.ObjCtime
		m.post.ObjType = codec.ObjTypePacked
		m.post.ObjOffset = totalData
		m.post.ObjectCount = len(members)
		totalData += int64(len(m.data))
	}

	bodies := make([]codec.RecoveryBody, len(members))
	for i, m := range members {
		mdPath := m.post.MDPath
		if mdPath == "" {
			mdPath = m.refPath
		}
		bodies[i] = codec.RecoveryBody{Pre: m.pre, Post: m.post, MDPath: mdPath}
	}
	footerInfo := &codec.RecoveryInfo{
		Head: codec.RecoveryHead{
			Version: codec.CurrentVersion,
			Mode:    members[0].meta.Mode, UID: members[0].meta.UID, GID: members[0].meta.GID,
			MTime:   members[0].meta.ModifyTime,
		},
		Bodies: bodies,
	}
	footerReserve, err := codec.FooterSize(footerInfo)
	if err != nil {
		return err
	}
	if totalData+footerReserve > chunkSize {
		if r.Metrics != nil {
			r.Metrics.RecordRepack(0, 1, 0)
		}
		return errors.New(errors.RepackOverflow, "repacked object would exceed chunk_size").
			WithComponent("repack").WithDetail("objID", objID).
			WithDetail("total_data", totalData).WithDetail("footer_reserve", footerReserve).
			WithDetail("chunk_size", chunkSize)
	}

	newObjID, err := newPre.ObjID().Encode()
	if err != nil {
		return err
	}

	stream, err := r.Backend.Open(ctx, dal.Handle{Bucket: newPre.Bucket, ObjID: newObjID, Mode: dal.ModePut})
	if err != nil {
		return errors.New(errors.TransportTransient, "dal open (repack put) failed").WithCause(err).WithComponent("repack")
	}

	for _, m := range members {
		if _, err := stream.Put(ctx, m.data); err != nil {
			_ = stream.Close(ctx, true, true)
			return errors.New(errors.TransportTransient, "dal put (repack member) failed").WithCause(err).WithComponent("repack")
		}
	}

	footerBytes, err := renderFooter(footerInfo)
	if err != nil {
		_ = stream.Close(ctx, true, true)
		return err
	}
	if _, err := stream.Put(ctx, footerBytes); err != nil {
		_ = stream.Close(ctx, true, true)
		return errors.New(errors.TransportTransient, "dal put (repack footer) failed").WithCause(err).WithComponent("repack")
	}
	if err := stream.Close(ctx, false, true); err != nil {
		return errors.New(errors.TransportTransient, "dal close (repack) failed").WithCause(err).WithComponent("repack")
	}

	for _, m := range members {
		if err := r.rewriteMember(m); err != nil {
			logger.Warn("failed to rewrite repacked xattrs, old object still referenced", map[string]interface{}{
				"path": m.refPath, "error": err.Error(),
			})
		}
	}

	logger.Info("repacked object", map[string]interface{}{
		"old_bucket": bucket, "old_objID": objID, "new_objID": newObjID, "members": len(members),
	})
	if r.Metrics != nil {
		r.Metrics.RecordRepack(1, 0, totalData)
	}
	return nil
}

// loadMember opens one surviving MD file by its reference-tree path, reads
// its Pre/Post xattrs, and fetches its user-data bytes out of the old
// object via a ranged DAL get bounded by Post.ObjOffset/BytesWritten — the
// same fields the write path stamped for this packed file.
func (r *Repacker) loadMember(ctx context.Context, refPath string) (*member, error) {
	fh, err := r.Ctxt.Openref(refPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	preRaw, err := fh.Getxattr(codec.XattrPre, true)
	if err != nil {
		return nil, err
	}
	postRaw, err := fh.Getxattr(codec.XattrPost, true)
	if err != nil {
		return nil, err
	}
	pre, err := codec.DecodePre(string(preRaw))
	if err != nil {
		return nil, err
	}
	post, err := codec.DecodePost(string(postRaw))
	if err != nil {
		return nil, err
	}
	meta, err := fh.Fstat()
	if err != nil {
		return nil, err
	}

	objID, err := pre.ObjID().Encode()
	if err != nil {
		return nil, err
	}
	stream, err := r.Backend.Open(ctx, dal.Handle{
		Bucket: pre.Bucket, ObjID: objID, Mode: dal.ModeGet,
		Offset: post.ObjOffset, Length: post.BytesWritten,
	})
	if err != nil {
		return nil, errors.New(errors.TransportTransient, "dal open (repack read) failed").WithCause(err).WithComponent("repack")
	}
	defer stream.Close(ctx, false, false)

	data := make([]byte, post.BytesWritten)
	if err := readFull(ctx, stream, data); err != nil {
		return nil, err
	}

	return &member{refPath: refPath, pre: pre, post: post, meta: *meta, data: data}, nil
}

func readFull(ctx context.Context, stream dal.Stream, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := stream.Get(ctx, buf[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.New(errors.TransportTransient, "dal get (repack read) failed").
				WithCause(err).WithComponent("repack")
		}
		if n == 0 {
			break
		}
	}
	if read != len(buf) {
		return errors.New(errors.Truncated, "repack member read fewer bytes than declared").WithComponent("repack")
	}
	return nil
}

// rewriteMember persists a survivor's updated Pre/Post xattrs. Updating
// Pre and Post is not atomic at the syscall level, but Pre always changes
// first: a reader that observes the new Post necessarily also observes
// the new Pre, and a crash between the two leaves the old object (still
// untouched) as the recoverable truth.
func (r *Repacker) rewriteMember(m *member) error {
	fh, err := r.Ctxt.Openref(m.refPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fh.Close()

	preStr, err := codec.EncodePre(m.pre)
	if err != nil {
		return err
	}
	if err := fh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		return err
	}
	postStr, err := codec.EncodePost(m.post)
	if err != nil {
		return err
	}
	return fh.Setxattr(codec.XattrPost, []byte(postStr), true)
}

// nextUnique bumps the Pre.Unique disambiguator so the repacked object
// gets a distinct ID even when its ObjCtime collides with the original
// within the same second, per the object-ID grammar's append-only
// invariant (overwriting/consolidating a file always gets a new ID).
func nextUnique(u uint8) uint8 { return u + 1 }

// renderFooter is the repack-local equivalent of the write path's
// sliceWriter + WriteRecoveryFooter pairing in internal/handle, kept
// separate since Packed objects append the recovery footer once after
// every member's data rather than once per chunk.
func renderFooter(info *codec.RecoveryInfo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := codec.WriteRecoveryFooter(&buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
