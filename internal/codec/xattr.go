package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// xattr names as stored on the MD file; the MDAL treats these as opaque
// byte strings and never interprets them itself.
const (
	XattrPre     = "user.marfs_pre"
	XattrPost    = "user.marfs_post"
	XattrRestart = "user.marfs_restart"
)

// Pre is the §3 Pre-xattr: everything fixed at object-creation time and
// needed to reconstruct the object ID without consulting the Post-xattr.
type Pre struct {
	Version     Version
	Bucket      string
	NSEncoded   string
	Type        ObjType
	Compression Selector
	Correction  Selector
	Encryption  Selector
	Inode       uint64
	MDCtime     time.Time
	ObjCtime    time.Time
	Unique      uint8
	ChunkSize   int64
	ChunkNo     uint64 // always 0 in a Pre; chunk N's URL is derived, not stored
}

// ObjID renders the object identifier chunk 0 corresponds to.
func (p *Pre) ObjID() *ObjID {
	return &ObjID{
		Version: p.Version, Bucket: p.Bucket, NSEncoded: p.NSEncoded, Type: p.Type,
		Compression: p.Compression, Correction: p.Correction, Encryption: p.Encryption,
		Inode: p.Inode, MDCtime: p.MDCtime, ObjCtime: p.ObjCtime, Unique: p.Unique,
		ChunkSize: p.ChunkSize, ChunkNo: p.ChunkNo,
	}
}

// EncodePre renders the Pre-xattr string: "ver.1_0|<objid>".
func EncodePre(p *Pre) (string, error) {
	id, err := p.ObjID().Encode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ver.%s|%s", p.Version, id), nil
}

// DecodePre parses the Pre-xattr string written by EncodePre.
func DecodePre(s string) (*Pre, error) {
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return nil, errors.New(errors.BadFormat, "malformed pre xattr")
	}
	verStr, err := field(parts[0], "ver.")
	if err != nil {
		return nil, err
	}
	ver, err := parseVersion(verStr)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(ver); err != nil {
		return nil, err
	}
	id, err := DecodeObjID(parts[1])
	if err != nil {
		return nil, err
	}
	return &Pre{
		Version: ver, Bucket: id.Bucket, NSEncoded: id.NSEncoded, Type: id.Type,
		Compression: id.Compression, Correction: id.Correction, Encryption: id.Encryption,
		Inode: id.Inode, MDCtime: id.MDCtime, ObjCtime: id.ObjCtime, Unique: id.Unique,
		ChunkSize: id.ChunkSize, ChunkNo: id.ChunkNo,
	}, nil
}

// Post is the §3 Post-xattr: filled in as the write completes, so it
// records what actually happened rather than what was planned.
type Post struct {
	Version        Version
	ObjType        ObjType // final type; a Fuse write that spans a chunk boundary is reclassified to Multi
	ObjOffset      int64   // byte offset of this file's data within a Packed object
	Flags          PostFlags
	MTime          time.Time
	BytesWritten   int64
	ObjectCount    int // chunks (Multi) or packed-file count sharing the object (Packed)
	ChunkInfoCount int // number of MultiChunkInfo records appended to the MD file
	Correction     Selector
	Encryption     Selector
	MDPath         string // absolute MDFS path, so an inode scan can recover it without a tree walk
}

// PostFlags are single-bit completion/corruption markers on Post.
type PostFlags uint32

const (
	PostFlagClosed PostFlags = 1 << iota
	PostFlagCorrupt
	PostFlagPackedFull
	PostFlagTrash
)

func (f PostFlags) Has(bit PostFlags) bool { return f&bit != 0 }

// EncodePost renders the Post-xattr string.
func EncodePost(p *Post) (string, error) {
	if err := checkVersion(p.Version); err != nil {
		return "", err
	}
	corr, enc := p.Correction, p.Encryption
	if corr == "" {
		corr = SelectorNone
	}
	if enc == "" {
		enc = SelectorNone
	}
	return fmt.Sprintf("ver.%s|type.%s|off.%x|flags.%x|mtime.%s|bytes.%x|objs.%d|cinfo.%d|corr.%s|enc.%s|path.%s",
		p.Version, p.ObjType, p.ObjOffset, uint32(p.Flags), p.MTime.UTC().Format(timeLayout),
		p.BytesWritten, p.ObjectCount, p.ChunkInfoCount, corr, enc, p.MDPath), nil
}

// DecodePost parses the Post-xattr string written by EncodePost.
func DecodePost(s string) (*Post, error) {
	segs := strings.SplitN(s, "|", 11)
	if len(segs) != 11 {
		return nil, errors.New(errors.Truncated, "post xattr has wrong segment count").WithDetail("segments", len(segs))
	}
	p := &Post{}

	verStr, err := field(segs[0], "ver.")
	if err != nil {
		return nil, err
	}
	if p.Version, err = parseVersion(verStr); err != nil {
		return nil, err
	}
	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}

	typeStr, err := field(segs[1], "type.")
	if err != nil {
		return nil, err
	}
	if p.ObjType, err = parseObjType(typeStr); err != nil {
		return nil, err
	}

	offStr, err := field(segs[2], "off.")
	if err != nil {
		return nil, err
	}
	off, err := strconv.ParseInt(offStr, 16, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post offset").WithCause(err)
	}
	p.ObjOffset = off

	flagsStr, err := field(segs[3], "flags.")
	if err != nil {
		return nil, err
	}
	flags, err := strconv.ParseUint(flagsStr, 16, 32)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post flags").WithCause(err)
	}
	p.Flags = PostFlags(flags)

	mtimeStr, err := field(segs[4], "mtime.")
	if err != nil {
		return nil, err
	}
	if p.MTime, err = time.Parse(timeLayout, mtimeStr); err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post mtime").WithCause(err)
	}

	bytesStr, err := field(segs[5], "bytes.")
	if err != nil {
		return nil, err
	}
	bytesWritten, err := strconv.ParseInt(bytesStr, 16, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post bytes").WithCause(err)
	}
	p.BytesWritten = bytesWritten

	objsStr, err := field(segs[6], "objs.")
	if err != nil {
		return nil, err
	}
	objs, err := strconv.Atoi(objsStr)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post objs").WithCause(err)
	}
	p.ObjectCount = objs

	cinfoStr, err := field(segs[7], "cinfo.")
	if err != nil {
		return nil, err
	}
	cinfo, err := strconv.Atoi(cinfoStr)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed post cinfo").WithCause(err)
	}
	p.ChunkInfoCount = cinfo

	corrStr, err := field(segs[8], "corr.")
	if err != nil {
		return nil, err
	}
	p.Correction = Selector(corrStr)

	encStr, err := field(segs[9], "enc.")
	if err != nil {
		return nil, err
	}
	p.Encryption = Selector(encStr)

	pathStr, err := field(segs[10], "path.")
	if err != nil {
		return nil, err
	}
	p.MDPath = pathStr

	return p, nil
}

// Restart marks an MD file whose write was interrupted mid-object; its
// presence (regardless of content) is what the garbage collector treats
// as "incomplete, needs reconciliation" for Fuse-type objects.
type Restart struct {
	Version       Version
	LastObjOffset int64
	Timestamp     time.Time
	PreserveMode  bool   // true when the open mode would have prevented xattr writes
	Mode          uint32 // the user's intended final mode, installed at successful close
}

// EncodeRestart renders the Restart-xattr string.
func EncodeRestart(r *Restart) (string, error) {
	if err := checkVersion(r.Version); err != nil {
		return "", err
	}
	preserve := 0
	if r.PreserveMode {
		preserve = 1
	}
	return fmt.Sprintf("ver.%s|lastoff.%x|ts.%s|pmode.%d|mode.%o",
		r.Version, r.LastObjOffset, r.Timestamp.UTC().Format(timeLayout), preserve, r.Mode), nil
}

// DecodeRestart parses the Restart-xattr string written by EncodeRestart.
func DecodeRestart(s string) (*Restart, error) {
	segs := strings.Split(s, "|")
	if len(segs) != 5 {
		return nil, errors.New(errors.Truncated, "restart xattr has wrong segment count")
	}
	r := &Restart{}
	verStr, err := field(segs[0], "ver.")
	if err != nil {
		return nil, err
	}
	if r.Version, err = parseVersion(verStr); err != nil {
		return nil, err
	}
	if err := checkVersion(r.Version); err != nil {
		return nil, err
	}
	offStr, err := field(segs[1], "lastoff.")
	if err != nil {
		return nil, err
	}
	off, err := strconv.ParseInt(offStr, 16, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed restart lastoff").WithCause(err)
	}
	r.LastObjOffset = off
	tsStr, err := field(segs[2], "ts.")
	if err != nil {
		return nil, err
	}
	if r.Timestamp, err = time.Parse(timeLayout, tsStr); err != nil {
		return nil, errors.New(errors.BadFormat, "malformed restart ts").WithCause(err)
	}
	pmodeStr, err := field(segs[3], "pmode.")
	if err != nil {
		return nil, err
	}
	r.PreserveMode = pmodeStr == "1"
	modeStr, err := field(segs[4], "mode.")
	if err != nil {
		return nil, err
	}
	mode, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed restart mode").WithCause(err)
	}
	r.Mode = uint32(mode)
	return r, nil
}
