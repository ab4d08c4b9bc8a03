// Package codec implements the bit-exact object-ID grammar, Pre/Post/Restart
// xattr strings, MultiChunkInfo binary records, and the streaming
// recovery-footer writer/reader described in the design's data model. All
// functions here are pure and allocation-bounded: no I/O happens in this
// package, only encode/decode of in-memory structs to/from the wire forms
// object storage and MD-file xattrs actually carry.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// Version is the leading version tag every encoded string or binary record
// carries; unknown versions fail closed with UnsupportedVersion so future
// format changes can be introduced without corrupting old objects.
type Version struct {
	Major uint16
	Minor uint16
}

// CurrentVersion is the only version this codec emits. Readers accept
// CurrentVersion and document any older version they still understand.
var CurrentVersion = Version{Major: 1, Minor: 0}

func (v Version) String() string { return fmt.Sprintf("%d_%d", v.Major, v.Minor) }

func parseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return Version{}, errors.New(errors.BadFormat, "malformed version tag "+s)
	}
	maj, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Version{}, errors.New(errors.BadFormat, "malformed version major "+s)
	}
	min, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Version{}, errors.New(errors.BadFormat, "malformed version minor "+s)
	}
	return Version{Major: uint16(maj), Minor: uint16(min)}, nil
}

// checkVersion rejects anything newer than CurrentVersion.Major; a reader
// built against major version N can refuse N+1 rather than misparse it.
func checkVersion(v Version) error {
	if v.Major > CurrentVersion.Major {
		return errors.New(errors.UnsupportedVersion, fmt.Sprintf("unsupported object version %s", v)).
			WithDetail("major", v.Major).WithDetail("minor", v.Minor)
	}
	return nil
}

// ObjType is the stored-object type tag (§3).
type ObjType uint8

const (
	ObjTypeUni ObjType = iota
	ObjTypeMulti
	ObjTypePacked
	ObjTypeStriped
	ObjTypeFuse
	ObjTypeNto1
)

func (t ObjType) String() string {
	switch t {
	case ObjTypeUni:
		return "Uni"
	case ObjTypeMulti:
		return "Multi"
	case ObjTypePacked:
		return "Packed"
	case ObjTypeStriped:
		return "Striped"
	case ObjTypeFuse:
		return "Fuse"
	case ObjTypeNto1:
		return "Nto1"
	default:
		return "Unknown"
	}
}

func parseObjType(s string) (ObjType, error) {
	switch s {
	case "Uni":
		return ObjTypeUni, nil
	case "Multi":
		return ObjTypeMulti, nil
	case "Packed":
		return ObjTypePacked, nil
	case "Striped":
		return ObjTypeStriped, nil
	case "Fuse":
		return ObjTypeFuse, nil
	case "Nto1":
		return ObjTypeNto1, nil
	default:
		return 0, errors.New(errors.BadFormat, "unknown object type "+s)
	}
}

// Selector is a compression/correction/encryption algorithm tag; "none" is
// the zero value so Pre-xattrs for unprotected objects encode compactly.
type Selector string

const SelectorNone Selector = "none"

// ObjID is the decoded form of the bit-exact object identifier grammar:
//
//	<bucket>/ver.<maj>_<min>/ns.<encoded_ns>/<type>:<comp>:<corr>:<enc>/
//	inode.<10-hex>/md_ctime.<rfc3339>/obj_ctime.<rfc3339>/unq.<u8>/
//	chnksz.<hex>/chnkno.<lu>
//
// The bucket is the repo name; NS names are '/'->'-' encoded before
// embedding (see pkg/utils.EncodeNamespaceName) since S3 bucket-relative
// keys disallow '/' in that position.
type ObjID struct {
	Version     Version
	Bucket      string // repo name
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
	ChunkNo     uint64
}

const (
	maxBucketLen = 63 - 8 // reserve room for an NS alias suffix some backends append
	timeLayout   = time.RFC3339
	maxObjIDLen  = 1024
)

// Encode renders the object ID to its wire string form.
func (o *ObjID) Encode() (string, error) {
	if err := checkVersion(o.Version); err != nil {
		return "", err
	}
	if len(o.Bucket) == 0 || len(o.Bucket) > maxBucketLen {
		return "", errors.New(errors.Overflow, "bucket name overflow").WithDetail("bucket", o.Bucket)
	}
	comp, corr, enc := o.Compression, o.Correction, o.Encryption
	if comp == "" {
		comp = SelectorNone
	}
	if corr == "" {
		corr = SelectorNone
	}
	if enc == "" {
		enc = SelectorNone
	}

	segs := []string{
		o.Bucket,
		"ver." + o.Version.String(),
		"ns." + o.NSEncoded,
		fmt.Sprintf("%s:%s:%s:%s", o.Type, comp, corr, enc),
		fmt.Sprintf("inode.%010x", o.Inode),
		"md_ctime." + o.MDCtime.UTC().Format(timeLayout),
		"obj_ctime." + o.ObjCtime.UTC().Format(timeLayout),
		fmt.Sprintf("unq.%d", o.Unique),
		fmt.Sprintf("chnksz.%x", o.ChunkSize),
		fmt.Sprintf("chnkno.%d", o.ChunkNo),
	}
	id := strings.Join(segs, "/")
	if len(id) > maxObjIDLen {
		return "", errors.New(errors.Overflow, "object id overflow")
	}
	return id, nil
}

// DecodeObjID parses the wire string form produced by Encode.
func DecodeObjID(s string) (*ObjID, error) {
	segs := strings.Split(s, "/")
	if len(segs) != 10 {
		return nil, errors.New(errors.Truncated, "object id has wrong segment count").WithDetail("segments", len(segs))
	}

	o := &ObjID{Bucket: segs[0]}

	ver, err := field(segs[1], "ver.")
	if err != nil {
		return nil, err
	}
	if o.Version, err = parseVersion(ver); err != nil {
		return nil, err
	}
	if err := checkVersion(o.Version); err != nil {
		return nil, err
	}

	ns, err := field(segs[2], "ns.")
	if err != nil {
		return nil, err
	}
	o.NSEncoded = ns

	typeSeg := strings.Split(segs[3], ":")
	if len(typeSeg) != 4 {
		return nil, errors.New(errors.BadFormat, "malformed type/comp/corr/enc segment")
	}
	if o.Type, err = parseObjType(typeSeg[0]); err != nil {
		return nil, err
	}
	o.Compression, o.Correction, o.Encryption = Selector(typeSeg[1]), Selector(typeSeg[2]), Selector(typeSeg[3])

	inodeStr, err := field(segs[4], "inode.")
	if err != nil {
		return nil, err
	}
	inode, err := strconv.ParseUint(inodeStr, 16, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed inode field").WithCause(err)
	}
	o.Inode = inode

	mdCtimeStr, err := field(segs[5], "md_ctime.")
	if err != nil {
		return nil, err
	}
	if o.MDCtime, err = time.Parse(timeLayout, mdCtimeStr); err != nil {
		return nil, errors.New(errors.BadFormat, "malformed md_ctime field").WithCause(err)
	}

	objCtimeStr, err := field(segs[6], "obj_ctime.")
	if err != nil {
		return nil, err
	}
	if o.ObjCtime, err = time.Parse(timeLayout, objCtimeStr); err != nil {
		return nil, errors.New(errors.BadFormat, "malformed obj_ctime field").WithCause(err)
	}

	unqStr, err := field(segs[7], "unq.")
	if err != nil {
		return nil, err
	}
	unq, err := strconv.ParseUint(unqStr, 10, 8)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed unq field").WithCause(err)
	}
	o.Unique = uint8(unq)

	chnkszStr, err := field(segs[8], "chnksz.")
	if err != nil {
		return nil, err
	}
	chnksz, err := strconv.ParseInt(chnkszStr, 16, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed chnksz field").WithCause(err)
	}
	o.ChunkSize = chnksz

	chnknoStr, err := field(segs[9], "chnkno.")
	if err != nil {
		return nil, err
	}
	chnkno, err := strconv.ParseUint(chnknoStr, 10, 64)
	if err != nil {
		return nil, errors.New(errors.BadFormat, "malformed chnkno field").WithCause(err)
	}
	o.ChunkNo = chnkno

	return o, nil
}

func field(seg, prefix string) (string, error) {
	if !strings.HasPrefix(seg, prefix) {
		return "", errors.New(errors.BadFormat, "expected field prefix "+prefix).WithDetail("segment", seg)
	}
	return strings.TrimPrefix(seg, prefix), nil
}

// WithChunkNo returns a copy of the ID with a new chunk number, used when
// the write path advances to the next chunk within one logical file; the
// object-ID grammar is otherwise identical across chunks of one Multi file.
func (o *ObjID) WithChunkNo(n uint64) *ObjID {
	cp := *o
	cp.ChunkNo = n
	return &cp
}

// ChunkURL derives the nth chunk's object key by substituting chnkno in an
// already-encoded object ID string, matching the invariant that "per-chunk
// URLs are derived by substitution" from the chunk-0 Pre.chunk_no.
func ChunkURL(base string, chunkNo uint64) (string, error) {
	id, err := DecodeObjID(base)
	if err != nil {
		return "", err
	}
	id.ChunkNo = chunkNo
	return id.Encode()
}
