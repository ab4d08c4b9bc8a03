package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// MultiChunkInfo is one fixed-size binary record appended to a Multi MD
// file's body per chunk actually written: enough for the garbage
// collector and repacker to revalidate a chunk without re-reading the
// whole object. Records are fixed-width so seek-to-chunk is O(1).
type MultiChunkInfo struct {
	ChunkNo    uint64
	ChunkSize  int64  // nominal chunk size at write time
	DataLength int64  // actual payload bytes in this chunk (last chunk may be short)
	CRC32      uint32 // checksum of this chunk's data, not its xattr
	Flags      uint32
}

const multiChunkInfoSize = 8 + 8 + 8 + 4 + 4 // = 32 bytes, fixed record width

// EncodeMultiChunkInfo writes one fixed-size record to w.
func EncodeMultiChunkInfo(w io.Writer, c *MultiChunkInfo) error {
	buf := make([]byte, multiChunkInfoSize)
	binary.BigEndian.PutUint64(buf[0:8], c.ChunkNo)
	binary.BigEndian.PutUint64(buf[8:16], uint64(c.ChunkSize))
	binary.BigEndian.PutUint64(buf[16:24], uint64(c.DataLength))
	binary.BigEndian.PutUint32(buf[24:28], c.CRC32)
	binary.BigEndian.PutUint32(buf[28:32], c.Flags)
	_, err := w.Write(buf)
	return err
}

// DecodeMultiChunkInfo reads one fixed-size record from r.
func DecodeMultiChunkInfo(r io.Reader) (*MultiChunkInfo, error) {
	buf := make([]byte, multiChunkInfoSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errors.New(errors.Truncated, "short multi-chunk-info record").WithCause(err)
		}
		return nil, err
	}
	return &MultiChunkInfo{
		ChunkNo:    binary.BigEndian.Uint64(buf[0:8]),
		ChunkSize:  int64(binary.BigEndian.Uint64(buf[8:16])),
		DataLength: int64(binary.BigEndian.Uint64(buf[16:24])),
		CRC32:      binary.BigEndian.Uint32(buf[24:28]),
		Flags:      binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}

// footerHeadMagic opens every recovery record so a reader that seeks to
// object_size - reclen can confirm it landed on a HEAD before trusting
// the rest.
var footerHeadMagic = [4]byte{'M', 'F', 'R', 'H'}

// RecoveryHead carries the create-time POSIX identity of the file whose
// data precedes this record: enough to reconstruct ownership and mode
// from object contents alone, with the codec version gating layout.
type RecoveryHead struct {
	Version Version
	Mode    uint32
	UID     uint32
	GID     uint32
	MTime   time.Time
}

// RecoveryBody is one per-file record: the Pre and Post xattr strings
// plus the absolute MDFS path. A Packed object carries one body per
// packed file; Uni/Multi objects carry exactly one.
type RecoveryBody struct {
	Pre    *Pre
	Post   *Post
	MDPath string
}

// RecoveryInfo is a full HEAD/BODY/TAIL recovery record: everything a
// recovery tool needs to rebuild an MD file from a bare stored object.
type RecoveryInfo struct {
	Head   RecoveryHead
	Bodies []RecoveryBody
}

const (
	footerHeadSize = 4 + 4 + 4 + 4 + 4 + 8 + 4 // magic, version, mode, uid, gid, mtime, body crc

	// FooterTailSize is the fixed width of the TAIL block: nfiles and
	// reclen, each 8 bytes, landing as the very last bytes of every
	// object so a reader can seek to end, read TAIL, and back up reclen
	// bytes to the HEAD.
	FooterTailSize = 8 + 8
)

func encodeBodies(bodies []RecoveryBody) ([]byte, error) {
	var buf bytes.Buffer
	for i := range bodies {
		b := &bodies[i]
		preStr, err := EncodePre(b.Pre)
		if err != nil {
			return nil, err
		}
		postStr := ""
		if b.Post != nil {
			if postStr, err = EncodePost(b.Post); err != nil {
				return nil, err
			}
		}
		for _, s := range []string{preStr, postStr, b.MDPath} {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
			buf.Write(lenBuf[:])
			buf.WriteString(s)
		}
	}
	return buf.Bytes(), nil
}

// WriteRecoveryFooter appends a HEAD/BODY/TAIL recovery record to w and
// returns the number of bytes written. The TAIL's reclen counts the
// whole record (HEAD through TAIL) so a reader holding only the
// object's tail bytes can locate HEAD without scanning from the start.
func WriteRecoveryFooter(w io.Writer, info *RecoveryInfo) (int64, error) {
	return writeFooter(w, info, 0)
}

// WriteRecoveryFooterPadded writes the record padded with leading zero
// bytes so that exactly reserve bytes are emitted, honoring the fixed
// per-chunk reservation: user_bytes + reserve == chunk_size at every
// chunk boundary. The TAIL still lands at the end and reclen still
// counts only the record proper, so object_size - reclen begins HEAD.
// Fails with Overflow when the record itself exceeds reserve.
func WriteRecoveryFooterPadded(w io.Writer, info *RecoveryInfo, reserve int64) (int64, error) {
	return writeFooter(w, info, reserve)
}

func writeFooter(w io.Writer, info *RecoveryInfo, reserve int64) (int64, error) {
	if err := checkVersion(info.Head.Version); err != nil {
		return 0, err
	}
	if len(info.Bodies) == 0 {
		return 0, errors.New(errors.InvalidArgument, "recovery record needs at least one body")
	}

	bodyBytes, err := encodeBodies(info.Bodies)
	if err != nil {
		return 0, err
	}
	recLen := int64(footerHeadSize + len(bodyBytes) + FooterTailSize)
	if reserve > 0 && recLen > reserve {
		return 0, errors.New(errors.Overflow, "recovery record exceeds reserved footer space").
			WithDetail("record", recLen).WithDetail("reserve", reserve)
	}

	var total int64
	if reserve > recLen {
		pad := make([]byte, reserve-recLen)
		n, err := w.Write(pad)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	head := make([]byte, footerHeadSize)
	copy(head[0:4], footerHeadMagic[:])
	binary.BigEndian.PutUint32(head[4:8], uint32(info.Head.Version.Major)<<16|uint32(info.Head.Version.Minor))
	binary.BigEndian.PutUint32(head[8:12], info.Head.Mode)
	binary.BigEndian.PutUint32(head[12:16], info.Head.UID)
	binary.BigEndian.PutUint32(head[16:20], info.Head.GID)
	binary.BigEndian.PutUint64(head[20:28], uint64(info.Head.MTime.UTC().Unix()))
	binary.BigEndian.PutUint32(head[28:32], crc32.ChecksumIEEE(bodyBytes))
	n, err := w.Write(head)
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(bodyBytes)
	total += int64(n)
	if err != nil {
		return total, err
	}

	tail := make([]byte, FooterTailSize)
	binary.BigEndian.PutUint64(tail[0:8], uint64(len(info.Bodies)))
	binary.BigEndian.PutUint64(tail[8:16], uint64(recLen))
	n, err = w.Write(tail)
	total += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

// ReadRecoveryFooter parses the recovery record whose TAIL occupies the
// final bytes of data: read TAIL, back up reclen, verify HEAD, then walk
// the body records. A Packed object written incrementally carries one
// complete record per packed file; callers can walk earlier records by
// stripping reclen bytes and calling again.
func ReadRecoveryFooter(data []byte) (*RecoveryInfo, error) {
	if len(data) < footerHeadSize+FooterTailSize {
		return nil, errors.New(errors.Truncated, "recovery record shorter than minimum size")
	}
	tail := data[len(data)-FooterTailSize:]
	nfiles := binary.BigEndian.Uint64(tail[0:8])
	recLen := binary.BigEndian.Uint64(tail[8:16])
	if recLen < uint64(footerHeadSize+FooterTailSize) || recLen > uint64(len(data)) {
		return nil, errors.New(errors.BadFormat, "recovery record length out of range").
			WithDetail("reclen", recLen).WithDetail("available", len(data))
	}

	head := data[uint64(len(data))-recLen:]
	if !bytes.Equal(head[0:4], footerHeadMagic[:]) {
		return nil, errors.New(errors.BadFormat, "missing recovery record head magic")
	}
	verWord := binary.BigEndian.Uint32(head[4:8])
	ver := Version{Major: uint16(verWord >> 16), Minor: uint16(verWord & 0xffff)}
	if err := checkVersion(ver); err != nil {
		return nil, err
	}
	info := &RecoveryInfo{Head: RecoveryHead{
		Version: ver,
		Mode:    binary.BigEndian.Uint32(head[8:12]),
		UID:     binary.BigEndian.Uint32(head[12:16]),
		GID:     binary.BigEndian.Uint32(head[16:20]),
		MTime:   time.Unix(int64(binary.BigEndian.Uint64(head[20:28])), 0).UTC(),
	}}

	body := head[footerHeadSize : recLen-FooterTailSize]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(head[28:32]) {
		return nil, errors.New(errors.BadFormat, "recovery record body checksum mismatch")
	}

	r := bytes.NewReader(body)
	for i := uint64(0); i < nfiles; i++ {
		var b RecoveryBody
		fields := make([]string, 3)
		for j := range fields {
			var lenBuf [4]byte
			if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
				return nil, errors.New(errors.Truncated, "recovery body record short").WithCause(err)
			}
			fieldBuf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
			if _, err := io.ReadFull(r, fieldBuf); err != nil {
				return nil, errors.New(errors.Truncated, "recovery body field short").WithCause(err)
			}
			fields[j] = string(fieldBuf)
		}
		pre, err := DecodePre(fields[0])
		if err != nil {
			return nil, err
		}
		b.Pre = pre
		if fields[1] != "" {
			post, err := DecodePost(fields[1])
			if err != nil {
				return nil, err
			}
			b.Post = post
		}
		b.MDPath = fields[2]
		info.Bodies = append(info.Bodies, b)
	}
	if r.Len() != 0 {
		return nil, errors.New(errors.BadFormat, "recovery record has trailing body bytes").
			WithDetail("extra", r.Len())
	}
	return info, nil
}

// FooterSize computes the exact byte length WriteRecoveryFooter would
// produce for info, letting C5 size its fixed per-chunk reservation.
func FooterSize(info *RecoveryInfo) (int64, error) {
	bodyBytes, err := encodeBodies(info.Bodies)
	if err != nil {
		return 0, err
	}
	return int64(footerHeadSize + len(bodyBytes) + FooterTailSize), nil
}
