package codec

import (
	"bytes"
	"testing"
	"time"
)

func samplePre(chunkNo uint64) *Pre {
	return &Pre{
		Version: CurrentVersion, Bucket: "repo1", NSEncoded: "proj-data",
		Type: ObjTypeMulti, Compression: SelectorNone, Correction: SelectorNone, Encryption: SelectorNone,
		Inode: 99, MDCtime: time.Now().UTC().Truncate(time.Second), ObjCtime: time.Now().UTC().Truncate(time.Second),
		Unique: 0, ChunkSize: 1 << 20, ChunkNo: chunkNo,
	}
}

func sampleRecoveryInfo() *RecoveryInfo {
	return &RecoveryInfo{
		Head: RecoveryHead{
			Version: CurrentVersion, Mode: 0o640, UID: 1001, GID: 2002,
			MTime: time.Now().UTC().Truncate(time.Second),
		},
		Bodies: []RecoveryBody{{
			Pre: samplePre(0),
			Post: &Post{
				Version: CurrentVersion, ObjType: ObjTypeMulti, Flags: PostFlagClosed,
				MTime: time.Now().UTC().Truncate(time.Second), BytesWritten: 512,
				ObjectCount: 2, ChunkInfoCount: 2,
				Correction: SelectorNone, Encryption: SelectorNone,
				MDPath: "/mdfs/ns/proj/data/file.bin",
			},
			MDPath: "/mdfs/ns/proj/data/file.bin",
		}},
	}
}

func TestMultiChunkInfoRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := MultiChunkInfo{ChunkNo: 3, ChunkSize: 4096, DataLength: 2048, CRC32: 0x12345678, Flags: 7}
	if err := EncodeMultiChunkInfo(&buf, &want); err != nil {
		t.Fatalf("EncodeMultiChunkInfo() error = %v", err)
	}
	got, err := DecodeMultiChunkInfo(&buf)
	if err != nil {
		t.Fatalf("DecodeMultiChunkInfo() error = %v", err)
	}
	if *got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", *got, want)
	}
}

func TestRecoveryFooterRoundTrip(t *testing.T) {
	info := sampleRecoveryInfo()

	var dataAndFooter bytes.Buffer
	dataAndFooter.WriteString("some object payload bytes go here")
	n, err := WriteRecoveryFooter(&dataAndFooter, info)
	if err != nil {
		t.Fatalf("WriteRecoveryFooter() error = %v", err)
	}
	if n <= 0 {
		t.Fatalf("WriteRecoveryFooter() returned n = %d, want > 0", n)
	}

	got, err := ReadRecoveryFooter(dataAndFooter.Bytes())
	if err != nil {
		t.Fatalf("ReadRecoveryFooter() error = %v", err)
	}
	if got.Head.Mode != info.Head.Mode || got.Head.UID != info.Head.UID || got.Head.GID != info.Head.GID {
		t.Errorf("head mismatch: got %+v, want %+v", got.Head, info.Head)
	}
	if !got.Head.MTime.Equal(info.Head.MTime) {
		t.Errorf("head mtime = %v, want %v", got.Head.MTime, info.Head.MTime)
	}
	if len(got.Bodies) != 1 {
		t.Fatalf("body count = %d, want 1", len(got.Bodies))
	}
	b := got.Bodies[0]
	if b.Pre.Bucket != "repo1" || b.Pre.Inode != 99 {
		t.Errorf("body pre mismatch: got %+v", b.Pre)
	}
	if b.Post == nil || b.Post.BytesWritten != 512 || b.Post.ObjectCount != 2 {
		t.Errorf("body post mismatch: got %+v", b.Post)
	}
	if b.MDPath != "/mdfs/ns/proj/data/file.bin" {
		t.Errorf("body mdpath = %q", b.MDPath)
	}
}

func TestRecoveryFooterPackedBodies(t *testing.T) {
	info := sampleRecoveryInfo()
	info.Bodies[0].Pre.Type = ObjTypePacked
	for i := 1; i < 3; i++ {
		b := info.Bodies[0]
		pre := *b.Pre
		post := *b.Post
		post.ObjOffset = int64(i) * 100
		info.Bodies = append(info.Bodies, RecoveryBody{Pre: &pre, Post: &post, MDPath: b.MDPath})
	}

	var buf bytes.Buffer
	if _, err := WriteRecoveryFooter(&buf, info); err != nil {
		t.Fatalf("WriteRecoveryFooter() error = %v", err)
	}
	got, err := ReadRecoveryFooter(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadRecoveryFooter() error = %v", err)
	}
	if len(got.Bodies) != 3 {
		t.Fatalf("body count = %d, want 3", len(got.Bodies))
	}
	if got.Bodies[2].Post.ObjOffset != 200 {
		t.Errorf("body 2 obj offset = %d, want 200", got.Bodies[2].Post.ObjOffset)
	}
}

func TestRecoveryFooterPadded(t *testing.T) {
	info := sampleRecoveryInfo()
	exact, err := FooterSize(info)
	if err != nil {
		t.Fatalf("FooterSize() error = %v", err)
	}

	reserve := exact + 137
	var buf bytes.Buffer
	n, err := WriteRecoveryFooterPadded(&buf, info, reserve)
	if err != nil {
		t.Fatalf("WriteRecoveryFooterPadded() error = %v", err)
	}
	if n != reserve {
		t.Fatalf("padded write emitted %d bytes, want %d", n, reserve)
	}
	if _, err := ReadRecoveryFooter(buf.Bytes()); err != nil {
		t.Fatalf("ReadRecoveryFooter() on padded record error = %v", err)
	}

	if _, err := WriteRecoveryFooterPadded(&bytes.Buffer{}, info, exact-1); err == nil {
		t.Fatal("expected Overflow for reserve smaller than record")
	}
}

func TestReadRecoveryFooterTruncated(t *testing.T) {
	if _, err := ReadRecoveryFooter([]byte("too short")); err == nil {
		t.Fatal("expected error for truncated record")
	}
}

func TestReadRecoveryFooterCorruptBody(t *testing.T) {
	info := sampleRecoveryInfo()
	var buf bytes.Buffer
	if _, err := WriteRecoveryFooter(&buf, info); err != nil {
		t.Fatalf("WriteRecoveryFooter() error = %v", err)
	}
	data := buf.Bytes()
	// Flip a byte inside the body region to break the CRC check.
	data[footerHeadSize+2] ^= 0xff
	if _, err := ReadRecoveryFooter(data); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestFooterSize(t *testing.T) {
	info := sampleRecoveryInfo()
	size, err := FooterSize(info)
	if err != nil {
		t.Fatalf("FooterSize() error = %v", err)
	}

	var buf bytes.Buffer
	n, err := WriteRecoveryFooter(&buf, info)
	if err != nil {
		t.Fatalf("WriteRecoveryFooter() error = %v", err)
	}
	if size != n {
		t.Errorf("FooterSize() = %d, want %d", size, n)
	}
}
