package gc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/mdal"
)

func testCtxt(t *testing.T) *mdal.Ctxt {
	t.Helper()
	root := t.TempDir()
	if err := mdal.CreateNamespace(root, 0o750); err != nil {
		t.Fatalf("CreateNamespace() error = %v", err)
	}
	ctxt, err := mdal.Newctxt(root, "")
	if err != nil {
		t.Fatalf("Newctxt() error = %v", err)
	}
	t.Cleanup(func() { ctxt.Destroyctxt() })
	return ctxt
}

func basePre(bucket string, unique uint8) *codec.Pre {
	return &codec.Pre{
		Version: codec.Version{Major: 1, Minor: 0}, Bucket: bucket, NSEncoded: "ns1",
		Type: codec.ObjTypeUni, Inode: 42, MDCtime: time.Unix(1000, 0), ObjCtime: time.Unix(1000, 0),
		Unique: unique, ChunkSize: 1 << 20,
	}
}

func basePost(objType codec.ObjType, flags codec.PostFlags) *codec.Post {
	return &codec.Post{
		Version: codec.Version{Major: 1, Minor: 0}, ObjType: objType, Flags: flags,
		MTime: time.Now().Add(-time.Hour), BytesWritten: 100, ObjectCount: 1,
	}
}

// writeTrashEntry creates one reference-tree trash file with the given
// Pre/Post/Restart xattrs, returning its ref-relative name.
func writeTrashEntry(t *testing.T, ctxt *mdal.Ctxt, trashDir, name string, pre *codec.Pre, post *codec.Post, restart *codec.Restart, chunks []codec.MultiChunkInfo) {
	t.Helper()
	full := trashDir + "/" + name
	fh, err := ctxt.Openref(full, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o640)
	if err != nil {
		t.Fatalf("Openref(%s) error = %v", full, err)
	}
	defer fh.Close()

	for _, ci := range chunks {
		if err := codec.EncodeMultiChunkInfo(chunkWriter{fh}, &ci); err != nil {
			t.Fatalf("EncodeMultiChunkInfo() error = %v", err)
		}
	}

	preStr, err := codec.EncodePre(pre)
	if err != nil {
		t.Fatalf("EncodePre() error = %v", err)
	}
	if err := fh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		t.Fatalf("Setxattr(pre) error = %v", err)
	}
	postStr, err := codec.EncodePost(post)
	if err != nil {
		t.Fatalf("EncodePost() error = %v", err)
	}
	if err := fh.Setxattr(codec.XattrPost, []byte(postStr), true); err != nil {
		t.Fatalf("Setxattr(post) error = %v", err)
	}
	if restart != nil {
		restartStr, err := codec.EncodeRestart(restart)
		if err != nil {
			t.Fatalf("EncodeRestart() error = %v", err)
		}
		if err := fh.Setxattr(codec.XattrRestart, []byte(restartStr), true); err != nil {
			t.Fatalf("Setxattr(restart) error = %v", err)
		}
	}
}

// chunkWriter adapts *mdal.FileHandle's Write(buf) method to io.Writer.
type chunkWriter struct{ fh *mdal.FileHandle }

func (w chunkWriter) Write(p []byte) (int, error) { return w.fh.Write(p) }

func mkTrashDir(t *testing.T, ctxt *mdal.Ctxt, dir string) {
	t.Helper()
	if err := ctxt.Createrefdir(dir, 0o750); err != nil {
		t.Fatalf("Createrefdir(%s) error = %v", dir, err)
	}
}

func TestUniEntryEnqueuesSingleDelete(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 1)
	post := basePost(codec.ObjTypeUni, codec.PostFlagTrash)
	id, err := pre.ObjID().Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	backend.seed(pre.Bucket, id, []byte("payload"))
	writeTrashEntry(t, ctxt, "trash", "f1", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", report.Deleted)
	}
	if backend.exists(pre.Bucket, id) {
		t.Error("uni object still present after GC")
	}
	if _, err := ctxt.Statref("trash/f1"); err == nil {
		t.Error("trash MD entry still present after GC")
	}
}

func TestMultiEntryEnumeratesAllChunks(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 1)
	pre.Type = codec.ObjTypeMulti
	post := basePost(codec.ObjTypeMulti, codec.PostFlagTrash)
	post.ObjectCount = 3
	for i := 0; i < 3; i++ {
		id, err := pre.ObjID().WithChunkNo(uint64(i)).Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		backend.seed(pre.Bucket, id, []byte("chunk"))
	}
	writeTrashEntry(t, ctxt, "trash", "f2", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deleted != 3 {
		t.Errorf("Deleted = %d, want 3", report.Deleted)
	}
	for i := 0; i < 3; i++ {
		id, _ := pre.ObjID().WithChunkNo(uint64(i)).Encode()
		if backend.exists(pre.Bucket, id) {
			t.Errorf("chunk %d still present after GC", i)
		}
	}
}

func TestRestartNto1EnumeratesOnlyWrittenChunks(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 1)
	pre.Type = codec.ObjTypeNto1
	post := basePost(codec.ObjTypeMulti, codec.PostFlagTrash)
	restart := &codec.Restart{Version: pre.Version, Timestamp: time.Now()}

	// chunk 1 never written (DataLength 0); chunks 0 and 2 were written.
	chunks := []codec.MultiChunkInfo{
		{ChunkNo: 0, ChunkSize: 1024, DataLength: 1024},
		{ChunkNo: 1, ChunkSize: 1024, DataLength: 0},
		{ChunkNo: 2, ChunkSize: 1024, DataLength: 512},
	}
	for _, ci := range chunks {
		id, _ := pre.ObjID().WithChunkNo(ci.ChunkNo).Encode()
		backend.seed(pre.Bucket, id, []byte("data"))
	}
	writeTrashEntry(t, ctxt, "trash", "f3", pre, post, restart, chunks)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2 (only written chunks)", report.Deleted)
	}
	id1, _ := pre.ObjID().WithChunkNo(1).Encode()
	if !backend.exists(pre.Bucket, id1) {
		t.Error("never-written chunk 1 was deleted, should have been skipped")
	}
}

func TestFuseRestartStopsAtFirstZeroLengthRecord(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 1)
	pre.Type = codec.ObjTypeMulti
	post := basePost(codec.ObjTypeFuse, codec.PostFlagTrash)
	restart := &codec.Restart{Version: pre.Version, Timestamp: time.Now()}

	// sequential prefix: chunks 0,1 written, then 2,3 never reached.
	chunks := []codec.MultiChunkInfo{
		{ChunkNo: 0, ChunkSize: 1024, DataLength: 1024},
		{ChunkNo: 1, ChunkSize: 1024, DataLength: 1024},
		{ChunkNo: 2, ChunkSize: 1024, DataLength: 0},
		{ChunkNo: 3, ChunkSize: 1024, DataLength: 1024}, // must be ignored: past the zero record
	}
	for _, ci := range chunks {
		id, _ := pre.ObjID().WithChunkNo(ci.ChunkNo).Encode()
		backend.seed(pre.Bucket, id, []byte("data"))
	}
	writeTrashEntry(t, ctxt, "trash", "f4", pre, post, restart, chunks)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deleted != 2 {
		t.Errorf("Deleted = %d, want 2 (sequential prefix only)", report.Deleted)
	}
	id3, _ := pre.ObjID().WithChunkNo(3).Encode()
	if !backend.exists(pre.Bucket, id3) {
		t.Error("chunk past the zero-length record was deleted, should have been left alone")
	}
}

func TestPackedOrphanedObjectDeleted(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 5)
	pre.Type = codec.ObjTypeUni
	id, _ := pre.ObjID().Encode()
	backend.seed(pre.Bucket, id, []byte("packed"))

	post := basePost(codec.ObjTypePacked, codec.PostFlagTrash)
	post.ObjectCount = 2 // two files share this packed object
	writeTrashEntry(t, ctxt, "trash", "p1", pre, post, nil, nil)
	writeTrashEntry(t, ctxt, "trash", "p2", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.PackedOrphaned != 1 {
		t.Errorf("PackedOrphaned = %d, want 1", report.PackedOrphaned)
	}
	if backend.exists(pre.Bucket, id) {
		t.Error("fully orphaned packed object still present")
	}
}

func TestPackedPartiallyLiveTriggersRepackCallback(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 6)
	id, _ := pre.ObjID().Encode()
	backend.seed(pre.Bucket, id, []byte("packed"))

	post := basePost(codec.ObjTypePacked, codec.PostFlagTrash)
	post.ObjectCount = 3 // declares 3 files, only 1 observed in trash
	writeTrashEntry(t, ctxt, "trash", "p3", pre, post, nil, nil)

	var gotBucket, gotObjID string
	var gotPaths []string
	c := &Collector{
		Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2},
		Repack: func(bucket, objID string, mdPaths []string) error {
			gotBucket, gotObjID, gotPaths = bucket, objID, mdPaths
			return nil
		},
	}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.PackedLive != 1 || report.RepackCandidates != 1 {
		t.Errorf("PackedLive = %d, RepackCandidates = %d, want 1, 1", report.PackedLive, report.RepackCandidates)
	}
	if gotBucket != pre.Bucket || gotObjID != id {
		t.Errorf("Repack callback got bucket=%q objID=%q, want %q %q", gotBucket, gotObjID, pre.Bucket, id)
	}
	if len(gotPaths) != 1 {
		t.Errorf("Repack callback got %d surviving md paths, want 1", len(gotPaths))
	}
	if !backend.exists(pre.Bucket, id) {
		t.Error("partially live packed object must not be deleted")
	}
}

func TestPackedPartiallyLiveWithoutCallbackWarnsOnly(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 7)
	id, _ := pre.ObjID().Encode()
	backend.seed(pre.Bucket, id, []byte("packed"))

	post := basePost(codec.ObjTypePacked, codec.PostFlagTrash)
	post.ObjectCount = 2
	writeTrashEntry(t, ctxt, "trash", "p4", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.PackedLive != 1 {
		t.Errorf("PackedLive = %d, want 1", report.PackedLive)
	}
	if report.RepackCandidates != 0 {
		t.Errorf("RepackCandidates = %d, want 0 with no callback configured", report.RepackCandidates)
	}
}

func TestDryRunUpdatesCountersWithoutDeleting(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 2)
	post := basePost(codec.ObjTypeUni, codec.PostFlagTrash)
	id, _ := pre.ObjID().Encode()
	backend.seed(pre.Bucket, id, []byte("payload"))
	writeTrashEntry(t, ctxt, "trash", "f5", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2, DryRun: true}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.WouldDelete != 1 {
		t.Errorf("WouldDelete = %d, want 1", report.WouldDelete)
	}
	if report.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 in dry-run mode", report.Deleted)
	}
	if !backend.exists(pre.Bucket, id) {
		t.Error("dry-run deleted the object, should have left it in place")
	}
	if _, err := ctxt.Statref("trash/f5"); err != nil {
		t.Error("dry-run removed the trash MD entry, should have left it in place")
	}
}

func TestAgeThresholdSkipsYoungEntries(t *testing.T) {
	ctxt := testCtxt(t)
	mkTrashDir(t, ctxt, "trash")
	backend := newFakeBackend()

	pre := basePre("b1", 3)
	post := basePost(codec.ObjTypeUni, codec.PostFlagTrash)
	post.MTime = time.Now() // too young to collect
	id, _ := pre.ObjID().Encode()
	backend.seed(pre.Bucket, id, []byte("payload"))
	writeTrashEntry(t, ctxt, "trash", "f6", pre, post, nil, nil)

	c := &Collector{Ctxt: ctxt, Backend: backend, Config: Config{Workers: 2, AgeThreshold: time.Hour}}
	report, err := c.Run(context.Background(), "trash")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deleted != 0 {
		t.Errorf("Deleted = %d, want 0 for an entry younger than AgeThreshold", report.Deleted)
	}
	if !backend.exists(pre.Bucket, id) {
		t.Error("young entry was collected despite AgeThreshold")
	}
}
