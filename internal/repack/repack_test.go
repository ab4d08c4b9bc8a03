package repack

import (
	"os"
	"testing"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

func newTestCtxt(t *testing.T) *mdal.Ctxt {
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

// seedMember writes refPath as a reference-tree file carrying Pre/Post
// xattrs for a packed file living at oldObjID, offset bytes into it. The
// caller is responsible for seeding the old object's full byte contents in
// backend once all of its members are known.
func seedMember(t *testing.T, ctxt *mdal.Ctxt, backend *fakeBackend, refPath, bucket, oldObjID string, offset int64, data []byte, ctime time.Time) {
	t.Helper()
	fh, err := ctxt.Openref(refPath, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		t.Fatalf("Openref(%s) error = %v", refPath, err)
	}
	defer fh.Close()

	pre := &codec.Pre{
		Version: codec.CurrentVersion, Bucket: bucket, NSEncoded: "ns",
		Type: codec.ObjTypePacked, Compression: codec.SelectorNone, Correction: codec.SelectorNone,
		Encryption: codec.SelectorNone, Inode: 42, MDCtime: ctime, ObjCtime: ctime,
		Unique: 0, ChunkSize: 1 << 20,
	}
	// The member's own Pre.ObjID must resolve to the pre-repack object it
	// currently lives in, so stamp that ID's identifying fields directly.
	oldID, err := codec.DecodeObjID(oldObjID)
	if err != nil {
		t.Fatalf("DecodeObjID(%s) error = %v", oldObjID, err)
	}
	pre.Bucket, pre.NSEncoded, pre.Inode = oldID.Bucket, oldID.NSEncoded, oldID.Inode
	pre.MDCtime, pre.ObjCtime, pre.Unique, pre.ChunkSize = oldID.MDCtime, oldID.ObjCtime, oldID.Unique, oldID.ChunkSize

	preStr, err := codec.EncodePre(pre)
	if err != nil {
		t.Fatalf("EncodePre() error = %v", err)
	}
	if err := fh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		t.Fatalf("Setxattr(pre) error = %v", err)
	}

	post := &codec.Post{
		Version: codec.CurrentVersion, ObjType: codec.ObjTypePacked,
		ObjOffset: offset, MTime: ctime, BytesWritten: int64(len(data)),
		ObjectCount: 1, MDPath: "/ns/" + refPath,
	}
	postStr, err := codec.EncodePost(post)
	if err != nil {
		t.Fatalf("EncodePost() error = %v", err)
	}
	if err := fh.Setxattr(codec.XattrPost, []byte(postStr), true); err != nil {
		t.Fatalf("Setxattr(post) error = %v", err)
	}

}

func oldObjIDFor(t *testing.T, bucket string, ctime time.Time) string {
	t.Helper()
	id := &codec.ObjID{
		Version: codec.CurrentVersion, Bucket: bucket, NSEncoded: "ns", Type: codec.ObjTypePacked,
		Compression: codec.SelectorNone, Correction: codec.SelectorNone, Encryption: codec.SelectorNone,
		Inode: 42, MDCtime: ctime, ObjCtime: ctime, Unique: 0, ChunkSize: 1 << 20,
	}
	s, err := id.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return s
}

func TestRepackConsolidatesSurvivors(t *testing.T) {
	ctxt := newTestCtxt(t)
	backend := newFakeBackend()
	bucket := "repo1"
	ctime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldObjID := oldObjIDFor(t, bucket, ctime)

	if err := ctxt.Createrefdir("members", 0o750); err != nil {
		t.Fatalf("Createrefdir() error = %v", err)
	}

	member1 := []byte("hello, marfs")
	member2 := []byte("a second survivor")
	seedMember(t, ctxt, backend, "members/one", bucket, oldObjID, 0, member1, ctime)
	seedMember(t, ctxt, backend, "members/two", bucket, oldObjID, int64(len(member1)), member2, ctime)

	backend.seed(bucket, oldObjID, append(append([]byte{}, member1...), member2...))

	r := &Repacker{Ctxt: ctxt, Backend: backend, Config: Config{ChunkSize: 1 << 20}}
	if err := r.Repack(bucket, oldObjID, []string{"members/one", "members/two"}); err != nil {
		t.Fatalf("Repack() error = %v", err)
	}

	for _, refPath := range []string{"members/one", "members/two"} {
		fh, err := ctxt.Openref(refPath, os.O_RDONLY, 0)
		if err != nil {
			t.Fatalf("Openref(%s) error = %v", refPath, err)
		}
		preRaw, err := fh.Getxattr(codec.XattrPre, true)
		if err != nil {
			t.Fatalf("Getxattr(pre) error = %v", err)
		}
		pre, err := codec.DecodePre(string(preRaw))
		if err != nil {
			t.Fatalf("DecodePre() error = %v", err)
		}
		newObjID, err := pre.ObjID().Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if newObjID == oldObjID {
			t.Errorf("%s still references old object %s", refPath, oldObjID)
		}
		if _, ok := backend.get(bucket, newObjID); !ok {
			t.Errorf("%s's new object %s missing from backend", refPath, newObjID)
		}

		postRaw, err := fh.Getxattr(codec.XattrPost, true)
		if err != nil {
			t.Fatalf("Getxattr(post) error = %v", err)
		}
		post, err := codec.DecodePost(string(postRaw))
		if err != nil {
			t.Fatalf("DecodePost() error = %v", err)
		}
		if post.ObjectCount != 2 {
			t.Errorf("ObjectCount = %d, want 2", post.ObjectCount)
		}
		fh.Close()
	}
}

func TestRepackOverflowsWhenChunkSizeTooSmall(t *testing.T) {
	ctxt := newTestCtxt(t)
	backend := newFakeBackend()
	bucket := "repo1"
	ctime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldObjID := oldObjIDFor(t, bucket, ctime)

	if err := ctxt.Createrefdir("members", 0o750); err != nil {
		t.Fatalf("Createrefdir() error = %v", err)
	}

	data := make([]byte, 1024)
	seedMember(t, ctxt, backend, "members/big", bucket, oldObjID, 0, data, ctime)
	backend.seed(bucket, oldObjID, data)

	r := &Repacker{Ctxt: ctxt, Backend: backend, Config: Config{ChunkSize: 16}}
	err := r.Repack(bucket, oldObjID, []string{"members/big"})
	if err == nil {
		t.Fatal("Repack() error = nil, want RepackOverflow")
	}
	var merr *errors.MarfsError
	if !errors.As(err, &merr) || merr.Code != errors.RepackOverflow {
		t.Errorf("Repack() error = %v, want RepackOverflow", err)
	}
}

func TestRepackSkipsUnloadableMembersButContinues(t *testing.T) {
	ctxt := newTestCtxt(t)
	backend := newFakeBackend()
	bucket := "repo1"
	ctime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldObjID := oldObjIDFor(t, bucket, ctime)

	if err := ctxt.Createrefdir("members", 0o750); err != nil {
		t.Fatalf("Createrefdir() error = %v", err)
	}

	member := []byte("the only survivor that actually exists")
	seedMember(t, ctxt, backend, "members/real", bucket, oldObjID, 0, member, ctime)
	backend.seed(bucket, oldObjID, member)

	r := &Repacker{Ctxt: ctxt, Backend: backend, Config: Config{ChunkSize: 1 << 20}}
	// members/missing was never created; loadMember must fail on it, and
	// Repack must still consolidate the one member that did load.
	if err := r.Repack(bucket, oldObjID, []string{"members/real", "members/missing"}); err != nil {
		t.Fatalf("Repack() error = %v", err)
	}

	fh, err := ctxt.Openref("members/real", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Openref() error = %v", err)
	}
	defer fh.Close()
	postRaw, err := fh.Getxattr(codec.XattrPost, true)
	if err != nil {
		t.Fatalf("Getxattr(post) error = %v", err)
	}
	post, err := codec.DecodePost(string(postRaw))
	if err != nil {
		t.Fatalf("DecodePost() error = %v", err)
	}
	if post.ObjectCount != 1 {
		t.Errorf("ObjectCount = %d, want 1", post.ObjectCount)
	}
}

func TestRepackNoMembersIsNoop(t *testing.T) {
	ctxt := newTestCtxt(t)
	backend := newFakeBackend()
	r := &Repacker{Ctxt: ctxt, Backend: backend}
	if err := r.Repack("repo1", "whatever", nil); err != nil {
		t.Errorf("Repack() with no members error = %v, want nil", err)
	}
}
