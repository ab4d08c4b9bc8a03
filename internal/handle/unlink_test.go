package handle

import (
	"context"
	"os"
	"testing"

	"github.com/marfs-project/marfs-core/internal/config"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/internal/nsresolver"
)

func TestUnlinkMarksTrashAndWritesCompanion(t *testing.T) {
	ctxt := testCtxt(t)
	backend := newFakeBackend()
	repo := testRepo()
	ns := &config.Namespace{
		Name: "ns1", TrashPath: "trash",
		IPerm: config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermWriteData | config.PermUnlinkData,
	}

	h := openWriteHandle(t, ctxt, backend, repo, "a")
	if _, err := h.Write(context.Background(), 0, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := h.Flush(context.Background(), false); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	h.Release()

	info := &nsresolver.PathInfo{NS: ns, MDPath: "a"}
	if err := Unlink(Deps{Ctxt: ctxt}, info, "/mnt/ns1/a"); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}

	if _, err := ctxt.Stat("a"); err == nil {
		t.Fatalf("expected %q to be gone from user space after unlink", "a")
	}

	scanner, err := ctxt.Openscanner("trash")
	if err != nil {
		t.Fatalf("Openscanner() error = %v", err)
	}
	defer scanner.Closescanner()

	var entry mdal.ScanEntry
	found := false
	for {
		e, ok := scanner.Scan()
		if !ok {
			break
		}
		if len(e.Name) > 5 && e.Name[len(e.Name)-5:] == ".path" {
			continue
		}
		entry, found = e, true
	}
	if !found {
		t.Fatalf("expected one trash entry")
	}

	fh, err := scanner.Sopen(entry.Name, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Sopen() error = %v", err)
	}
	defer fh.Close()
	postRaw, err := fh.Getxattr("user.marfs_post", true)
	if err != nil {
		t.Fatalf("Getxattr(post) error = %v", err)
	}
	if len(postRaw) == 0 {
		t.Fatalf("expected Post xattr to survive the move into trash")
	}

	companion, err := scanner.Sopen(entry.Name+".path", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Sopen(companion) error = %v", err)
	}
	defer companion.Close()
	buf := make([]byte, 64)
	n, err := companion.Read(buf)
	if err != nil {
		t.Fatalf("read companion error = %v", err)
	}
	if string(buf[:n]) != "/mnt/ns1/a" {
		t.Errorf("companion path = %q, want %q", buf[:n], "/mnt/ns1/a")
	}
}
