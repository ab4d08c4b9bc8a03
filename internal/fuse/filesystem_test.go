package fuse

import (
	"os"
	"testing"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/config"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/mdal"
)

func testIndex(t *testing.T) *config.Index {
	t.Helper()
	cfg := &config.Configuration{
		Namespaces: []config.Namespace{
			{
				Name: "", MountSuffix: "/", TrashPath: "trash",
				IPerm: config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermWriteData | config.PermTruncateData | config.PermUnlinkData,
				IWriteRepo: "repo1",
			},
		},
		Repos: []config.Repo{
			{Name: "repo1", Hosts: []string{"fake"}, Protocol: config.ProtocolS3, ChunkSize: 256, MaxPackFileCount: 4},
			{Name: "repo2", Hosts: []string{"fake"}, Protocol: config.ProtocolS3, ChunkSize: 512, MaxPackFileCount: 4},
		},
	}
	idx, err := config.NewIndex(cfg)
	if err != nil {
		t.Fatalf("NewIndex() error = %v", err)
	}
	return idx
}

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

func testFileSystem(t *testing.T) (*FileSystem, *mdal.Ctxt) {
	t.Helper()
	idx := testIndex(t)
	ctxt := testCtxt(t)
	backends := map[string]dal.Backend{"repo1": newFakeBackend(), "repo2": newFakeBackend()}
	fsys := New(idx, map[string]*mdal.Ctxt{"": ctxt}, backends, nil, nil)
	return fsys, ctxt
}

func TestResolveRoutesToRegisteredCtxt(t *testing.T) {
	fsys, ctxt := testFileSystem(t)

	info, gotCtxt, err := fsys.resolve("a/b")
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if info.MDPath != "a/b" {
		t.Errorf("MDPath = %q, want %q", info.MDPath, "a/b")
	}
	if gotCtxt != ctxt {
		t.Errorf("resolve() returned a different *mdal.Ctxt than registered")
	}
}

func TestResolveMissingCtxtIsInternalError(t *testing.T) {
	idx := testIndex(t)
	fsys := New(idx, map[string]*mdal.Ctxt{}, map[string]dal.Backend{}, nil, nil)

	if _, _, err := fsys.resolve("a"); err == nil {
		t.Fatalf("expected an error when no Ctxt is registered for the namespace")
	}
}

func TestRepoForPathSelectsWriteRepoForNewFile(t *testing.T) {
	fsys, ctxt := testFileSystem(t)
	ns := fsys.idx.Root()

	repo, err := fsys.repoForPath(ctxt, "new-file", ns, 0)
	if err != nil {
		t.Fatalf("repoForPath() error = %v", err)
	}
	if repo.Name != "repo1" {
		t.Errorf("repo = %q, want %q (the namespace's iwrite_repo)", repo.Name, "repo1")
	}
}

func TestRepoForPathReusesExistingObjectsBucket(t *testing.T) {
	fsys, ctxt := testFileSystem(t)
	ns := fsys.idx.Root()

	fh, err := ctxt.Open("existing", os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("create md file: %v", err)
	}
	pre := &codec.Pre{Version: codec.CurrentVersion, Bucket: "repo2", Type: codec.ObjTypeUni}
	preStr, err := codec.EncodePre(pre)
	if err != nil {
		t.Fatalf("EncodePre() error = %v", err)
	}
	if err := fh.Setxattr(codec.XattrPre, []byte(preStr), true); err != nil {
		t.Fatalf("Setxattr() error = %v", err)
	}
	fh.Close()

	repo, err := fsys.repoForPath(ctxt, "existing", ns, 0)
	if err != nil {
		t.Fatalf("repoForPath() error = %v", err)
	}
	if repo.Name != "repo2" {
		t.Errorf("repo = %q, want %q (the file's existing Pre.Bucket)", repo.Name, "repo2")
	}
}

func TestJoinHandlesRootAndNestedPaths(t *testing.T) {
	if got := join("", "a"); got != "a" {
		t.Errorf("join(\"\", \"a\") = %q, want %q", got, "a")
	}
	if got := join("a", "b"); got != "a/b" {
		t.Errorf("join(\"a\", \"b\") = %q, want %q", got, "a/b")
	}
}
