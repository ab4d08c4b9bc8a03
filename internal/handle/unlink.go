package handle

import (
	"fmt"
	"os"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/nsresolver"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

// Unlink implements §3's Lifecycle "Unlink" step: it marks the MD file's
// Post-xattr with the TRASH flag (when the file has one; a direct-mode
// passthrough file has no marfs xattrs at all and is simply removed),
// renames the MD file into the namespace's reference-tree trash root,
// and writes a companion ".path" file recording the original
// mount-relative path, exactly the layout §4.6's garbage collector scans
// for. mountPath is the original user-facing path, stored verbatim in
// the companion file so GC's recovery tooling need not walk the tree to
// find it.
func Unlink(deps Deps, info *nsresolver.PathInfo, mountPath string) error {
	if err := nsresolver.CheckPerms(info.NS, nsresolver.OpUnlink); err != nil {
		return err
	}

	fh, err := deps.Ctxt.Open(info.MDPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	st, statErr := fh.Fstat()

	hasXattrs := false
	if postRaw, perr := fh.Getxattr(codec.XattrPost, true); perr == nil {
		hasXattrs = true
		if post, derr := codec.DecodePost(string(postRaw)); derr == nil {
			post.Flags |= codec.PostFlagTrash
			if encoded, eerr := codec.EncodePost(post); eerr == nil {
				_ = fh.Setxattr(codec.XattrPost, []byte(encoded), true)
			}
		}
	}
	if err := fh.Close(); err != nil {
		return err
	}

	if !hasXattrs {
		// Direct-mode passthrough file: no stored object to reconcile,
		// nothing for GC to do later. Remove it outright.
		return deps.Ctxt.Unlink(info.MDPath)
	}
	if statErr != nil {
		return statErr
	}

	trashRoot := info.NS.TrashPath
	if err := deps.Ctxt.Createrefdir(trashRoot, 0o700); err != nil {
		if !errors.Is(err, errors.AlreadyExists) {
			return err
		}
	}

	name := fmt.Sprintf("%016x", st.Inode)
	trashRef := name
	if trashRoot != "" {
		trashRef = trashRoot + "/" + name
	}
	if err := deps.Ctxt.RenameToRef(info.MDPath, trashRef); err != nil {
		return err
	}

	companion, err := deps.Ctxt.Openref(trashRef+".path", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer companion.Close()
	_, err = companion.Write([]byte(mountPath))
	return err
}
