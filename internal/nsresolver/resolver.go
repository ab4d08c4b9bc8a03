// Package nsresolver implements the path & namespace resolver (C4): it
// maps a mount-relative path to a namespace, MD-relative path, and write
// repo, enforces the §6 permission-gating table before any mutation, and
// runs the quota checks the file-handle engine needs before a write
// begins. No component downstream of this package re-derives a
// namespace from a raw path string; everything else consumes the
// PathInfo this package returns.
package nsresolver

import (
	"strings"

	"github.com/marfs-project/marfs-core/internal/config"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/pkg/errors"
)

// PathInfo is the resolved form of a mount-relative path: which
// namespace it falls under, the namespace-relative MD path, and (once an
// operation picks one) the repo bytes should land in.
type PathInfo struct {
	NS     *config.Namespace
	MDPath string // relative to ns.MDPath
	Repo   *config.Repo
}

// Resolver holds the load-time Index plus the configured MDFS top, and
// resolves mount paths against it in O(#namespaces) as §4.4 describes.
type Resolver struct {
	idx     *config.Index
	mdfsTop string
}

// New builds a Resolver from a loaded configuration Index.
func New(idx *config.Index, mdfsTop string) *Resolver {
	return &Resolver{idx: idx, mdfsTop: mdfsTop}
}

// Resolve maps a mount-relative path to its namespace and MD-relative
// remainder, rejecting any path that would alias the MDFS top directly
// or that contains a reserved MDAL_ path component.
func (r *Resolver) Resolve(mountPath string) (*PathInfo, error) {
	clean := strings.TrimPrefix(mountPath, "/")
	if r.mdfsTop != "" {
		top := strings.TrimPrefix(r.mdfsTop, "/")
		if clean == top || strings.HasPrefix(clean, top+"/") {
			return nil, errors.New(errors.PermissionDenied, "path resolves under mdfs_top").
				WithComponent("nsresolver").WithDetail("path", mountPath)
		}
	}

	ns, remainder := r.idx.LongestMatchingNamespace("/" + clean)
	for _, comp := range strings.Split(remainder, "/") {
		if strings.HasPrefix(comp, "MDAL_") {
			return nil, errors.New(errors.PermissionDenied, "path contains reserved MDAL_ component").
				WithComponent("nsresolver").WithDetail("path", mountPath)
		}
	}

	return &PathInfo{NS: ns, MDPath: remainder}, nil
}

// OpClass names one row of the §6 permission-gating table.
type OpClass int

const (
	OpReadMeta OpClass = iota
	OpWriteMeta
	OpCreate
	OpOpenRead
	OpOpenWrite
	OpTruncate
	OpUnlink
)

// requiredPerms is the §6 table, verbatim.
var requiredPerms = map[OpClass]config.Perm{
	OpReadMeta:  config.PermReadMeta,
	OpWriteMeta: config.PermReadMeta | config.PermWriteMeta,
	OpCreate:    config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermWriteData | config.PermTruncateData,
	OpOpenRead:  config.PermReadMeta | config.PermReadData,
	OpOpenWrite: config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermWriteData,
	OpTruncate:  config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermTruncateData,
	OpUnlink:    config.PermReadMeta | config.PermWriteMeta | config.PermReadData | config.PermUnlinkData,
}

// CheckPerms runs CHECK_PERMS(ns, op) before any mutation, per §4.4. The
// root namespace is X-only by default (its IPerm/BPerm are left zero
// unless explicitly configured), so every write-class op against it
// fails PermissionDenied out of the box.
func CheckPerms(ns *config.Namespace, op OpClass) error {
	required, ok := requiredPerms[op]
	if !ok {
		return errors.New(errors.InvalidArgument, "unknown permission class").WithComponent("nsresolver")
	}
	mask := ns.IPerm | ns.BPerm
	if !mask.HasAll(required) {
		return errors.New(errors.PermissionDenied, "namespace permissions do not allow this operation").
			WithComponent("nsresolver").WithDetail("ns", ns.Name).WithDetail("required", int(required)).WithDetail("mask", int(mask))
	}
	return nil
}

// SelectWriteRepo resolves the repo a write of size bytes should land in.
// Interactive (FUSE) writes always use the namespace's configured
// iwrite_repo; non-interactive (pftool/N:1) writes use the size-keyed
// range_list.
func (r *Resolver) SelectWriteRepo(ns *config.Namespace, size int64, interactive bool) (*config.Repo, error) {
	var name string
	if interactive {
		name = ns.IWriteRepo
	} else {
		var ok bool
		name, ok = ns.WriteRepo(size)
		if !ok {
			return nil, errors.New(errors.InvalidArgument, "no range_list entry covers write size").
				WithComponent("nsresolver").WithDetail("ns", ns.Name).WithDetail("size", size)
		}
	}
	repo, ok := r.idx.Repo(name)
	if !ok {
		return nil, errors.New(errors.InvalidArgument, "configured write repo not found").
			WithComponent("nsresolver").WithDetail("repo", name)
	}
	return repo, nil
}

// CheckQuota verifies that adding addBytes/addInodes to the namespace's
// current usage (read from the MDAL's O(1) sparse-file counters) would
// not exceed its hard quotas. Soft quotas are reported via the returned
// bool but never block the operation.
func CheckQuota(ctxt *mdal.Ctxt, ns *config.Namespace, addBytes, addInodes int64) (softExceeded bool, err error) {
	if ns.HardQuotaBytes > 0 {
		used, err := ctxt.GetDataUsage()
		if err != nil {
			return false, err
		}
		if used+addBytes > ns.HardQuotaBytes {
			return false, errors.New(errors.QuotaExceeded, "write would exceed hard byte quota").
				WithComponent("nsresolver").WithDetail("ns", ns.Name).WithDetail("used", used).WithDetail("quota", ns.HardQuotaBytes)
		}
		if ns.SoftQuotaBytes > 0 && used+addBytes > ns.SoftQuotaBytes {
			softExceeded = true
		}
	}
	if ns.HardQuotaInodes > 0 {
		used, err := ctxt.GetInodeUsage()
		if err != nil {
			return false, err
		}
		if used+addInodes > ns.HardQuotaInodes {
			return false, errors.New(errors.QuotaExceeded, "write would exceed hard inode quota").
				WithComponent("nsresolver").WithDetail("ns", ns.Name).WithDetail("used", used).WithDetail("quota", ns.HardQuotaInodes)
		}
		if ns.SoftQuotaInodes > 0 && used+addInodes > ns.SoftQuotaInodes {
			softExceeded = true
		}
	}
	return softExceeded, nil
}
