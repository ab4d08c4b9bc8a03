// Package gc implements the garbage collector (C6): an inode-ordered scan
// of a namespace's trash fileset, classification of each entry by its
// recorded object type, enqueueing of the resulting object deletes onto a
// bounded work queue, and second-phase reconciliation of Packed objects
// whose constituent files may still be partially live.
package gc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marfs-project/marfs-core/internal/codec"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/mdal"
	"github.com/marfs-project/marfs-core/internal/metrics"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/recovery"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config tunes one collector run.
type Config struct {
	Workers      int
	QueueDepth   int
	DryRun       bool          // no_delete: log would-delete instead of issuing DAL deletes
	AgeThreshold time.Duration // only trash entries older than this are collected
}

// packedState accumulates phase-1 observations about one Packed object so
// phase 2 can decide whether it is fully orphaned, still partially live,
// or over-referenced.
type packedState struct {
	declared int
	observed int
	mdRefs   []string // reference-tree-relative trash entry paths, for eventual MD cleanup
}

// Report summarizes one collector run.
type Report struct {
	Scanned          int64
	Deleted          int64
	WouldDelete      int64
	Failed           int64
	PackedOrphaned   int
	PackedLive       int
	RepackCandidates int
	Warnings         []string
}

// RepackFunc is invoked for a Packed object phase 2 finds still partially
// live, when the caller wants repack candidates handed off rather than
// just logged. objID is the surviving object's ID; mdPaths are the
// reference-tree-relative paths of the trash MD entries still referencing
// it.
type RepackFunc func(bucket, objID string, mdPaths []string) error

// Collector runs GC passes against one namespace's trash tree.
type Collector struct {
	Ctxt    *mdal.Ctxt
	Backend dal.Backend
	Config  Config
	Logger  *utils.Logger
	Repack  RepackFunc

	// Metrics is optional; when set, Run folds its Report into the GC
	// series once the pass completes (see internal/metrics).
	Metrics *metrics.Collector
}

// Run scans trashRelPath (a reference-tree-relative directory) in
// ascending inode order, classifies every entry, drives a bounded
// work-queue of object deletes through a fixed worker pool, and runs
// phase-2 Packed reconciliation once the scan completes.
func (c *Collector) Run(ctx context.Context, trashRelPath string) (*Report, error) {
	logger := c.Logger
	if logger == nil {
		logger = utils.Default
	}
	logger = logger.With("gc")

	workers := c.Config.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := c.Config.QueueDepth
	if depth <= 0 {
		depth = workers * 4
	}

	report := &Report{}
	var reportMu sync.Mutex

	q := newWorkQueue(depth)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		recovery.Go(logger, "gc-worker", func() {
			defer wg.Done()
			c.worker(ctx, q, report, &reportMu, logger)
		}, func(recovered interface{}) {
			reportMu.Lock()
			report.Failed++
			report.Warnings = append(report.Warnings, fmt.Sprintf("worker panic: %v", recovered))
			reportMu.Unlock()
		})
	}

	scanner, err := c.Ctxt.Openscanner(trashRelPath)
	if err != nil {
		q.close()
		wg.Wait()
		return report, err
	}
	defer scanner.Closescanner()

	packed := make(map[string]*packedState)

	for {
		entry, ok := scanner.Scan()
		if !ok {
			break
		}
		report.Scanned++

		if err := c.classify(scanner, trashRelPath, entry, q, packed, logger); err != nil {
			logger.Warn("classify failed", map[string]interface{}{"entry": entry.Name, "error": err.Error()})
			reportMu.Lock()
			report.Warnings = append(report.Warnings, entry.Name+": "+err.Error())
			reportMu.Unlock()
		}
	}

	q.close()
	wg.Wait()

	c.reconcilePacked(packed, report, logger)

	if c.Metrics != nil {
		c.Metrics.RecordGCReport(report.Scanned, report.Deleted, report.Failed, report.PackedLive, report.PackedOrphaned)
	}

	return report, nil
}

// classify implements the §4.6 decision table for one trash entry:
// (Post.obj_type, Restart_present, Pre.obj_type) selects how its objects
// are enumerated for deletion.
func (c *Collector) classify(scanner *mdal.Scanner, trashRelPath string, entry mdal.ScanEntry, q *workQueue, packed map[string]*packedState, logger *utils.Logger) error {
	fh, err := scanner.Sopen(entry.Name, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer fh.Close()

	entryRef := joinRef(trashRelPath, entry.Name)

	preRaw, preErr := fh.Getxattr(codec.XattrPre, true)
	postRaw, postErr := fh.Getxattr(codec.XattrPost, true)
	_, restartErr := fh.Getxattr(codec.XattrRestart, true)
	restartPresent := restartErr == nil

	if preErr != nil || postErr != nil {
		// No marfs xattrs at all: nothing for GC to reconcile at the
		// object-storage layer. Leave the trash entry for manual review.
		return nil
	}

	pre, err := codec.DecodePre(string(preRaw))
	if err != nil {
		return err
	}
	post, err := codec.DecodePost(string(postRaw))
	if err != nil {
		return err
	}

	if !post.Flags.Has(codec.PostFlagTrash) {
		return nil
	}
	if c.Config.AgeThreshold > 0 && time.Since(post.MTime) < c.Config.AgeThreshold {
		return nil
	}

	companion := entryRef + ".path"

	switch {
	case post.ObjType == codec.ObjTypePacked:
		key := mustEncode(pre)
		st, ok := packed[key]
		if !ok {
			st = &packedState{declared: post.ObjectCount}
			packed[key] = st
		}
		st.observed++
		st.mdRefs = append(st.mdRefs, entryRef)
		return nil

	case post.ObjType == codec.ObjTypeFuse && restartPresent:
		return c.enqueueWrittenPrefix(fh, pre, post, entryRef, companion, q)

	case restartPresent && pre.Type == codec.ObjTypeNto1:
		return c.enqueueWrittenChunks(fh, pre, post, entryRef, companion, q)

	case post.ObjType == codec.ObjTypeMulti || restartPresent:
		return c.enqueueAllChunks(pre, post, entryRef, companion, q)

	default: // Uni
		id, err := pre.ObjID().Encode()
		if err != nil {
			return err
		}
		q.push(DeleteEntry{Bucket: pre.Bucket, ObjID: id, TrashRef: entryRef, Companion: companion})
		return nil
	}
}

// joinRef builds a reference-tree-relative path for an entry found inside
// trashRelPath, without relying on the filepath package's OS-specific
// separator handling (reference paths are always '/'-joined).
func joinRef(trashRelPath, name string) string {
	if trashRelPath == "" {
		return name
	}
	return trashRelPath + "/" + name
}

func mustEncode(pre *codec.Pre) string {
	id, err := pre.ObjID().Encode()
	if err != nil {
		return pre.Bucket
	}
	return id
}

// enqueueAllChunks enqueues one delete per declared chunk, used for
// plain Multi objects and any Restart object whose writer is known to
// write chunks densely from 0.
func (c *Collector) enqueueAllChunks(pre *codec.Pre, post *codec.Post, trashRef, companion string, q *workQueue) error {
	n := post.ObjectCount
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		id, err := pre.ObjID().WithChunkNo(uint64(i)).Encode()
		if err != nil {
			return err
		}
		last := i == n-1
		entry := DeleteEntry{Bucket: pre.Bucket, ObjID: id}
		if last {
			entry.TrashRef, entry.Companion = trashRef, companion
		}
		q.push(entry)
	}
	return nil
}

// enqueueWrittenChunks walks the MD file's MultiChunkInfo body and
// enqueues deletes only for chunks that actually have data, used for an
// interrupted N:1 ranged write where later chunks may never have been
// opened at all.
func (c *Collector) enqueueWrittenChunks(fh *mdal.FileHandle, pre *codec.Pre, post *codec.Post, trashRef, companion string, q *workQueue) error {
	infos, err := readChunkInfos(fh)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}
	last := -1
	for i, ci := range infos {
		if ci.DataLength != 0 {
			last = i
		}
	}
	for i, ci := range infos {
		if ci.DataLength == 0 {
			continue
		}
		id, err := pre.ObjID().WithChunkNo(ci.ChunkNo).Encode()
		if err != nil {
			return err
		}
		entry := DeleteEntry{Bucket: pre.Bucket, ObjID: id}
		if i == last {
			entry.TrashRef, entry.Companion = trashRef, companion
		}
		q.push(entry)
	}
	return nil
}

// enqueueWrittenPrefix is enqueueWrittenChunks specialized for a Fuse
// writer, whose writes are strictly sequential: the written chunks are
// always a contiguous prefix, so the walk can stop at the first
// zero-length record instead of scanning every record.
func (c *Collector) enqueueWrittenPrefix(fh *mdal.FileHandle, pre *codec.Pre, post *codec.Post, trashRef, companion string, q *workQueue) error {
	infos, err := readChunkInfos(fh)
	if err != nil {
		return err
	}
	written := 0
	for _, ci := range infos {
		if ci.DataLength == 0 {
			break
		}
		written++
	}
	for i := 0; i < written; i++ {
		id, err := pre.ObjID().WithChunkNo(infos[i].ChunkNo).Encode()
		if err != nil {
			return err
		}
		entry := DeleteEntry{Bucket: pre.Bucket, ObjID: id}
		if i == written-1 {
			entry.TrashRef, entry.Companion = trashRef, companion
		}
		q.push(entry)
	}
	return nil
}

func readChunkInfos(fh *mdal.FileHandle) ([]codec.MultiChunkInfo, error) {
	if _, err := fh.Lseek(0, 0); err != nil {
		return nil, err
	}
	var infos []codec.MultiChunkInfo
	for {
		ci, err := codec.DecodeMultiChunkInfo(fh)
		if err != nil {
			if errors.Is(err, errors.Truncated) {
				break
			}
			return infos, err
		}
		infos = append(infos, *ci)
	}
	return infos, nil
}

// worker pops delete entries and invokes the DAL, never holding the
// queue's lock during I/O. On success it also removes the trash MD entry
// (and its .path companion, if the delete that finished it carried one).
func (c *Collector) worker(ctx context.Context, q *workQueue, report *Report, mu *sync.Mutex, logger *utils.Logger) {
	for {
		entry, ok := q.pop()
		if !ok {
			return
		}

		if c.Config.DryRun {
			logger.Info("would delete", map[string]interface{}{"bucket": entry.Bucket, "objID": entry.ObjID})
			mu.Lock()
			report.WouldDelete++
			mu.Unlock()
		} else {
			if err := c.Backend.Delete(ctx, entry.Bucket, entry.ObjID); err != nil {
				logger.Warn("delete failed", map[string]interface{}{"bucket": entry.Bucket, "objID": entry.ObjID, "error": err.Error()})
				mu.Lock()
				report.Failed++
				mu.Unlock()
				continue
			}
			mu.Lock()
			report.Deleted++
			mu.Unlock()
		}

		if entry.TrashRef != "" {
			c.removeTrashEntry(entry, logger)
		}
	}
}

func (c *Collector) removeTrashEntry(entry DeleteEntry, logger *utils.Logger) {
	if c.Config.DryRun {
		return
	}
	if err := c.Ctxt.Unlinkref(entry.TrashRef); err != nil {
		logger.Warn("trash unlink failed", map[string]interface{}{"entry": entry.TrashRef, "error": err.Error()})
	}
	if entry.Companion != "" {
		_ = c.Ctxt.Unlinkref(entry.Companion)
	}
}

// reconcilePacked runs §4.6 phase 2: objects whose observed file count
// matches their declared count are fully orphaned and deleted outright;
// objects observed less than declared are still partially live and
// become repack candidates (or a logged warning, with no Repack hook
// configured); observed greater than declared is always a warning.
func (c *Collector) reconcilePacked(packed map[string]*packedState, report *Report, logger *utils.Logger) {
	for key, st := range packed {
		bucket, objID := splitKey(key)
		switch {
		case st.observed == st.declared:
			report.PackedOrphaned++
			if !c.Config.DryRun {
				if err := c.Backend.Delete(context.Background(), bucket, objID); err != nil {
					logger.Warn("packed delete failed", map[string]interface{}{"objID": objID, "error": err.Error()})
					continue
				}
				for _, ref := range st.mdRefs {
					_ = c.Ctxt.Unlinkref(ref)
					_ = c.Ctxt.Unlinkref(ref + ".path")
				}
				report.Deleted++
			} else {
				report.WouldDelete++
			}

		case st.observed < st.declared:
			report.PackedLive++
			if c.Repack != nil {
				if err := c.Repack(bucket, objID, st.mdRefs); err != nil {
					logger.Warn("repack candidate failed", map[string]interface{}{"objID": objID, "error": err.Error()})
				} else {
					report.RepackCandidates++
				}
			} else {
				logger.Warn("packed object partially live, no repack configured", map[string]interface{}{"objID": objID, "observed": st.observed, "declared": st.declared})
			}

		default: // observed > declared
			logger.Warn("packed object observed count exceeds declared count", map[string]interface{}{"objID": objID, "observed": st.observed, "declared": st.declared})
		}
	}
}

// splitKey recovers the bucket from a packed map key, which is always a
// full encoded object ID (Encode's first segment is the bucket).
func splitKey(key string) (bucket, objID string) {
	id, err := codec.DecodeObjID(key)
	if err != nil {
		return "", key
	}
	return id.Bucket, key
}
