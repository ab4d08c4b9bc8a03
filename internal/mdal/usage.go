package mdal

import "os"

// Usage counters are stored as the apparent size of a distinguished
// sparse file: truncating the file to N bytes records the value N
// without ever allocating N bytes on disk, giving an O(1) read via stat
// and an O(1) write via truncate. A missing file reads as zero.

func (c *Ctxt) usageFile(name string) string { return c.basePath + "/" + name }

func readSparseCounter(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, wrapOSErr(err, "stat usage counter "+path)
	}
	return info.Size(), nil
}

func writeSparseCounter(path string, value int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return wrapOSErr(err, "open usage counter "+path)
	}
	defer f.Close()
	if err := f.Truncate(value); err != nil {
		return wrapOSErr(err, "truncate usage counter "+path)
	}
	return nil
}

// GetDataUsage returns the namespace's recorded bytes-used counter.
func (c *Ctxt) GetDataUsage() (int64, error) {
	return readSparseCounter(c.usageFile(DataSizeFile))
}

// SetDataUsage sets the namespace's bytes-used counter.
func (c *Ctxt) SetDataUsage(bytes int64) error {
	return writeSparseCounter(c.usageFile(DataSizeFile), bytes)
}

// GetInodeUsage returns the namespace's recorded inode-count counter.
func (c *Ctxt) GetInodeUsage() (int64, error) {
	return readSparseCounter(c.usageFile(InodeCountFile))
}

// SetInodeUsage sets the namespace's inode-count counter.
func (c *Ctxt) SetInodeUsage(count int64) error {
	return writeSparseCounter(c.usageFile(InodeCountFile), count)
}

// AddDataUsage adjusts the bytes-used counter by delta (positive or
// negative), used by the write path and GC to keep quotas current
// without a read-modify-write race window wider than necessary.
func (c *Ctxt) AddDataUsage(delta int64) error {
	cur, err := c.GetDataUsage()
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	return c.SetDataUsage(next)
}

// AddInodeUsage adjusts the inode-count counter by delta.
func (c *Ctxt) AddInodeUsage(delta int64) error {
	cur, err := c.GetInodeUsage()
	if err != nil {
		return err
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	return c.SetInodeUsage(next)
}
