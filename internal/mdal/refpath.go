package mdal

import (
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// Reference-path operations. A reference path is always relative to the
// context's reference-tree root (MDAL_reference/...); it is never
// visible through the mount and exists purely for safe
// create-then-rename and for N:1 pftool staging.

// Createrefdir makes a directory within the reference tree, including
// any missing parents (the reference tree is typically sharded by a
// hash of the inode or a similar scheme chosen by the caller).
func (c *Ctxt) Createrefdir(relRefPath string, mode os.FileMode) error {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, mode); err != nil {
		return wrapOSErr(err, "createrefdir "+relRefPath)
	}
	return nil
}

// Destroyrefdir removes an empty reference directory.
func (c *Ctxt) Destroyrefdir(relRefPath string) error {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return wrapOSErr(err, "destroyrefdir "+relRefPath)
	}
	return nil
}

// Linkref hardlinks a reference-tree file at oldRPath into either user
// space or another reference path. interRef selects which root newPath
// resolves against: true for the reference tree, false for the
// namespace's user-path tree.
func (c *Ctxt) Linkref(interRef bool, oldRPath, newPath string) error {
	oldFull, err := c.resolveRef(oldRPath)
	if err != nil {
		return err
	}
	var newFull string
	if interRef {
		newFull, err = c.resolveRef(newPath)
	} else {
		newFull, err = c.resolveUser(newPath)
	}
	if err != nil {
		return err
	}
	if err := os.Link(oldFull, newFull); err != nil {
		return wrapOSErr(err, "linkref "+oldRPath+" -> "+newPath)
	}
	return nil
}

// Renameref renames within the reference tree.
func (c *Ctxt) Renameref(oldRPath, newRPath string) error {
	oldFull, err := c.resolveRef(oldRPath)
	if err != nil {
		return err
	}
	newFull, err := c.resolveRef(newRPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return wrapOSErr(err, "renameref "+oldRPath+" -> "+newRPath)
	}
	return nil
}

// Unlinkref removes a reference-tree file.
func (c *Ctxt) Unlinkref(relRefPath string) error {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return wrapOSErr(err, "unlinkref "+relRefPath)
	}
	return nil
}

// Statref stats a reference-tree entry.
func (c *Ctxt) Statref(relRefPath string) (*unix.Stat_t, error) {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		return nil, wrapOSErr(err, "statref "+relRefPath)
	}
	return &st, nil
}

// Openref opens a reference-tree file for the MDAL's own use (chunk-info
// records, xattr reads) and returns a *FileHandle over it.
func (c *Ctxt) Openref(relRefPath string, flag int, perm os.FileMode) (*FileHandle, error) {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, flag, perm)
	if err != nil {
		return nil, wrapOSErr(err, "openref "+relRefPath)
	}
	return &FileHandle{f: f, path: full}, nil
}

// ScanEntry is one entry returned by a Scanner, in ascending-inode order,
// with enough metadata attached that C6 (garbage collection) can classify
// it without a second stat.
type ScanEntry struct {
	Name  string
	Inode uint64
	Mode  uint32
	Size  int64
}

// Scanner iterates a reference directory in ascending inode order,
// letting the garbage collector walk trash strictly through the
// directory's descriptor without re-resolving user-facing paths.
type Scanner struct {
	ctxt    *Ctxt
	dirPath string
	entries []ScanEntry
	pos     int
}

// Openscanner opens relRefPath (relative to the reference tree) for
// scanning and pre-sorts its entries by inode number.
func (c *Ctxt) Openscanner(relRefPath string) (*Scanner, error) {
	full, err := c.resolveRef(relRefPath)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, wrapOSErr(err, "openscanner "+relRefPath)
	}

	entries := make([]ScanEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		var st unix.Stat_t
		if err := unix.Lstat(full+"/"+de.Name(), &st); err != nil {
			continue
		}
		entries = append(entries, ScanEntry{Name: de.Name(), Inode: st.Ino, Mode: st.Mode, Size: st.Size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Inode < entries[j].Inode })

	return &Scanner{ctxt: c, dirPath: full, entries: entries}, nil
}

// Scan returns the next entry, or ok == false once exhausted.
func (s *Scanner) Scan() (entry ScanEntry, ok bool) {
	if s.pos >= len(s.entries) {
		return ScanEntry{}, false
	}
	entry = s.entries[s.pos]
	s.pos++
	return entry, true
}

// Closescanner releases scanner resources. The in-process implementation
// holds no descriptor beyond the snapshot taken at open time, so this is
// a no-op kept for interface symmetry with backends that do hold one.
func (s *Scanner) Closescanner() error { return nil }

// Sopen opens the named scanner entry.
func (s *Scanner) Sopen(name string, flag int, perm os.FileMode) (*FileHandle, error) {
	f, err := os.OpenFile(s.dirPath+"/"+name, flag, perm)
	if err != nil {
		return nil, wrapOSErr(err, "sopen "+name)
	}
	return &FileHandle{f: f, path: s.dirPath + "/" + name}, nil
}

// Sstat stats the named scanner entry.
func (s *Scanner) Sstat(name string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(s.dirPath+"/"+name, &st); err != nil {
		return nil, wrapOSErr(err, "sstat "+name)
	}
	return &st, nil
}

// Sunlink removes the named scanner entry.
func (s *Scanner) Sunlink(name string) error {
	if err := os.Remove(s.dirPath + "/" + name); err != nil {
		return wrapOSErr(err, "sunlink "+name)
	}
	return nil
}
