// Copyright (c) Innofi
// Licensed under the MIT license

package packfs

import (
	"io"
	"io/fs"
	gopath "path"
	"strings"
)

// An FS presents every pack archive inside an inner filesystem as a
// directory: "firmware.pack" lists its entries, and
// "firmware.pack/etc/config" opens one of them. Non-archive names pass
// through to the inner filesystem untouched. The composite '#' syntax
// stays at the VFS boundary; inside io/fs the separator is '/'.
type FS struct {
	inner fs.FS
	opts  []Option
}

// New wraps inner, surfacing its archives as directories.
func New(inner fs.FS, opts ...Option) *FS {
	return &FS{inner: inner, opts: opts}
}

func (fsys *FS) Open(name string) (fs.File, error) {
	f, err := fsys.open(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

func (fsys *FS) open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}

	container, interior := fsys.resolve(name)
	if container == "" {
		f, err := fsys.inner.Open(name)
		if err != nil {
			return nil, err
		}
		if rdf, ok := f.(fs.ReadDirFile); ok {
			if st, err := f.Stat(); err == nil && st.IsDir() {
				return &fixupDir{ReadDirFile: rdf, fsys: fsys, path: name}, nil
			}
		}
		return f, nil
	}

	a, err := fsys.openArchive(container, interior)
	if err != nil {
		if err == ErrNotFound {
			err = fs.ErrNotExist
		}
		return nil, err
	}
	if interior == "" {
		return &archiveDir{Dir: NewDir(a), name: gopath.Base(name)}, nil
	}
	return &entryFile{a: a, name: gopath.Base(name)}, nil
}

// resolve finds the shortest name prefix that is an archive file in the
// inner filesystem; the remainder addresses an interior entry.
func (fsys *FS) resolve(name string) (container, interior string) {
	for i := 0; i <= len(name); i++ {
		if i < len(name) && name[i] != '/' {
			continue
		}
		prefix := name[:i]
		if prefix == "" || prefix == "." {
			continue
		}
		st, err := fs.Stat(fsys.inner, prefix)
		if err != nil || !st.Mode().IsRegular() {
			if err != nil {
				return "", "" // dead prefix, no deeper resolution possible
			}
			continue
		}
		if !fsys.isArchive(prefix) {
			return "", ""
		}
		return prefix, strings.TrimPrefix(name[i:], "/")
	}
	return "", ""
}

// isArchive sniffs the header without committing to a full open.
func (fsys *FS) isArchive(name string) bool {
	f, err := fsys.inner.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return false
	}
	var h Header
	if err := DecodeHeader(&h, raw[:]); err != nil {
		return false
	}
	return CheckHeader(&h, raw[:]) == nil
}

func (fsys *FS) openArchive(container, interior string) (*Archive, error) {
	f, err := fsys.inner.Open(container)
	if err != nil {
		return nil, err
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		f.Close()
		return nil, ErrUnsupported
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := NewArchive(rs, f, st.Size(), interior, fsys.opts...)
	if err != nil {
		return nil, err // NewArchive closed f
	}
	return a, nil
}

// fixupDir rewrites the listing of an ordinary directory so that archive
// files appear as directories, matching what Open will do with them.
type fixupDir struct {
	fs.ReadDirFile
	fsys *FS
	path string
}

func (d *fixupDir) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := d.ReadDirFile.ReadDir(n)
	for i, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if d.fsys.isArchive(gopath.Join(d.path, e.Name())) {
			entries[i] = dirEntry{name: e.Name(), dir: true}
		}
	}
	return entries, err
}

// archiveDir is an archive opened as a directory.
type archiveDir struct {
	*Dir
	name string
}

func (d *archiveDir) Stat() (fs.FileInfo, error) {
	return fileInfo{name: d.name, dir: true}, nil
}

func (d *archiveDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrUnsupported}
}

// entryFile is one interior entry opened as a file.
type entryFile struct {
	a    *Archive
	name string
}

func (f *entryFile) Read(p []byte) (int, error)                 { return f.a.Read(p) }
func (f *entryFile) Seek(off int64, whence int) (int64, error)  { return f.a.Seek(off, whence) }
func (f *entryFile) Close() error                               { return f.a.Close() }
func (f *entryFile) Stat() (fs.FileInfo, error) {
	fi, err := f.a.Stat()
	if err != nil {
		return nil, err
	}
	return fileInfo{name: f.name, size: fi.Size(), blksize: fi.Sys().(int64)}, nil
}
