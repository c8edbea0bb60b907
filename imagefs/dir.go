package imagefs

import (
	"io/fs"
	"time"

	"github.com/innofi/packfs"
)

// A Dir walks the mounted archive's meta records and entries as one
// linear sequence: positions [0, meta count) are meta records, the rest
// are index entries. Tell after SeekTo(n) is always n.
type Dir struct {
	a     *packfs.Archive
	nmeta int
	pos   int
}

// A DirItem is one walked name.
type DirItem struct {
	Name string
	Meta bool
	Size int64
}

// OpenDir opens the combined walker.
func (m *FS) OpenDir() (*Dir, error) {
	a, err := m.open("")
	if err != nil {
		return nil, err
	}
	nmeta, err := a.MetaCount()
	if err != nil {
		a.Close()
		return nil, err
	}
	return &Dir{a: a, nmeta: nmeta}, nil
}

func (d *Dir) Close() error { return d.a.Close() }

// Count is the walk length: every meta record plus every entry.
func (d *Dir) Count() int { return d.nmeta + d.a.EntryCount() }

// Tell reports the walk position.
func (d *Dir) Tell() int { return d.pos }

// SeekTo positions the walk.
func (d *Dir) SeekTo(n int) error {
	if n < 0 || n > d.Count() {
		return packfs.ErrInvalidArgument
	}
	d.pos = n
	return nil
}

// Next returns the next item, or nil at the end of the walk. An entry
// whose payload lies past the file bounds ends the walk early: the
// archive has been stripped.
func (d *Dir) Next() (*DirItem, error) {
	if d.pos < d.nmeta {
		m, desc, value, err := d.a.MetaAt(d.pos)
		if err != nil {
			return nil, err
		}
		d.pos++
		return &DirItem{
			Name: MetaDir + "/" + m.Key(),
			Meta: true,
			Size: int64(packfs.MetaPrefixSize + len(desc) + len(value)),
		}, nil
	}
	if d.pos >= d.Count() {
		return nil, nil
	}
	e, err := d.a.EntryAt(d.pos - d.nmeta)
	if err != nil {
		return nil, err
	}
	if e.Offset+e.Length > d.a.ArchiveLen() {
		return nil, nil
	}
	d.pos++
	size := int64(e.Length)
	if e.IsImg() {
		size -= packfs.HashSize
	}
	return &DirItem{Name: e.Path(), Size: size}, nil
}

// metaInfo is the FileInfo for virtual and entry files of the mount.
type metaInfo struct {
	name string
	size int64
	dir  bool
}

func (fi metaInfo) Name() string { return fi.name }
func (fi metaInfo) Size() int64  { return fi.size }
func (fi metaInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
func (fi metaInfo) ModTime() time.Time { return time.Time{} }
func (fi metaInfo) IsDir() bool        { return fi.dir }
func (fi metaInfo) Sys() any           { return nil }

type metaDirEntry struct {
	name string
	size int64
	dir  bool
}

func (d metaDirEntry) Name() string { return d.name }
func (d metaDirEntry) IsDir() bool  { return d.dir }
func (d metaDirEntry) Type() fs.FileMode {
	if d.dir {
		return fs.ModeDir
	}
	return 0
}
func (d metaDirEntry) Info() (fs.FileInfo, error) {
	return metaInfo{name: d.name, size: d.size, dir: d.dir}, nil
}

// rootDir lists the virtual meta directory followed by the entries.
type rootDir struct {
	d         *Dir
	sentMeta  bool
	exhausted bool
}

func (r *rootDir) Stat() (fs.FileInfo, error) { return metaInfo{name: ".", dir: true}, nil }
func (r *rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: packfs.ErrUnsupported}
}
func (r *rootDir) Close() error { return r.d.Close() }

func (r *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	if !r.sentMeta {
		r.sentMeta = true
		if r.d.nmeta > 0 {
			out = append(out, metaDirEntry{name: MetaDir, dir: true})
		}
		r.d.SeekTo(r.d.nmeta) // entries only; metas live under meta/
	}
	for !r.exhausted && (n <= 0 || len(out) < n) {
		it, err := r.d.Next()
		if err != nil {
			return out, err
		}
		if it == nil {
			r.exhausted = true
			break
		}
		out = append(out, metaDirEntry{name: it.Name, size: it.Size})
	}
	if n > 0 && len(out) == 0 {
		return nil, errReadDir
	}
	return out, nil
}

// metaOnlyDir lists the meta records as files named by key.
type metaOnlyDir struct {
	d         *Dir
	exhausted bool
}

func (r *metaOnlyDir) Stat() (fs.FileInfo, error) { return metaInfo{name: MetaDir, dir: true}, nil }
func (r *metaOnlyDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: MetaDir, Err: packfs.ErrUnsupported}
}
func (r *metaOnlyDir) Close() error { return r.d.Close() }

func (r *metaOnlyDir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	for !r.exhausted && (n <= 0 || len(out) < n) {
		if r.d.Tell() >= r.d.nmeta {
			r.exhausted = true
			break
		}
		it, err := r.d.Next()
		if err != nil {
			return out, err
		}
		out = append(out, metaDirEntry{name: it.Name[len(MetaDir)+1:], size: it.Size})
	}
	if n > 0 && len(out) == 0 {
		return nil, errReadDir
	}
	return out, nil
}
