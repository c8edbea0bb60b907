package packfs

import (
	"io/fs"
)

// A Dir enumerates the entries of an archive in index order. It owns the
// session it was opened with; Close releases it. Positions count whole
// index records, so Tell after SeekTo(n) is always n.
type Dir struct {
	a           *Archive
	indexStart  uint32
	indexLength uint32
	fileLength  uint32
}

// OpenDir opens the archive at path for enumeration.
func OpenDir(path string, opts ...Option) (*Dir, error) {
	a, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return NewDir(a), nil
}

// NewDir wraps an archive session positioned at its index start.
func NewDir(a *Archive) *Dir {
	return &Dir{
		a:           a,
		indexStart:  a.indexStart(),
		indexLength: a.header.IndexSize,
		fileLength:  a.size,
	}
}

// Close releases the underlying session.
func (d *Dir) Close() error { return d.a.Close() }

// Next reads the next entry, or (nil, nil) at the end of the stream.
// An entry whose payload lies past the file bounds ends the stream: the
// archive has been stripped and the remainder is not addressable.
func (d *Dir) Next() (*Entry, error) {
	if d.a.errored {
		return nil, ErrBadHandle
	}
	if d.a.cursor < d.indexStart || d.a.cursor >= d.indexStart+d.indexLength {
		return nil, nil
	}
	var e Entry
	if err := d.a.readIndex(&e); err != nil {
		return nil, err
	}
	if e.Offset+e.Length > d.fileLength {
		return nil, nil
	}
	d.a.entry = e
	return &e, nil
}

// Tell reports the cursor position in whole index records.
func (d *Dir) Tell() int {
	if d.a.cursor < d.indexStart {
		return 0
	}
	return int((d.a.cursor - d.indexStart) / EntrySize)
}

// SeekTo positions the cursor at the n-th index record.
func (d *Dir) SeekTo(n int) error {
	if n < 0 || uint32(n)*EntrySize > d.indexLength {
		return ErrInvalidArgument
	}
	return d.a.seekAbs(d.indexStart + uint32(n)*EntrySize)
}

// Count reports the total number of index records.
func (d *Dir) Count() int { return int(d.indexLength / EntrySize) }

// ReadDir implements the fs.ReadDirFile read protocol over the walker:
// n <= 0 drains the stream, n > 0 returns at most n entries and io.EOF
// semantics per io/fs.
func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	for n <= 0 || len(out) < n {
		e, err := d.Next()
		if err != nil {
			return out, err
		}
		if e == nil {
			break
		}
		out = append(out, dirEntry{name: e.Path(), size: entryLogicalSize(e)})
	}
	if n > 0 && len(out) == 0 {
		return nil, errEOF
	}
	return out, nil
}

func entryLogicalSize(e *Entry) int64 {
	if e.IsImg() {
		return int64(e.Length) - HashSize
	}
	return int64(e.Length)
}
