package packfs

import (
	"io"
	"io/fs"
	"time"
)

var errEOF = io.EOF

// fileInfo describes an interior entry: a read-only regular file with no
// meaningful timestamps. The block size is 1 for plain entries and the
// LZO block size for compressed ones.
type fileInfo struct {
	name    string
	size    int64
	blksize int64
	dir     bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return fi.blksize }

type dirEntry struct {
	name string
	size int64
	dir  bool
}

func (d dirEntry) Name() string { return d.name }
func (d dirEntry) IsDir() bool  { return d.dir }
func (d dirEntry) Type() fs.FileMode {
	if d.dir {
		return fs.ModeDir
	}
	return 0
}
func (d dirEntry) Info() (fs.FileInfo, error) {
	return fileInfo{name: d.name, size: d.size, blksize: 1, dir: d.dir}, nil
}
