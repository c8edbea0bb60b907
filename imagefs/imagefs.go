// Copyright (c) Innofi
// Licensed under the MIT license

// Package imagefs mounts a device's firmware archive (a pack file named
// by convention) as a read-only filesystem, verifies it on mount, and
// drives firmware updates that stream a new archive in, write its image
// to the next OTA partition and swap the boot target.
//
// Beyond the archive's entries, the mount exposes a virtual "meta"
// directory whose files are the archive's meta records.
package imagefs

import (
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/process"
)

// MetaDir is the name of the virtual directory of meta records.
const MetaDir = "meta"

// Config describes one imagefs mount.
type Config struct {
	// Dir is the host directory holding image archives.
	Dir string

	// App identifies the currently running firmware; together with
	// Naming it names the mounted archive.
	App AppInfo

	// Naming defaults to DefaultNaming.
	Naming Naming

	// SkipVerify skips the mount-time self-check; FullVerify extends it
	// to every image entry's hash.
	SkipVerify bool
	FullVerify bool

	// Log defaults to slog.Default.
	Log *slog.Logger

	// Options are passed to every archive session.
	Options []packfs.Option
}

// An FS is a mounted image archive.
type FS struct {
	cfg       Config
	imagePath string
}

// Mount locates the image archive by naming convention and verifies it.
func Mount(cfg Config) (*FS, error) {
	cfg.Naming = cfg.Naming.orDefault()
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	m := &FS{
		cfg:       cfg,
		imagePath: filepath.Join(cfg.Dir, cfg.Naming.ImageName(cfg.App.Project, cfg.App.Version)),
	}
	if !cfg.SkipVerify {
		if err := m.Verify(cfg.FullVerify); err != nil {
			cfg.Log.Error("image archive failed verification", "path", m.imagePath, "err", err)
			return nil, err
		}
	}
	return m, nil
}

// ImagePath returns the mounted archive's host path.
func (m *FS) ImagePath() string { return m.imagePath }

// Verify walks the archive once, checking the body hash and, when full
// is set, every image entry's hash.
func (m *FS) Verify(full bool) error {
	var verr error
	cbs := process.Callbacks{
		OnError: func(section process.Section, err error) {
			verr = err
		},
		OnBodyHash: func(reported, computed []byte, matches bool) bool {
			return matches
		},
	}
	if full {
		cbs.OnImgEntryEnd = func(e *packfs.Entry, reported, computed []byte, matches bool) bool {
			return matches
		}
	}
	switch process.FromFile(m.imagePath, cbs) {
	case process.EOF:
		return nil
	case process.HashMismatch:
		return packfs.ErrHashMismatch
	default:
		if verr != nil {
			return verr
		}
		return packfs.ErrIO
	}
}

// open starts a session on the mounted archive.
func (m *FS) open(interior string) (*packfs.Archive, error) {
	return packfs.OpenEntry(m.imagePath, interior, m.cfg.Options...)
}

// Open implements fs.FS: "." and "meta" are directories, "meta/<key>"
// serves that record's encoded bytes, anything else addresses an entry.
func (m *FS) Open(name string) (fs.File, error) {
	f, err := m.openFile(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

func (m *FS) openFile(name string) (fs.File, error) {
	switch {
	case !fs.ValidPath(name):
		return nil, fs.ErrInvalid

	case name == ".":
		d, err := m.OpenDir()
		if err != nil {
			return nil, err
		}
		return &rootDir{d: d}, nil

	case name == MetaDir:
		d, err := m.OpenDir()
		if err != nil {
			return nil, err
		}
		return &metaOnlyDir{d: d}, nil

	case path.Dir(name) == MetaDir:
		a, err := m.open("")
		if err != nil {
			return nil, err
		}
		_, meta, err := findMeta(a, path.Base(name))
		if err != nil {
			a.Close()
			if err == packfs.ErrNotFound {
				err = fs.ErrNotExist
			}
			return nil, err
		}
		a.Close()
		return meta, nil

	default:
		a, err := m.open(name)
		if err != nil {
			if err == packfs.ErrNotFound {
				err = fs.ErrNotExist
			}
			return nil, err
		}
		return &entryFile{a: a, name: path.Base(name)}, nil
	}
}

func findMeta(a *packfs.Archive, key string) (int, *metaFile, error) {
	i, _, err := a.MetaFind(key)
	if err != nil {
		return 0, nil, err
	}
	m, desc, value, err := a.MetaAt(i)
	if err != nil {
		return 0, nil, err
	}
	var rec bytes.Buffer
	rec.Write(packfs.EncodeMeta(&m))
	rec.Write(desc)
	rec.Write(value)
	return i, &metaFile{name: key, r: bytes.NewReader(rec.Bytes())}, nil
}

// metaFile serves one meta record's encoded bytes.
type metaFile struct {
	name string
	r    *bytes.Reader
}

func (f *metaFile) Read(p []byte) (int, error)                { return f.r.Read(p) }
func (f *metaFile) Seek(off int64, whence int) (int64, error) { return f.r.Seek(off, whence) }
func (f *metaFile) Close() error                              { return nil }
func (f *metaFile) Stat() (fs.FileInfo, error) {
	return metaInfo{name: f.name, size: f.r.Size()}, nil
}

// entryFile is one archive entry opened through the mount.
type entryFile struct {
	a    *packfs.Archive
	name string
}

func (f *entryFile) Read(p []byte) (int, error)                { return f.a.Read(p) }
func (f *entryFile) Seek(off int64, whence int) (int64, error) { return f.a.Seek(off, whence) }
func (f *entryFile) Close() error                              { return f.a.Close() }
func (f *entryFile) Stat() (fs.FileInfo, error) {
	fi, err := f.a.Stat()
	if err != nil {
		return nil, err
	}
	return metaInfo{name: f.name, size: fi.Size()}, nil
}

var errReadDir = io.EOF
