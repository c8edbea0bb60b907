// Copyright (c) Innofi
// Licensed under the MIT license

package packfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultMaxFiles is the handle-table capacity when none is configured.
const DefaultMaxFiles = 16

// Control commands accepted by VFS.Ioctl.
const (
	CtlMetaCount = iota + 1
	CtlMetaRead
	CtlMetaFind
	CtlIndexCount
	CtlIndexRead
	CtlIndexFind
	CtlCurrentEntry
	CtlCurrentImageHash
)

// Access modes accepted by VFS.Access.
const (
	FOK = 0
	ROK = 4
)

// VFS is the POSIX-shaped surface over a directory of pack archives:
// integer descriptors, read/lseek/ioctl, stat and directory iteration.
// Names are composite, "archive.pack#interior/path". It exists for hosts
// that plug the subsystem into a file-operation table; Go callers are
// better served by the typed Archive and Dir APIs or the fs.FS adapter.
type VFS struct {
	prefix string
	table  *handleTable
	opts   []Option
}

// NewVFS serves archives under the prefix directory through at most
// maxFiles simultaneously open descriptors.
func NewVFS(prefix string, maxFiles int, opts ...Option) *VFS {
	return &VFS{prefix: prefix, table: newHandleTable(maxFiles), opts: opts}
}

func (v *VFS) backing(name string) (string, string, error) {
	container, interior, err := SplitPath(name)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(v.prefix, container), interior, nil
}

// Open opens a composite path read-only and returns its descriptor.
// Any write flag fails with ErrUnsupported.
func (v *VFS) Open(name string, flags int) (int, error) {
	if flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return -1, ErrUnsupported
	}
	backing, interior, err := v.backing(name)
	if err != nil {
		return -1, err
	}
	a, err := OpenEntry(backing, interior, v.opts...)
	if err != nil {
		return -1, err
	}
	fd, err := v.table.alloc(a)
	if err != nil {
		a.Close()
		return -1, err
	}
	return fd, nil
}

// Close releases the descriptor and its session.
func (v *VFS) Close(fd int) error {
	a := v.table.get(fd)
	if a == nil {
		return ErrInvalidArgument
	}
	v.table.free(fd)
	return a.Close()
}

// Read reads up to len(p) payload bytes, returning 0 at end of entry.
func (v *VFS) Read(fd int, p []byte) (int, error) {
	a := v.table.get(fd)
	if a == nil {
		return -1, ErrInvalidArgument
	}
	n, err := a.Read(p)
	if err == io.EOF {
		return 0, nil
	}
	return n, err
}

// Lseek repositions within the open entry.
func (v *VFS) Lseek(fd int, offset int64, whence int) (int64, error) {
	a := v.table.get(fd)
	if a == nil {
		return -1, ErrInvalidArgument
	}
	return a.Seek(offset, whence)
}

// Write always fails: archives are immutable.
func (v *VFS) Write(fd int, p []byte) (int, error) { return -1, ErrUnsupported }

// Ioctl dispatches a control command. Outputs are written through the
// pointer arguments, mirroring the ioctl va_list convention.
func (v *VFS) Ioctl(fd int, cmd int, args ...any) error {
	a := v.table.get(fd)
	if a == nil {
		return ErrInvalidArgument
	}
	if a.errored {
		return ErrBadHandle
	}
	switch cmd {
	case CtlMetaCount:
		out, ok := arg[*int](args, 0)
		if !ok {
			return ErrInvalidArgument
		}
		n, err := a.MetaCount()
		if err != nil {
			return err
		}
		*out = n

	case CtlMetaRead:
		i, ok1 := arg[int](args, 0)
		outm, ok2 := arg[*Meta](args, 1)
		if !ok1 || !ok2 {
			return ErrInvalidArgument
		}
		m, desc, value, err := a.MetaAt(i)
		if err != nil {
			return err
		}
		*outm = m
		if outd, ok := arg[*[]byte](args, 2); ok {
			*outd = desc
		}
		if outv, ok := arg[*[]byte](args, 3); ok {
			*outv = value
		}

	case CtlMetaFind:
		key, ok1 := arg[string](args, 0)
		out, ok2 := arg[*int](args, 1)
		if !ok1 || !ok2 {
			return ErrInvalidArgument
		}
		i, _, err := a.MetaFind(key)
		if err != nil {
			return err
		}
		*out = i

	case CtlIndexCount:
		out, ok := arg[*int](args, 0)
		if !ok {
			return ErrInvalidArgument
		}
		*out = a.EntryCount()

	case CtlIndexRead:
		i, ok1 := arg[int](args, 0)
		out, ok2 := arg[*Entry](args, 1)
		if !ok1 || !ok2 {
			return ErrInvalidArgument
		}
		e, err := a.EntryAt(i)
		if err != nil {
			return err
		}
		*out = e

	case CtlIndexFind:
		path, ok1 := arg[string](args, 0)
		out, ok2 := arg[*Entry](args, 1)
		if !ok1 || !ok2 {
			return ErrInvalidArgument
		}
		e, err := a.EntryFind(path)
		if err != nil {
			return err
		}
		*out = e

	case CtlCurrentEntry:
		out, ok := arg[*Entry](args, 0)
		if !ok {
			return ErrInvalidArgument
		}
		e, open := a.CurrentEntry()
		if !open {
			return ErrInvalidArgument
		}
		*out = e

	case CtlCurrentImageHash:
		out, ok := arg[*[HashSize]byte](args, 0)
		if !ok {
			return ErrInvalidArgument
		}
		h, err := a.CurrentImageHash()
		if err != nil {
			return err
		}
		*out = h

	default:
		return ErrInvalidArgument
	}
	return nil
}

func arg[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) || args[i] == nil {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}

// Fstat describes the entry behind fd.
func (v *VFS) Fstat(fd int) (fs.FileInfo, error) {
	a := v.table.get(fd)
	if a == nil {
		return nil, ErrInvalidArgument
	}
	return a.Stat()
}

// Stat opens, stats and closes a composite path. A bare container name
// stats as a read-only directory.
func (v *VFS) Stat(name string) (fs.FileInfo, error) {
	if backing, interior, err := v.backing(name); err == nil && interior == "" {
		a, err := Open(backing, v.opts...)
		if err != nil {
			return nil, err
		}
		a.Close()
		return fileInfo{name: filepath.Base(backing), dir: true}, nil
	}
	fd, err := v.Open(name, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	fi, err := v.Fstat(fd)
	v.Close(fd)
	return fi, err
}

// Access checks existence (FOK) or readability (ROK); everything else is
// refused since archives are read-only.
func (v *VFS) Access(name string, mode int) error {
	if mode != FOK && mode != ROK {
		return ErrUnsupported
	}
	_, err := v.Stat(name)
	return err
}

// Opendir opens the archive named by the container portion of name for
// entry enumeration.
func (v *VFS) Opendir(name string) (*Dir, error) {
	backing, _, err := v.backing(name)
	if err != nil {
		return nil, err
	}
	a, err := Open(backing, v.opts...)
	if err != nil {
		return nil, err
	}
	if _, err := v.table.alloc(a); err != nil {
		a.Close()
		return nil, err
	}
	d := NewDir(a)
	a.release = func() { v.releaseOf(a) }
	return d, nil
}

func (v *VFS) releaseOf(a *Archive) {
	v.table.mu.Lock()
	defer v.table.mu.Unlock()
	for fd, s := range v.table.slots {
		if s == a {
			v.table.slots[fd] = nil
		}
	}
}

// Readdir returns the next entry name, or "" at end of stream.
func (v *VFS) Readdir(d *Dir) (string, error) {
	e, err := d.Next()
	if err != nil || e == nil {
		return "", err
	}
	return e.Path(), nil
}

// Telldir reports the walker position in whole records.
func (v *VFS) Telldir(d *Dir) int { return d.Tell() }

// Seekdir positions the walker at record n.
func (v *VFS) Seekdir(d *Dir, n int) error { return d.SeekTo(n) }

// Closedir releases the walker and its descriptor.
func (v *VFS) Closedir(d *Dir) error { return d.Close() }
