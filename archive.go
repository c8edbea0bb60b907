// Copyright (c) Innofi
// Licensed under the MIT license

package packfs

import (
	"io"
	"io/fs"
	"math"
	"os"

	"github.com/innofi/packfs/internal/blockcache"
	"github.com/innofi/packfs/internal/fileid"
)

// An Archive is one open session on a pack file: the backing reader, an
// absolute cursor, the selected entry (if any) and the sticky error
// latch. A session belongs to a single caller; concurrent use of one
// Archive must be serialized by its owner. Separate sessions on the same
// file are independent.
type Archive struct {
	b       io.ReadSeeker
	closer  io.Closer
	header  Header
	size    uint32 // backing file length
	cursor  uint32
	entry   Entry
	isOpen  bool // an interior entry is selected
	errored bool
	lzo     *lzoState
	opts    options
	fid     uint64 // cache identity, 0 when uncached
	release func() // handle-table hook, nil outside the VFS
}

type options struct {
	cache      *blockcache.Cache
	verifyHMAC func(h *Header, encoded []byte) error
}

// An Option adjusts how an archive session is opened.
type Option func(*options)

// WithBlockCache shares a decompressed-block cache between sessions.
// Sessions on the same backing file (by identity, not by path) hit each
// other's blocks.
func WithBlockCache(c *blockcache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithHMACVerifier installs the host's policy for the SecureHMAC header
// field. The codec itself never interprets that field.
func WithHMACVerifier(fn func(h *Header, encoded []byte) error) Option {
	return func(o *options) { o.verifyHMAC = fn }
}

// Open opens the archive at path without selecting an interior entry,
// positioned at the start of the index. Use it for directory walks and
// the meta/index control surface.
func Open(path string, opts ...Option) (*Archive, error) {
	return OpenEntry(path, "", opts...)
}

// OpenEntry opens the archive at path and, when interior is non-empty,
// locates that entry and positions the cursor at its payload.
func OpenEntry(path, interior string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := NewArchive(f, f, st.Size(), interior, opts...)
	if err != nil {
		return nil, err // NewArchive closed f
	}
	if id, err := fileid.File(f); err == nil {
		a.fid = id
	}
	return a, nil
}

// NewArchive opens a session over an already-open backing reader of the
// given length. closer may be nil if the caller retains ownership.
func NewArchive(b io.ReadSeeker, closer io.Closer, length int64, interior string, opts ...Option) (*Archive, error) {
	if length < HeaderSize || length > math.MaxUint32 {
		return nil, ErrBadMagic
	}
	a := &Archive{b: b, closer: closer, size: uint32(length)}
	for _, o := range opts {
		o(&a.opts)
	}
	if err := a.open(interior); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) open(interior string) error {
	var raw [HeaderSize]byte
	if err := a.readChunk(raw[:]); err != nil {
		return err
	}
	if err := DecodeHeader(&a.header, raw[:]); err != nil {
		return err
	}
	if err := CheckHeader(&a.header, raw[:]); err != nil {
		return err
	}
	if a.header.Version != Version {
		return ErrVersionMismatch
	}
	if a.opts.verifyHMAC != nil {
		if err := a.opts.verifyHMAC(&a.header, raw[:]); err != nil {
			return err
		}
	}

	// Land on the first index record.
	if err := a.seekFwd(a.header.MetaSize); err != nil {
		return err
	}
	if interior == "" {
		return nil
	}

	if _, err := a.findEntry(a.header.IndexSize, interior, &a.entry); err != nil {
		return err
	}
	if a.entry.Offset+a.entry.Length > a.size {
		// Payload past file bounds: a stripped archive.
		return ErrNotFound
	}
	if err := a.seekAbs(a.entry.Offset); err != nil {
		return err
	}
	a.isOpen = true
	return a.prepEntry()
}

// prepEntry readies per-entry decode state after the cursor lands on the
// payload start.
func (a *Archive) prepEntry() error {
	if a.entry.IsLzo() {
		if a.lzo == nil {
			a.lzo = new(lzoState)
		}
		a.lzo.prep()
		if a.entry.IsImg() {
			// The compressed stream begins after the image-hash prefix.
			if err := a.seekFwd(HashSize); err != nil {
				return err
			}
		}
		return a.readLzoHeader()
	}
	return nil
}

// Close releases the backing file, decompression buffers and, when the
// session came from a VFS table, its descriptor slot.
func (a *Archive) Close() error {
	var err error
	if a.closer != nil {
		err = a.closer.Close()
		a.closer = nil
	}
	a.b = nil
	a.lzo = nil
	if a.release != nil {
		a.release()
		a.release = nil
	}
	return err
}

// Errored reports whether the sticky error latch is set.
func (a *Archive) Errored() bool { return a.errored }

// Header returns a copy of the verified archive header.
func (a *Archive) Header() Header { return a.header }

// ArchiveLen returns the backing file length in bytes.
func (a *Archive) ArchiveLen() uint32 { return a.size }

// CurrentEntry returns a copy of the selected entry, if one is open.
func (a *Archive) CurrentEntry() (Entry, bool) { return a.entry, a.isOpen }

func (a *Archive) fail(err error) error {
	a.errored = true
	return err
}

func (a *Archive) readChunk(p []byte) error {
	if a.errored {
		return ErrBadHandle
	}
	if _, err := io.ReadFull(a.b, p); err != nil {
		return a.fail(ErrIO)
	}
	a.cursor += uint32(len(p))
	return nil
}

func (a *Archive) seekAbs(off uint32) error {
	if a.errored {
		return ErrBadHandle
	}
	if _, err := a.b.Seek(int64(off), io.SeekStart); err != nil {
		return a.fail(ErrIO)
	}
	a.cursor = off
	return nil
}

func (a *Archive) seekFwd(n uint32) error { return a.seekAbs(a.cursor + n) }

// readMeta reads the record under the cursor. The description and value
// payloads are read or skipped depending on wantDesc/wantValue.
func (a *Archive) readMeta(m *Meta, wantDesc, wantValue bool) (desc, value []byte, err error) {
	var raw [MetaPrefixSize]byte
	if err := a.readChunk(raw[:]); err != nil {
		return nil, nil, err
	}
	if err := DecodeMeta(m, raw[:]); err != nil {
		return nil, nil, err
	}
	if wantDesc {
		desc = make([]byte, m.DescSize)
		err = a.readChunk(desc)
	} else {
		err = a.seekFwd(uint32(m.DescSize))
	}
	if err != nil {
		return nil, nil, err
	}
	if wantValue {
		value = make([]byte, m.ValueSize)
		err = a.readChunk(value)
	} else {
		err = a.seekFwd(m.ValueSize)
	}
	if err != nil {
		return nil, nil, err
	}
	return desc, value, nil
}

// readIndex reads one index record under the cursor.
func (a *Archive) readIndex(e *Entry) error {
	var raw [EntrySize]byte
	if err := a.readChunk(raw[:]); err != nil {
		return err
	}
	return DecodeEntry(e, raw[:])
}

// findMeta scans metaSize bytes of meta records from the cursor for a
// byte-equal key, returning its record index. An empty key counts every
// record instead, reporting the total and ErrNotFound.
func (a *Archive) findMeta(metaSize uint32, key string, m *Meta) (int, error) {
	index := 0
	for metaSize > 0 {
		if _, _, err := a.readMeta(m, false, false); err != nil {
			return index, err
		}
		if key != "" && key == m.Key() {
			return index, nil
		}
		rec := m.RecordSize()
		if rec > metaSize {
			return index, a.fail(ErrTruncated)
		}
		metaSize -= rec
		index++
	}
	return index, ErrNotFound
}

// findEntry scans indexSize bytes of index records from the cursor for a
// byte-equal path. First match wins.
func (a *Archive) findEntry(indexSize uint32, path string, e *Entry) (int, error) {
	n := int(indexSize / EntrySize)
	for i := 0; i < n; i++ {
		if err := a.readIndex(e); err != nil {
			return i, err
		}
		if e.Path() == path {
			return i, nil
		}
	}
	return n, ErrNotFound
}

// Read copies payload bytes of the selected entry into p, decompressing
// as needed. It returns io.EOF at the end of the entry.
func (a *Archive) Read(p []byte) (int, error) {
	if a.errored {
		return 0, ErrBadHandle
	}
	if !a.isOpen {
		return 0, ErrInvalidArgument
	}
	if a.entry.IsLzo() {
		return a.readLzo(p)
	}
	return a.readReg(p)
}

func (a *Archive) readReg(p []byte) (int, error) {
	remain := a.entry.Offset + a.entry.Length - a.cursor
	if uint32(len(p)) > remain {
		p = p[:remain]
	}
	if len(p) == 0 {
		return 0, io.EOF
	}
	if err := a.readChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Seek repositions within the selected entry. Positions are relative to
// the entry start; the 32-byte image-hash prefix of IMG entries is not
// skipped implicitly. Targets outside [0, length] fail with ErrOverflow.
func (a *Archive) Seek(offset int64, whence int) (int64, error) {
	if a.errored {
		return 0, ErrBadHandle
	}
	if !a.isOpen {
		return 0, ErrInvalidArgument
	}
	if a.entry.IsLzo() {
		return a.seekLzo(offset, whence)
	}
	return a.seekReg(offset, whence)
}

func (a *Archive) seekReg(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += int64(a.cursor - a.entry.Offset)
	case io.SeekEnd:
		offset += int64(a.entry.Length)
	default:
		return 0, ErrInvalidArgument
	}
	if offset < 0 || offset > int64(a.entry.Length) {
		return 0, ErrOverflow
	}
	full := a.entry.Offset + uint32(offset)
	if a.cursor != full {
		if err := a.seekAbs(full); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// EntrySizeBytes returns the logical size of the selected entry: the
// uncompressed length for LZO entries, the payload net of the image-hash
// prefix for IMG entries, the raw length otherwise.
func (a *Archive) EntrySizeBytes() int64 {
	if !a.isOpen {
		return 0
	}
	switch {
	case a.entry.IsLzo() && a.lzo != nil:
		return int64(a.lzo.header.UncompressedLength)
	case a.entry.IsImg():
		return int64(a.entry.Length) - HashSize
	default:
		return int64(a.entry.Length)
	}
}

// Stat describes the selected entry as a read-only regular file.
func (a *Archive) Stat() (fs.FileInfo, error) {
	if a.errored {
		return nil, ErrBadHandle
	}
	if !a.isOpen {
		return nil, ErrInvalidArgument
	}
	fi := fileInfo{name: a.entry.Path(), size: a.EntrySizeBytes(), blksize: 1}
	if a.entry.IsLzo() && a.lzo != nil {
		fi.blksize = int64(a.lzo.header.Blocksize)
	}
	return fi, nil
}
