// Package packbuild assembles pack archives: the host-side counterpart
// of the device reader, also used to build test fixtures. Archives are
// immutable once written; this is creation, not write support.
//
// LZO entries are framed as stored blocks: each block's compressed
// length equals its uncompressed length, which readers copy through
// without invoking the decompressor.
package packbuild

import (
	"bytes"
	"crypto/sha256"
	"io"

	"github.com/innofi/packfs"
)

// MetaRecord is one key/description/value triple for the meta section.
type MetaRecord struct {
	Flags uint16
	Type  uint8
	Key   string
	Desc  []byte
	Value []byte
}

// FileSpec is one entry to pack. Image entries gain a SHA-256 prefix of
// their (uncompressed) content. A positive LzoBlocksize frames the
// content as stored LZO blocks of that size.
type FileSpec struct {
	Path         string
	Data         []byte
	Image        bool
	LzoBlocksize int
}

// A Builder accumulates meta records and entries, then emits the
// archive: header, meta section, index, regular payloads, image
// payloads, in that order.
type Builder struct {
	metas []MetaRecord
	files []FileSpec
}

func (b *Builder) AddMeta(m MetaRecord) { b.metas = append(b.metas, m) }
func (b *Builder) AddFile(f FileSpec)   { b.files = append(b.files, f) }

// Bytes assembles the archive.
func (b *Builder) Bytes() ([]byte, error) {
	metaBuf, err := b.encodeMeta()
	if err != nil {
		return nil, err
	}

	// Regular entries precede image entries in the body; the index is
	// written in body order.
	ordered := make([]FileSpec, 0, len(b.files))
	for _, f := range b.files {
		if !f.Image {
			ordered = append(ordered, f)
		}
	}
	nreg := len(ordered)
	for _, f := range b.files {
		if f.Image {
			ordered = append(ordered, f)
		}
	}

	payloads := make([][]byte, len(ordered))
	for i, f := range ordered {
		p, err := encodePayload(f)
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}

	indexSize := uint32(len(ordered)) * packfs.EntrySize
	bodyStart := uint32(packfs.HeaderSize) + uint32(len(metaBuf)) + indexSize

	var indexBuf bytes.Buffer
	offset := bodyStart
	for i, f := range ordered {
		var e packfs.Entry
		e.Flags = packfs.EntryReg
		if f.Image {
			e.Flags = packfs.EntryImg
		}
		if f.LzoBlocksize > 0 {
			e.Flags |= packfs.EntryLzo
		}
		e.Offset = offset
		e.Length = uint32(len(payloads[i]))
		e.EntryHash = sha256.Sum256(payloads[i])
		if err := e.SetPath(f.Path); err != nil {
			return nil, err
		}
		indexBuf.Write(packfs.EncodeEntry(&e))
		offset += e.Length
	}

	// The body digest covers meta, index and the regular payloads; it
	// lands in the SecureHMAC slot, where hosts with a keyed policy may
	// overwrite it.
	body := sha256.New()
	body.Write(metaBuf)
	body.Write(indexBuf.Bytes())
	for i := 0; i < nreg; i++ {
		body.Write(payloads[i])
	}

	h := packfs.Header{
		Magic:     packfs.Magic,
		Version:   packfs.Version,
		MetaSize:  uint32(len(metaBuf)),
		IndexSize: indexSize,
		MetaHash:  sha256.Sum256(metaBuf),
		IndexHash: sha256.Sum256(indexBuf.Bytes()),
	}
	body.Sum(h.SecureHMAC[:0])

	var out bytes.Buffer
	out.Write(packfs.FinishHeader(&h))
	out.Write(metaBuf)
	out.Write(indexBuf.Bytes())
	for _, p := range payloads {
		out.Write(p)
	}
	return out.Bytes(), nil
}

// WriteTo emits the archive to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	raw, err := b.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(raw)
	return int64(n), err
}

func (b *Builder) encodeMeta() ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range b.metas {
		var m packfs.Meta
		m.Flags = rec.Flags
		m.Type = rec.Type
		m.DescSize = uint16(len(rec.Desc))
		m.ValueSize = uint32(len(rec.Value))
		if err := m.SetKey(rec.Key); err != nil {
			return nil, err
		}
		buf.Write(packfs.EncodeMeta(&m))
		buf.Write(rec.Desc)
		buf.Write(rec.Value)
	}
	return buf.Bytes(), nil
}

func encodePayload(f FileSpec) ([]byte, error) {
	var buf bytes.Buffer
	if f.Image {
		sum := sha256.Sum256(f.Data)
		buf.Write(sum[:])
	}
	if f.LzoBlocksize <= 0 {
		buf.Write(f.Data)
		return buf.Bytes(), nil
	}

	if f.LzoBlocksize > packfs.MaxLzoBlock {
		return nil, packfs.ErrInvalidArgument
	}
	lh := packfs.LzoHeader{
		UncompressedLength: uint32(len(f.Data)),
		Blocksize:          uint16(f.LzoBlocksize),
	}
	buf.Write(packfs.EncodeLzoHeader(&lh))
	for off := 0; off < len(f.Data); off += f.LzoBlocksize {
		end := min(off+f.LzoBlocksize, len(f.Data))
		block := f.Data[off:end]
		buf.WriteByte(byte(len(block)))
		buf.WriteByte(byte(len(block) >> 8))
		buf.Write(block)
	}
	return buf.Bytes(), nil
}
