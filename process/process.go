// Copyright (c) Innofi
// Licensed under the MIT license

// Package process walks a pack archive exactly once, front to back,
// emitting typed callbacks at semantic boundaries and verifying hashes
// on the fly. Input is pulled from a file or pushed through a caller-fed
// stream buffer; the walked bytes can be mirrored to an output sink,
// optionally transformed.
//
// The processor is a cooperative state machine: every tick makes bounded
// progress and returns a status, never blocking outside the caller's own
// read and write callbacks.
package process

import (
	"bytes"
	"crypto/sha256"
	"hash"

	"github.com/innofi/packfs"
)

// Status is the processor's tick result.
type Status int

const (
	Ok           Status = iota // made progress, call again
	Fail                       // terminal, OnError has fired
	Again                      // input exhausted for now, load more
	EOF                        // archive fully consumed
	HashMismatch               // a hash-comparing callback bailed on a mismatch
	UserBail                   // a callback bailed for some other reason
)

// Section names the archive region the cursor is in.
type Section int

const (
	SectionHeader Section = iota
	SectionMeta
	SectionIndex
	SectionRegEntry
	SectionImgEntry
)

type state int

const (
	stateReadHeader state = iota
	stateReadMeta
	stateReadMetaSides
	stateReadIndex
	stateReadEntry
	stateSkipEntry
	stateReadImgHash
	stateReadRegChunk
	stateReadLzoHeader
	stateReadLzoSize
	stateReadLzoChunk
	stateClosed
)

// chunk size for regular-entry reads; headers and records are read exact.
const procBufSize = 512

// IO supplies the byte source and the optional mirror sink. Read must
// deliver at least min bytes when it reports Ok; fewer is a protocol
// error. Again is non-fatal and bubbles up to the caller. A Write
// failure is fatal.
type IO struct {
	Read  func(p *Processor, buf []byte, min int) (int, Status)
	Write func(p *Processor, buf []byte) Status
}

// Callbacks are the semantic events of one walk. Nil members are skipped.
// The bool-returning members stop the walk when they return false. Hash
// arguments are nil when the corresponding hash was not maintained. Byte
// slices are scratch memory, valid only for the duration of the call.
type Callbacks struct {
	OnError       func(section Section, err error)
	OnHeader      func(h *packfs.Header)
	OnMeta        func(m *packfs.Meta, desc, value []byte)
	OnBodyHash    func(reported, computed []byte, matches bool) bool
	OnEntryStart  func(e *packfs.Entry, size uint32) bool
	OnEntryData   func(e *packfs.Entry, data []byte, offset uint32)
	OnRegEntryEnd func(e *packfs.Entry) bool
	OnImgEntryEnd func(e *packfs.Entry, reported, computed []byte, matches bool) bool
	OnEOF         func() bool
}

// A Processor drives one walk. Create one with New, NewStream or
// NewStreamIO; a terminated processor cannot be restarted.
type Processor struct {
	section  Section
	st       state
	done     Status // terminal result once closed; Ok while running
	header   packfs.Header
	entries  []packfs.Entry
	onEntry  int
	entry    packfs.Entry
	cursor   uint32
	io       IO
	cbs      Callbacks
	bodyDone bool

	// Hash contexts exist only when a callback demands them; the
	// decision is fixed at header time. Body and section hashes cover
	// archive bytes as stored (compressed); the image hash covers the
	// decompressed image.
	bodyHash  hash.Hash
	metaHash  hash.Hash
	indexHash hash.Hash
	imgHash   hash.Hash

	headerRaw   [packfs.HeaderSize]byte
	meta        packfs.Meta
	metaSides   []byte
	metaSideN   int
	indexBuf    []byte
	regEnd      uint32
	imgEnd      uint32
	imgReported [packfs.HashSize]byte

	lzo lzoDecode

	chunk [procBufSize]byte

	stream *Stream
}

type lzoDecode struct {
	header        packfs.LzoHeader
	numBlocks     uint32
	compressedLen uint16
	fill          uint16
	compressed    []byte
}

// New builds a processor over an arbitrary IO pair.
func New(io IO, cbs Callbacks) *Processor {
	return &Processor{io: io, cbs: cbs, section: SectionHeader, st: stateReadHeader}
}

// Section reports the archive region currently being walked, for write
// mirrors that transform by region.
func (p *Processor) Section() Section { return p.section }

// Header returns the parsed header; valid after OnHeader has fired.
func (p *Processor) Header() packfs.Header { return p.header }

// Close marks the processor terminal. Further Process calls fail.
func (p *Processor) Close() { p.st = stateClosed }

func (p *Processor) failWith(err error) Status {
	if p.cbs.OnError != nil {
		p.cbs.OnError(p.section, err)
	}
	p.Close()
	p.done = Fail
	return Fail
}

func (p *Processor) indexStart() uint32 { return packfs.HeaderSize + p.header.MetaSize }
func (p *Processor) indexEnd() uint32   { return p.indexStart() + p.header.IndexSize }

func (p *Processor) entryEnd() uint32 { return p.entry.Offset + p.entry.Length }

func (p *Processor) wantBodyHash() bool {
	return p.bodyHash != nil && p.section == SectionRegEntry
}

func (p *Processor) wantImgHash() bool {
	return p.imgHash != nil && p.section == SectionImgEntry && p.entry.IsImg()
}

// headHash feeds b to the body and per-section hashes during the
// header-adjacent sections.
func (p *Processor) headHash(b []byte, section hash.Hash) {
	if p.bodyHash != nil {
		p.bodyHash.Write(b)
	}
	if section != nil {
		section.Write(b)
	}
}

// wantSkip reports whether the current entry holds nothing for the
// registered callbacks, or whether OnEntryStart declined it.
func (p *Processor) wantSkip(size uint32) bool {
	c := &p.cbs
	if p.entry.IsReg() && c.OnEntryStart == nil && c.OnEntryData == nil && c.OnRegEntryEnd == nil {
		return true
	}
	if p.entry.IsImg() && c.OnEntryStart == nil && c.OnEntryData == nil && c.OnImgEntryEnd == nil {
		return true
	}
	return c.OnEntryStart != nil && !c.OnEntryStart(&p.entry, size)
}

// Process runs ticks until the walk terminates or the source runs dry.
// Ok is never returned: the result is Again, EOF, Fail, HashMismatch or
// UserBail.
func (p *Processor) Process() Status {
	if p.st == stateClosed && p.done != Ok {
		return p.done
	}

	status := Ok
	for status == Ok {
		status = p.tick()
	}

	switch status {
	case EOF:
		// A stream may end between entries, or at the image-hash read of
		// an archive whose image section was stripped from storage.
		if p.st != stateReadEntry && p.st != stateReadImgHash {
			return p.failWith(packfs.ErrTruncated)
		}
		if p.cbs.OnEOF != nil && !p.cbs.OnEOF() {
			status = UserBail
		}
		p.Close()
		p.done = status
	case HashMismatch, UserBail:
		p.Close()
		p.done = status
	}
	return status
}

func (p *Processor) tick() Status {
	// Work out what this state needs to read and where.
	var buf []byte
	min := 0
	switch p.st {
	case stateReadHeader:
		buf, min = p.headerRaw[:], packfs.HeaderSize
	case stateReadMeta:
		buf, min = p.chunk[:packfs.MetaPrefixSize], packfs.MetaPrefixSize
	case stateReadMetaSides:
		buf, min = p.metaSides[p.metaSideN:], 1
	case stateReadIndex:
		buf, min = p.indexBuf[p.cursor-p.indexStart():], 1
	case stateReadEntry:
		// Nothing to read; the action below decides everything.
	case stateReadImgHash:
		buf, min = p.imgReported[:], packfs.HashSize
	case stateSkipEntry, stateReadRegChunk:
		n := p.entryEnd() - p.cursor
		if n > procBufSize {
			n = procBufSize
		}
		buf, min = p.chunk[:n], 1
	case stateReadLzoHeader:
		buf, min = p.chunk[:packfs.LzoHeaderSize], packfs.LzoHeaderSize
	case stateReadLzoSize:
		buf, min = p.chunk[:2], 2
	case stateReadLzoChunk:
		buf, min = p.lzo.compressed[p.lzo.fill:p.lzo.compressedLen], 1
	case stateClosed:
		return p.failWith(packfs.ErrBadHandle)
	}

	got := 0
	if len(buf) > 0 {
		n, status := p.io.Read(p, buf, min)
		if status == Ok && n < min {
			status = Fail
		}
		if status != Ok {
			if status == Fail {
				return p.failWith(packfs.ErrIO)
			}
			return status // Again or EOF
		}
		got = n
		buf = buf[:n]
		p.cursor += uint32(n)
	}

	status := p.action(buf)
	if status != Ok {
		return status
	}

	if got > 0 && p.io.Write != nil {
		if p.io.Write(p, buf) != Ok {
			return p.failWith(packfs.ErrIO)
		}
	}
	return Ok
}

func (p *Processor) action(buf []byte) Status {
	switch p.st {
	case stateReadHeader:
		if err := packfs.DecodeHeader(&p.header, p.headerRaw[:]); err != nil {
			return p.failWith(err)
		}
		if err := packfs.CheckHeader(&p.header, p.headerRaw[:]); err != nil {
			return p.failWith(err)
		}
		if p.header.Version != packfs.Version {
			return p.failWith(packfs.ErrVersionMismatch)
		}
		p.entries = make([]packfs.Entry, p.header.IndexSize/packfs.EntrySize)
		p.indexBuf = make([]byte, p.header.IndexSize)
		if p.cbs.OnHeader != nil {
			p.cbs.OnHeader(&p.header)
		}
		if p.cbs.OnBodyHash != nil || p.cbs.OnImgEntryEnd != nil {
			p.bodyHash = sha256.New()
			p.metaHash = sha256.New()
			p.indexHash = sha256.New()
		}
		if p.cbs.OnImgEntryEnd != nil {
			p.imgHash = sha256.New() // replaced per image entry
		}
		if p.header.MetaSize == 0 {
			return p.enterIndex()
		}
		p.section = SectionMeta
		p.st = stateReadMeta

	case stateReadMeta:
		if err := packfs.DecodeMeta(&p.meta, buf); err != nil {
			return p.failWith(err)
		}
		p.headHash(buf, p.metaHash)
		sides := p.meta.SideSize()
		if p.cursor+sides > p.indexStart() {
			return p.failWith(packfs.ErrTruncated)
		}
		if sides > 0 {
			if uint32(cap(p.metaSides)) < sides {
				p.metaSides = make([]byte, sides)
			}
			p.metaSides = p.metaSides[:sides]
			p.metaSideN = 0
			p.st = stateReadMetaSides
			break
		}
		if p.cbs.OnMeta != nil {
			p.cbs.OnMeta(&p.meta, nil, nil)
		}
		if p.cursor == p.indexStart() {
			return p.enterIndex()
		}

	case stateReadMetaSides:
		p.headHash(buf, p.metaHash)
		p.metaSideN += len(buf)
		if p.metaSideN < len(p.metaSides) {
			break
		}
		if p.cbs.OnMeta != nil {
			desc := p.metaSides[:p.meta.DescSize]
			value := p.metaSides[p.meta.DescSize:]
			p.cbs.OnMeta(&p.meta, desc, value)
		}
		if p.cursor == p.indexStart() {
			return p.enterIndex()
		}
		p.st = stateReadMeta

	case stateReadIndex:
		p.headHash(buf, p.indexHash)
		if p.cursor < p.indexEnd() {
			break
		}
		if p.indexHash != nil {
			if !bytes.Equal(p.indexHash.Sum(nil), p.header.IndexHash[:]) {
				return p.failWith(packfs.ErrHashMismatch)
			}
		}
		for i := range p.entries {
			if err := packfs.DecodeEntry(&p.entries[i], p.indexBuf[i*packfs.EntrySize:]); err != nil {
				return p.failWith(err)
			}
		}
		var regSize, imgSize uint32
		for i := range p.entries {
			if p.entries[i].IsImg() {
				imgSize += p.entries[i].Length
			} else {
				regSize += p.entries[i].Length
			}
		}
		p.regEnd = p.indexEnd() + regSize
		p.imgEnd = p.regEnd + imgSize
		p.section = SectionRegEntry
		p.st = stateReadEntry

	case stateReadEntry:
		if p.cursor == p.regEnd && !p.bodyDone {
			p.bodyDone = true
			var computed []byte
			if p.bodyHash != nil {
				computed = p.bodyHash.Sum(nil)
			}
			matches := computed != nil && bytes.Equal(computed, p.header.SecureHMAC[:])
			if p.cbs.OnBodyHash != nil && !p.cbs.OnBodyHash(p.header.SecureHMAC[:], computed, matches) {
				if computed != nil && !matches {
					return HashMismatch
				}
				return UserBail
			}
		}
		if p.cursor == p.imgEnd {
			return EOF
		}
		if p.onEntry >= len(p.entries) {
			return p.failWith(packfs.ErrTruncated)
		}
		p.entry = p.entries[p.onEntry]
		if p.cursor >= p.regEnd {
			p.section = SectionImgEntry
		} else {
			p.section = SectionRegEntry
		}
		if p.wantImgHash() {
			p.imgHash = sha256.New()
		}
		switch {
		case p.entry.IsImg():
			p.st = stateReadImgHash
		case p.entry.IsLzo():
			p.st = stateReadLzoHeader
		default:
			p.st = stateReadRegChunk
		}

	case stateReadImgHash:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		if p.entry.IsLzo() {
			p.st = stateReadLzoHeader
		} else {
			p.st = stateReadRegChunk
		}

	case stateSkipEntry:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		if p.cursor == p.entryEnd() {
			p.onEntry++
			p.st = stateReadEntry
		}

	case stateReadRegChunk:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		if p.wantImgHash() {
			p.imgHash.Write(buf)
		}
		start := p.entry.Offset
		logical := p.entry.Length
		if p.entry.IsImg() {
			start += packfs.HashSize
			logical -= packfs.HashSize
		}
		if p.cursor-uint32(len(buf)) == start && p.wantSkip(logical) {
			p.st = stateSkipEntry
			break
		}
		if p.cbs.OnEntryData != nil {
			p.cbs.OnEntryData(&p.entry, buf, p.cursor-uint32(len(buf))-start)
		}
		if p.cursor == p.entryEnd() {
			if st := p.finishEntry(); st != Ok {
				return st
			}
		}

	case stateReadLzoHeader:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		if err := packfs.DecodeLzoHeader(&p.lzo.header, buf); err != nil {
			return p.failWith(err)
		}
		if err := packfs.CheckLzoHeader(&p.lzo.header); err != nil {
			return p.failWith(err)
		}
		if p.lzo.header.UncompressedLength == 0 {
			return p.finishEntry()
		}
		if p.wantSkip(p.lzo.header.UncompressedLength) {
			p.st = stateSkipEntry
			break
		}
		p.lzo.numBlocks = 0
		if cap(p.lzo.compressed) < int(p.lzo.header.Blocksize) {
			p.lzo.compressed = make([]byte, p.lzo.header.Blocksize)
		}
		p.st = stateReadLzoSize

	case stateReadLzoSize:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		p.lzo.compressedLen = uint16(buf[0]) | uint16(buf[1])<<8
		if p.lzo.compressedLen == 0 || p.lzo.compressedLen > p.lzo.header.Blocksize {
			return p.failWith(packfs.ErrTruncated)
		}
		p.lzo.fill = 0
		p.st = stateReadLzoChunk

	case stateReadLzoChunk:
		if p.wantBodyHash() {
			p.bodyHash.Write(buf)
		}
		p.lzo.fill += uint16(len(buf))
		if p.lzo.fill < p.lzo.compressedLen {
			break
		}
		if st := p.finishLzoBlock(); st != Ok {
			return st
		}

	case stateClosed:
		return p.failWith(packfs.ErrBadHandle)
	}
	return Ok
}

func (p *Processor) enterIndex() Status {
	if p.metaHash != nil {
		if !bytes.Equal(p.metaHash.Sum(nil), p.header.MetaHash[:]) {
			return p.failWith(packfs.ErrHashMismatch)
		}
	}
	p.section = SectionIndex
	p.st = stateReadIndex
	return Ok
}

// finishEntry fires the end-of-entry callback for the current entry and
// steps to the next index slot.
func (p *Processor) finishEntry() Status {
	if p.section == SectionImgEntry && p.entry.IsImg() {
		var computed []byte
		if p.wantImgHash() {
			computed = p.imgHash.Sum(nil)
		}
		matches := computed != nil && bytes.Equal(computed, p.imgReported[:])
		if p.cbs.OnImgEntryEnd != nil && !p.cbs.OnImgEntryEnd(&p.entry, p.imgReported[:], computed, matches) {
			if computed != nil && !matches {
				return HashMismatch
			}
			return UserBail
		}
	} else {
		if p.cbs.OnRegEntryEnd != nil && !p.cbs.OnRegEntryEnd(&p.entry) {
			return UserBail
		}
	}
	p.onEntry++
	p.st = stateReadEntry
	return Ok
}

// finishLzoBlock decodes the completed compressed block, delivers it and
// advances to the next block or entry.
func (p *Processor) finishLzoBlock() Status {
	offset := p.lzo.numBlocks * uint32(p.lzo.header.Blocksize)
	expected := p.lzo.header.UncompressedLength - offset
	if expected > uint32(p.lzo.header.Blocksize) {
		expected = uint32(p.lzo.header.Blocksize)
	}

	out, err := decompressBlock(p.lzo.compressed[:p.lzo.compressedLen], int(expected))
	if err != nil {
		return p.failWith(err)
	}
	p.lzo.numBlocks++

	if p.cbs.OnEntryData != nil {
		p.cbs.OnEntryData(&p.entry, out, offset)
	}
	if p.wantImgHash() {
		p.imgHash.Write(out)
	}

	if offset+expected == p.lzo.header.UncompressedLength {
		return p.finishEntry()
	}
	p.st = stateReadLzoSize
	return Ok
}
