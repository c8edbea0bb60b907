package packfs

import (
	"io"

	"github.com/woozymasta/lzo"

	"github.com/innofi/packfs/internal/blockcache"
)

// lzoState is the per-handle decoder for block-compressed entries: the
// entry's LzoHeader plus exactly one resident block, compressed and
// decompressed. Seeks behind the resident block restart from the entry
// and replay forward.
type lzoState struct {
	header    LzoHeader
	numBlocks uint32 // blocks consumed so far, including the resident one

	compressedLen uint16
	compressed    []byte
	uncompOff     uint16 // read position within the resident block
	uncompLen     uint16 // decoded length of the resident block
	uncompressed  []byte
}

func (l *lzoState) prep() {
	l.numBlocks = 0
	l.compressedLen = 0
	l.uncompOff = 0
	l.uncompLen = 0
}

// allocBlocks sizes the paired block buffers. Both succeed or neither.
func (l *lzoState) allocBlocks() {
	bs := int(l.header.Blocksize)
	if cap(l.compressed) < bs {
		l.compressed = make([]byte, bs)
		l.uncompressed = make([]byte, bs)
	}
	l.compressedLen = 0
	l.uncompOff = 0
	l.uncompLen = 0
}

// position is the logical offset within the uncompressed entry, the only
// externally observable position for a compressed entry.
func (l *lzoState) position() uint32 {
	if l.numBlocks == 0 {
		return 0
	}
	return (l.numBlocks-1)*uint32(l.header.Blocksize) + uint32(l.uncompOff)
}

// expectedLen is the uncompressed length of the next block: a full block
// except possibly at the tail of the entry.
func (l *lzoState) expectedLen() uint16 {
	remain := l.header.UncompressedLength - l.numBlocks*uint32(l.header.Blocksize)
	if remain > uint32(l.header.Blocksize) {
		return l.header.Blocksize
	}
	return uint16(remain)
}

func (a *Archive) readLzoHeader() error {
	var raw [LzoHeaderSize]byte
	if err := a.readChunk(raw[:]); err != nil {
		return err
	}
	if err := DecodeLzoHeader(&a.lzo.header, raw[:]); err != nil {
		return err
	}
	if err := CheckLzoHeader(&a.lzo.header); err != nil {
		return a.fail(err)
	}
	return nil
}

// decompressBlock decodes the resident compressed bytes in place. A block
// whose compressed length equals its expected uncompressed length was
// stored verbatim and is copied through.
func (a *Archive) decompressBlock() error {
	l := a.lzo
	want := l.expectedLen()
	blockIndex := l.numBlocks
	l.numBlocks++
	l.uncompOff = 0
	l.uncompLen = want

	var key blockcache.Key
	cached := a.opts.cache != nil && a.fid != 0
	if cached {
		key = blockcache.Key{File: a.fid, Entry: a.entry.Offset, Block: blockIndex}
		if n, ok := a.opts.cache.GetInto(key, l.uncompressed); ok && n == int(want) {
			return nil
		}
	}

	if want == l.compressedLen {
		copy(l.uncompressed, l.compressed[:want])
	} else {
		out, err := lzo.Decompress(l.compressed[:l.compressedLen], &lzo.DecompressOptions{OutLen: int(want)})
		if err != nil {
			return ErrIO
		}
		if len(out) != int(want) {
			return ErrTruncated
		}
		copy(l.uncompressed, out)
	}
	if cached {
		a.opts.cache.Put(key, l.uncompressed[:want])
	}
	return nil
}

// loadBlock reads the next block's length prefix and compressed bytes
// from the backing, then decodes it.
func (a *Archive) loadBlock() error {
	l := a.lzo
	if l.compressed == nil || l.uncompressed == nil {
		l.allocBlocks()
	}
	var szraw [2]byte
	if err := a.readChunk(szraw[:]); err != nil {
		return err
	}
	l.compressedLen = uint16(szraw[0]) | uint16(szraw[1])<<8
	if l.compressedLen > l.header.Blocksize {
		return a.fail(ErrTruncated)
	}
	if err := a.readChunk(l.compressed[:l.compressedLen]); err != nil {
		return err
	}
	if err := a.decompressBlock(); err != nil {
		return a.fail(err)
	}
	return nil
}

// skipBlock advances past one whole compressed block without decoding,
// leaving the block state exhausted.
func (a *Archive) skipBlock() error {
	l := a.lzo
	var szraw [2]byte
	if err := a.readChunk(szraw[:]); err != nil {
		return err
	}
	l.compressedLen = uint16(szraw[0]) | uint16(szraw[1])<<8
	if l.compressedLen > l.header.Blocksize {
		return a.fail(ErrTruncated)
	}
	if err := a.seekFwd(uint32(l.compressedLen)); err != nil {
		return err
	}
	want := l.expectedLen()
	l.numBlocks++
	l.uncompOff = want
	l.uncompLen = want
	return nil
}

// readLzo copies decompressed bytes into p, loading successive blocks
// until p is full or the entry is exhausted.
func (a *Archive) readLzo(p []byte) (int, error) {
	l := a.lzo
	total := 0
	for len(p) > 0 {
		if l.uncompOff == l.uncompLen {
			if l.position() == l.header.UncompressedLength {
				break // entry exhausted
			}
			if err := a.loadBlock(); err != nil {
				return total, err
			}
		}
		n := copy(p, l.uncompressed[l.uncompOff:l.uncompLen])
		l.uncompOff += uint16(n)
		total += n
		p = p[n:]
	}
	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// seekLzo resolves the target to a logical position and walks there:
// within the resident block by adjusting the offset, forward by skipping
// whole compressed blocks on their length field alone, backward by
// rewinding to the entry start and replaying.
func (a *Archive) seekLzo(offset int64, whence int) (int64, error) {
	l := a.lzo
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += int64(l.position())
	case io.SeekEnd:
		offset += int64(l.header.UncompressedLength)
	default:
		return 0, ErrInvalidArgument
	}
	if offset < 0 || offset > int64(l.header.UncompressedLength) {
		return 0, ErrOverflow
	}
	target := uint32(offset)

	position := l.position()
	switch {
	case target == position:
		return offset, nil

	case target >= position-uint32(l.uncompOff) && target < position-uint32(l.uncompOff)+uint32(l.uncompLen):
		// Within the resident block: rewind to its start and fall through.
		l.uncompOff = 0
		position = l.position()

	case target < position:
		// Behind the resident block: restart the entry.
		if err := a.seekAbs(a.entry.Offset); err != nil {
			return 0, err
		}
		if err := a.prepEntry(); err != nil {
			return 0, err
		}
		position = 0
	}

	for position < target {
		left := target - position

		if l.uncompOff < l.uncompLen {
			n := uint32(l.uncompLen - l.uncompOff)
			if left < n {
				n = left
			}
			l.uncompOff += uint16(n)
			position += n
			continue
		}

		if left > uint32(l.header.Blocksize) {
			if err := a.skipBlock(); err != nil {
				return 0, err
			}
			position += uint32(l.header.Blocksize)
			continue
		}

		if err := a.loadBlock(); err != nil {
			return 0, err
		}
	}

	return offset, nil
}
