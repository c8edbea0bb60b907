package process

import (
	"io"

	"github.com/innofi/packfs"
)

// MinStreamSize is the smallest usable stream buffer: one index record,
// the widest fixed record of the format. Every exact pull the machine
// makes fits in it (the header is the largest); index records are pulled
// in pieces.
const MinStreamSize = packfs.EntrySize

// A Stream is the circular buffer between a caller pushing arbitrary
// byte slices and the processor pulling structured reads. The processor
// reports Again while the buffer holds less than it needs.
type Stream struct {
	buf    []byte
	offset int // read position
	length int // bytes buffered
	eof    bool
}

// NewStream builds a caller-fed processor with a buffer of size bytes,
// optionally mirroring consumed bytes to out.
func NewStream(size int, cbs Callbacks, out io.Writer) (*Processor, error) {
	if size < MinStreamSize {
		return nil, packfs.ErrInvalidArgument
	}
	s := &Stream{buf: make([]byte, size)}
	pio := IO{Read: s.read}
	if out != nil {
		pio.Write = writerPush(out)
	}
	p := New(pio, cbs)
	p.stream = s
	return p, nil
}

// NewStreamIO is NewStream with a caller-supplied write mirror, for
// sinks that transform by section.
func NewStreamIO(size int, cbs Callbacks, write func(*Processor, []byte) Status) (*Processor, error) {
	if size < MinStreamSize {
		return nil, packfs.ErrInvalidArgument
	}
	s := &Stream{buf: make([]byte, size)}
	p := New(IO{Read: s.read, Write: write}, cbs)
	p.stream = s
	return p, nil
}

func (s *Stream) read(_ *Processor, dst []byte, want int) (int, Status) {
	if s.length == 0 && s.eof {
		return 0, EOF
	}
	if s.length < want {
		return 0, Again
	}
	n := min(s.length, len(dst))
	chunk1 := min(n, len(s.buf)-s.offset)
	copy(dst, s.buf[s.offset:s.offset+chunk1])
	copy(dst[chunk1:], s.buf[:n-chunk1])
	s.offset = (s.offset + n) % len(s.buf)
	s.length -= n
	return n, Ok
}

// Load copies up to the free space from data into the buffer, returning
// the bytes accepted: 0 when full or after LoadEOF.
func (p *Processor) Load(data []byte) int {
	s := p.stream
	if s == nil || s.eof {
		return 0
	}
	n := min(len(data), len(s.buf)-s.length)
	if n == 0 {
		return 0
	}
	start := (s.offset + s.length) % len(s.buf)
	chunk1 := min(n, len(s.buf)-start)
	copy(s.buf[start:], data[:chunk1])
	copy(s.buf, data[chunk1:n])
	s.length += n
	return n
}

// LoadEOF marks the end of the pushed stream; the next starved read
// reports EOF instead of Again.
func (p *Processor) LoadEOF() {
	if p.stream != nil {
		p.stream.eof = true
	}
}

// Flush drives the machine over whatever is buffered.
func (p *Processor) Flush() Status { return p.Process() }

// LoadAndProcess pushes data and drives the machine until the data is
// consumed or the walk terminates. A full buffer that the machine still
// cannot act on is a deadlock and fails.
func (p *Processor) LoadAndProcess(data []byte) Status {
	status := Ok
	off := 0
	for off < len(data) {
		n := p.Load(data[off:])
		if n == 0 && status == Again {
			return Fail // buffer full yet the machine is starved
		}
		off += n
		status = p.Process()
		if status != Again {
			break
		}
	}
	if off < len(data) {
		return Fail
	}
	return status
}

// LoadEOFAndFlush terminates the push side and expects the machine to
// reach a proper end of archive.
func (p *Processor) LoadEOFAndFlush() Status {
	p.LoadEOF()
	status := p.Flush()
	if status == Ok || status == Again {
		return Fail // the machine should have seen EOF by now
	}
	return status
}
