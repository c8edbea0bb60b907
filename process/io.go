package process

import (
	"io"
	"os"

	"github.com/woozymasta/lzo"

	"github.com/innofi/packfs"
)

// decompressBlock decodes one compressed block. A block whose stored
// length equals the expected uncompressed length was stored verbatim.
func decompressBlock(compressed []byte, expected int) ([]byte, error) {
	if len(compressed) == expected {
		return compressed, nil
	}
	out, err := lzo.Decompress(compressed, &lzo.DecompressOptions{OutLen: expected})
	if err != nil {
		return nil, packfs.ErrIO
	}
	if len(out) != expected {
		return nil, packfs.ErrTruncated
	}
	return out, nil
}

// FromFile walks the archive at path to completion. The result is EOF
// on a clean pass; anything else means the walk stopped early.
func FromFile(path string, cbs Callbacks) Status {
	f, err := os.Open(path)
	if err != nil {
		if cbs.OnError != nil {
			cbs.OnError(SectionHeader, err)
		}
		return Fail
	}
	defer f.Close()
	return FromReader(f, cbs)
}

// FromReader walks an already-open archive stream to completion.
func FromReader(r io.Reader, cbs Callbacks) Status {
	p := New(IO{Read: readerPull(r)}, cbs)
	return p.Process()
}

// readerPull adapts a blocking reader to the pull callback: a full read
// is Ok, a clean end is EOF, a short read is a failure.
func readerPull(r io.Reader) func(*Processor, []byte, int) (int, Status) {
	return func(_ *Processor, buf []byte, min int) (int, Status) {
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			return n, Ok
		case err == io.EOF && n == 0:
			return 0, EOF
		default:
			return n, Fail
		}
	}
}

// writerPush adapts a blocking writer to the mirror callback.
func writerPush(w io.Writer) func(*Processor, []byte) Status {
	return func(_ *Processor, buf []byte) Status {
		if _, err := w.Write(buf); err != nil {
			return Fail
		}
		return Ok
	}
}
