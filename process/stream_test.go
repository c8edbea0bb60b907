package process_test

import (
	"bytes"
	"testing"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/process"
)

func TestNewStreamSizeCheck(t *testing.T) {
	if _, err := process.NewStream(process.MinStreamSize-1, process.Callbacks{}, nil); err != packfs.ErrInvalidArgument {
		t.Fatalf("undersized stream = %v; want ErrInvalidArgument", err)
	}
	if _, err := process.NewStream(process.MinStreamSize, process.Callbacks{}, nil); err != nil {
		t.Fatalf("minimum stream size refused: %v", err)
	}
}

func TestLoadBackpressure(t *testing.T) {
	p, err := process.NewStream(process.MinStreamSize, process.Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing is consumed without Process, so the buffer fills and the
	// overflow is refused, split across multiple loads.
	big := bytes.Repeat([]byte{1}, process.MinStreamSize+40)
	n := p.Load(big)
	if n != process.MinStreamSize {
		t.Fatalf("Load into empty buffer = %d; want %d", n, process.MinStreamSize)
	}
	if n := p.Load(big[n:]); n != 0 {
		t.Fatalf("Load into full buffer = %d; want 0", n)
	}

	// After EOF no more bytes are accepted.
	p2, err := process.NewStream(process.MinStreamSize, process.Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p2.LoadEOF()
	if n := p2.Load([]byte{1}); n != 0 {
		t.Fatalf("Load after LoadEOF = %d; want 0", n)
	}
}

func TestEmptyStreamFails(t *testing.T) {
	p, err := process.NewStream(process.MinStreamSize, process.Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// EOF before the header is complete is a truncated stream.
	if st := p.LoadEOFAndFlush(); st != process.Fail {
		t.Fatalf("empty stream = %d; want Fail", st)
	}
}
