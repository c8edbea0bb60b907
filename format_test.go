package packfs_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/innofi/packfs"
)

func TestHeaderRoundtrip(t *testing.T) {
	h := packfs.Header{
		Magic:     packfs.Magic,
		Version:   packfs.Version,
		MetaSize:  1234,
		IndexSize: 3 * packfs.EntrySize,
	}
	for i := range h.MetaHash {
		h.MetaHash[i] = byte(i)
		h.IndexHash[i] = byte(255 - i)
		h.SecureHMAC[i] = byte(i * 3)
	}
	raw := packfs.FinishHeader(&h)
	if len(raw) != packfs.HeaderSize {
		t.Fatalf("encoded header is %d bytes, want %d", len(raw), packfs.HeaderSize)
	}

	var got packfs.Header
	if err := packfs.DecodeHeader(&got, raw); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header did not roundtrip (-want +got):\n%s", diff)
	}
	if err := packfs.CheckHeader(&got, raw); err != nil {
		t.Errorf("CheckHeader on pristine header: %v", err)
	}
}

func TestCheckHeaderRejectsCorruption(t *testing.T) {
	h := packfs.Header{Magic: packfs.Magic, Version: packfs.Version, IndexSize: packfs.EntrySize}
	raw := packfs.FinishHeader(&h)

	// Flipping any bit inside the CRC-covered region must be caught.
	for _, bit := range []int{4*8 + 1, 12 * 8, 44*8 + 7, 75 * 8} {
		mut := append([]byte(nil), raw...)
		mut[bit/8] ^= 1 << (bit % 8)
		var got packfs.Header
		if err := packfs.DecodeHeader(&got, mut); err != nil {
			t.Fatal(err)
		}
		if err := packfs.CheckHeader(&got, mut); err == nil {
			t.Errorf("bit %d flip not detected", bit)
		}
	}

	// The HMAC field is outside the CRC and never rejected here.
	mut := append([]byte(nil), raw...)
	mut[packfs.HeaderSize-1] ^= 0xff
	var got packfs.Header
	if err := packfs.DecodeHeader(&got, mut); err != nil {
		t.Fatal(err)
	}
	if err := packfs.CheckHeader(&got, mut); err != nil {
		t.Errorf("hmac flip must not fail CheckHeader: %v", err)
	}
}

func TestCheckHeaderIndexMultiple(t *testing.T) {
	h := packfs.Header{Magic: packfs.Magic, Version: packfs.Version, IndexSize: packfs.EntrySize + 1}
	raw := packfs.FinishHeader(&h)
	if err := packfs.CheckHeader(&h, raw); err == nil {
		t.Error("index size not a multiple of the entry size was accepted")
	}

	h.IndexSize = 0
	raw = packfs.FinishHeader(&h)
	if err := packfs.CheckHeader(&h, raw); err == nil {
		t.Error("zero index size was accepted")
	}
}

func TestEntryRoundtrip(t *testing.T) {
	var e packfs.Entry
	e.Flags = packfs.EntryImg | packfs.EntryLzo
	e.Offset = 4096
	e.Length = 999
	if err := e.SetPath("boot/app.bin"); err != nil {
		t.Fatal(err)
	}
	raw := packfs.EncodeEntry(&e)
	if len(raw) != packfs.EntrySize {
		t.Fatalf("encoded entry is %d bytes, want %d", len(raw), packfs.EntrySize)
	}
	var got packfs.Entry
	if err := packfs.DecodeEntry(&got, raw); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(e, got, cmpopts.EquateComparable(packfs.Entry{})); diff != "" {
		t.Errorf("entry did not roundtrip (-want +got):\n%s", diff)
	}
	if got.Path() != "boot/app.bin" || !got.IsImg() || !got.IsLzo() || got.IsReg() {
		t.Errorf("decoded entry fields wrong: %q %v", got.Path(), got.Flags)
	}
}

func TestMetaRoundtrip(t *testing.T) {
	var m packfs.Meta
	m.Type = packfs.MetaString
	m.DescSize = 5
	m.ValueSize = 17
	if err := m.SetKey("hardware-rev"); err != nil {
		t.Fatal(err)
	}
	raw := packfs.EncodeMeta(&m)
	if len(raw) != packfs.MetaPrefixSize {
		t.Fatalf("encoded meta prefix is %d bytes, want %d", len(raw), packfs.MetaPrefixSize)
	}
	var got packfs.Meta
	if err := packfs.DecodeMeta(&got, raw); err != nil {
		t.Fatal(err)
	}
	if got.Key() != "hardware-rev" || got.SideSize() != 22 || got.RecordSize() != packfs.MetaPrefixSize+22 {
		t.Errorf("decoded meta fields wrong: %q side=%d", got.Key(), got.SideSize())
	}
}

func TestOverlongNames(t *testing.T) {
	var e packfs.Entry
	if err := e.SetPath(string(make([]byte, packfs.MaxEntryPath))); err == nil {
		t.Error("over-length entry path accepted")
	}
	var m packfs.Meta
	if err := m.SetKey(string(make([]byte, packfs.MaxMetaKey))); err == nil {
		t.Error("over-length meta key accepted")
	}
}
