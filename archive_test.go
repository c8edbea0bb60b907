package packfs_test

import (
	"bytes"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/internal/packbuild"
)

// writeArchive builds an archive in a temp dir and returns its path.
func writeArchive(t *testing.T, b *packbuild.Builder) string {
	t.Helper()
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "arch.pack")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenReadRegular(t *testing.T) {
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "readme.txt", Data: []byte("hello")})
	path := writeArchive(t, &b)

	a, err := packfs.OpenEntry(path, "readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	buf := make([]byte, 5)
	if n, err := a.Read(buf); err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %d, %v, %q; want 5, nil, hello", n, err, buf)
	}
	if n, err := a.Read(buf[:1]); err != io.EOF || n != 0 {
		t.Fatalf("Read at EOF = %d, %v; want 0, io.EOF", n, err)
	}
}

func TestOpenMissingEntry(t *testing.T) {
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "readme.txt", Data: []byte("hello")})
	path := writeArchive(t, &b)

	if _, err := packfs.OpenEntry(path, "nope.txt"); err != packfs.ErrNotFound {
		t.Fatalf("open of missing entry = %v; want ErrNotFound", err)
	}
}

func TestOpenCorruptHeader(t *testing.T) {
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "readme.txt", Data: []byte("hello")})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	raw[12] ^= 0xff // inside the CRC-covered span, outside magic/version
	path := filepath.Join(t.TempDir(), "bad.pack")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := packfs.Open(path); err != packfs.ErrBadCRC {
		t.Fatalf("open of corrupt archive = %v; want ErrBadCRC", err)
	}
}

func TestOpenWrongVersion(t *testing.T) {
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "x", Data: []byte("x")})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	var h packfs.Header
	if err := packfs.DecodeHeader(&h, raw); err != nil {
		t.Fatal(err)
	}
	h.Version = packfs.Version + 1
	copy(raw, packfs.FinishHeader(&h))
	path := filepath.Join(t.TempDir(), "vers.pack")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := packfs.Open(path); err != packfs.ErrVersionMismatch {
		t.Fatalf("open of wrong-version archive = %v; want ErrVersionMismatch", err)
	}
}

func TestSeekRegular(t *testing.T) {
	content := []byte("0123456789abcdef")
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "data", Data: content})
	path := writeArchive(t, &b)

	a, err := packfs.OpenEntry(path, "data")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if pos, err := a.Seek(4, io.SeekStart); err != nil || pos != 4 {
		t.Fatalf("Seek(4, start) = %d, %v", pos, err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(a, buf); err != nil || string(buf) != "4567" {
		t.Fatalf("read after seek = %q, %v", buf, err)
	}
	if pos, err := a.Seek(-2, io.SeekEnd); err != nil || pos != 14 {
		t.Fatalf("Seek(-2, end) = %d, %v", pos, err)
	}
	if pos, err := a.Seek(-4, io.SeekCurrent); err != nil || pos != 10 {
		t.Fatalf("Seek(-4, cur) = %d, %v", pos, err)
	}

	// Out-of-bounds seeks overflow without latching the handle.
	if _, err := a.Seek(int64(len(content))+1, io.SeekStart); err != packfs.ErrOverflow {
		t.Fatalf("seek past end = %v; want ErrOverflow", err)
	}
	if _, err := a.Seek(-1, io.SeekStart); err != packfs.ErrOverflow {
		t.Fatalf("seek before start = %v; want ErrOverflow", err)
	}
	if _, err := a.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("handle unusable after overflow: %v", err)
	}
}

func TestImageEntry(t *testing.T) {
	image := bytes.Repeat([]byte{0xAA, 0x55}, 100)
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "app.bin", Data: image, Image: true})
	path := writeArchive(t, &b)

	a, err := packfs.OpenEntry(path, "app.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// Stat reports the logical size, net of the hash prefix.
	fi, err := a.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(image)) {
		t.Errorf("Stat().Size() = %d, want %d", fi.Size(), len(image))
	}

	// Reads are positioned at the entry start: the prefix comes first.
	var prefix [packfs.HashSize]byte
	if _, err := io.ReadFull(a, prefix[:]); err != nil {
		t.Fatal(err)
	}
	if want := sha256.Sum256(image); prefix != want {
		t.Error("image hash prefix does not match content digest")
	}
	rest, err := io.ReadAll(a)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rest, image) {
		t.Error("image payload after prefix does not match")
	}

	// The control surface reads the prefix without moving the cursor.
	if _, err := a.Seek(8, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	h, err := a.CurrentImageHash()
	if err != nil {
		t.Fatal(err)
	}
	if h != prefix {
		t.Error("CurrentImageHash differs from on-disk prefix")
	}
	if pos, err := a.Seek(0, io.SeekCurrent); err != nil || pos != 8 {
		t.Errorf("cursor moved by CurrentImageHash: pos=%d err=%v", pos, err)
	}
}

func TestControls(t *testing.T) {
	var b packbuild.Builder
	b.AddMeta(packbuild.MetaRecord{Type: packfs.MetaString, Key: "project", Desc: []byte("name"), Value: []byte("widget")})
	b.AddMeta(packbuild.MetaRecord{Type: packfs.MetaU32, Key: "rev", Value: []byte{9, 0, 0, 0}})
	b.AddFile(packbuild.FileSpec{Path: "a", Data: bytes.Repeat([]byte("A"), 10)})
	b.AddFile(packbuild.FileSpec{Path: "b", Data: bytes.Repeat([]byte("B"), 10)})
	path := writeArchive(t, &b)

	a, err := packfs.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if n, err := a.MetaCount(); err != nil || n != 2 {
		t.Fatalf("MetaCount = %d, %v; want 2", n, err)
	}
	m, desc, value, err := a.MetaAt(0)
	if err != nil || m.Key() != "project" || string(desc) != "name" || string(value) != "widget" {
		t.Fatalf("MetaAt(0) = %q %q %q, %v", m.Key(), desc, value, err)
	}
	if _, _, _, err := a.MetaAt(2); err == nil {
		t.Error("MetaAt out of range succeeded")
	}
	if i, m, err := a.MetaFind("rev"); err != nil || i != 1 || m.Key() != "rev" {
		t.Fatalf("MetaFind(rev) = %d, %q, %v", i, m.Key(), err)
	}
	if _, _, err := a.MetaFind("absent"); err != packfs.ErrNotFound {
		t.Fatalf("MetaFind(absent) = %v; want ErrNotFound", err)
	}

	if n := a.EntryCount(); n != 2 {
		t.Fatalf("EntryCount = %d; want 2", n)
	}
	e, err := a.EntryAt(1)
	if err != nil || e.Path() != "b" {
		t.Fatalf("EntryAt(1) = %q, %v", e.Path(), err)
	}
	if _, err := a.EntryAt(2); err == nil {
		t.Error("EntryAt out of range succeeded")
	}
	e, err = a.EntryFind("a")
	if err != nil || e.Path() != "a" || e.Length != 10 {
		t.Fatalf("EntryFind(a) = %+v, %v", e, err)
	}
	if _, err := a.EntryFind("zzz"); err != packfs.ErrNotFound {
		t.Fatalf("EntryFind(zzz) = %v; want ErrNotFound", err)
	}
}

func TestControlsPreserveReadPosition(t *testing.T) {
	var b packbuild.Builder
	b.AddMeta(packbuild.MetaRecord{Type: packfs.MetaString, Key: "k", Value: []byte("v")})
	b.AddFile(packbuild.FileSpec{Path: "data", Data: []byte("0123456789")})
	path := writeArchive(t, &b)

	a, err := packfs.OpenEntry(path, "data")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	buf := make([]byte, 3)
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.MetaFind("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.EntryFind("data"); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(a, buf); err != nil || string(buf) != "345" {
		t.Fatalf("read after controls = %q, %v; want 345", buf, err)
	}
}
