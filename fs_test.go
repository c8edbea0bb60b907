package packfs_test

import (
	"bytes"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/innofi/packfs"
	"github.com/innofi/packfs/internal/packbuild"
)

func fsFixture(t *testing.T) *packfs.FS {
	t.Helper()
	var b packbuild.Builder
	b.AddFile(packbuild.FileSpec{Path: "readme.txt", Data: []byte("hello from inside")})
	b.AddFile(packbuild.FileSpec{Path: "pattern", Data: bytes.Repeat([]byte("xy"), 600), LzoBlocksize: 256})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	inner := fstest.MapFS{
		"firmware/arch.pack": &fstest.MapFile{Data: raw},
		"plain.txt":          &fstest.MapFile{Data: []byte("not an archive")},
	}
	return packfs.New(inner)
}

func TestFSConformance(t *testing.T) {
	fsys := fsFixture(t)
	err := fstest.TestFS(fsys,
		"plain.txt",
		"firmware/arch.pack/readme.txt",
		"firmware/arch.pack/pattern",
	)
	if err != nil {
		t.Error(err)
	}
}

func TestFSOpenInterior(t *testing.T) {
	fsys := fsFixture(t)

	data, err := fs.ReadFile(fsys, "firmware/arch.pack/readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello from inside" {
		t.Fatalf("interior read = %q", data)
	}

	data, err = fs.ReadFile(fsys, "firmware/arch.pack/pattern")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte("xy"), 600)) {
		t.Fatal("compressed interior read mismatch")
	}

	if _, err := fsys.Open("firmware/arch.pack/absent"); err == nil {
		t.Error("open of a missing interior path succeeded")
	}

	// A non-archive file passes through untouched.
	data, err = fs.ReadFile(fsys, "plain.txt")
	if err != nil || string(data) != "not an archive" {
		t.Fatalf("plain read = %q, %v", data, err)
	}
}

func TestFSArchiveListsAsDir(t *testing.T) {
	fsys := fsFixture(t)

	entries, err := fs.ReadDir(fsys, "firmware")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "arch.pack" || !entries[0].IsDir() {
		t.Fatalf("firmware listing = %v", entries)
	}

	entries, err = fs.ReadDir(fsys, "firmware/arch.pack")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 {
		t.Fatalf("archive listing = %v", names)
	}
}
