package packfs_test

import (
	"strings"
	"testing"

	"github.com/innofi/packfs"
)

func TestSplitPath(t *testing.T) {
	cases := []struct {
		full      string
		container string
		interior  string
		fails     bool
	}{
		{full: "arch.pack#readme.txt", container: "arch.pack", interior: "readme.txt"},
		{full: "arch.pack#a/b/c", container: "arch.pack", interior: "a/b/c"},
		{full: "arch.pack", container: "arch.pack", interior: ""},
		{full: "arch.pack#", container: "arch.pack", interior: ""},
		{full: "#x", fails: true},
		{full: "", fails: true},
		{full: strings.Repeat("p", packfs.MaxFullPath) + "#x", fails: true},
		{full: "arch.pack#" + strings.Repeat("q", packfs.MaxEntryPath), fails: true},
	}
	for _, tc := range cases {
		container, interior, err := packfs.SplitPath(tc.full)
		if tc.fails {
			if err == nil {
				t.Errorf("SplitPath(%q): expected failure", tc.full)
			}
			if container != "" {
				t.Errorf("SplitPath(%q): container not emptied on failure", tc.full)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitPath(%q): %v", tc.full, err)
			continue
		}
		if container != tc.container || interior != tc.interior {
			t.Errorf("SplitPath(%q) = %q, %q; want %q, %q",
				tc.full, container, interior, tc.container, tc.interior)
		}
	}
}
