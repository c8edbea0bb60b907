package imagefs

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Clean removes stale archives from the image directory: every file
// matching one of the glob patterns, except the mounted image itself.
// Typical patterns are "image-*.pack" or "*.pack".
func (m *FS) Clean(patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	keep := filepath.Base(m.imagePath)

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep {
			continue
		}
		matched := false
		for _, pat := range patterns {
			ok, err := doublestar.Match(pat, e.Name())
			if err != nil {
				return err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		p := filepath.Join(m.cfg.Dir, e.Name())
		m.cfg.Log.Warn("cleaning unused file", "path", p)
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}
