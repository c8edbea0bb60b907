package packfs

import "strings"

// Separator splits the container path from the interior path in a
// composite name like "firmware.pack#etc/config".
const Separator = '#'

// SplitPath splits a composite path at the single Separator. The
// container portion must fit MaxFullPath; otherwise the split fails
// closed rather than silently truncating. An absent or empty interior
// returns interior == "" (the archive itself).
func SplitPath(full string) (container, interior string, err error) {
	container = full
	if i := strings.IndexByte(full, Separator); i >= 0 {
		container, interior = full[:i], full[i+1:]
	}
	if container == "" || len(container) >= MaxFullPath {
		return "", "", ErrInvalidArgument
	}
	if len(interior) >= MaxEntryPath {
		return "", "", ErrInvalidArgument
	}
	return container, interior, nil
}
