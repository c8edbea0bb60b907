//go:build !linux

package fileid

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
)

// File falls back to hashing the file's name, size and modification
// time where statx is unavailable.
func File(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	var h xxhash.Digest
	h.WriteString(f.Name())
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(st.Size()))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(st.ModTime().UnixNano()))
	h.Write(buf[:])
	return nonzero(h.Sum64()), nil
}
