package fileid

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// File derives the identity from statx: device, inode and birth time,
// so the id survives renames but not recreation.
func File(f *os.File) (uint64, error) {
	conn, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}

	var stat unix.Statx_t
	var inerr error
	err = conn.Control(func(fd uintptr) {
		inerr = unix.Statx(int(fd), "",
			unix.AT_EMPTY_PATH|unix.AT_STATX_FORCE_SYNC,
			unix.STATX_INO|unix.STATX_BTIME,
			&stat)
	})
	if err == nil {
		err = inerr
	}
	if err != nil {
		return 0, err
	}

	var h xxhash.Digest
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(stat.Dev_major)<<32|uint64(stat.Dev_minor))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], stat.Ino)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(stat.Btime.Sec))
	h.Write(buf[:])
	return nonzero(h.Sum64()), nil
}
