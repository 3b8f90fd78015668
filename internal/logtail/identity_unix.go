//go:build unix

package logtail

import (
	"os"

	"golang.org/x/sys/unix"
)

// identityOf returns the (device, inode) pair of an open file
func identityOf(f *os.File) (FileID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return FileID{}, err
	}
	return FileID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
