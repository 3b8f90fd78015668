//go:build windows

package logtail

import (
	"os"

	"golang.org/x/sys/windows"
)

// identityOf returns the volume serial number and file index of an open file,
// the Windows equivalent of (device, inode)
func identityOf(f *os.File) (FileID, error) {
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &info); err != nil {
		return FileID{}, err
	}
	return FileID{
		Dev: uint64(info.VolumeSerialNumber),
		Ino: uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow),
	}, nil
}
