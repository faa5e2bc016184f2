//go:build windows

package storage

import "golang.org/x/sys/windows"

// freeMegabytes reports the free space available to the current user
// on the volume holding path.
func freeMegabytes(path string) (int, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return int(freeBytesAvailable / (1024 * 1024)), nil
}
