//go:build !windows

package storage

import "golang.org/x/sys/unix"

func freeMegabytes(path string) (int, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int(uint64(stat.Bavail) * uint64(stat.Bsize) / (1024 * 1024)), nil
}
