// Package diskspaceutil queries filesystem capacity, used by the disk
// manager to recheck available space after a disk-full condition.
package diskspaceutil

import "syscall"

// FileSystemSize returns the total capacity, in bytes, of the filesystem
// mounted at path.
func FileSystemSize(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}

// FileSystemAvailable returns the number of bytes available to an
// unprivileged user on the filesystem mounted at path.
func FileSystemAvailable(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// FileSystemUtil returns the percentage (0-100) of the filesystem mounted
// at path that is currently in use.
func FileSystemUtil(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	total := stat.Blocks
	free := stat.Bfree
	if total == 0 {
		return 0, nil
	}
	return float64(total-free) / float64(total) * 100, nil
}
