package recording

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage reports free and total bytes of the filesystem holding a path.
type DiskUsage func(path string) (free, total uint64, err error)

// StatfsUsage reads filesystem usage with statfs(2).
func StatfsUsage(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}
