//go:build linux || darwin || freebsd

package cli

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errDiskUnsupported = errors.New("disk usage unsupported")

func freeSpace(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bs := uint64(st.Bsize)
	return uint64(st.Bavail) * bs, uint64(st.Blocks) * bs, nil
}
