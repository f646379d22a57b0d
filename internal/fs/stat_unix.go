//go:build unix

package fs

import (
	"fmt"
	"io/fs"
	"syscall"
)

// ownerOf extracts the owning uid and gid from a FileInfo.
func ownerOf(info fs.FileInfo) (uid, gid int, err error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("cannot extract ownership: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return int(stat.Uid), int(stat.Gid), nil
}
