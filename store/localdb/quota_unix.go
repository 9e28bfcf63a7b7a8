//go:build linux || darwin || freebsd

package localdb

import "golang.org/x/sys/unix"

// filesystemCapacity returns the total size in bytes of the filesystem
// containing dir.
func filesystemCapacity(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Blocks) * int64(st.Bsize), nil //nolint:gosec // block counts fit in int64
}
