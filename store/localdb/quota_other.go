//go:build !linux && !darwin && !freebsd

package localdb

// filesystemCapacity is unknown on this platform; configure WithQuota.
func filesystemCapacity(string) (int64, error) {
	return 0, nil
}
